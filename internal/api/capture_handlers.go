package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/pipeline"
)

const (
	defaultCaptureLimit = 50
	maxCaptureLimit     = 500
)

type captureRequest struct {
	URL string `json:"url"`
}

type submitResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Progress string `json:"progress"`
}

// captureSummary is the list view of a manifest; records are omitted.
type captureSummary struct {
	ID          string    `json:"capture_id"`
	Folder      string    `json:"folder"`
	OriginalURL string    `json:"original_url"`
	FinalURL    string    `json:"final_url"`
	CaptureTime time.Time `json:"capture_time"`
	Screenshot  string    `json:"screenshot,omitempty"`
	Assets      int       `json:"assets"`
	Downloaded  int       `json:"downloaded"`
	Failed      int       `json:"failed"`
}

func (s *Server) submitCapture(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil || s.ids == nil {
		writeError(w, http.StatusServiceUnavailable, "capture queue unavailable")
		return
	}
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, err := pipeline.ValidateURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("generate capture id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate capture id")
		return
	}
	submitted := time.Now()
	if s.clock != nil {
		submitted = s.clock.Now()
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), s.opts.EnqueueTimeout)
	defer cancel()
	item := capture.Request{ID: id, URL: target.String(), Submitted: submitted.UTC()}
	if err := s.queue.Enqueue(queueCtx, item); err != nil {
		if errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, capture.ErrQueueFull) ||
			errors.Is(err, capture.ErrQueueClosed) {
			writeError(w, http.StatusServiceUnavailable, "capture queue is full")
			return
		}
		s.logger.Error("enqueue capture failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue capture")
		return
	}
	s.logger.Info("capture queued", zap.String("capture_id", id), zap.String("url", item.URL))
	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:       id,
		URL:      item.URL,
		Progress: "/api/progress/" + id,
	})
}

func (s *Server) listCaptures(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "capture library unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultCaptureLimit, maxCaptureLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	manifests, err := s.library.List(r.Context())
	if err != nil {
		s.logger.Error("list captures failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list captures")
		return
	}
	total := len(manifests)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]captureSummary, 0, end-offset)
	for _, m := range manifests[offset:end] {
		out = append(out, toSummary(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"captures": out,
		"total":    total,
	})
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "capture library unavailable")
		return
	}
	manifest, err := s.library.Manifest(r.Context(), chi.URLParam(r, "folder"))
	if err != nil {
		s.libraryError(w, "load capture", err)
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) deleteCapture(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "capture library unavailable")
		return
	}
	folder := chi.URLParam(r, "folder")
	if err := s.library.Delete(r.Context(), folder); err != nil {
		s.libraryError(w, "delete capture", err)
		return
	}
	s.logger.Info("capture deleted", zap.String("folder", folder))
	writeJSON(w, http.StatusOK, map[string]string{"folder": folder, "status": "deleted"})
}

func (s *Server) archiveCapture(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "capture library unavailable")
		return
	}
	folder := chi.URLParam(r, "folder")
	if _, err := s.library.Manifest(r.Context(), folder); err != nil {
		s.libraryError(w, "archive capture", err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": folder + ".zip",
	}))
	w.WriteHeader(http.StatusOK)
	// Headers are gone at this point; a failure can only be logged.
	if err := s.library.WriteArchive(r.Context(), folder, w); err != nil {
		s.logger.Error("stream archive failed", zap.String("folder", folder), zap.Error(err))
	}
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "capture library unavailable")
		return
	}
	folder := chi.URLParam(r, "folder")
	rel := chi.URLParam(r, "*")
	if rel == "" {
		rel = pipeline.IndexFile
	}
	f, info, err := s.library.Open(folder, rel)
	if err != nil {
		s.libraryError(w, "open capture file", err)
		return
	}
	defer func() { _ = f.Close() }()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) libraryError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, capture.ErrNotFound) {
		writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func toSummary(m capture.Manifest) captureSummary {
	assets, downloaded, failed := m.Totals()
	return captureSummary{
		ID:          m.CaptureID,
		Folder:      m.FolderName,
		OriginalURL: m.OriginalURL,
		FinalURL:    m.FinalURL,
		CaptureTime: m.CaptureTime,
		Screenshot:  m.Screenshot,
		Assets:      assets,
		Downloaded:  downloaded,
		Failed:      failed,
	}
}
