package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

const manifestFile = "manifest.json"

// archiveTime is stamped on every archive entry so archives of the same
// capture are byte-identical.
var archiveTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Library manages capture directories below a root.
type Library struct {
	root string
	mu   sync.Mutex
}

// NewLibrary opens (and creates if needed) the capture root.
func NewLibrary(cfg Config) (*Library, error) {
	if err := ensureDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	return &Library{root: filepath.Clean(cfg.BaseDir)}, nil
}

// Root returns the capture root directory.
func (l *Library) Root() string {
	return l.root
}

// Create makes a new capture directory. When name is taken the first free
// name_N is used instead.
func (l *Library) Create(_ context.Context, name string) (string, capture.BlobStore, error) {
	if err := validFolder(name); err != nil {
		return "", nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	folder := name
	for i := 1; ; i++ {
		err := os.Mkdir(filepath.Join(l.root, folder), 0o750)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, fmt.Errorf("create capture directory: %w", err)
		}
		folder = name + "_" + strconv.Itoa(i)
	}
	return folder, &BlobStore{baseDir: filepath.Join(l.root, folder)}, nil
}

// List returns the manifests of every capture, newest first. Directories
// without a readable manifest are skipped.
func (l *Library) List(ctx context.Context) ([]capture.Manifest, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("read capture root: %w", err)
	}
	out := make([]capture.Manifest, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("list captures: %w", err)
		}
		if !entry.IsDir() {
			continue
		}
		manifest, err := l.Manifest(ctx, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, manifest)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CaptureTime.Equal(out[j].CaptureTime) {
			return out[i].CaptureTime.After(out[j].CaptureTime)
		}
		return out[i].FolderName > out[j].FolderName
	})
	return out, nil
}

// Manifest loads the manifest of one capture.
func (l *Library) Manifest(_ context.Context, folder string) (capture.Manifest, error) {
	dir, err := l.dir(folder)
	if err != nil {
		return capture.Manifest{}, err
	}
	// #nosec G304 -- dir is validated by l.dir.
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return capture.Manifest{}, fmt.Errorf("manifest for %s: %w", folder, capture.ErrNotFound)
		}
		return capture.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var manifest capture.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return capture.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.FolderName == "" {
		manifest.FolderName = folder
	}
	return manifest, nil
}

// Delete removes a capture directory.
func (l *Library) Delete(_ context.Context, folder string) error {
	dir, err := l.dir(folder)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete capture: %w", err)
	}
	return nil
}

// Open returns a regular file inside a capture. rel uses forward slashes.
// The caller closes the file.
func (l *Library) Open(folder, rel string) (*os.File, fs.FileInfo, error) {
	dir, err := l.dir(folder)
	if err != nil {
		return nil, nil, err
	}
	full, err := within(dir, rel)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", capture.ErrNotFound, err)
	}
	// #nosec G304 -- full is confined to the capture directory by within.
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("file %s: %w", rel, capture.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, nil, fmt.Errorf("file %s: %w", rel, capture.ErrNotFound)
	}
	return f, info, nil
}

// WriteArchive writes a zip of the capture to w. Entries use paths relative
// to the capture directory in lexical order with fixed timestamps, so the
// same directory always yields the same bytes.
func (l *Library) WriteArchive(ctx context.Context, folder string, w io.Writer) error {
	dir, err := l.dir(folder)
	if err != nil {
		return err
	}
	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk capture: %w", err)
	}
	sort.Strings(files)

	zw := zip.NewWriter(w)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("archive canceled: %w", err)
		}
		if err := addToArchive(zw, dir, rel); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish archive: %w", err)
	}
	return nil
}

func addToArchive(zw *zip.Writer, dir, rel string) error {
	header := &zip.FileHeader{
		Name:     rel,
		Method:   zip.Deflate,
		Modified: archiveTime,
	}
	header.SetMode(0o644)
	entry, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", rel, err)
	}
	// #nosec G304 -- rel comes from walking the capture directory.
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(entry, f); err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}
	return nil
}

// dir resolves an existing capture directory.
func (l *Library) dir(folder string) (string, error) {
	if err := validFolder(folder); err != nil {
		return "", fmt.Errorf("%w: %v", capture.ErrNotFound, err)
	}
	dir := filepath.Join(l.root, folder)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("capture %s: %w", folder, capture.ErrNotFound)
	}
	return dir, nil
}

func validFolder(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid folder name %q", name)
	case strings.ContainsAny(name, `/\`), strings.HasPrefix(name, "."):
		return fmt.Errorf("invalid folder name %q", name)
	}
	return nil
}
