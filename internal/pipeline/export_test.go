package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/capture"
	pubmemory "github.com/JakeFAU/sitemirror/internal/publisher/memory"
	"github.com/JakeFAU/sitemirror/internal/storage/memory"
)

func sampleManifest() capture.Manifest {
	m := capture.BuildManifest(
		[]capture.Occurrence{{Kind: capture.KindImage}, {Kind: capture.KindImage}},
		[]*capture.Record{
			{Kind: capture.KindImage, Identity: "https://example.com/a.png", Status: capture.StatusDownloaded},
			{Kind: capture.KindCSS, Identity: "https://example.com/x.css", Status: capture.StatusFailed},
		},
	)
	m.CaptureID = "0190c8d2-0000-7000-8000-000000000001"
	m.OriginalURL = "https://example.com/"
	m.FinalURL = "https://example.com/home"
	return m
}

func TestNotifyExporterPublishesCompletion(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	exp := NotifyExporter{Publisher: pub, Topic: "captures"}
	require.Equal(t, "notify", exp.Name())
	require.NoError(t, exp.Export(context.Background(), "example.com_2025", sampleManifest()))

	msgs := pub.Messages("captures")
	require.Len(t, msgs, 1)
	var got Completion
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "example.com_2025", got.Folder)
	require.Equal(t, 2, got.Assets)
	require.Equal(t, 1, got.Downloaded)
	require.Equal(t, 1, got.Failed)
	require.Equal(t, 1, got.ByKind[capture.KindImage])
	require.Equal(t, "example.com", msgs[0].Payload.(Completion).OrderingKey())
}

func TestIndexExporter(t *testing.T) {
	t.Parallel()

	index := memory.NewManifestIndex()
	exp := IndexExporter{Index: index}
	require.NoError(t, exp.Export(context.Background(), "f", sampleManifest()))
	_, err := index.Get(sampleManifest().CaptureID)
	require.NoError(t, err)

	require.Error(t, exp.Export(context.Background(), "f", capture.Manifest{}))
}

func TestArchiveExporterUploadsZip(t *testing.T) {
	t.Parallel()

	lib := newLibrary(t)
	folder, store, err := lib.Create(context.Background(), "example.com_2025")
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), IndexFile, "text/html", bytes.NewReader([]byte("<html></html>")))
	require.NoError(t, err)

	bucket := memory.NewBlobStore()
	exp := ArchiveExporter{Archiver: lib, Store: bucket, Prefix: "archives"}
	require.NoError(t, exp.Export(context.Background(), folder, capture.Manifest{}))

	obj, ok := bucket.Get("archives/example.com_2025.zip")
	require.True(t, ok)
	require.Equal(t, "application/zip", obj.ContentType)
	zr, err := zip.NewReader(bytes.NewReader(obj.Data), int64(len(obj.Data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	require.Equal(t, IndexFile, zr.File[0].Name)

	require.Error(t, exp.Export(context.Background(), "missing", capture.Manifest{}))
	require.Error(t, ArchiveExporter{}.Export(context.Background(), folder, capture.Manifest{}))
}

func TestArchiveExporterUploadFailure(t *testing.T) {
	t.Parallel()

	lib := newLibrary(t)
	folder, _, err := lib.Create(context.Background(), "site")
	require.NoError(t, err)
	exp := ArchiveExporter{Archiver: lib, Store: rejectingStore{}}
	require.ErrorContains(t, exp.Export(context.Background(), folder, capture.Manifest{}), "quota")
}

type rejectingStore struct{}

func (rejectingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("quota exceeded")
}
