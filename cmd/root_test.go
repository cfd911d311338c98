package cmd

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/config"
	"github.com/JakeFAU/sitemirror/internal/pipeline"
	"github.com/JakeFAU/sitemirror/internal/storage/local"
)

// These tests swap the package level newApp factory and so cannot run in
// parallel.

func TestCaptureCommandPrintsSummary(t *testing.T) {
	app := &fakeApp{results: map[string]pipeline.Result{
		"https://example.com": {Folder: "example.com_20240102_030405", Manifest: sampleManifest("example.com_20240102_030405")},
	}}
	useFakeApp(t, app)

	out, err := runCommand(t, writeConfig(t, t.TempDir()), "capture", "https://example.com")
	require.NoError(t, err)
	require.Contains(t, out, "example.com_20240102_030405")
	require.Contains(t, out, "assets=1 downloaded=1 failed=0")
	require.True(t, app.closed)
}

func TestCaptureCommandReportsFailures(t *testing.T) {
	app := &fakeApp{results: map[string]pipeline.Result{}}
	useFakeApp(t, app)

	_, err := runCommand(t, writeConfig(t, t.TempDir()), "capture", "https://a.example", "https://b.example")
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 of 2 captures failed")
	require.Equal(t, []string{"https://a.example", "https://b.example"}, app.captured)
	require.True(t, app.closed)
}

func TestCaptureCommandRequiresURL(t *testing.T) {
	useFakeApp(t, &fakeApp{})
	_, err := runCommand(t, writeConfig(t, t.TempDir()), "capture")
	require.Error(t, err)
}

func TestServeCommandRunsApp(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	_, err := runCommand(t, writeConfig(t, t.TempDir()), "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
	require.True(t, app.closed)
}

func TestAppFactoryErrorIsWrapped(t *testing.T) {
	prev := newApp
	t.Cleanup(func() { newApp = prev })
	newApp = func(context.Context, *config.Config) (App, error) {
		return nil, errors.New("boom")
	}

	_, err := runCommand(t, writeConfig(t, t.TempDir()), "serve")
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestInvalidConfigFails(t *testing.T) {
	useFakeApp(t, &fakeApp{})
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  workers: 0\n"), 0o600))

	_, err := runCommand(t, path, "serve")
	require.ErrorContains(t, err, "capture.workers")
}

func TestListCommand(t *testing.T) {
	root := t.TempDir()
	seedCapture(t, root, "example.com_20240102_030405")

	out, err := runCommand(t, writeConfig(t, root), "list")
	require.NoError(t, err)
	require.Contains(t, out, "FOLDER")
	require.Contains(t, out, "example.com_20240102_030405")
	require.Contains(t, out, "https://example.com")
}

func TestArchiveCommand(t *testing.T) {
	root := t.TempDir()
	seedCapture(t, root, "example.com_20240102_030405")
	dest := filepath.Join(t.TempDir(), "out.zip")

	out, err := runCommand(t, writeConfig(t, root), "archive", "example.com_20240102_030405", "-o", dest)
	require.NoError(t, err)
	require.Contains(t, out, dest)

	zr, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.Contains(t, names, pipeline.IndexFile)
	require.Contains(t, names, pipeline.ManifestFile)
}

func TestArchiveCommandUnknownFolder(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(t.TempDir(), "out.zip")

	_, err := runCommand(t, writeConfig(t, root), "archive", "missing_20240102_030405", "-o", dest)
	require.Error(t, err)
	_, statErr := os.Stat(dest)
	require.True(t, os.IsNotExist(statErr))
}

func runCommand(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, outputDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "capture:\n  output_dir: " + outputDir + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func useFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	prev := newApp
	t.Cleanup(func() { newApp = prev })
	newApp = func(context.Context, *config.Config) (App, error) {
		return app, nil
	}
}

func sampleManifest(folder string) capture.Manifest {
	rec := &capture.Record{
		Kind:      capture.KindCSS,
		Identity:  "https://example.com/site.css",
		Status:    capture.StatusDownloaded,
		LocalPath: "assets/css/site.css",
	}
	m := capture.BuildManifest(nil, []*capture.Record{rec})
	m.CaptureID = folder
	m.OriginalURL = "https://example.com"
	m.FolderName = folder
	m.CaptureTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	return m
}

func seedCapture(t *testing.T, root, folder string) {
	t.Helper()
	ctx := context.Background()
	lib, err := local.NewLibrary(local.Config{BaseDir: root})
	require.NoError(t, err)
	_, blobs, err := lib.Create(ctx, folder)
	require.NoError(t, err)

	data, err := json.Marshal(sampleManifest(folder))
	require.NoError(t, err)
	_, err = blobs.PutObject(ctx, pipeline.ManifestFile, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	_, err = blobs.PutObject(ctx, pipeline.IndexFile, "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
}

type fakeApp struct {
	results  map[string]pipeline.Result
	captured []string
	ran      bool
	closed   bool
}

func (f *fakeApp) Capture(_ context.Context, rawURL string) (pipeline.Result, error) {
	f.captured = append(f.captured, rawURL)
	res, ok := f.results[rawURL]
	if !ok {
		return pipeline.Result{}, errors.New("render failed")
	}
	return res, nil
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }
