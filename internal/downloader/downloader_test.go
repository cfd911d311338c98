package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/hash/sha256"
	"github.com/JakeFAU/sitemirror/internal/storage/memory"
)

func TestDownloadWritesAssetsUnderKindDirectories(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://example.com/a.png", "image/png", "png")
	fetcher.add("https://example.com/site.css", "text/css", "body{}")
	records := []*capture.Record{
		pendingRecord(capture.KindImage, "https://example.com/a.png"),
		pendingRecord(capture.KindCSS, "https://example.com/site.css"),
	}
	store := memory.NewBlobStore()

	d := New(Config{Workers: 2}, fetcher, nil, sha256.New(), zap.NewNop())
	stats, err := d.Download(context.Background(), store, records, nil)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 2, Downloaded: 2}, stats)

	require.Equal(t, capture.StatusDownloaded, records[0].Status)
	require.Equal(t, "assets/images/a.png", records[0].LocalPath)
	require.EqualValues(t, 3, records[0].Size)
	require.Equal(t, "image/png", records[0].ContentType)
	require.Len(t, records[0].SHA256, 64)
	require.Equal(t, "assets/css/site.css", records[1].LocalPath)

	obj, ok := store.Get("assets/images/a.png")
	require.True(t, ok)
	require.Equal(t, "png", string(obj.Data))
	require.Equal(t, []string{"assets/css/site.css", "assets/images/a.png"}, store.Paths())
}

func TestDownloadFetchesEachRecordOnce(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	var records []*capture.Record
	for i := 0; i < 20; i++ {
		url := fmt.Sprintf("https://example.com/img/%d.png", i)
		fetcher.add(url, "image/png", "x")
		records = append(records, pendingRecord(capture.KindImage, capture.Identity(url)))
	}
	done := pendingRecord(capture.KindImage, "https://example.com/already.png")
	done.Status = capture.StatusDownloaded
	done.LocalPath = "assets/images/already.png"
	records = append(records, done)

	d := New(Config{Workers: 4}, fetcher, nil, sha256.New(), zap.NewNop())
	stats, err := d.Download(context.Background(), memory.NewBlobStore(), records, nil)
	require.NoError(t, err)
	require.Equal(t, 20, stats.Total)
	for i := 0; i < 20; i++ {
		require.EqualValues(t, 1, fetcher.count(fmt.Sprintf("https://example.com/img/%d.png", i)))
	}
	require.Zero(t, fetcher.count("https://example.com/already.png"))
	require.LessOrEqual(t, fetcher.maxInFlight.Load(), int64(4))
}

func TestDownloadCollidingNamesGetSuffixes(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://cdn-a.example.com/logo.png", "image/png", "a")
	fetcher.add("https://cdn-b.example.com/logo.png", "image/png", "b")
	records := []*capture.Record{
		pendingRecord(capture.KindImage, "https://cdn-a.example.com/logo.png"),
		pendingRecord(capture.KindImage, "https://cdn-b.example.com/logo.png"),
	}
	store := memory.NewBlobStore()

	// A single worker makes "first writer" deterministic.
	d := New(Config{Workers: 1}, fetcher, nil, sha256.New(), zap.NewNop())
	_, err := d.Download(context.Background(), store, records, nil)
	require.NoError(t, err)
	require.Equal(t, "assets/images/logo.png", records[0].LocalPath)
	require.Equal(t, "assets/images/logo_1.png", records[1].LocalPath)

	first, _ := store.Get("assets/images/logo.png")
	second, _ := store.Get("assets/images/logo_1.png")
	require.Equal(t, "a", string(first.Data))
	require.Equal(t, "b", string(second.Data))
}

func TestDownloadIsolatesFailures(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://example.com/ok-1.png", "image/png", "1")
	fetcher.add("https://example.com/ok-2.png", "image/png", "2")
	fetcher.fail("https://example.com/missing.png", &capture.FetchError{
		Kind:       capture.FetchHTTPError,
		URL:        "https://example.com/missing.png",
		StatusCode: http.StatusNotFound,
	})
	fetcher.fail("https://example.com/reset.png", errors.New("connection reset"))
	records := []*capture.Record{
		pendingRecord(capture.KindImage, "https://example.com/ok-1.png"),
		pendingRecord(capture.KindImage, "https://example.com/missing.png"),
		pendingRecord(capture.KindImage, "https://example.com/reset.png"),
		pendingRecord(capture.KindImage, "https://example.com/ok-2.png"),
	}

	d := New(Config{Workers: 3}, fetcher, nil, sha256.New(), zap.NewNop())
	stats, err := d.Download(context.Background(), memory.NewBlobStore(), records, nil)
	require.NoError(t, err)
	require.Equal(t, Stats{Total: 4, Downloaded: 2, Failed: 2}, stats)

	require.Equal(t, capture.StatusFailed, records[1].Status)
	require.Empty(t, records[1].LocalPath)
	require.Equal(t, capture.FetchHTTPError, records[1].ErrorKind)
	require.Contains(t, records[1].Error, "404")
	require.Equal(t, capture.FetchConnectionFailure, records[2].ErrorKind)
	require.Equal(t, capture.StatusDownloaded, records[3].Status)
}

func TestDownloadPerFetchTimeout(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://example.com/fast.js", "application/javascript", "ok")
	fetcher.stall("https://example.com/stalled.js")
	records := []*capture.Record{
		pendingRecord(capture.KindJS, "https://example.com/stalled.js"),
		pendingRecord(capture.KindJS, "https://example.com/fast.js"),
	}

	d := New(Config{Workers: 2, Timeout: 50 * time.Millisecond}, fetcher, nil, sha256.New(), zap.NewNop())
	stats, err := d.Download(context.Background(), memory.NewBlobStore(), records, nil)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, capture.FetchTimeout, records[0].ErrorKind)
	require.Equal(t, capture.StatusDownloaded, records[1].Status)
}

func TestDownloadWriteFailure(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://example.com/a.png", "image/png", "png")
	records := []*capture.Record{pendingRecord(capture.KindImage, "https://example.com/a.png")}

	d := New(Config{}, fetcher, nil, sha256.New(), zap.NewNop())
	_, err := d.Download(context.Background(), failingStore{}, records, nil)
	require.NoError(t, err)
	require.Equal(t, capture.StatusFailed, records[0].Status)
	require.Equal(t, capture.FetchWriteFailure, records[0].ErrorKind)
}

func TestDownloadReportsProgress(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	var records []*capture.Record
	for i := 0; i < 10; i++ {
		url := fmt.Sprintf("https://example.com/%d.css", i)
		fetcher.add(url, "text/css", "")
		records = append(records, pendingRecord(capture.KindCSS, capture.Identity(url)))
	}

	var (
		mu       sync.Mutex
		seen     []int
		totals   = map[int]struct{}{}
		statuses = map[capture.Status]int{}
	)
	d := New(Config{Workers: 5}, fetcher, nil, sha256.New(), zap.NewNop())
	_, err := d.Download(context.Background(), memory.NewBlobStore(), records, func(rec capture.Record, completed, total int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, completed)
		totals[total] = struct{}{}
		statuses[rec.Status]++
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seen)
	require.Equal(t, map[int]struct{}{10: {}}, totals)
	require.Equal(t, map[capture.Status]int{capture.StatusDownloaded: 10}, statuses)
}

func TestDownloadUsesLimiter(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.add("https://example.com/a.png", "image/png", "a")
	fetcher.add("https://example.com/b.png", "image/png", "b")
	records := []*capture.Record{
		pendingRecord(capture.KindImage, "https://example.com/a.png"),
		pendingRecord(capture.KindImage, "https://example.com/b.png"),
	}
	limiter := &countingLimiter{deny: "https://example.com/b.png"}

	d := New(Config{Workers: 2}, fetcher, limiter, sha256.New(), zap.NewNop())
	_, err := d.Download(context.Background(), memory.NewBlobStore(), records, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, limiter.calls.Load())
	require.Equal(t, capture.StatusDownloaded, records[0].Status)
	require.Equal(t, capture.StatusFailed, records[1].Status)
	require.Zero(t, fetcher.count("https://example.com/b.png"))
}

func TestDownloadCanceled(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.stall("https://example.com/stalled.png")
	records := []*capture.Record{pendingRecord(capture.KindImage, "https://example.com/stalled.png")}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	d := New(Config{Timeout: time.Minute}, fetcher, nil, sha256.New(), zap.NewNop())
	_, err := d.Download(ctx, memory.NewBlobStore(), records, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, capture.StatusFailed, records[0].Status)
}

func pendingRecord(kind capture.Kind, identity capture.Identity) *capture.Record {
	return &capture.Record{Kind: kind, Identity: identity, Status: capture.StatusPending}
}

type fakeAsset struct {
	contentType string
	body        string
	err         error
	stall       bool
}

type fakeFetcher struct {
	mu          sync.Mutex
	assets      map[string]fakeAsset
	calls       map[string]int
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{assets: make(map[string]fakeAsset), calls: make(map[string]int)}
}

func (f *fakeFetcher) add(url, contentType, body string) {
	f.assets[url] = fakeAsset{contentType: contentType, body: body}
}

func (f *fakeFetcher) fail(url string, err error) {
	f.assets[url] = fakeAsset{err: err}
}

func (f *fakeFetcher) stall(url string) {
	f.assets[url] = fakeAsset{stall: true}
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) FetchAsset(ctx context.Context, url string) (capture.AssetResponse, error) {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if current <= peak || f.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	f.mu.Lock()
	f.calls[url]++
	asset, ok := f.assets[url]
	f.mu.Unlock()

	switch {
	case !ok:
		return capture.AssetResponse{}, fmt.Errorf("unexpected url %s", url)
	case asset.stall:
		<-ctx.Done()
		return capture.AssetResponse{}, ctx.Err()
	case asset.err != nil:
		return capture.AssetResponse{}, asset.err
	}
	time.Sleep(time.Millisecond)
	return capture.AssetResponse{
		URL:         url,
		StatusCode:  http.StatusOK,
		ContentType: asset.contentType,
		Body:        []byte(asset.body),
	}, nil
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

type countingLimiter struct {
	calls atomic.Int64
	deny  string
}

func (l *countingLimiter) Wait(_ context.Context, url string) error {
	l.calls.Add(1)
	if url == l.deny {
		return errors.New("limiter closed")
	}
	return nil
}
