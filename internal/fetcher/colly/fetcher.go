// Package collyfetcher retrieves assets, and optionally whole pages without
// JavaScript, using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/metrics"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 50 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	Headers     http.Header
}

// Fetcher implements capture.AssetFetcher and capture.Renderer on top of
// the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newRetryTransport(newHTTPTransport(), metrics.ObserveFetchRetry))

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

type result struct {
	url         string
	statusCode  int
	contentType string
	body        []byte
}

// FetchAsset performs one GET for an asset. Failures are returned as
// *capture.FetchError.
func (f *Fetcher) FetchAsset(ctx context.Context, url string) (capture.AssetResponse, error) {
	res, err := f.get(ctx, url)
	if err != nil {
		return capture.AssetResponse{}, err
	}
	return capture.AssetResponse{
		URL:         res.url,
		StatusCode:  res.statusCode,
		ContentType: res.contentType,
		Body:        res.body,
	}, nil
}

// Render fetches the page HTML as served, without executing scripts. It is
// the fallback when no browser is available and never produces a
// screenshot.
func (f *Fetcher) Render(ctx context.Context, url string) (capture.Snapshot, error) {
	start := time.Now()
	res, err := f.get(ctx, url)
	if err != nil {
		var fetchErr *capture.FetchError
		if errors.As(err, &fetchErr) {
			return capture.Snapshot{}, &capture.RenderError{URL: url, StatusCode: fetchErr.StatusCode, Err: err}
		}
		return capture.Snapshot{}, &capture.RenderError{URL: url, Err: err}
	}
	duration := time.Since(start)
	metrics.ObserveRender("static", duration)
	return capture.Snapshot{
		RequestURL: url,
		FinalURL:   res.url,
		StatusCode: res.statusCode,
		HTML:       string(res.body),
		Duration:   duration,
	}, nil
}

func (f *Fetcher) get(ctx context.Context, url string) (result, error) {
	var (
		res      result
		fetchErr error
	)
	collector := f.buildCollector(ctx, &res, &fetchErr)
	if err := f.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return result{}, classify(url, err)
	}
	if res.statusCode < 200 || res.statusCode > 299 {
		return result{}, &capture.FetchError{Kind: capture.FetchHTTPError, URL: url, StatusCode: res.statusCode}
	}
	if len(res.body) > f.cfg.MaxBodySize {
		return result{}, &capture.FetchError{
			Kind: capture.FetchTooLarge,
			URL:  url,
			Err:  fmt.Errorf("body exceeds %d bytes", f.cfg.MaxBodySize),
		}
	}
	return res, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, res *result, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	// Requests carry ctx so cancellation aborts the connection itself.
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	// One extra byte so an oversized body is detectable after truncation.
	collector.MaxBodySize = f.cfg.MaxBodySize + 1
	collector.SetRequestTimeout(f.cfg.Timeout)

	f.configureCollectorHooks(collector, res, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *result, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*res = result{
			url:         r.Request.URL.String(),
			statusCode:  r.StatusCode,
			contentType: r.Headers.Get("Content-Type"),
			body:        append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			res.statusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		// Visit unwinds once the aborted request returns; waiting keeps a
		// caller's concurrency limit equal to the number of open requests.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("colly fetch canceled: %w", ctxErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	if f.cfg.Headers == nil {
		return
	}
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func classify(url string, err error) *capture.FetchError {
	kind := capture.FetchConnectionFailure
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = capture.FetchTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = capture.FetchTimeout
	}
	return &capture.FetchError{Kind: kind, URL: url, Err: err}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
