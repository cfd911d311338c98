// Package headless renders pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/sitemirror/internal/capture"
	"github.com/JakeFAU/sitemirror/internal/metrics"
)

// Config controls the behavior of the headless renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// IdleWindow is how long the network must stay quiet before the page
	// counts as settled; IdleTimeout caps the wait.
	IdleWindow  time.Duration
	IdleTimeout time.Duration
	// SettleDelay is slept after each phase that can trigger new loads.
	SettleDelay    time.Duration
	ViewportWidth  int
	ViewportHeight int
	ScrollStep     int
	ScrollInterval time.Duration
	ScrollMax      int
	Screenshot     bool
	ExecPath       string
}

// Renderer implements capture.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg     Config
	limiter chan struct{}
	opts    []chromedp.ExecAllocatorOption
}

// New creates a headless renderer. No browser is started until Render.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	cfg = withDefaults(cfg)
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	return &Renderer{
		cfg:     cfg,
		limiter: limiter,
		opts:    opts,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 120 * time.Second
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 500 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1920
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 1080
	}
	if cfg.ScrollStep <= 0 {
		cfg.ScrollStep = 150
	}
	if cfg.ScrollInterval <= 0 {
		cfg.ScrollInterval = 200 * time.Millisecond
	}
	if cfg.ScrollMax <= 0 {
		cfg.ScrollMax = 15000
	}
	return cfg
}

// Render navigates to url, lets the page settle, scrolls it end to end so
// lazy content loads, and returns the serialized DOM plus a full-page
// screenshot. The browser process lives only for the duration of the call.
func (r *Renderer) Render(ctx context.Context, url string) (capture.Snapshot, error) {
	if err := r.acquire(ctx); err != nil {
		return capture.Snapshot{}, &capture.RenderError{URL: url, Err: err}
	}
	defer r.release()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	idle := newIdleTracker(time.Now)
	chromedp.ListenTarget(taskCtx, func(ev any) {
		meta.captureEvent(ev)
		idle.captureEvent(ev)
	})

	start := time.Now()
	page, err := r.run(taskCtx, url, meta, idle)
	if err != nil {
		return capture.Snapshot{}, &capture.RenderError{URL: url, StatusCode: meta.status(), Err: err}
	}

	status, responseURL := meta.snapshotWithFallbacks(url, page.finalURL)
	if status >= http.StatusBadRequest {
		return capture.Snapshot{}, &capture.RenderError{URL: url, StatusCode: status}
	}
	duration := time.Since(start)
	metrics.ObserveRender("headless", duration)

	finalURL := page.finalURL
	if finalURL == "" {
		finalURL = responseURL
	}
	return capture.Snapshot{
		RequestURL: url,
		FinalURL:   finalURL,
		StatusCode: status,
		HTML:       page.html,
		Screenshot: page.screenshot,
		Duration:   duration,
	}, nil
}

type renderedPage struct {
	html       string
	finalURL   string
	screenshot []byte
}

func (r *Renderer) run(ctx context.Context, url string, meta *responseMeta, idle *idleTracker) (renderedPage, error) {
	var page renderedPage
	settle := chromedp.Sleep(r.cfg.SettleDelay)
	actions := []chromedp.Action{
		r.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.ActionFunc(func(context.Context) error {
			if status := meta.status(); status >= http.StatusBadRequest {
				return fmt.Errorf("navigation returned status %d", status)
			}
			return nil
		}),
		idle.waitAction(r.cfg.IdleWindow, r.cfg.IdleTimeout),
		settle,
		evaluateAwait(scrollScript(r.cfg.ScrollStep, r.cfg.ScrollInterval, r.cfg.ScrollMax)),
		settle,
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
		settle,
		chromedp.Evaluate(`window.scrollTo(0, 0)`, nil),
		settle,
		idle.waitAction(r.cfg.IdleWindow, r.cfg.IdleTimeout),
		chromedp.Location(&page.finalURL),
		chromedp.Evaluate(serializeScript, &page.html),
	}
	if r.cfg.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(&page.screenshot, 100))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		err := emulation.SetDeviceMetricsOverride(int64(r.cfg.ViewportWidth), int64(r.cfg.ViewportHeight), 1, false).Do(ctx)
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

func evaluateAwait(script string) chromedp.Action {
	return chromedp.Evaluate(script, nil, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	})
}

// scrollScript scrolls down in fixed steps until the bottom of the page or
// max pixels, then returns to the top.
func scrollScript(step int, interval time.Duration, maxPx int) string {
	return fmt.Sprintf(`new Promise((resolve) => {
  let total = 0;
  const timer = setInterval(() => {
    window.scrollBy(0, %d);
    total += %d;
    if (total >= document.body.scrollHeight || total >= %d) {
      clearInterval(timer);
      window.scrollTo(0, 0);
      resolve(total);
    }
  }, %d);
})`, step, step, maxPx, interval.Milliseconds())
}

const serializeScript = `(document.doctype ? new XMLSerializer().serializeToString(document.doctype) + "\n" : "") + document.documentElement.outerHTML`

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

type responseMeta struct {
	mu         sync.RWMutex
	statusCode int
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Only the first document response is the page; later ones are frames.
	if m.statusCode != 0 {
		return
	}
	m.statusCode = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusCode
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.statusCode, m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

// idleTracker counts in-flight requests from network events.
type idleTracker struct {
	mu           sync.Mutex
	now          func() time.Time
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
}

func newIdleTracker(now func() time.Time) *idleTracker {
	return &idleTracker{
		now:          now,
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: now(),
	}
}

func (t *idleTracker) captureEvent(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.lastActivity = t.now()
}

// idle reports whether nothing is in flight and nothing happened for
// window.
func (t *idleTracker) idle(window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.lastActivity) >= window
}

// waitAction blocks until the network is idle or maxWait passes. Hitting
// maxWait is not an error; long-polling pages never go fully idle.
func (t *idleTracker) waitAction(window, maxWait time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.NewTimer(maxWait)
		defer deadline.Stop()
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			if t.idle(window) {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("wait for network idle: %w", ctx.Err())
			case <-deadline.C:
				return nil
			case <-tick.C:
			}
		}
	})
}

// ErrNoBrowser is returned by Unavailable.
var ErrNoBrowser = errors.New("headless renderer not configured")

// Unavailable is a Renderer that always fails; it stands in when the
// service is configured for headless rendering but no browser could be
// set up.
type Unavailable struct{}

// Render always returns a RenderError wrapping ErrNoBrowser.
func (Unavailable) Render(_ context.Context, url string) (capture.Snapshot, error) {
	return capture.Snapshot{}, &capture.RenderError{URL: url, Err: ErrNoBrowser}
}
