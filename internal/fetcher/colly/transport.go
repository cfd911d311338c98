package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"
	"time"
)

var retryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// retryTransport retries idempotent requests that failed during the TLS
// handshake or had their connection reset.
type retryTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
	onRetry func(host string)
}

func newRetryTransport(base http.RoundTripper, onRetry func(host string)) *retryTransport {
	return &retryTransport{base: base, backoff: retryBackoff, onRetry: onRetry}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("retry transport received nil request")
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return t.roundTripOnce(req)
	}
	maxAttempts := len(t.backoff) + 1
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(cloneRequest(req))
		if err == nil {
			return resp, nil
		}
		if !isTransientError(err) || attempt == maxAttempts-1 {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		if t.onRetry != nil {
			t.onRetry(req.URL.Hostname())
		}
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("retry backoff sleep: %w", err)
		}
	}
}

func (t *retryTransport) roundTripOnce(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
	}
	return resp, nil
}

func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	return clone
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// isTransientError matches handshake timeouts and connection resets. Response timeouts
// are not retried; the request budget is already spent.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "tls: handshake timeout") || strings.Contains(msg, "TLS handshake timeout") {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET)
}
