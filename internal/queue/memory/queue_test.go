package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/sitemirror/internal/capture"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan capture.Request, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to start
	req := capture.Request{ID: "capture-1", URL: "https://example.com"}
	if err := q.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.ID != "capture-1" {
			t.Fatalf("expected capture-1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return request")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	if err := qEnqueue.Enqueue(context.Background(), capture.Request{ID: "primed"}); err != nil {
		t.Fatalf("failed to prime enqueue queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, capture.Request{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueTryEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	if err := q.TryEnqueue(capture.Request{ID: "a"}); err != nil {
		t.Fatalf("TryEnqueue() error = %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected len 1, got %d", q.Len())
	}
	if err := q.TryEnqueue(capture.Request{ID: "b"}); !errors.Is(err, capture.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), capture.Request{ID: "pending"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()
	if got, err := q.Dequeue(context.Background()); err != nil || got.ID != "pending" {
		t.Fatalf("expected pending request to drain, got %+v err=%v", got, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, capture.ErrQueueClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	if err := q.Enqueue(context.Background(), capture.Request{}); !errors.Is(err, capture.ErrQueueClosed) {
		t.Fatalf("expected enqueue on closed queue to fail, got %v", err)
	}
	if err := q.TryEnqueue(capture.Request{}); !errors.Is(err, capture.ErrQueueClosed) {
		t.Fatalf("expected try enqueue on closed queue to fail, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}
