package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/scraper-fleet/internal/fleet"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan fleet.DispatchRequest, 1)
	errCh := make(chan error, 1)

	go func() {
		req, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- req
	}()

	if err := q.Enqueue(context.Background(), fleet.DispatchRequest{WorkerID: "w1", Reason: "heartbeat"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.WorkerID != "w1" {
			t.Fatalf("expected w1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return request")
	}
}

func TestQueueTryEnqueueWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	if !q.TryEnqueue(fleet.DispatchRequest{Reason: "timer"}) {
		t.Fatal("first TryEnqueue should succeed")
	}
	if q.TryEnqueue(fleet.DispatchRequest{Reason: "timer"}) {
		t.Fatal("TryEnqueue on a full queue should report false")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued request, got %d", q.Len())
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewQueue(1).Dequeue(ctx); err == nil || err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	full := NewQueue(1)
	if err := full.Enqueue(context.Background(), fleet.DispatchRequest{}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	if err := full.Enqueue(ctx, fleet.DispatchRequest{}); err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), fleet.DispatchRequest{WorkerID: "w1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()
	q.Close()

	if err := q.Enqueue(context.Background(), fleet.DispatchRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if q.TryEnqueue(fleet.DispatchRequest{}) {
		t.Fatal("TryEnqueue after Close should report false")
	}
	if req, err := q.Dequeue(context.Background()); err != nil || req.WorkerID != "w1" {
		t.Fatalf("expected drained request, got %+v err=%v", req, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}
