package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestParallelForEachRunsEveryItem(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	var seen int64

	err := ParallelForEach(context.Background(), items, 2, func(_ context.Context, item int) error {
		atomic.AddInt64(&seen, int64(item))
		return nil
	})
	if err != nil {
		t.Fatalf("ParallelForEach: %v", err)
	}
	if got := atomic.LoadInt64(&seen); got != 15 {
		t.Fatalf("expected sum 15, got %d", got)
	}
}

func TestParallelForEachReturnsFirstError(t *testing.T) {
	items := []int{1, 2, 3}
	boom := errors.New("boom")

	err := ParallelForEach(context.Background(), items, 1, func(_ context.Context, item int) error {
		if item == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestParallelForEachNoopOnEmptyInput(t *testing.T) {
	if err := ParallelForEach[int](context.Background(), nil, 4, func(context.Context, int) error {
		t.Fatal("fn should not be called")
		return nil
	}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestParallelForEachRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ParallelForEach(ctx, []int{1}, 1, func(context.Context, int) error {
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
