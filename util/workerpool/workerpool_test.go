package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_ExecutesTasks(t *testing.T) {
	wp := New(context.Background(), 4)
	wp.Start()
	defer wp.Stop()

	var count int64
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		}
	}

	results := wp.SubmitAndWait(context.Background(), tasks)
	if len(results) != 20 {
		t.Fatalf("expected 20 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected task error: %v", r.Err)
		}
	}
	if atomic.LoadInt64(&count) != 20 {
		t.Fatalf("expected 20 executions, got %d", count)
	}
}

func TestWorkerPool_PropagatesTaskError(t *testing.T) {
	wp := New(context.Background(), 2)
	wp.Start()
	defer wp.Stop()

	sentinel := errors.New("match failed")
	err := <-wp.Submit(func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Submit should surface the task error, got %v", err)
	}
}

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	const workers = 3
	wp := New(context.Background(), workers)
	wp.Start()
	defer wp.Stop()

	var current, peak int64
	tasks := make([]Task, 30)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}
	}

	wp.SubmitAndWait(context.Background(), tasks)
	if atomic.LoadInt64(&peak) > workers {
		t.Fatalf("concurrency should be bounded at %d, observed %d", workers, peak)
	}
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	wp := New(context.Background(), 1)
	wp.Start()
	wp.Stop()

	err := <-wp.Submit(func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Submit after Stop should return context.Canceled, got %v", err)
	}
}
