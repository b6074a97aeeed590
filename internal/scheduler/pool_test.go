package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunPool_BasicExecution(t *testing.T) {
	pool := newRunPool(2)
	defer pool.Shutdown()

	var ran int64
	err := pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
}

func TestRunPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := newRunPool(poolSize)
	defer pool.Shutdown()

	var maxConcurrent, current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if maxConcurrent == 0 {
		t.Error("no concurrent execution detected")
	}
}

func TestRunPool_SubmitRespectsContextWhenFull(t *testing.T) {
	pool := newRunPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	close(block)
	pool.Wait()
}

func TestRunPool_FailureAndPanicCounted(t *testing.T) {
	pool := newRunPool(2)
	defer pool.Shutdown()

	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	})
	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("handler exploded")
	})
	pool.Wait()

	m := pool.Metrics()
	if m.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", m.Failed)
	}
	if m.Panics != 1 {
		t.Errorf("expected 1 panic, got %d", m.Panics)
	}
	if m.Active != 0 {
		t.Errorf("expected 0 active, got %d", m.Active)
	}
}

func TestRunPool_SubmitAfterShutdown(t *testing.T) {
	pool := newRunPool(1)
	pool.Shutdown()
	pool.Shutdown() // idempotent

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestRunPool_ShutdownWaitsForActive(t *testing.T) {
	pool := newRunPool(1)

	var finished int64
	_ = pool.Submit(context.Background(), func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt64(&finished, 1)
		return nil
	})
	pool.Shutdown()

	if atomic.LoadInt64(&finished) != 1 {
		t.Error("shutdown returned before active work finished")
	}
}
