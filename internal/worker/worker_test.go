package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsJobs(t *testing.T) {
	p := NewPool(10, 2, time.Second)

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		err := p.Submit(Job{Name: "count", Run: func(ctx context.Context) error {
			n.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if n.Load() != 5 {
		t.Errorf("Expected 5 jobs to run, got %d", n.Load())
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool(1, 1, time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(Job{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started

	// Fills the single queue slot.
	if err := p.Submit(Job{Name: "queued", Run: func(ctx context.Context) error { return nil }}); err != nil {
		t.Fatalf("Expected queued job to be accepted, got %v", err)
	}
	if err := p.Submit(Job{Name: "dropped", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	close(release)
	_ = p.Stop(context.Background())
}

func TestPool_JobTimeout(t *testing.T) {
	p := NewPool(1, 1, 20*time.Millisecond)

	result := make(chan error, 1)
	_ = p.Submit(Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		result <- ctx.Err()
		return ctx.Err()
	}})

	select {
	case err := <-result:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Job was not cancelled by its timeout")
	}
	_ = p.Stop(context.Background())
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := NewPool(1, 1, time.Second)
	_ = p.Stop(context.Background())

	err := p.Submit(Job{Name: "late", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	// Stopping twice is harmless.
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	p := NewPool(4, 1, time.Second)

	var ran atomic.Bool
	_ = p.Submit(Job{Name: "panic", Run: func(ctx context.Context) error { panic("boom") }})
	_ = p.Submit(Job{Name: "after", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}})

	_ = p.Stop(context.Background())
	if !ran.Load() {
		t.Error("Expected the worker to survive a panicking job")
	}
}

func TestPool_StopHonoursContext(t *testing.T) {
	p := NewPool(1, 1, 0)

	release := make(chan struct{})
	_ = p.Submit(Job{Name: "block", Run: func(ctx context.Context) error {
		<-release
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected Stop to give up with the context, got %v", err)
	}
	close(release)
}
