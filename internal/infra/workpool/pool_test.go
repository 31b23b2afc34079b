package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_RunsJobs(t *testing.T) {
	p := New(4, 16, nil)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := p.Submit(context.Background(), func() error {
			defer wg.Done()
			n.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	wg.Wait()

	if n.Load() != 100 {
		t.Errorf("ran %d jobs, want 100", n.Load())
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestPool_SubmitBlocksWhenFull(t *testing.T) {
	p := New(1, 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	// Occupy the worker, then fill the queue.
	_ = p.Submit(context.Background(), func() error { close(started); <-release; return nil })
	<-started
	_ = p.Submit(context.Background(), func() error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := p.Submit(ctx, func() error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit() on a full queue error = %v, want DeadlineExceeded", err)
	}

	close(release)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestPool_TrySubmit(t *testing.T) {
	p := New(1, 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	_ = p.Submit(context.Background(), func() error { close(started); <-release; return nil })
	<-started
	if err := p.TrySubmit(func() error { return nil }); err != nil {
		t.Fatalf("TrySubmit() with a free slot error = %v", err)
	}
	if err := p.TrySubmit(func() error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Errorf("TrySubmit() on a full queue error = %v, want ErrQueueFull", err)
	}

	close(release)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.TrySubmit(func() error { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("TrySubmit() after Stop error = %v, want ErrStopped", err)
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	p := New(1, 8, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var n atomic.Int32

	_ = p.Submit(context.Background(), func() error { close(started); <-release; return nil })
	<-started
	for i := 0; i < 5; i++ {
		_ = p.Submit(context.Background(), func() error { n.Add(1); return nil })
	}

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(context.Background()) }()
	close(release)

	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n.Load() != 5 {
		t.Errorf("ran %d queued jobs, want 5", n.Load())
	}
	if err := p.Submit(context.Background(), func() error { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrStopped", err)
	}
}

func TestPool_SurvivesFailingJobs(t *testing.T) {
	p := New(1, 4, nil)
	done := make(chan struct{})

	_ = p.Submit(context.Background(), func() error { return errors.New("boom") })
	_ = p.Submit(context.Background(), func() error { panic("boom") })
	_ = p.Submit(context.Background(), func() error { close(done); return nil })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a failing job")
	}
	_ = p.Stop(context.Background())
}
