package kelana

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func okExecutor() (*http.Response, error) {
	return &http.Response{StatusCode: 200}, nil
}

func TestSchedulerImmediateAdmission(t *testing.T) {
	s := NewScheduler(2, 10)

	resp, err := s.Schedule(context.Background(), okExecutor)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if s.Active() != 0 {
		t.Errorf("Active = %d after settlement, want 0", s.Active())
	}
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	const maxConcurrent = 3
	s := NewScheduler(maxConcurrent, 100)

	var active, peak int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Schedule(context.Background(), func() (*http.Response, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&active, -1)
				return &http.Response{StatusCode: 200}, nil
			})
		}()
	}

	// Wait until the first wave is running, then let everything through.
	deadline := time.After(time.Second)
	for s.Active() != maxConcurrent {
		select {
		case <-deadline:
			t.Fatalf("Active = %d, want %d", s.Active(), maxConcurrent)
		case <-time.After(time.Millisecond):
		}
	}
	close(release)
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > maxConcurrent {
		t.Errorf("peak concurrency = %d, want <= %d", p, maxConcurrent)
	}
	stats := s.Stats()
	if stats.Started != 20 {
		t.Errorf("Started = %d, want 20", stats.Started)
	}
}

func TestSchedulerFIFOForEqualPriority(t *testing.T) {
	s := NewScheduler(1, 10)

	release := make(chan struct{})
	running := make(chan struct{})
	go s.Schedule(context.Background(), func() (*http.Response, error) {
		close(running)
		<-release
		return &http.Response{StatusCode: 200}, nil
	})
	<-running

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Schedule(context.Background(), func() (*http.Response, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return &http.Response{StatusCode: 200}, nil
			})
		}()
		// Serialize enqueue order so arrival order is deterministic.
		waitForQueueLen(t, s, i+1)
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("admission order = %v, want FIFO", order)
		}
	}
}

func TestSchedulerPriorityPromotion(t *testing.T) {
	s := NewScheduler(1, 10)

	release := make(chan struct{})
	running := make(chan struct{})
	go s.Schedule(context.Background(), func() (*http.Response, error) {
		close(running)
		<-release
		return &http.Response{StatusCode: 200}, nil
	})
	<-running

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	enqueue := func(name string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.SchedulePriority(context.Background(), priority, func() (*http.Response, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return &http.Response{StatusCode: 200}, nil
			})
		}()
	}

	enqueue("low", 0)
	waitForQueueLen(t, s, 1)
	enqueue("high", 5)
	waitForQueueLen(t, s, 2)

	close(release)
	wg.Wait()

	if len(order) != 2 || order[0] != "high" {
		t.Errorf("admission order = %v, want high first", order)
	}
}

func TestSchedulerQueueFullFailsFast(t *testing.T) {
	s := NewScheduler(1, 1)

	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	go s.Schedule(context.Background(), func() (*http.Response, error) {
		close(running)
		<-release
		return &http.Response{StatusCode: 200}, nil
	})
	<-running

	go s.Schedule(context.Background(), okExecutor)
	waitForQueueLen(t, s, 1)

	start := time.Now()
	_, err := s.Schedule(context.Background(), okExecutor)
	if err == nil {
		t.Fatal("expected queue full error")
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("error = %v, want ErrQueueFull", err)
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeQueueFull {
		t.Errorf("error type = %v, want %s", err, ErrorTypeQueueFull)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("rejection took %v, want fail-fast", elapsed)
	}
	if s.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", s.Stats().Rejected)
	}
}

func TestSchedulerQueuedContextCancel(t *testing.T) {
	s := NewScheduler(1, 10)

	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	go s.Schedule(context.Background(), func() (*http.Response, error) {
		close(running)
		<-release
		return &http.Response{StatusCode: 200}, nil
	})
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Schedule(ctx, okExecutor)
		done <- err
	}()
	waitForQueueLen(t, s, 1)
	cancel()

	select {
	case err := <-done:
		var clientErr *ClientError
		if !errors.As(err, &clientErr) || clientErr.Type != ErrorTypeCancel {
			t.Errorf("error = %v, want Cancel ClientError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled entry never returned")
	}
	if s.QueueLen() != 0 {
		t.Errorf("QueueLen = %d after cancel, want 0", s.QueueLen())
	}
}

func TestSchedulerCancelQueue(t *testing.T) {
	s := NewScheduler(1, 10)

	release := make(chan struct{})
	defer close(release)
	running := make(chan struct{})
	go s.Schedule(context.Background(), func() (*http.Response, error) {
		close(running)
		<-release
		return &http.Response{StatusCode: 200}, nil
	})
	<-running

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := s.Schedule(context.Background(), okExecutor)
			errs <- err
		}()
	}
	waitForQueueLen(t, s, 3)

	if n := s.CancelQueue(nil); n != 3 {
		t.Errorf("CancelQueue = %d, want 3", n)
	}
	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrQueueCancelled) {
				t.Errorf("error = %v, want ErrQueueCancelled", err)
			}
		case <-time.After(time.Second):
			t.Fatal("queued entry never rejected")
		}
	}
}

func TestSchedulerExecutorErrorPropagates(t *testing.T) {
	s := NewScheduler(1, 10)
	wantErr := errors.New("transport exploded")

	_, err := s.Schedule(context.Background(), func() (*http.Response, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
	if s.Active() != 0 {
		t.Errorf("Active = %d after failed executor, want 0 (slot leaked)", s.Active())
	}
}

func waitForQueueLen(t *testing.T, s *Scheduler, want int) {
	t.Helper()
	deadline := time.After(time.Second)
	for s.QueueLen() != want {
		select {
		case <-deadline:
			t.Fatalf("QueueLen = %d, want %d", s.QueueLen(), want)
		case <-time.After(time.Millisecond):
		}
	}
}
