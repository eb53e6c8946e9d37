package kelana

import (
	"container/list"
	"context"
	"net/http"
	"sync"
	"time"
)

// Executor is the unit of work admitted by the Scheduler.
type Executor func() (*http.Response, error)

// SchedulerStats is a snapshot of scheduler activity counters.
type SchedulerStats struct {
	Active    int
	QueueLen  int
	Started   uint64
	Queued    uint64
	Rejected  uint64
	Cancelled uint64
}

// Scheduler performs admission control: at most maxConcurrent executors run
// simultaneously, the rest wait in a bounded FIFO queue. Ties on explicit
// priority are broken by arrival order. A task is Queued, then Active, then
// settled; settlement of any Active task drains the queue head.
type Scheduler struct {
	mu            sync.Mutex
	maxConcurrent int
	maxQueueSize  int
	active        int
	queue         *list.List // of *queueEntry, arrival order
	draining      bool
	metrics       *MetricsCollector
	logger        Logger
	debug         *DebugConfig

	started   uint64
	queued    uint64
	rejected  uint64
	cancelled uint64
}

type queueEntry struct {
	ctx        context.Context
	priority   int
	enqueuedAt time.Time
	// promoted is closed when the entry is admitted; rejected carries the
	// terminal error when it never will be. Exactly one fires, under s.mu.
	promoted chan struct{}
	rejected chan error
}

// NewScheduler creates a scheduler admitting up to maxConcurrent tasks with a
// wait queue of up to maxQueueSize entries.
func NewScheduler(maxConcurrent, maxQueueSize int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	if maxQueueSize <= 0 {
		maxQueueSize = 100
	}
	return &Scheduler{
		maxConcurrent: maxConcurrent,
		maxQueueSize:  maxQueueSize,
		queue:         list.New(),
	}
}

// Schedule admits the executor immediately when a slot is free, otherwise
// queues it at default priority. It blocks until the executor settles or the
// entry is rejected.
func (s *Scheduler) Schedule(ctx context.Context, fn Executor) (*http.Response, error) {
	return s.SchedulePriority(ctx, 0, fn)
}

// SchedulePriority schedules with an explicit priority. Higher priorities are
// promoted first; equal priorities keep arrival order.
func (s *Scheduler) SchedulePriority(ctx context.Context, priority int, fn Executor) (*http.Response, error) {
	s.mu.Lock()
	if s.active < s.maxConcurrent {
		s.active++
		s.started++
		s.recordGaugesLocked()
		s.mu.Unlock()
		return s.run(fn)
	}

	if s.queue.Len() >= s.maxQueueSize {
		s.rejected++
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordQueueRejection()
		}
		return nil, &ClientError{
			Type:      ErrorTypeQueueFull,
			Message:   "wait queue saturated",
			Cause:     ErrQueueFull,
			Timestamp: time.Now(),
		}
	}

	entry := &queueEntry{
		ctx:        ctx,
		priority:   priority,
		enqueuedAt: time.Now(),
		promoted:   make(chan struct{}),
		rejected:   make(chan error, 1),
	}
	s.queue.PushBack(entry)
	s.queued++
	s.recordGaugesLocked()
	s.mu.Unlock()

	if s.debug != nil && s.debug.Enabled && s.debug.LogScheduler && s.logger != nil {
		s.logger.Debug("Task queued", "priority", priority, "queueLen", s.QueueLen())
	}

	select {
	case <-entry.promoted:
		return s.run(fn)
	case err := <-entry.rejected:
		return nil, err
	case <-ctx.Done():
		return nil, s.abandon(entry)
	}
}

// run executes an admitted task and settles its slot afterwards.
func (s *Scheduler) run(fn Executor) (*http.Response, error) {
	defer s.settle()
	return fn()
}

// abandon handles a queued entry whose context ended. If the entry is still
// queued it is removed and rejected; if promotion raced ahead, the already
// granted slot is released without running the executor.
func (s *Scheduler) abandon(entry *queueEntry) error {
	s.mu.Lock()
	removed := false
	for e := s.queue.Front(); e != nil; e = e.Next() {
		if e.Value == entry {
			s.queue.Remove(e)
			removed = true
			break
		}
	}
	s.cancelled++
	s.recordGaugesLocked()
	s.mu.Unlock()

	if !removed {
		// Promotion already granted a slot; give it back and drain.
		select {
		case <-entry.promoted:
			s.settle()
		case err := <-entry.rejected:
			return err
		}
	}

	return &ClientError{
		Type:      ErrorTypeCancel,
		Message:   "queued request cancelled",
		Cause:     entry.ctx.Err(),
		Timestamp: time.Now(),
	}
}

// settle releases an Active slot and drains the queue.
func (s *Scheduler) settle() {
	s.mu.Lock()
	s.active--
	s.drainLocked()
	s.recordGaugesLocked()
	s.mu.Unlock()
}

// drainLocked promotes queued entries while slots are free. The draining flag
// guards against reentrant drains from settlement callbacks so a single pass
// owns all promotions.
func (s *Scheduler) drainLocked() {
	if s.draining {
		return
	}
	s.draining = true
	for s.active < s.maxConcurrent && s.queue.Len() > 0 {
		e := s.nextLocked()
		entry := e.Value.(*queueEntry)
		s.queue.Remove(e)

		if entry.ctx.Err() != nil {
			// Dead on arrival: reject instead of burning a slot.
			entry.rejected <- &ClientError{
				Type:      ErrorTypeCancel,
				Message:   "queued request cancelled",
				Cause:     entry.ctx.Err(),
				Timestamp: time.Now(),
			}
			continue
		}

		s.active++
		s.started++
		close(entry.promoted)
	}
	s.draining = false
}

// nextLocked picks the highest-priority entry; arrival order breaks ties.
func (s *Scheduler) nextLocked() *list.Element {
	best := s.queue.Front()
	bestPriority := best.Value.(*queueEntry).priority
	for e := best.Next(); e != nil; e = e.Next() {
		if p := e.Value.(*queueEntry).priority; p > bestPriority {
			best = e
			bestPriority = p
		}
	}
	return best
}

// CancelQueue rejects every queued entry with reason and empties the queue.
// Active tasks are unaffected; cancelling Active work is the transport's
// responsibility via the request context.
func (s *Scheduler) CancelQueue(reason error) int {
	if reason == nil {
		reason = ErrQueueCancelled
	}
	s.mu.Lock()
	n := s.queue.Len()
	for e := s.queue.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*queueEntry)
		entry.rejected <- &ClientError{
			Type:      ErrorTypeCancel,
			Message:   "queue cancelled",
			Cause:     reason,
			Timestamp: time.Now(),
		}
	}
	s.queue.Init()
	s.cancelled += uint64(n)
	s.recordGaugesLocked()
	s.mu.Unlock()
	return n
}

// Active returns the number of currently executing tasks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// QueueLen returns the number of queued tasks.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Active:    s.active,
		QueueLen:  s.queue.Len(),
		Started:   s.started,
		Queued:    s.queued,
		Rejected:  s.rejected,
		Cancelled: s.cancelled,
	}
}

func (s *Scheduler) recordGaugesLocked() {
	if s.metrics != nil {
		s.metrics.RecordSchedulerActive(s.active)
		s.metrics.RecordQueueDepth(s.queue.Len())
	}
}
