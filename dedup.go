package kelana

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambiyansyah-risyal/kelana/internal/flight"
)

// DeduplicationStats aggregates coalescing activity.
type DeduplicationStats struct {
	Executions        uint64
	Duplications      uint64
	SavedRequests     uint64
	DeduplicationRate float64
}

// TaskInfo describes one in-flight execution.
type TaskInfo struct {
	Fingerprint    string
	CreatedAt      time.Time
	ReferenceCount int
}

// Deduplicator coalesces concurrent identical requests onto one underlying
// execution. Responses are buffered once and each coalesced caller receives
// its own body reader, so the shared settlement is observable by all of them.
type Deduplicator struct {
	group *flight.Group

	executions   atomic.Uint64
	duplications atomic.Uint64

	sweepOnce     sync.Once
	sweepStop     chan struct{}
	sweepInterval time.Duration
	maxAge        time.Duration
}

// sharedResult is what the owner stores for all coalesced callers.
type sharedResult struct {
	status int
	header http.Header
	body   []byte
}

// NewDeduplicator creates a coordinator tracking at most maxInFlight
// fingerprints (<= 0 for unbounded). Entries older than maxAge are removed by
// Sweep; a zero maxAge disables age-based sweeping.
func NewDeduplicator(maxInFlight int, maxAge time.Duration) *Deduplicator {
	return &Deduplicator{
		group:     flight.New(maxInFlight),
		sweepStop: make(chan struct{}),
		maxAge:    maxAge,
	}
}

// Execute coalesces on fingerprint: if an identical execution is in flight
// the factory is not invoked and the shared result is returned; otherwise the
// factory runs and its settlement is shared with every caller that attached.
// Failures propagate identically to every coalesced caller.
func (d *Deduplicator) Execute(ctx context.Context, fingerprint string, factory Executor) (*http.Response, error, bool) {
	val, err, shared := d.group.Do(ctx, fingerprint, func() (interface{}, error) {
		resp, err := factory()
		if err != nil {
			return nil, err
		}
		return bufferResponse(resp)
	})

	if shared {
		d.duplications.Add(1)
	} else {
		d.executions.Add(1)
	}

	if err != nil {
		return nil, err, shared
	}
	return val.(*sharedResult).response(), nil, shared
}

// IsRunning reports whether an execution for the fingerprint is coalescable.
func (d *Deduplicator) IsRunning(fingerprint string) bool {
	return d.group.Running(fingerprint)
}

// GetTaskInfo returns metadata for the in-flight execution, if any.
func (d *Deduplicator) GetTaskInfo(fingerprint string) (TaskInfo, bool) {
	info, ok := d.group.Lookup(fingerprint)
	if !ok {
		return TaskInfo{}, false
	}
	return TaskInfo{
		Fingerprint:    info.Key,
		CreatedAt:      info.CreatedAt,
		ReferenceCount: info.Refs,
	}, true
}

// InFlight returns the number of live coalescing entries.
func (d *Deduplicator) InFlight() int {
	return d.group.Len()
}

// Stats returns aggregate counters. DeduplicationRate is
// duplications / (executions + duplications).
func (d *Deduplicator) Stats() DeduplicationStats {
	executions := d.executions.Load()
	duplications := d.duplications.Load()
	stats := DeduplicationStats{
		Executions:    executions,
		Duplications:  duplications,
		SavedRequests: duplications,
	}
	if total := executions + duplications; total > 0 {
		stats.DeduplicationRate = float64(duplications) / float64(total)
	}
	return stats
}

// Sweep removes coalescing entries older than the configured maxAge. The
// underlying calls are not cancelled: already-attached callers keep waiting
// on their own context, new callers simply stop coalescing.
func (d *Deduplicator) Sweep() int {
	if d.maxAge <= 0 {
		return 0
	}
	return d.group.Sweep(d.maxAge)
}

// StartSweeper launches a background sweep at the given interval. It is
// started at most once; Close stops it.
func (d *Deduplicator) StartSweeper(interval time.Duration) {
	if interval <= 0 || d.maxAge <= 0 {
		return
	}
	d.sweepOnce.Do(func() {
		d.sweepInterval = interval
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					d.Sweep()
				case <-d.sweepStop:
					return
				}
			}
		}()
	})
}

// Close stops the background sweeper, if running.
func (d *Deduplicator) Close() {
	select {
	case <-d.sweepStop:
	default:
		close(d.sweepStop)
	}
}

// bufferResponse drains the response body so every coalesced caller can get
// an independent reader.
func bufferResponse(resp *http.Response) (*sharedResult, error) {
	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		closeErr := resp.Body.Close()
		if err != nil {
			return nil, err
		}
		_ = closeErr
	}
	return &sharedResult{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   body,
	}, nil
}

// response materializes an independent *http.Response for one caller.
func (r *sharedResult) response() *http.Response {
	return &http.Response{
		StatusCode:    r.status,
		Status:        http.StatusText(r.status),
		Header:        r.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.body)),
		ContentLength: int64(len(r.body)),
	}
}
