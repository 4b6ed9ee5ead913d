// Package scheduler owns admission control and the single worker's
// attention: it validates and enqueues new batches, dispatches the oldest
// queued batch to the worker one at a time, expires overdue work, sweeps
// aged files, and watches the worker heartbeat.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/zisaacson/batchlocallm/internal/batch"
	"github.com/zisaacson/batchlocallm/internal/config"
	"github.com/zisaacson/batchlocallm/internal/heartbeat"
	"github.com/zisaacson/batchlocallm/internal/ids"
	"github.com/zisaacson/batchlocallm/internal/metrics"
	"github.com/zisaacson/batchlocallm/internal/store"
)

// ErrQueueFull rejects admission over a capacity limit; the API maps it to
// HTTP 429.
var ErrQueueFull = errors.New("queue full")

// ErrInvalidRequest rejects admission for malformed submissions.
var ErrInvalidRequest = errors.New("invalid request")

// Scheduler coordinates the queue. All state lives in the MetadataStore, so
// a restart rebuilds the queue from FindResumable.
type Scheduler struct {
	cfg    config.Config
	meta   *store.Meta
	blob   *store.Blob
	hb     *heartbeat.Cell
	mtr    *metrics.Set
	logger *log.Logger

	jobs chan *batch.Job
	wake chan struct{}
	now  func() time.Time
}

// New builds a scheduler. metrics may be nil.
func New(cfg config.Config, meta *store.Meta, blob *store.Blob, hb *heartbeat.Cell, mtr *metrics.Set, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		cfg:    cfg,
		meta:   meta,
		blob:   blob,
		hb:     hb,
		mtr:    mtr,
		logger: logger,
		jobs:   make(chan *batch.Job), // unbuffered: one batch in flight
		wake:   make(chan struct{}, 1),
	}
}

// Jobs is the worker's feed. The scheduler hands over one batch at a time
// and does not pick the next until the previous leaves validating.
func (s *Scheduler) Jobs() <-chan *batch.Job { return s.jobs }

// SetClock replaces the time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

func (s *Scheduler) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Admit validates a batch submission, creates the record in validating, and
// wakes the dispatcher. Admission never blocks: capacity violations return
// ErrQueueFull immediately.
func (s *Scheduler) Admit(inputFileID, endpoint, completionWindow string, metadata map[string]string) (*batch.Job, error) {
	if endpoint != batch.EndpointChatCompletions {
		return nil, fmt.Errorf("unsupported endpoint %q (only %s): %w",
			endpoint, batch.EndpointChatCompletions, ErrInvalidRequest)
	}

	f, err := s.meta.GetFile(inputFileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("input file %s: %w", inputFileID, ErrInvalidRequest)
	}
	if err != nil {
		return nil, err
	}
	if f.Deleted {
		return nil, fmt.Errorf("input file %s is deleted: %w", inputFileID, ErrInvalidRequest)
	}
	if f.Purpose != batch.PurposeBatch {
		return nil, fmt.Errorf("input file %s has purpose %q, want %q: %w",
			inputFileID, f.Purpose, batch.PurposeBatch, ErrInvalidRequest)
	}

	window := s.cfg.CompletionWindow
	if completionWindow != "" {
		d, err := time.ParseDuration(completionWindow)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid completion_window %q: %w", completionWindow, ErrInvalidRequest)
		}
		window = d
	}

	r, err := s.blob.Open(inputFileID)
	if err != nil {
		return nil, fmt.Errorf("open input file: %w", err)
	}
	total, err := batch.CountRequests(r)
	r.Close()
	if err != nil {
		return nil, fmt.Errorf("scan input file: %w", err)
	}

	if total > s.cfg.MaxRequestsPerJob {
		return nil, fmt.Errorf("batch has %d requests, limit is %d: %w",
			total, s.cfg.MaxRequestsPerJob, ErrQueueFull)
	}
	depth, queued, err := s.meta.QueueUsage()
	if err != nil {
		return nil, err
	}
	if depth >= s.cfg.MaxQueueDepth {
		return nil, fmt.Errorf("queue depth %d at limit %d: %w", depth, s.cfg.MaxQueueDepth, ErrQueueFull)
	}
	if queued+total > s.cfg.MaxTotalQueuedRequests {
		return nil, fmt.Errorf("admitting %d requests would exceed queued-request limit %d: %w",
			total, s.cfg.MaxTotalQueuedRequests, ErrQueueFull)
	}

	id, err := ids.NewBatchID()
	if err != nil {
		return nil, err
	}
	nowUnix := s.clock().Unix()
	job := &batch.Job{
		ID:               id,
		Endpoint:         endpoint,
		InputFileID:      inputFileID,
		Status:           batch.StatusValidating,
		CompletionWindow: formatWindow(window),
		CreatedAt:        nowUnix,
		ExpiresAt:        nowUnix + int64(window/time.Second),
		Counts:           batch.RequestCounts{Total: total},
		Metadata:         metadata,
	}
	if err := s.meta.CreateBatch(job); err != nil {
		return nil, err
	}
	s.logger.Printf("admitted %s (%d requests, input %s)", job.ID, total, inputFileID)
	s.updateQueueGauges()
	s.Notify()
	return job, nil
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

// Notify nudges the dispatcher without blocking.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel requests cancellation. A batch still in the queue is cancelled
// immediately; one held by the worker moves to cancelling and is finalized
// at the next chunk boundary. Terminal batches return store.ErrConflict.
func (s *Scheduler) Cancel(id string) (*batch.Job, error) {
	ok, err := s.meta.TransitionBatch(id, []batch.Status{batch.StatusInProgress}, batch.StatusCancelling, store.TransitionFields{})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, err
	}
	if !ok {
		// Not in the worker's hands; cancel straight out of the queue.
		ok, err = s.meta.TransitionBatch(id, []batch.Status{batch.StatusValidating}, batch.StatusCancelling, store.TransitionFields{})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		if !ok {
			if _, getErr := s.meta.GetBatch(id); errors.Is(getErr, store.ErrNotFound) {
				return nil, store.ErrNotFound
			}
			return nil, store.ErrConflict
		}
		// Nothing is in flight for a queued batch; ack on its behalf.
		if _, err := s.meta.TransitionBatch(id, []batch.Status{batch.StatusCancelling}, batch.StatusCancelled, store.TransitionFields{}); err != nil {
			return nil, err
		}
	}
	s.updateQueueGauges()
	return s.meta.GetBatch(id)
}

// Run drives the dispatcher until ctx is done. ResumePending should have
// run first so in-flight work is re-handed before new dispatches.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		s.dispatchNext(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// dispatchNext hands the oldest validating batch to the worker, then waits
// for it to leave validating so exactly one batch is in flight.
func (s *Scheduler) dispatchNext(ctx context.Context) {
	job, err := s.meta.OldestValidating()
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Printf("dispatch: %v", err)
		return
	}
	select {
	case <-ctx.Done():
		return
	case s.jobs <- job:
	}
	s.waitDeparture(ctx, job.ID)
	s.updateQueueGauges()
}

// waitDeparture blocks until the batch is no longer validating. The worker
// CASes to in_progress (or the batch is cancelled/expired) promptly after
// pickup.
func (s *Scheduler) waitDeparture(ctx context.Context, id string) {
	for {
		j, err := s.meta.GetBatch(id)
		if err != nil || j.Status != batch.StatusValidating {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// ResumePending re-hands non-terminal work to the worker after a restart:
// batches the worker held (in_progress, finalizing, cancelling) go straight
// to the jobs channel in age order; validating batches stay queued for the
// normal dispatcher.
func (s *Scheduler) ResumePending(ctx context.Context) error {
	jobs, err := s.meta.FindResumable()
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.Status == batch.StatusValidating {
			continue
		}
		s.logger.Printf("resuming %s (status %s)", j.ID, j.Status)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.jobs <- j:
		}
	}
	s.updateQueueGauges()
	s.Notify()
	return nil
}

// MonitorHeartbeat logs worker liveness flips. The health endpoint derives
// dead/alive from the cell directly; this loop only makes the transition
// visible in logs.
func (s *Scheduler) MonitorHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	dead := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		age := s.hb.Age()
		if age > s.cfg.DeadAfter() {
			if !dead {
				s.logger.Printf("worker heartbeat stale (%s); marking dead", age.Round(time.Second))
				dead = true
			}
		} else if dead {
			s.logger.Printf("worker heartbeat recovered")
			dead = false
		}
	}
}

// QueueUsage reports current admission-control state.
func (s *Scheduler) QueueUsage() (depth, queuedRequests int, err error) {
	return s.meta.QueueUsage()
}

func (s *Scheduler) updateQueueGauges() {
	if s.mtr == nil {
		return
	}
	depth, queued, err := s.meta.QueueUsage()
	if err != nil {
		return
	}
	s.mtr.QueueDepth.Set(float64(depth))
	s.mtr.QueuedRequests.Set(float64(queued))
}
