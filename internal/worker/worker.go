// Package worker drives batch execution: it owns the single engine, swaps
// models as batches demand them, runs requests in durable chunks, and
// finalizes each batch into output and error files. Exactly one batch is
// processed at a time; every chunk boundary is a checkpoint a restart can
// resume from.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/zisaacson/batchlocallm/internal/batch"
	"github.com/zisaacson/batchlocallm/internal/config"
	"github.com/zisaacson/batchlocallm/internal/engine"
	"github.com/zisaacson/batchlocallm/internal/engine/memopt"
	"github.com/zisaacson/batchlocallm/internal/handlers"
	"github.com/zisaacson/batchlocallm/internal/heartbeat"
	"github.com/zisaacson/batchlocallm/internal/ids"
	"github.com/zisaacson/batchlocallm/internal/metrics"
	"github.com/zisaacson/batchlocallm/internal/retry"
	"github.com/zisaacson/batchlocallm/internal/store"
)

// Worker executes batches handed over by the scheduler.
type Worker struct {
	cfg      config.Config
	meta     *store.Meta
	blob     *store.Blob
	eng      engine.Engine
	opt      *memopt.Optimizer
	hb       *heartbeat.Cell
	registry *handlers.Registry
	mtr      *metrics.Set
	logger   *log.Logger

	engCfg  engine.Config
	backoff retry.Config
	now     func() time.Time
}

// New builds a worker. registry and metrics may be nil.
func New(cfg config.Config, meta *store.Meta, blob *store.Blob, eng engine.Engine, opt *memopt.Optimizer, hb *heartbeat.Cell, registry *handlers.Registry, mtr *metrics.Set, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.New(os.Stderr, "[worker] ", log.LstdFlags)
	}
	return &Worker{
		cfg:      cfg,
		meta:     meta,
		blob:     blob,
		eng:      eng,
		opt:      opt,
		hb:       hb,
		registry: registry,
		mtr:      mtr,
		logger:   logger,
		backoff:  retry.DefaultConfig(),
	}
}

// SetClock replaces the time source. Tests only.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

func (w *Worker) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

// OutputBlobID derives the output file id for a batch. Deterministic so a
// restarted worker finds its partial results without any extra bookkeeping.
func OutputBlobID(batchID string) string {
	return ids.PrefixOutputFile + strings.TrimPrefix(batchID, ids.PrefixBatch)
}

// ErrorBlobID derives the error file id for a batch.
func ErrorBlobID(batchID string) string {
	return ids.PrefixErrorFile + strings.TrimPrefix(batchID, ids.PrefixBatch)
}

// Run consumes the scheduler's feed until ctx is done, beating the
// heartbeat while idle.
func (w *Worker) Run(ctx context.Context, jobs <-chan *batch.Job) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			w.Process(ctx, job)
		case <-ticker.C:
			w.hb.Beat()
		}
	}
}

// Process runs one batch to a terminal state (or until ctx is cancelled, in
// which case a restart resumes it). Safe to call with a batch in any
// resumable status.
func (w *Worker) Process(ctx context.Context, job *batch.Job) {
	defer func() { w.hb.Set(heartbeat.StatusIdle, w.eng.LoadedModel(), "") }()

	j, err := w.meta.GetBatch(job.ID)
	if err != nil {
		w.logger.Printf("pick up %s: %v", job.ID, err)
		return
	}

	switch j.Status {
	case batch.StatusValidating:
		if j.Counts.Total == 0 {
			// Nothing to run; complete straight from the queue.
			if ok, err := w.meta.TransitionBatch(j.ID, []batch.Status{batch.StatusValidating}, batch.StatusCompleted, store.TransitionFields{}); err != nil || !ok {
				return
			}
			w.logger.Printf("%s has no requests, completed immediately", j.ID)
			w.afterTerminal(ctx, j.ID)
			return
		}
		ok, err := w.meta.TransitionBatch(j.ID, []batch.Status{batch.StatusValidating}, batch.StatusInProgress, store.TransitionFields{})
		if err != nil || !ok {
			// Cancelled or expired between dispatch and pickup.
			return
		}
	case batch.StatusInProgress, batch.StatusFinalizing, batch.StatusCancelling:
		w.logger.Printf("resuming %s from %s", j.ID, j.Status)
	default:
		return
	}

	if err := w.run(ctx, j); err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-batch; the chunk already persisted stands and a
			// restart resumes from it.
			w.logger.Printf("%s interrupted: %v", j.ID, err)
			return
		}
		w.logger.Printf("%s failed: %v", j.ID, err)
	}
}

// run executes the batch body. The batch has already been claimed.
func (w *Worker) run(ctx context.Context, j *batch.Job) error {
	if j.Status == batch.StatusCancelling {
		return w.finalize(ctx, j.ID, batch.StatusCancelled, nil)
	}
	if j.Status == batch.StatusFinalizing {
		// Crashed between the last chunk and the terminal transition.
		return w.finalize(ctx, j.ID, batch.StatusCompleted, nil)
	}

	reqs, err := w.readRequests(j.InputFileID)
	if err != nil {
		return w.fail(ctx, j.ID, batch.Errors{
			Object: "list",
			Data:   []batch.ErrorItem{{Code: "invalid_input_file", Message: err.Error()}},
		})
	}

	model := j.Model()
	if model == "" && len(reqs) > 0 {
		model = reqs[0].Model()
	}
	if model == "" {
		model = w.cfg.ModelName
	}
	if model == "" {
		return w.fail(ctx, j.ID, batch.Errors{
			Object: "list",
			Data:   []batch.ErrorItem{{Code: "model_not_specified", Message: "no model in batch metadata or request bodies"}},
		})
	}

	if err := w.ensureModel(ctx, j.ID, model); err != nil {
		code := "engine_load_failed"
		if errors.Is(err, engine.ErrOutOfMemory) {
			code = "model_too_large"
		} else if errors.Is(err, engine.ErrModelNotFound) {
			code = "model_not_found"
		}
		return w.fail(ctx, j.ID, batch.Errors{
			Object: "list",
			Data:   []batch.ErrorItem{{Code: code, Message: err.Error()}},
		})
	}

	pending, err := w.pendingRequests(j.ID, reqs)
	if err != nil {
		return err
	}
	if skipped := len(reqs) - len(pending); skipped > 0 {
		w.logger.Printf("%s resume: %d of %d requests already recorded", j.ID, skipped, len(reqs))
	}

	outID, errID := OutputBlobID(j.ID), ErrorBlobID(j.ID)
	for start := 0; start < len(pending); start += w.cfg.ChunkSize {
		end := start + w.cfg.ChunkSize
		if end > len(pending) {
			end = len(pending)
		}

		cur, err := w.meta.GetBatch(j.ID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case batch.StatusInProgress:
		case batch.StatusCancelling:
			return w.finalize(ctx, j.ID, batch.StatusCancelled, nil)
		default:
			// Moved out from under us; nothing left to do here.
			return nil
		}
		if w.clock().Unix() > cur.ExpiresAt {
			w.logger.Printf("%s passed its deadline mid-run", j.ID)
			return w.finalize(ctx, j.ID, batch.StatusExpired, nil)
		}

		w.hb.Set(heartbeat.StatusBusy, model, j.ID)
		completed, failed, err := w.runChunk(ctx, model, pending[start:end], outID, errID)
		if err != nil {
			return err
		}
		if err := w.meta.BumpCounts(j.ID, completed, failed); err != nil {
			return err
		}
		if w.mtr != nil {
			w.mtr.RequestsTotal.WithLabelValues("completed").Add(float64(completed))
			w.mtr.RequestsTotal.WithLabelValues("failed").Add(float64(failed))
		}
	}

	return w.finalize(ctx, j.ID, batch.StatusCompleted, nil)
}

// readRequests loads and validates the full input file.
func (w *Worker) readRequests(fileID string) ([]batch.Request, error) {
	r, err := w.blob.Open(fileID)
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", fileID, err)
	}
	defer r.Close()
	var reqs []batch.Request
	err = batch.ScanRequests(r, func(line int, req batch.Request) error {
		if req.CustomID == "" {
			return fmt.Errorf("line %d: missing custom_id", line)
		}
		reqs = append(reqs, req)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

// pendingRequests filters out requests already recorded in the partial
// output or error files, preserving input order.
func (w *Worker) pendingRequests(batchID string, reqs []batch.Request) ([]batch.Request, error) {
	done := map[string]bool{}
	for _, id := range []string{OutputBlobID(batchID), ErrorBlobID(batchID)} {
		r, err := w.blob.Open(id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		set, err := batch.CollectCustomIDs(r)
		r.Close()
		if err != nil {
			return nil, err
		}
		for cid := range set {
			done[cid] = true
		}
	}
	if len(done) == 0 {
		return reqs, nil
	}
	pending := make([]batch.Request, 0, len(reqs))
	for _, req := range reqs {
		if !done[req.CustomID] {
			pending = append(pending, req)
		}
	}
	return pending, nil
}

// ensureModel makes the engine hold model, hot-swapping if something else is
// loaded. Load OOMs are answered by shrinking the config and retrying until
// the optimizer has nothing left to give up.
func (w *Worker) ensureModel(ctx context.Context, batchID, model string) error {
	if w.eng.LoadedModel() == model {
		return nil
	}
	if prev := w.eng.LoadedModel(); prev != "" {
		w.hb.Set(heartbeat.StatusUnloading, prev, batchID)
		w.logger.Printf("unloading %s for %s", prev, model)
		if err := w.eng.Unload(ctx); err != nil {
			return fmt.Errorf("unload %s: %w", prev, err)
		}
	}

	w.hb.Set(heartbeat.StatusLoading, model, batchID)
	cfg, err := w.opt.Optimize(model, w.cfg.MaxModelLen)
	if err != nil {
		w.loadOutcome("failed")
		return fmt.Errorf("plan config for %s: %w", model, err)
	}
	for {
		err := w.eng.Load(ctx, cfg)
		if err == nil {
			w.engCfg = cfg
			w.loadOutcome("loaded")
			w.logger.Printf("loaded %s (max_model_len=%d, util=%.2f)", model, cfg.MaxModelLen, cfg.GPUMemoryUtilization)
			return nil
		}
		if !errors.Is(err, engine.ErrOutOfMemory) {
			w.loadOutcome("failed")
			return fmt.Errorf("load %s: %w", model, err)
		}
		shrunk, ok := w.opt.Shrink(cfg)
		if !ok {
			w.loadOutcome("failed")
			return fmt.Errorf("load %s after exhausting shrink steps: %w", model, err)
		}
		w.logger.Printf("load %s hit oom, shrinking to max_model_len=%d util=%.2f", model, shrunk.MaxModelLen, shrunk.GPUMemoryUtilization)
		cfg = shrunk
	}
}

func (w *Worker) loadOutcome(outcome string) {
	if w.mtr != nil {
		w.mtr.EngineLoads.WithLabelValues(outcome).Inc()
	}
}

// runChunk executes one chunk, appending each result to the output or error
// file as it lands. Per-request failures are retried with backoff; a
// whole-chunk engine failure consumes one attempt for every request still
// outstanding. An OOM mid-chunk shrinks and reloads the engine before
// retrying.
func (w *Worker) runChunk(ctx context.Context, model string, reqs []batch.Request, outID, errID string) (completed, failed int, err error) {
	start := time.Now()
	defer func() {
		if w.mtr != nil {
			w.mtr.ChunkDuration.Observe(time.Since(start).Seconds())
		}
	}()

	remaining := reqs
	lastErr := map[string]error{}
	for attempt := 1; attempt <= w.cfg.RetryAttempts && len(remaining) > 0; attempt++ {
		if attempt > 1 {
			delay := retry.DelayForAttempt(attempt-1, w.backoff, model)
			select {
			case <-ctx.Done():
				return completed, failed, ctx.Err()
			case <-time.After(delay):
			}
		}

		gens, genErr := w.eng.Generate(ctx, remaining)
		if genErr != nil {
			if ctx.Err() != nil {
				return completed, failed, ctx.Err()
			}
			if errors.Is(genErr, engine.ErrOutOfMemory) {
				if rerr := w.reloadShrunk(ctx, model); rerr != nil {
					return completed, failed, rerr
				}
			}
			w.logger.Printf("chunk attempt %d failed for %d requests: %v", attempt, len(remaining), genErr)
			for _, req := range remaining {
				lastErr[req.CustomID] = genErr
			}
			continue
		}

		var next []batch.Request
		byID := map[string]batch.Request{}
		for _, req := range remaining {
			byID[req.CustomID] = req
		}
		for _, gen := range gens {
			if gen.Err == nil {
				if err := w.writeSuccess(outID, gen); err != nil {
					return completed, failed, err
				}
				completed++
				delete(byID, gen.CustomID)
				continue
			}
			lastErr[gen.CustomID] = gen.Err
		}
		for _, req := range remaining {
			if _, still := byID[req.CustomID]; still {
				next = append(next, req)
			}
		}
		remaining = next
	}

	for _, req := range remaining {
		cause := lastErr[req.CustomID]
		if cause == nil {
			cause = errors.New("generation failed")
		}
		if err := w.writeFailure(errID, req.CustomID, cause); err != nil {
			return completed, failed, err
		}
		failed++
	}
	return completed, failed, nil
}

// reloadShrunk steps the engine config down after a generation OOM and
// reloads the model.
func (w *Worker) reloadShrunk(ctx context.Context, model string) error {
	shrunk, ok := w.opt.Shrink(w.engCfg)
	if !ok {
		return fmt.Errorf("generation oom for %s with nothing left to shrink: %w", model, engine.ErrOutOfMemory)
	}
	w.logger.Printf("generation oom, reloading %s at max_model_len=%d", model, shrunk.MaxModelLen)
	if err := w.eng.Unload(ctx); err != nil {
		return err
	}
	if err := w.eng.Load(ctx, shrunk); err != nil {
		return fmt.Errorf("reload %s shrunk: %w", model, err)
	}
	w.engCfg = shrunk
	return nil
}

func (w *Worker) writeSuccess(outID string, gen engine.Generation) error {
	reqID, err := ids.NewRequestID()
	if err != nil {
		return err
	}
	res := batch.Result{
		ID:       reqID,
		CustomID: gen.CustomID,
		Response: &batch.Response{StatusCode: gen.StatusCode, RequestID: reqID, Body: gen.Body},
	}
	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result for %s: %w", gen.CustomID, err)
	}
	return w.blob.AppendLine(outID, line)
}

func (w *Worker) writeFailure(errID, customID string, cause error) error {
	reqID, err := ids.NewRequestID()
	if err != nil {
		return err
	}
	res := batch.Result{
		ID:       reqID,
		CustomID: customID,
		Error:    &batch.ResultError{Code: "request_failed", Message: cause.Error()},
	}
	line, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode error for %s: %w", customID, err)
	}
	return w.blob.AppendLine(errID, line)
}

// finalize registers whatever output and error files exist, moves the batch
// to its terminal status, and fires completion handlers. final is completed,
// cancelled, or expired; batch-level failures go through fail instead.
func (w *Worker) finalize(ctx context.Context, batchID string, final batch.Status, errs *batch.Errors) error {
	if final == batch.StatusCompleted {
		// completed is reached via finalizing; the other terminals are not.
		if _, err := w.meta.TransitionBatch(batchID, []batch.Status{batch.StatusInProgress}, batch.StatusFinalizing, store.TransitionFields{}); err != nil {
			return err
		}
	}

	if err := w.reconcileCounts(batchID); err != nil {
		return err
	}

	fields := store.TransitionFields{Errors: errs}
	outID, err := w.registerResultFile(batchID, OutputBlobID(batchID), batch.PurposeBatchOutput)
	if err != nil {
		return err
	}
	fields.OutputFileID = outID
	errFileID, err := w.registerResultFile(batchID, ErrorBlobID(batchID), batch.PurposeBatchError)
	if err != nil {
		return err
	}
	fields.ErrorFileID = errFileID

	from := []batch.Status{batch.StatusInProgress, batch.StatusFinalizing, batch.StatusCancelling}
	ok, err := w.meta.TransitionBatch(batchID, from, final, fields)
	if err != nil {
		return err
	}
	if !ok {
		w.logger.Printf("%s changed state during finalization, leaving it", batchID)
		return nil
	}
	w.logger.Printf("%s -> %s", batchID, final)
	w.afterTerminal(ctx, batchID)
	return nil
}

// reconcileCounts trues up the counters against the result files. A crash
// between an append and the chunk's count bump leaves the files ahead of the
// counters; the files win.
func (w *Worker) reconcileCounts(batchID string) error {
	j, err := w.meta.GetBatch(batchID)
	if err != nil {
		return err
	}
	outLines, err := w.countBlobLines(OutputBlobID(batchID))
	if err != nil {
		return err
	}
	errLines, err := w.countBlobLines(ErrorBlobID(batchID))
	if err != nil {
		return err
	}
	dCompleted, dFailed := outLines-j.Counts.Completed, errLines-j.Counts.Failed
	if dCompleted < 0 {
		dCompleted = 0
	}
	if dFailed < 0 {
		dFailed = 0
	}
	if dCompleted == 0 && dFailed == 0 {
		return nil
	}
	w.logger.Printf("%s counters behind files by %d/%d, reconciling", batchID, dCompleted, dFailed)
	return w.meta.BumpCounts(batchID, dCompleted, dFailed)
}

func (w *Worker) countBlobLines(id string) (int, error) {
	r, err := w.blob.Open(id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return batch.CountRequests(r)
}

// registerResultFile creates the metadata record for a result blob if the
// blob exists and the record does not. Returns nil when there is no blob, so
// empty output/error files are never surfaced.
func (w *Worker) registerResultFile(batchID, fileID, purpose string) (*string, error) {
	size, err := w.blob.Size(fileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := w.meta.GetFile(fileID); err == nil {
		// Already registered by a previous finalization attempt.
		return &fileID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	suffix := "output"
	if purpose == batch.PurposeBatchError {
		suffix = "errors"
	}
	f := &batch.File{
		ID:       fileID,
		Purpose:  purpose,
		Filename: fmt.Sprintf("%s_%s.jsonl", batchID, suffix),
		Bytes:    size,
		Path:     w.blob.PathFor(fileID),
	}
	if err := w.meta.CreateFile(f); err != nil {
		return nil, err
	}
	return &fileID, nil
}

// fail moves the batch to failed with a batch-level error list attached.
func (w *Worker) fail(ctx context.Context, batchID string, errs batch.Errors) error {
	from := []batch.Status{batch.StatusValidating, batch.StatusInProgress, batch.StatusFinalizing}
	ok, err := w.meta.TransitionBatch(batchID, from, batch.StatusFailed, store.TransitionFields{Errors: &errs})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	w.logger.Printf("%s -> failed: %s", batchID, errs.Data[0].Message)
	w.afterTerminal(ctx, batchID)
	return fmt.Errorf("batch %s failed: %s", batchID, errs.Data[0].Message)
}

// afterTerminal counts the outcome and runs completion handlers.
func (w *Worker) afterTerminal(ctx context.Context, batchID string) {
	j, err := w.meta.GetBatch(batchID)
	if err != nil {
		w.logger.Printf("post-completion lookup %s: %v", batchID, err)
		return
	}
	if w.mtr != nil {
		w.mtr.BatchesTotal.WithLabelValues(string(j.Status)).Inc()
	}
	if w.registry == nil {
		return
	}
	var completedAt *int64
	switch j.Status {
	case batch.StatusCompleted:
		completedAt = j.CompletedAt
	case batch.StatusFailed:
		completedAt = j.FailedAt
	case batch.StatusExpired:
		completedAt = j.ExpiredAt
	case batch.StatusCancelled:
		completedAt = j.CancelledAt
	}
	w.registry.Process(ctx, handlers.Summary{
		BatchID:      j.ID,
		Status:       j.Status,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  completedAt,
		Counts:       j.Counts,
		OutputFileID: j.OutputFileID,
		ErrorFileID:  j.ErrorFileID,
	}, j.Metadata)
}
