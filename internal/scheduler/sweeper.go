package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zisaacson/batchlocallm/internal/batch"
	"github.com/zisaacson/batchlocallm/internal/store"
)

// StartSweepers schedules the expiry sweep (fixed interval) and the
// retention sweep (cron expression, @daily by default). Both stop when ctx
// is done.
func (s *Scheduler) StartSweepers(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.RetentionSweepSchedule, s.SweepRetention); err != nil {
		return nil, err
	}
	c.Start()

	go func() {
		ticker := time.NewTicker(s.cfg.ExpirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.Stop()
				return
			case <-ticker.C:
				s.SweepExpired()
			}
		}
	}()
	return c, nil
}

// SweepExpired moves overdue queued batches to expired. Batches the worker
// holds are not touched here: the worker checks the deadline at every chunk
// boundary and expires its own batch so partial results survive.
func (s *Scheduler) SweepExpired() {
	overdue, err := s.meta.ExpiredBatches(s.clock().Unix())
	if err != nil {
		s.logger.Printf("expiry sweep: %v", err)
		return
	}
	for _, j := range overdue {
		if j.Status != batch.StatusValidating {
			continue
		}
		ok, err := s.meta.TransitionBatch(j.ID, []batch.Status{batch.StatusValidating}, batch.StatusExpired, store.TransitionFields{})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			s.logger.Printf("expire %s: %v", j.ID, err)
			continue
		}
		if ok {
			s.logger.Printf("expired %s (deadline %d)", j.ID, j.ExpiresAt)
			if s.mtr != nil {
				s.mtr.BatchesTotal.WithLabelValues(string(batch.StatusExpired)).Inc()
			}
		}
	}
	s.updateQueueGauges()
}

// SweepRetention hard-deletes file metadata and blobs past the retention
// cutoff, then clears any orphaned temp files left by interrupted uploads.
func (s *Scheduler) SweepRetention() {
	cutoff := s.clock().AddDate(0, 0, -s.cfg.CleanupAfterDays).Unix()
	files, err := s.meta.FilesForCleanup(cutoff)
	if err != nil {
		s.logger.Printf("retention sweep: %v", err)
		return
	}
	removed := 0
	for _, f := range files {
		if err := s.blob.Delete(f.ID); err != nil {
			s.logger.Printf("retention sweep: delete blob %s: %v", f.ID, err)
			continue
		}
		if err := s.meta.HardDeleteFile(f.ID); err != nil {
			s.logger.Printf("retention sweep: delete record %s: %v", f.ID, err)
			continue
		}
		removed++
	}
	orphans, err := s.blob.RemoveOrphans()
	if err != nil {
		s.logger.Printf("retention sweep: orphans: %v", err)
	}
	if removed > 0 || orphans > 0 {
		s.logger.Printf("retention sweep removed %d files, %d orphaned temp files", removed, orphans)
	}
}
