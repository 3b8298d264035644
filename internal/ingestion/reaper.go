package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
)

const reapBatchMax = 100

// ReapStale fails in-flight jobs whose runner stopped heartbeating for
// longer than staleAfter, and QUEUED jobs no worker claimed within the
// configured queued limit, so the job and any batch waiting on it reach a
// terminal state. A job that moves on while being reaped is left alone.
func (r *Runner) ReapStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = r.cfg.StaleAfter
	}
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	queuedAfter := r.cfg.QueuedStaleAfter
	if queuedAfter <= 0 {
		queuedAfter = time.Hour
	}
	now := r.now()
	jobs, err := r.repo.StaleJobs(ctx, now.Add(-staleAfter), now.Add(-queuedAfter), reapBatchMax)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for i := range jobs {
		job := &jobs[i]
		jobCtx := r.logg.WithJobID(ctx, job.ID.String())
		run := &jobRun{job: job, status: job.Status}
		limit := staleAfter
		if job.Status == enums.IngestionJobQueued {
			limit = queuedAfter
		}
		msg := errorText(fatalf(nil, "job stalled in %s with no progress for %s", job.Status, limit))
		err := r.advance(jobCtx, run, enums.IngestionJobFailed, map[string]any{
			"error":       msg,
			"finished_at": r.now(),
		}, &jobevents.AppendInput{Type: enums.JobEventDone, Payload: donePayload(job, enums.IngestionJobFailed, &msg)})
		if errors.Is(err, ErrAlreadyClaimed) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
		r.metrics.JobFinished(string(enums.IngestionJobFailed))
		r.logg.Warn(r.logg.WithField(jobCtx, "stage", string(job.Status)), "stale ingestion job failed")
	}
	return reaped, nil
}
