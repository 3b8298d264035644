package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

type staleJobReaper interface {
	ReapStale(ctx context.Context, staleAfter time.Duration) (int, error)
}

type StaleIngestionJobParams struct {
	Logger     *logger.Logger
	Reaper     staleJobReaper
	StaleAfter time.Duration
}

// NewStaleIngestionJob fails ingestion jobs whose worker stopped
// heartbeating, so batch progress can reach a terminal snapshot.
func NewStaleIngestionJob(params StaleIngestionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reaper == nil {
		return nil, fmt.Errorf("ingestion reaper required")
	}
	return &staleIngestionJob{logg: params.Logger, reaper: params.Reaper, staleAfter: params.StaleAfter}, nil
}

type staleIngestionJob struct {
	logg       *logger.Logger
	reaper     staleJobReaper
	staleAfter time.Duration
}

func (j *staleIngestionJob) Name() string { return "ingestion-stale-reaper" }

func (j *staleIngestionJob) Run(ctx context.Context) error {
	reaped, err := j.reaper.ReapStale(ctx, j.staleAfter)
	if err != nil {
		return fmt.Errorf("reap stale ingestion jobs: %w", err)
	}
	if reaped > 0 {
		j.logg.Warn(j.logg.WithField(ctx, "jobs_failed", reaped), "stale ingestion jobs failed")
	}
	return nil
}
