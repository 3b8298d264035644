package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

type runReconciler interface {
	Reconcile(ctx context.Context, staleAfter time.Duration) (int, error)
}

type EnrichmentReconcileJobParams struct {
	Logger     *logger.Logger
	Reconciler runReconciler
	StaleAfter time.Duration
}

// NewEnrichmentReconcileJob closes enrichment runs orphaned by a process
// that died mid-dispatch. Their pending properties are refunded.
func NewEnrichmentReconcileJob(params EnrichmentReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("enrichment reconciler required")
	}
	return &enrichmentReconcileJob{logg: params.Logger, reconciler: params.Reconciler, staleAfter: params.StaleAfter}, nil
}

type enrichmentReconcileJob struct {
	logg       *logger.Logger
	reconciler runReconciler
	staleAfter time.Duration
}

func (j *enrichmentReconcileJob) Name() string { return "enrichment-reconcile" }

func (j *enrichmentReconcileJob) Run(ctx context.Context) error {
	closed, err := j.reconciler.Reconcile(ctx, j.staleAfter)
	if err != nil {
		return fmt.Errorf("reconcile enrichment runs: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "runs_closed", closed), "enrichment reconcile complete")
	return nil
}
