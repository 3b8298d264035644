package ingestion

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
)

// Snapshot is the combined progress of a set of jobs. Jobs that no longer
// exist are listed in Missing and left out of every total.
type Snapshot struct {
	IsProcessing      bool        `json:"is_processing"`
	Jobs              []JobStatus `json:"jobs"`
	Missing           []uuid.UUID `json:"missing"`
	Completed         int         `json:"completed"`
	Failed            int         `json:"failed"`
	TotalRows         int         `json:"total_rows"`
	ProcessedRows     int         `json:"processed_rows"`
	FailedRows        int         `json:"failed_rows"`
	PropertiesCreated int         `json:"properties_created"`
	ViolationsCreated int         `json:"violations_created"`
	Percent           float64     `json:"percent"`
}

// Aggregator reads a group of jobs in one query.
type Aggregator struct {
	repo Repository
}

func NewAggregator(repo Repository) (*Aggregator, error) {
	if repo == nil {
		return nil, fmt.Errorf("ingestion repository required")
	}
	return &Aggregator{repo: repo}, nil
}

// Aggregate returns a snapshot for ids, restricted to jobs owned by ownerID.
// A zero ownerID skips the ownership filter.
func (a *Aggregator) Aggregate(ctx context.Context, ownerID uuid.UUID, ids []uuid.UUID) (*Snapshot, error) {
	ids = dedupeIDs(ids)
	jobs, err := a.repo.FindJobs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load ingestion jobs")
	}

	found := make(map[uuid.UUID]JobStatus, len(jobs))
	for _, job := range jobs {
		if ownerID != uuid.Nil && job.OwnerID != ownerID {
			continue
		}
		found[job.ID] = NewJobStatus(job)
	}

	snap := &Snapshot{Jobs: make([]JobStatus, 0, len(found)), Missing: []uuid.UUID{}}
	for _, id := range ids {
		status, ok := found[id]
		if !ok {
			snap.Missing = append(snap.Missing, id)
			continue
		}
		snap.Jobs = append(snap.Jobs, status)
		snap.TotalRows += status.TotalRows
		snap.ProcessedRows += status.ProcessedRows
		snap.FailedRows += status.FailedRows
		snap.PropertiesCreated += status.PropertiesCreated
		snap.ViolationsCreated += status.ViolationsCreated
		switch status.Status {
		case enums.IngestionJobComplete:
			snap.Completed++
		case enums.IngestionJobFailed:
			snap.Failed++
		default:
			snap.IsProcessing = true
		}
	}
	if snap.TotalRows > 0 {
		snap.Percent = float64(snap.ProcessedRows) * 100 / float64(snap.TotalRows)
	}
	return snap, nil
}

// Done reports whether every known job has reached a terminal status.
func (s *Snapshot) Done() bool {
	return !s.IsProcessing
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
