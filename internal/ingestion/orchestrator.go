package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/propwatch-backend/internal/location"
	"github.com/angelmondragon/propwatch-backend/internal/tabular"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/storage"
)

const (
	defaultWidth           = 10
	defaultInterBatchDelay = 250 * time.Millisecond
)

// SubmitInput is one uploaded spreadsheet plus optional fallback location.
type SubmitInput struct {
	OwnerID        uuid.UUID
	FileName       string
	Body           io.Reader
	FallbackCity   string
	FallbackState  string
	FallbackCounty string
}

// GroupJob reports what happened to one location group.
type GroupJob struct {
	Key   string     `json:"key"`
	City  string     `json:"city"`
	State string     `json:"state"`
	Rows  int        `json:"rows"`
	JobID *uuid.UUID `json:"job_id,omitempty"`
	Error string     `json:"error,omitempty"`
}

type SubmitResult struct {
	BatchID     uuid.UUID            `json:"batch_id"`
	Jobs        []GroupJob           `json:"jobs"`
	SkippedRows int                  `json:"skipped_rows"`
	TotalRows   int                  `json:"total_rows"`
	Candidates  []location.Candidate `json:"candidates"`
}

// JobIDs returns the ids of the jobs that were created.
func (r *SubmitResult) JobIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		if j.JobID != nil {
			ids = append(ids, *j.JobID)
		}
	}
	return ids
}

type OrchestratorParams struct {
	Service         Service
	Blobs           storage.BlobStore
	Splitter        *location.Splitter
	Logger          *logger.Logger
	Width           int
	InterBatchDelay time.Duration
	// NoInterBatchDelay starts each wave as soon as the previous one ends.
	// A zero InterBatchDelay alone selects the default pause.
	NoInterBatchDelay bool
}

// Orchestrator splits one upload by location and creates a job per group in
// fixed-width waves.
type Orchestrator struct {
	service  Service
	blobs    storage.BlobStore
	splitter *location.Splitter
	logg     *logger.Logger
	width    int
	delay    time.Duration
	sleep    func(context.Context, time.Duration) error
}

func NewOrchestrator(p OrchestratorParams) (*Orchestrator, error) {
	if p.Service == nil {
		return nil, fmt.Errorf("ingestion service required")
	}
	if p.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	splitter := p.Splitter
	if splitter == nil {
		splitter = location.NewSplitter(nil)
	}
	width := p.Width
	if width <= 0 {
		width = defaultWidth
	}
	delay := p.InterBatchDelay
	switch {
	case p.NoInterBatchDelay:
		delay = 0
	case delay <= 0:
		delay = defaultInterBatchDelay
	}
	return &Orchestrator{
		service:  p.Service,
		blobs:    p.Blobs,
		splitter: splitter,
		logg:     p.Logger,
		width:    width,
		delay:    delay,
		sleep:    sleepCtx,
	}, nil
}

// Preview splits the upload without storing anything.
func (o *Orchestrator) Preview(fileName string, body io.Reader, fallbackCity, fallbackState string) (*location.Result, error) {
	table, err := tabular.Read(fileName, body)
	if err != nil {
		return nil, err
	}
	return o.splitter.Split(table, fallbackCity, fallbackState)
}

// Submit splits the upload and queues one job per location group. Groups are
// processed in key order, Width at a time; a wave finishes before the next
// one starts. A failed group does not stop its siblings.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.OwnerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}
	if in.Body == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "file is required")
	}
	table, err := tabular.Read(in.FileName, in.Body)
	if err != nil {
		return nil, err
	}
	split, err := o.splitter.Split(table, in.FallbackCity, in.FallbackState)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New()
	ctx = o.logg.WithField(ctx, "batch_id", batchID.String())
	keys := split.Keys()
	result := &SubmitResult{
		BatchID:     batchID,
		Jobs:        make([]GroupJob, len(keys)),
		SkippedRows: split.SkippedRows,
		TotalRows:   split.TotalRows,
		Candidates:  split.Candidates,
	}

	for start := 0; start < len(keys); start += o.width {
		if start > 0 {
			if err := o.sleep(ctx, o.delay); err != nil {
				o.markRemaining(result, keys, split, start, err)
				break
			}
		}
		end := min(start+o.width, len(keys))

		var mu sync.Mutex
		var g errgroup.Group
		g.SetLimit(o.width)
		for i := start; i < end; i++ {
			g.Go(func() error {
				group := split.Groups[keys[i]]
				job := GroupJob{Key: group.Key, City: group.City, State: group.State, Rows: len(group.Rows)}
				id, err := o.submitGroup(ctx, in, batchID, table, split, group)
				if err != nil {
					job.Error = err.Error()
					o.logg.Error(o.logg.WithField(ctx, "location_key", group.Key), "failed to queue ingestion group", err)
				} else {
					job.JobID = &id
				}
				mu.Lock()
				result.Jobs[i] = job
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	o.logg.Info(o.logg.WithFields(ctx, map[string]any{
		"groups":       len(keys),
		"skipped_rows": split.SkippedRows,
		"total_rows":   split.TotalRows,
	}), "ingestion batch submitted")
	return result, nil
}

func (o *Orchestrator) submitGroup(ctx context.Context, in SubmitInput, batchID uuid.UUID, table *tabular.Table, split *location.Result, group *location.Group) (uuid.UUID, error) {
	data, err := split.EncodeGroup(table, group.Key)
	if err != nil {
		return uuid.Nil, err
	}
	fileName := slug(group.City) + "-" + strings.ToLower(group.State) + ".csv"
	name := path.Join("ingestion", in.OwnerID.String(), batchID.String(), fileName)
	handle, err := o.blobs.Put(ctx, name, "text/csv", bytes.NewReader(data))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store group file")
	}
	job, err := o.service.CreateJob(ctx, CreateJobInput{
		OwnerID:        in.OwnerID,
		BatchID:        &batchID,
		SourceHandle:   handle,
		FileName:       fileName,
		LocationKey:    group.Key,
		FallbackCounty: in.FallbackCounty,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

func (o *Orchestrator) markRemaining(result *SubmitResult, keys []string, split *location.Result, from int, cause error) {
	for i := from; i < len(keys); i++ {
		group := split.Groups[keys[i]]
		result.Jobs[i] = GroupJob{Key: group.Key, City: group.City, State: group.State, Rows: len(group.Rows), Error: cause.Error()}
	}
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
