package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/internal/location"
	"github.com/angelmondragon/propwatch-backend/internal/tabular"
	"github.com/angelmondragon/propwatch-backend/pkg/config"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	dbtypes "github.com/angelmondragon/propwatch-backend/pkg/db/types"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/metrics"
	"github.com/angelmondragon/propwatch-backend/pkg/storage"
)

// Notifier is told whenever a job's persisted state changes.
type Notifier interface {
	JobChanged(ctx context.Context, jobID uuid.UUID)
}

type noopNotifier struct{}

func (noopNotifier) JobChanged(context.Context, uuid.UUID) {}

// RunnerParams groups the collaborators of NewRunner.
type RunnerParams struct {
	Tx       txRunner
	Repo     Repository
	Events   jobevents.Appender
	Blobs    storage.BlobStore
	Detector *location.Detector
	Notifier Notifier
	Metrics  *metrics.IngestionMetrics
	Logger   *logger.Logger
	Config   config.IngestionConfig
}

// Runner executes one job through its stages. A job is run by whichever
// worker claims it out of QUEUED; every later write is guarded by the status
// the runner expects the job to be in.
type Runner struct {
	tx       txRunner
	repo     Repository
	events   jobevents.Appender
	blobs    storage.BlobStore
	detector *location.Detector
	notifier Notifier
	metrics  *metrics.IngestionMetrics
	logg     *logger.Logger
	cfg      config.IngestionConfig
	now      func() time.Time
}

func NewRunner(p RunnerParams) (*Runner, error) {
	if p.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if p.Repo == nil {
		return nil, fmt.Errorf("ingestion repository required")
	}
	if p.Events == nil {
		return nil, fmt.Errorf("job event appender required")
	}
	if p.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	cfg := p.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FailureRatioThreshold <= 0 {
		cfg.FailureRatioThreshold = 0.5
	}
	if cfg.MaxWarnings <= 0 {
		cfg.MaxWarnings = 200
	}
	detector := p.Detector
	if detector == nil {
		detector = location.NewDetector(nil)
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Runner{
		tx:       p.Tx,
		repo:     p.Repo,
		events:   p.Events,
		blobs:    p.Blobs,
		detector: detector,
		notifier: notifier,
		metrics:  p.Metrics,
		logg:     p.Logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// ErrAlreadyClaimed is returned when the job left QUEUED before this runner
// could claim it.
var ErrAlreadyClaimed = errors.New("ingestion job already claimed")

// jobRun is the runner's in-memory view of the job it owns.
type jobRun struct {
	job      *models.IngestionJob
	status   enums.IngestionJobStatus
	examined int
	failed   int
	samples  []error
}

// Run claims the job and drives it to COMPLETE or FAILED. Terminal jobs are
// a no-op so redelivered dispatch messages are harmless.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID) error {
	ctx = r.logg.WithJobID(ctx, jobID.String())

	job, err := r.repo.FindJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "ingestion job not found")
		}
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	if job.Status != enums.IngestionJobQueued {
		return ErrAlreadyClaimed
	}

	run := &jobRun{job: job, status: job.Status}
	started := r.now()
	if err := r.advance(ctx, run, enums.IngestionJobParsing, map[string]any{
		"started_at":   started,
		"heartbeat_at": started,
	}, &jobevents.AppendInput{Type: enums.JobEventStarted, Payload: map[string]any{"file_name": job.FileName}}); err != nil {
		if errors.Is(err, ErrAlreadyClaimed) {
			return err
		}
		return r.fail(ctx, run, err)
	}
	r.logg.Info(ctx, "ingestion job claimed")

	stages := []struct {
		name string
		fn   func(context.Context, *jobRun) error
	}{
		{"parsing", r.parse},
		{"processing", r.process},
		{"deduping", r.dedupe},
		{"finalizing", r.finalize},
	}
	for _, stage := range stages {
		begin := time.Now()
		err := stage.fn(ctx, run)
		r.metrics.ObserveStage(stage.name, time.Since(begin))
		if err != nil {
			return r.fail(ctx, run, err)
		}
	}
	r.metrics.JobFinished(string(enums.IngestionJobComplete))
	r.logg.Info(ctx, "ingestion job complete")
	return nil
}

// parse loads the source file and stores one staging row per data row.
func (r *Runner) parse(ctx context.Context, run *jobRun) error {
	body, err := r.blobs.Open(ctx, run.job.SourceHandle)
	if err != nil {
		return fatalf(err, "open source %s", run.job.SourceHandle)
	}
	table, err := tabular.Read(run.job.FileName, body)
	_ = body.Close()
	if err != nil {
		return fatalf(err, "parse %s", run.job.FileName)
	}

	fallback := r.jobLocation(run.job)
	detection := r.detector.Detect(table)

	rows := make([]models.StagingRow, 0, table.Len())
	for i := range table.Rows {
		raw, err := json.Marshal(table.Record(i))
		if err != nil {
			return fatalf(err, "encode row %d", i+1)
		}
		loc := detection.Rows[i]
		if run.job.LocationKey != "" || loc.IsZero() {
			loc = fallback
		}
		rows = append(rows, models.StagingRow{
			JobID:  run.job.ID,
			RowNum: i + 1,
			Raw:    raw,
			City:   loc.City,
			State:  loc.State,
		})
	}

	if err := r.advanceWith(ctx, run, enums.IngestionJobProcessing, func(repo Repository) (map[string]any, error) {
		if err := repo.InsertStagingRows(ctx, rows, r.cfg.BatchSize); err != nil {
			return nil, err
		}
		return map[string]any{"total_rows": len(rows), "heartbeat_at": r.now()}, nil
	}, nil); err != nil {
		return err
	}
	run.job.TotalRows = len(rows)
	return nil
}

// jobLocation is the location applied to rows the detector could not place.
// A job created from a split group carries its group key and every row
// belongs to it.
func (r *Runner) jobLocation(job *models.IngestionJob) location.Location {
	if job.LocationKey != "" {
		city, state := location.SplitKey(job.LocationKey)
		return location.Location{City: city, State: state}
	}
	if job.FallbackCity == nil || job.FallbackState == nil {
		return location.Location{}
	}
	city, ok := r.detector.ValidCity(*job.FallbackCity)
	state := location.NormalizeState(*job.FallbackState)
	if !ok || state == "" {
		return location.Location{}
	}
	return location.Location{City: city, State: state}
}

// process normalizes staging rows in batches. Row failures are counted and
// surfaced as warnings until the failure ratio is breached.
func (r *Runner) process(ctx context.Context, run *jobRun) error {
	county := ""
	if run.job.FallbackCounty != nil {
		county = *run.job.FallbackCounty
	}

	after := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The closure may run more than once; run is only touched after commit.
		var (
			batch    []models.StagingRow
			rowErrs  []error
			warnings []string
		)
		err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := r.repo.WithTx(tx)
			var err error
			batch, err = repo.PendingNormalization(ctx, run.job.ID, after, r.cfg.BatchSize)
			if err != nil || len(batch) == 0 {
				return err
			}

			rowErrs = nil
			warnings = append([]string(nil), run.job.Warnings...)
			for _, row := range batch {
				updates, rowErr := r.normalize(row, county)
				if rowErr != nil {
					rowErrs = append(rowErrs, rowErr)
					if len(warnings) < r.cfg.MaxWarnings {
						warnings = append(warnings, rowErr.Error())
					}
				}
				if err := repo.UpdateStagingRow(ctx, row.ID, updates); err != nil {
					return err
				}
			}

			return repo.UpdateJob(ctx, run.job.ID, map[string]any{
				"failed_rows":    gorm.Expr("failed_rows + ?", len(rowErrs)),
				"processed_rows": gorm.Expr("processed_rows + ?", len(rowErrs)),
				"warnings":       dbtypes.StringList(warnings),
				"heartbeat_at":   r.now(),
			})
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		for _, rowErr := range rowErrs {
			if len(run.samples) >= maxFatalSamples {
				break
			}
			run.samples = append(run.samples, rowErr)
		}
		run.job.Warnings = dbtypes.StringList(warnings)
		run.examined += len(batch)
		run.failed += len(rowErrs)
		r.metrics.AddRows(0, len(rowErrs))
		after = batch[len(batch)-1].RowNum
		r.notifier.JobChanged(ctx, run.job.ID)

		if run.examined >= r.cfg.MinSampleRows &&
			float64(run.failed)/float64(run.examined) > r.cfg.FailureRatioThreshold {
			return newFatalRatioError(run.failed, run.examined, r.cfg.FailureRatioThreshold, run.samples)
		}
	}
	return r.advance(ctx, run, enums.IngestionJobDeduping, map[string]any{"heartbeat_at": r.now()}, nil)
}

// normalize returns the staging-row update for one row.
func (r *Runner) normalize(row models.StagingRow, county string) (map[string]any, *RowError) {
	var raw map[string]string
	if err := json.Unmarshal(row.Raw, &raw); err != nil {
		rowErr := &RowError{Row: row.RowNum, Reason: "unreadable row"}
		return map[string]any{"row_error": rowErr.Error()}, rowErr
	}
	c, rowErr := normalizeRow(row.RowNum, raw, row.City, row.State, county)
	if rowErr != nil {
		return map[string]any{"row_error": rowErr.Error()}, rowErr
	}
	return map[string]any{
		"address":          c.Address,
		"city":             c.City,
		"state":            c.State,
		"zip":              c.Zip,
		"county":           c.County,
		"natural_key":      c.NaturalKey,
		"violation_type":   c.ViolationType,
		"violation_status": c.ViolationStatus,
		"case_number":      c.CaseNumber,
		"opened_on":        c.OpenedOn,
		"normalized":       true,
	}, nil
}

// dedupe promotes normalized rows into properties and violations. Each batch
// commits its promotions together with the job counters.
func (r *Runner) dedupe(ctx context.Context, run *jobRun) error {
	after := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var batch []models.StagingRow
		err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := r.repo.WithTx(tx)
			var err error
			batch, err = repo.PendingPromotion(ctx, run.job.ID, after, r.cfg.BatchSize)
			if err != nil || len(batch) == 0 {
				return err
			}
			created, violations, err := r.promote(ctx, repo, run.job.ID, batch)
			if err != nil {
				return err
			}
			if err := repo.UpdateJob(ctx, run.job.ID, map[string]any{
				"processed_rows":     gorm.Expr("processed_rows + ?", len(batch)),
				"properties_created": gorm.Expr("properties_created + ?", created),
				"violations_created": gorm.Expr("violations_created + ?", violations),
				"heartbeat_at":       r.now(),
			}); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		r.metrics.AddRows(len(batch), 0)
		after = batch[len(batch)-1].RowNum
		r.notifier.JobChanged(ctx, run.job.ID)
	}
	return r.advance(ctx, run, enums.IngestionJobFinalizing, map[string]any{"heartbeat_at": r.now()}, nil)
}

func (r *Runner) promote(ctx context.Context, repo Repository, jobID uuid.UUID, batch []models.StagingRow) (int, int, error) {
	created := 0
	keys := make([]string, 0, len(batch))
	for _, row := range batch {
		inserted, err := repo.InsertPropertyIfAbsent(ctx, &models.Property{
			Address:    row.Address,
			City:       row.City,
			State:      row.State,
			Zip:        row.Zip,
			County:     row.County,
			NaturalKey: row.NaturalKey,
			CreatedAt:  r.now(),
		})
		if err != nil {
			return 0, 0, err
		}
		if inserted {
			created++
		}
		keys = append(keys, row.NaturalKey)
	}

	ids, err := repo.PropertyIDsByNaturalKey(ctx, keys)
	if err != nil {
		return 0, 0, err
	}

	violations := 0
	for _, row := range batch {
		propertyID, ok := ids[row.NaturalKey]
		if !ok {
			return 0, 0, fmt.Errorf("property %q missing after upsert", row.NaturalKey)
		}
		if row.ViolationType != "" || row.CaseNumber != "" {
			inserted, err := repo.InsertViolationIfAbsent(ctx, &models.Violation{
				PropertyID:    propertyID,
				JobID:         jobID,
				ViolationType: row.ViolationType,
				Status:        row.ViolationStatus,
				CaseNumber:    row.CaseNumber,
				OpenedOn:      row.OpenedOn,
				Fingerprint:   violationFingerprint(row.NaturalKey, row.ViolationType, row.OpenedOn, row.CaseNumber),
			})
			if err != nil {
				return 0, 0, err
			}
			if inserted {
				violations++
			}
		}
		if err := repo.UpdateStagingRow(ctx, row.ID, map[string]any{
			"processed":   true,
			"property_id": propertyID,
		}); err != nil {
			return 0, 0, err
		}
	}
	return created, violations, nil
}

// finalize checks row accounting and closes the job.
func (r *Runner) finalize(ctx context.Context, run *jobRun) error {
	job, err := r.repo.FindJob(ctx, run.job.ID)
	if err != nil {
		return err
	}
	if job.ProcessedRows != job.TotalRows {
		return fatalf(nil, "processed %d of %d rows", job.ProcessedRows, job.TotalRows)
	}
	run.job = job
	return r.advance(ctx, run, enums.IngestionJobComplete, map[string]any{
		"finished_at":  r.now(),
		"heartbeat_at": r.now(),
	}, &jobevents.AppendInput{Type: enums.JobEventDone, Payload: donePayload(job, enums.IngestionJobComplete, nil)})
}

// fail moves the job to FAILED. Counters from committed batches are kept.
func (r *Runner) fail(ctx context.Context, run *jobRun, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if run.status.IsTerminal() {
		return cause
	}
	msg := errorText(cause)

	job := run.job
	if fresh, err := r.repo.FindJob(ctx, job.ID); err == nil {
		job = fresh
	}
	err := r.advance(ctx, run, enums.IngestionJobFailed, map[string]any{
		"error":        msg,
		"finished_at":  r.now(),
		"heartbeat_at": r.now(),
	}, &jobevents.AppendInput{Type: enums.JobEventDone, Payload: donePayload(job, enums.IngestionJobFailed, &msg)})
	if err != nil {
		r.logg.Error(ctx, "failed to mark ingestion job failed", err)
		return errors.Join(cause, err)
	}
	r.metrics.JobFinished(string(enums.IngestionJobFailed))
	r.logg.Error(ctx, "ingestion job failed", cause)
	return cause
}

func (r *Runner) advance(ctx context.Context, run *jobRun, to enums.IngestionJobStatus, updates map[string]any, event *jobevents.AppendInput) error {
	return r.advanceWith(ctx, run, to, func(Repository) (map[string]any, error) { return updates, nil }, event)
}

// advanceWith runs prepare and the guarded transition in one transaction.
func (r *Runner) advanceWith(ctx context.Context, run *jobRun, to enums.IngestionJobStatus, prepare func(Repository) (map[string]any, error), event *jobevents.AppendInput) error {
	from := run.status
	if !from.CanTransitionTo(to) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := r.repo.WithTx(tx)
		updates, err := prepare(repo)
		if err != nil {
			return err
		}
		ok, err := repo.Transition(ctx, run.job.ID, from, to, updates)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyClaimed
		}
		if event != nil {
			in := *event
			in.JobID = run.job.ID
			in.OwnerID = run.job.OwnerID
			in.Kind = enums.JobKindIngestion
			if _, err := r.events.Append(ctx, tx, in); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	run.status = to
	run.job.Status = to
	r.notifier.JobChanged(ctx, run.job.ID)
	return nil
}

func donePayload(job *models.IngestionJob, status enums.IngestionJobStatus, errMsg *string) map[string]any {
	payload := map[string]any{
		"status":             status,
		"total_rows":         job.TotalRows,
		"processed_rows":     job.ProcessedRows,
		"failed_rows":        job.FailedRows,
		"properties_created": job.PropertiesCreated,
		"violations_created": job.ViolationsCreated,
	}
	if errMsg != nil {
		payload["error"] = *errMsg
	}
	return payload
}

// errorText is the message stored on a failed job.
func errorText(err error) string {
	typed := pkgerrors.As(err)
	if typed == nil {
		return err.Error()
	}
	msg := typed.Message()
	if cause := typed.Unwrap(); cause != nil {
		msg += ": " + cause.Error()
	}
	return msg
}
