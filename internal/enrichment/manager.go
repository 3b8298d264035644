// Package enrichment runs credit-metered skip-trace lookups over a set of
// properties. A run is charged up front and every property that does not
// come back with contacts is refunded exactly once.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/internal/consent"
	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/internal/ledger"
	"github.com/angelmondragon/propwatch-backend/pkg/config"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/metrics"
	"github.com/angelmondragon/propwatch-backend/pkg/skiptrace"
)

const (
	startLockTTL      = 30 * time.Second
	cancelPoll        = time.Second
	startLockScope    = "enrichment-start"
	reconcileBatchMax = 50
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Vendor is the skip-trace lookup.
type Vendor interface {
	Lookup(ctx context.Context, req skiptrace.Request) (*skiptrace.Result, error)
}

type propertyFinder interface {
	FindByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Property, error)
}

type locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
	LockKey(scope, id string) string
}

type StartInput struct {
	UserID      uuid.UUID
	PropertyIDs []uuid.UUID
	// ConsentOK is the caller's acknowledgment on this request. A stored
	// consent record is required as well.
	ConsentOK bool
	Settings  map[string]any
}

// RunStatus is the externally visible view of a run.
type RunStatus struct {
	ID              uuid.UUID  `json:"id"`
	Total           int        `json:"total"`
	Queued          int        `json:"queued"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
	Refunded        int        `json:"refunded"`
	CancelRequested bool       `json:"cancel_requested"`
	Done            bool       `json:"done"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func newRunStatus(run *models.EnrichmentRun) *RunStatus {
	return &RunStatus{
		ID:              run.ID,
		Total:           run.Total,
		Queued:          run.Queued,
		Succeeded:       run.Succeeded,
		Failed:          run.Failed,
		Refunded:        run.Refunded,
		CancelRequested: run.CancelRequested,
		Done:            run.FinishedAt != nil,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
	}
}

type Outcome struct {
	PropertyID uuid.UUID                     `json:"property_id"`
	Status     enums.EnrichmentOutcomeStatus `json:"status"`
	Contacts   json.RawMessage               `json:"contacts,omitempty"`
	Attempts   int                           `json:"attempts"`
	Error      *string                       `json:"error,omitempty"`
	RecordedAt time.Time                     `json:"recorded_at"`
}

type ManagerParams struct {
	Tx         txRunner
	Repo       Repository
	Ledger     ledger.Service
	Consent    consent.Store
	Events     jobevents.Appender
	Properties propertyFinder
	Vendor     Vendor
	Locker     locker
	Metrics    *metrics.EnrichmentMetrics
	Logger     *logger.Logger
	Config     config.EnrichmentConfig
}

// Manager starts runs and dispatches them in the background of the process
// that started them.
type Manager struct {
	tx      txRunner
	repo    Repository
	ledger  ledger.Service
	consent consent.Store
	events  jobevents.Appender
	props   propertyFinder
	vendor  Vendor
	locker  locker
	metrics *metrics.EnrichmentMetrics
	logg    *logger.Logger
	cfg     config.EnrichmentConfig
	now     func() time.Time

	baseCtx  context.Context
	stopAll  context.CancelFunc
	mu       sync.Mutex
	inFlight map[uuid.UUID]context.CancelFunc
	wg       sync.WaitGroup
}

func NewManager(p ManagerParams) (*Manager, error) {
	switch {
	case p.Tx == nil:
		return nil, fmt.Errorf("tx runner required")
	case p.Repo == nil:
		return nil, fmt.Errorf("enrichment repository required")
	case p.Ledger == nil:
		return nil, fmt.Errorf("ledger service required")
	case p.Consent == nil:
		return nil, fmt.Errorf("consent store required")
	case p.Events == nil:
		return nil, fmt.Errorf("job event appender required")
	case p.Properties == nil:
		return nil, fmt.Errorf("property finder required")
	case p.Vendor == nil:
		return nil, fmt.Errorf("vendor client required")
	case p.Locker == nil:
		return nil, fmt.Errorf("locker required")
	case p.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	cfg := p.Config
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	if cfg.MaxActiveRuns <= 0 {
		cfg.MaxActiveRuns = 3
	}
	if cfg.MaxPropertiesPerRun <= 0 {
		cfg.MaxPropertiesPerRun = 5000
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 25 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Manager{
		tx:       p.Tx,
		repo:     p.Repo,
		ledger:   p.Ledger,
		consent:  p.Consent,
		events:   p.Events,
		props:    p.Properties,
		vendor:   p.Vendor,
		locker:   p.Locker,
		metrics:  p.Metrics,
		logg:     p.Logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  baseCtx,
		stopAll:  stop,
		inFlight: make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// Start validates, gates and charges a run, then dispatches it in the
// background. Every rejection happens before any credit moves or any vendor
// call is made.
func (m *Manager) Start(ctx context.Context, in StartInput) (*RunStatus, error) {
	if in.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if err := m.requireConsent(ctx, in); err != nil {
		return nil, err
	}
	ids, err := m.validate(ctx, in)
	if err != nil {
		return nil, err
	}

	lockKey := m.locker.LockKey(startLockScope, in.UserID.String())
	token := uuid.NewString()
	locked, err := m.locker.AcquireLock(ctx, lockKey, token, startLockTTL)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "acquire start lock")
	}
	if !locked {
		return nil, pkgerrors.New(pkgerrors.CodeTooManyActiveRuns, "another enrichment run is starting")
	}
	defer func() {
		if err := m.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			m.logg.Warn(m.logg.WithField(ctx, "error", err.Error()), "release start lock failed")
		}
	}()

	active, err := m.repo.CountActive(ctx, in.UserID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count active runs")
	}
	if active >= int64(m.cfg.MaxActiveRuns) {
		return nil, pkgerrors.New(pkgerrors.CodeTooManyActiveRuns, "too many active enrichment runs").
			WithDetails(map[string]any{"active": active, "max": m.cfg.MaxActiveRuns})
	}

	settings, err := json.Marshal(in.Settings)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid settings")
	}
	now := m.now()
	run := &models.EnrichmentRun{
		ID:          uuid.New(),
		OwnerID:     in.UserID,
		Settings:    settings,
		PropertyIDs: ids,
		Total:       len(ids),
		Queued:      len(ids),
		StartedAt:   now,
	}

	err = m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := m.ledger.WithTx(tx).Charge(ctx, ledger.ChargeInput{
			UserID:         in.UserID,
			Amount:         int64(len(ids)),
			Reason:         enums.LedgerReasonEnrichmentCharge,
			CorrelationID:  run.ID.String(),
			IdempotencyKey: "charge:" + run.ID.String(),
			Metadata:       map[string]any{"properties": len(ids)},
		}); err != nil {
			return err
		}
		if err := m.repo.WithTx(tx).CreateRun(ctx, run); err != nil {
			return err
		}
		_, err := m.events.Append(ctx, tx, jobevents.AppendInput{
			JobID:      run.ID,
			OwnerID:    run.OwnerID,
			Kind:       enums.JobKindEnrichment,
			Type:       enums.JobEventQueued,
			OccurredAt: now,
			Payload:    map[string]any{"total": run.Total},
		})
		return err
	})
	if err != nil {
		if pkgerrors.As(err) != nil {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "start enrichment run")
	}

	ctx = m.logg.WithRunID(ctx, run.ID.String())
	if err := m.appendEvent(ctx, run, enums.JobEventStarted, map[string]any{"total": run.Total}); err != nil {
		m.logg.Error(ctx, "failed to append started event", err)
	}
	m.logg.Info(m.logg.WithField(ctx, "total", run.Total), "enrichment run started")

	m.launch(run)
	return newRunStatus(run), nil
}

// requireConsent runs before anything touches properties, credits or the vendor.
func (m *Manager) requireConsent(ctx context.Context, in StartInput) error {
	if !in.ConsentOK {
		return pkgerrors.New(pkgerrors.CodeConsentRequired, "consent is required before enrichment")
	}
	has, err := m.consent.Has(ctx, in.UserID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check consent")
	}
	if !has {
		return pkgerrors.New(pkgerrors.CodeConsentRequired, "consent has not been recorded")
	}
	return nil
}

func (m *Manager) validate(ctx context.Context, in StartInput) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(in.PropertyIDs))
	seen := make(map[uuid.UUID]struct{}, len(in.PropertyIDs))
	for _, id := range in.PropertyIDs {
		if id == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "property ids must be valid uuids")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one property is required")
	}
	if len(ids) > m.cfg.MaxPropertiesPerRun {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("at most %d properties per run", m.cfg.MaxPropertiesPerRun))
	}

	found, err := m.props.FindByIDs(ctx, ids)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load properties")
	}
	if len(found) != len(ids) {
		known := make(map[uuid.UUID]struct{}, len(found))
		for _, p := range found {
			known[p.ID] = struct{}{}
		}
		var missing []uuid.UUID
		for _, id := range ids {
			if _, ok := known[id]; !ok {
				missing = append(missing, id)
			}
		}
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown property ids").
			WithDetails(map[string]any{"missing": missing})
	}
	return ids, nil
}

// Status returns the run if ownerID owns it.
func (m *Manager) Status(ctx context.Context, ownerID, runID uuid.UUID) (*RunStatus, error) {
	run, err := m.ownedRun(ctx, ownerID, runID)
	if err != nil {
		return nil, err
	}
	return newRunStatus(run), nil
}

func (m *Manager) Outcomes(ctx context.Context, ownerID, runID uuid.UUID) ([]Outcome, error) {
	if _, err := m.ownedRun(ctx, ownerID, runID); err != nil {
		return nil, err
	}
	rows, err := m.repo.ListOutcomes(ctx, runID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list outcomes")
	}
	out := make([]Outcome, len(rows))
	for i, row := range rows {
		out[i] = Outcome{
			PropertyID: row.PropertyID,
			Status:     row.Status,
			Contacts:   row.Contacts,
			Attempts:   row.Attempts,
			Error:      row.Error,
			RecordedAt: row.CreatedAt,
		}
	}
	return out, nil
}

// Cancel stops dispatching new lookups for the run. Lookups already in
// flight finish and are recorded; the rest are recorded as canceled and
// refunded.
func (m *Manager) Cancel(ctx context.Context, ownerID, runID uuid.UUID) (*RunStatus, error) {
	run, err := m.ownedRun(ctx, ownerID, runID)
	if err != nil {
		return nil, err
	}
	if run.FinishedAt != nil {
		return newRunStatus(run), nil
	}
	if _, err := m.repo.RequestCancel(ctx, runID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "request cancel")
	}
	m.mu.Lock()
	if cancel, ok := m.inFlight[runID]; ok {
		cancel()
	}
	m.mu.Unlock()
	m.logg.Info(m.logg.WithRunID(ctx, runID.String()), "enrichment run cancel requested")

	run.CancelRequested = true
	return newRunStatus(run), nil
}

// Shutdown stops dispatch for every run in this process and waits for
// in-flight lookups to be recorded.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopAll()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every dispatched run in this process has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) ownedRun(ctx context.Context, ownerID, runID uuid.UUID) (*models.EnrichmentRun, error) {
	run, err := m.repo.FindRun(ctx, runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "enrichment run not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load enrichment run")
	}
	if run.OwnerID != ownerID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "enrichment run not found")
	}
	return run, nil
}

func (m *Manager) appendEvent(ctx context.Context, run *models.EnrichmentRun, typ enums.JobEventType, payload map[string]any) error {
	return m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := m.events.Append(ctx, tx, jobevents.AppendInput{
			JobID:   run.ID,
			OwnerID: run.OwnerID,
			Kind:    enums.JobKindEnrichment,
			Type:    typ,
			Payload: payload,
		})
		return err
	})
}
