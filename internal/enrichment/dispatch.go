package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/internal/ledger"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/skiptrace"
)

// errRunClosed means the run had nothing left queued when an outcome arrived.
var errRunClosed = errors.New("enrichment run already closed")

// lookupResult is the classified result of all attempts for one property.
type lookupResult struct {
	status   enums.EnrichmentOutcomeStatus
	contacts []skiptrace.Contact
	attempts int
	err      error
}

func (m *Manager) launch(run *models.EnrichmentRun) {
	runCtx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	m.inFlight[run.ID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inFlight, run.ID)
			m.mu.Unlock()
			cancel()
		}()
		go m.watchCancel(runCtx, run.ID, cancel)
		m.dispatch(runCtx, run)
	}()
}

// watchCancel picks up cancel requests made through another process.
func (m *Manager) watchCancel(ctx context.Context, runID uuid.UUID, cancel context.CancelFunc) {
	ticker := time.NewTicker(cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := m.repo.FindRun(ctx, runID)
			if err != nil {
				continue
			}
			if run.CancelRequested || run.FinishedAt != nil {
				cancel()
				return
			}
		}
	}
}

// dispatch looks up every property of the run through a bounded pool. Once
// runCtx is canceled no new lookups start; the remaining properties are
// recorded as canceled.
func (m *Manager) dispatch(runCtx context.Context, run *models.EnrichmentRun) {
	// Outcome writes must land even after the run is canceled.
	recordCtx := context.WithoutCancel(m.logg.WithRunID(runCtx, run.ID.String()))

	props, err := m.props.FindByIDs(recordCtx, run.PropertyIDs)
	if err != nil {
		m.logg.Error(recordCtx, "load run properties failed", err)
		return
	}
	byID := make(map[uuid.UUID]models.Property, len(props))
	for _, p := range props {
		byID[p.ID] = p
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	next := 0
	for ; next < len(run.PropertyIDs); next++ {
		if runCtx.Err() != nil {
			break
		}
		id := run.PropertyIDs[next]
		prop, ok := byID[id]
		g.Go(func() error {
			var res lookupResult
			switch {
			case runCtx.Err() != nil:
				res = lookupResult{status: enums.EnrichmentCanceled, err: context.Canceled}
			case !ok:
				res = lookupResult{status: enums.EnrichmentVendorError, err: errors.New("property no longer exists")}
			default:
				res = m.lookup(runCtx, recordCtx, prop)
			}
			m.record(recordCtx, run, id, res)
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range run.PropertyIDs[next:] {
		m.record(recordCtx, run, id, lookupResult{status: enums.EnrichmentCanceled, err: context.Canceled})
	}
	m.logg.Info(recordCtx, "enrichment run dispatch finished")
}

// lookup calls the vendor up to MaxAttempts times with a constant backoff.
// Each attempt gets its own CallTimeout. The attempt in flight when the run
// is canceled is allowed to finish; no further attempts start after that.
func (m *Manager) lookup(runCtx, callCtx context.Context, prop models.Property) lookupResult {
	req := skiptrace.Request{Address: prop.Address, City: prop.City, State: prop.State, Zip: prop.Zip}
	res := lookupResult{}

	var last error
	backoff := retry.WithMaxRetries(uint64(m.cfg.MaxAttempts-1), retry.NewConstant(m.backoff()))
	err := retry.Do(callCtx, backoff, func(ctx context.Context) error {
		// canceled while backing off: keep the previous attempt's error
		if res.attempts > 0 && runCtx.Err() != nil {
			return last
		}
		res.attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()

		done := m.metrics.TrackCall()
		out, err := m.vendor.Lookup(attemptCtx, req)
		done()
		if err == nil {
			res.contacts = out.Contacts
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = pkgerrors.Wrap(pkgerrors.CodeVendorTimeout, err, "vendor call timed out")
		}
		last = err
		if errors.Is(err, skiptrace.ErrNoMatch) || runCtx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		res.status = enums.EnrichmentSuccess
	case errors.Is(err, skiptrace.ErrNoMatch):
		res.status = enums.EnrichmentNoMatch
	case pkgerrors.IsCode(err, pkgerrors.CodeVendorTimeout):
		res.status = enums.EnrichmentTimeout
		res.err = err
	default:
		res.status = enums.EnrichmentVendorError
		res.err = err
	}
	return res
}

func (m *Manager) backoff() time.Duration {
	if m.cfg.RetryBackoff <= 0 {
		return time.Millisecond
	}
	return m.cfg.RetryBackoff
}

func (m *Manager) record(ctx context.Context, run *models.EnrichmentRun, propertyID uuid.UUID, res lookupResult) {
	if err := m.recordOutcome(ctx, run, propertyID, res); err != nil {
		m.logg.Error(m.logg.WithField(ctx, "property_id", propertyID.String()), "record enrichment outcome failed", err)
		return
	}
	m.metrics.Outcome(string(res.status))
}

// recordOutcome stores one property's outcome, moves the run counters,
// refunds a non-success and appends the matching events, all in one
// transaction. A second outcome for the same property is a no-op.
func (m *Manager) recordOutcome(ctx context.Context, run *models.EnrichmentRun, propertyID uuid.UUID, res lookupResult) error {
	var contacts json.RawMessage
	if len(res.contacts) > 0 {
		raw, err := json.Marshal(res.contacts)
		if err != nil {
			return err
		}
		contacts = raw
	}
	var errMsg *string
	if res.err != nil {
		msg := res.err.Error()
		errMsg = &msg
	}

	return m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		inserted, err := repo.InsertOutcome(ctx, &models.EnrichmentOutcome{
			RunID:      run.ID,
			PropertyID: propertyID,
			Status:     res.status,
			Contacts:   contacts,
			Attempts:   res.attempts,
			Error:      errMsg,
			CreatedAt:  m.now(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		refunded := false
		if res.status.Refundable() {
			refund, err := m.ledger.WithTx(tx).Refund(ctx, ledger.RefundInput{
				UserID:         run.OwnerID,
				Amount:         1,
				Reason:         enums.LedgerReasonEnrichmentRefund,
				CorrelationID:  run.ID.String(),
				IdempotencyKey: RefundKey(run.ID, propertyID),
				Metadata:       map[string]any{"property_id": propertyID.String(), "status": res.status},
			})
			if err != nil {
				return err
			}
			refunded = refund.Applied
		}

		applied, err := repo.ApplyOutcome(ctx, run.ID, res.status == enums.EnrichmentSuccess, refunded, m.now())
		if err != nil {
			return err
		}
		if !applied {
			return errRunClosed
		}
		current, err := repo.FindRun(ctx, run.ID)
		if err != nil {
			return err
		}

		if refunded {
			if _, err := m.events.Append(ctx, tx, jobevents.AppendInput{
				JobID:   run.ID,
				OwnerID: run.OwnerID,
				Kind:    enums.JobKindEnrichment,
				Type:    enums.JobEventRefunded,
				Payload: map[string]any{
					"property_id": propertyID.String(),
					"status":      res.status,
					"refunded":    current.Refunded,
				},
			}); err != nil {
				return err
			}
		}
		if current.Queued == 0 {
			if _, err := m.events.Append(ctx, tx, jobevents.AppendInput{
				JobID:   run.ID,
				OwnerID: run.OwnerID,
				Kind:    enums.JobKindEnrichment,
				Type:    enums.JobEventDone,
				Payload: map[string]any{
					"total":     current.Total,
					"succeeded": current.Succeeded,
					"failed":    current.Failed,
					"refunded":  current.Refunded,
					"canceled":  current.CancelRequested,
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// RefundKey is the ledger idempotency key for a property's refund.
func RefundKey(runID, propertyID uuid.UUID) string {
	return fmt.Sprintf("refund:%s:%s", runID, propertyID)
}

// Reconcile closes runs left open by a process that died mid-dispatch.
// Properties with no outcome are recorded as canceled and refunded. Runs
// dispatched by this process are skipped.
func (m *Manager) Reconcile(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		staleAfter = m.cfg.StaleRunAfter
	}
	runs, err := m.repo.OpenRunsStartedBefore(ctx, m.now().Add(-staleAfter), reconcileBatchMax)
	if err != nil {
		return 0, err
	}
	closed := 0
	for i := range runs {
		run := &runs[i]
		m.mu.Lock()
		_, local := m.inFlight[run.ID]
		m.mu.Unlock()
		if local {
			continue
		}
		recorded, err := m.repo.RecordedPropertyIDs(ctx, run.ID)
		if err != nil {
			return closed, err
		}
		runCtx := m.logg.WithRunID(ctx, run.ID.String())
		for _, id := range run.PropertyIDs {
			if _, ok := recorded[id]; ok {
				continue
			}
			err := m.recordOutcome(runCtx, run, id, lookupResult{status: enums.EnrichmentCanceled, err: errors.New("run orphaned")})
			if err != nil && !errors.Is(err, errRunClosed) {
				return closed, err
			}
		}
		closed++
		m.logg.Warn(runCtx, "orphaned enrichment run closed")
	}
	return closed, nil
}
