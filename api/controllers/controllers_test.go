package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/api/middleware"
	"github.com/angelmondragon/propwatch-backend/internal/consent"
	"github.com/angelmondragon/propwatch-backend/internal/enrichment"
	"github.com/angelmondragon/propwatch-backend/internal/ingestion"
	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/internal/ledger"
	"github.com/angelmondragon/propwatch-backend/internal/location"
	"github.com/angelmondragon/propwatch-backend/pkg/db/dbtest"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/pagination"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "controllers-test", Output: io.Discard})
}

func authed(r *http.Request, userID uuid.UUID, params map[string]string) *http.Request {
	ctx := middleware.WithUser(r.Context(), userID, enums.UserRoleOperator)
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return r.WithContext(ctx)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return env.Error.Code
}

type fakeRuns struct {
	started  enrichment.StartInput
	startErr error
	statuses map[uuid.UUID]*enrichment.RunStatus
	outcomes []enrichment.Outcome
}

func (f *fakeRuns) Start(_ context.Context, in enrichment.StartInput) (*enrichment.RunStatus, error) {
	f.started = in
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &enrichment.RunStatus{ID: uuid.New(), Total: len(in.PropertyIDs), Queued: len(in.PropertyIDs)}, nil
}

func (f *fakeRuns) Status(_ context.Context, _, runID uuid.UUID) (*enrichment.RunStatus, error) {
	if s, ok := f.statuses[runID]; ok {
		return s, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "enrichment run not found")
}

func (f *fakeRuns) Cancel(ctx context.Context, owner, runID uuid.UUID) (*enrichment.RunStatus, error) {
	s, err := f.Status(ctx, owner, runID)
	if err != nil {
		return nil, err
	}
	s.CancelRequested = true
	return s, nil
}

func (f *fakeRuns) Outcomes(context.Context, uuid.UUID, uuid.UUID) ([]enrichment.Outcome, error) {
	return f.outcomes, nil
}

func TestStartEnrichmentRunPassesRequest(t *testing.T) {
	runs := &fakeRuns{}
	user := uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	body, _ := json.Marshal(map[string]any{"property_ids": ids, "consent": true})

	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/enrichment/runs", bytes.NewReader(body)), user, nil)
	rec := httptest.NewRecorder()
	StartEnrichmentRun(runs, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if runs.started.UserID != user || !runs.started.ConsentOK || len(runs.started.PropertyIDs) != 2 {
		t.Fatalf("unexpected start input: %+v", runs.started)
	}
	var status enrichment.RunStatus
	decodeData(t, rec, &status)
	if status.Total != 2 {
		t.Fatalf("expected total 2, got %d", status.Total)
	}
}

func TestStartEnrichmentRunMapsDomainErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"credits", pkgerrors.New(pkgerrors.CodeInsufficientCredits, "insufficient credits"), http.StatusPaymentRequired},
		{"consent", pkgerrors.New(pkgerrors.CodeConsentRequired, "consent required"), http.StatusForbidden},
		{"active", pkgerrors.New(pkgerrors.CodeTooManyActiveRuns, "too many active runs"), http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runs := &fakeRuns{startErr: tc.err}
			body := `{"property_ids":["` + uuid.NewString() + `"],"consent":true}`
			req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/enrichment/runs", strings.NewReader(body)), uuid.New(), nil)
			rec := httptest.NewRecorder()
			StartEnrichmentRun(runs, testLogger()).ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestStartEnrichmentRunRejectsEmptyList(t *testing.T) {
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/enrichment/runs", strings.NewReader(`{"property_ids":[]}`)), uuid.New(), nil)
	rec := httptest.NewRecorder()
	StartEnrichmentRun(&fakeRuns{}, testLogger()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetEnrichmentRunIncludesOutcomes(t *testing.T) {
	runID := uuid.New()
	runs := &fakeRuns{
		statuses: map[uuid.UUID]*enrichment.RunStatus{runID: {ID: runID, Total: 1, Succeeded: 1, Done: true}},
		outcomes: []enrichment.Outcome{{PropertyID: uuid.New(), Status: enums.EnrichmentSuccess, Attempts: 1}},
	}
	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/enrichment/runs/x?include=outcomes", nil), uuid.New(), map[string]string{"runId": runID.String()})
	rec := httptest.NewRecorder()
	GetEnrichmentRun(runs, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view struct {
		ID       uuid.UUID            `json:"id"`
		Done     bool                 `json:"done"`
		Outcomes []enrichment.Outcome `json:"outcomes"`
	}
	decodeData(t, rec, &view)
	if view.ID != runID || !view.Done || len(view.Outcomes) != 1 {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestCancelEnrichmentRunUnknownRun(t *testing.T) {
	req := authed(httptest.NewRequest(http.MethodPost, "/cancel", nil), uuid.New(), map[string]string{"runId": uuid.NewString()})
	rec := httptest.NewRecorder()
	CancelEnrichmentRun(&fakeRuns{}, testLogger()).ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandlersRequireUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/credits", nil)
	rec := httptest.NewRecorder()
	GetCreditBalance(&fakeLedger{}, testLogger()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func newEventLog(t *testing.T) (jobevents.Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	svc, err := jobevents.NewService(jobevents.NewRepository(conn), nil)
	if err != nil {
		t.Fatalf("new job event service: %v", err)
	}
	return svc, conn
}

func TestListJobEventsAfterRunRowDeleted(t *testing.T) {
	events, conn := newEventLog(t)
	owner := uuid.New()
	run := models.EnrichmentRun{ID: uuid.New(), OwnerID: owner, Total: 2, Queued: 2, StartedAt: time.Now().UTC()}
	if err := conn.Create(&run).Error; err != nil {
		t.Fatalf("create run: %v", err)
	}
	for _, typ := range []enums.JobEventType{enums.JobEventQueued, enums.JobEventStarted} {
		in := jobevents.AppendInput{JobID: run.ID, OwnerID: owner, Kind: enums.JobKindEnrichment, Type: typ, Payload: map[string]any{"total": 2}}
		if _, err := events.Append(context.Background(), conn, in); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	if err := conn.Delete(&models.EnrichmentRun{}, "id = ?", run.ID).Error; err != nil {
		t.Fatalf("delete run: %v", err)
	}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/x/events", nil), owner, map[string]string{"id": run.ID.String()})
	rec := httptest.NewRecorder()
	ListJobEvents(events, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Events []jobEventView `json:"events"`
	}
	decodeData(t, rec, &out)
	if len(out.Events) != 2 || out.Events[0].Type != enums.JobEventQueued || out.Events[1].Type != enums.JobEventStarted {
		t.Fatalf("unexpected events: %+v", out.Events)
	}
}

func TestListJobEventsHidesForeignJobs(t *testing.T) {
	events, conn := newEventLog(t)
	jobID := uuid.New()
	in := jobevents.AppendInput{JobID: jobID, OwnerID: uuid.New(), Kind: enums.JobKindIngestion, Type: enums.JobEventQueued}
	if _, err := events.Append(context.Background(), conn, in); err != nil {
		t.Fatalf("append: %v", err)
	}

	for name, id := range map[string]uuid.UUID{"other owner": jobID, "unknown job": uuid.New()} {
		req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/x/events", nil), uuid.New(), map[string]string{"id": id.String()})
		rec := httptest.NewRecorder()
		ListJobEvents(events, testLogger()).ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", name, rec.Code)
		}
	}
}

type fakeAggregator struct {
	ids []uuid.UUID
}

func (f *fakeAggregator) Aggregate(_ context.Context, _ uuid.UUID, ids []uuid.UUID) (*ingestion.Snapshot, error) {
	f.ids = ids
	return &ingestion.Snapshot{Completed: len(ids), Percent: 100}, nil
}

func TestIngestionProgressParsesIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	agg := &fakeAggregator{}
	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/ingestion/progress?ids="+a.String()+","+b.String(), nil), uuid.New(), nil)
	rec := httptest.NewRecorder()
	IngestionProgress(agg, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(agg.ids) != 2 || agg.ids[0] != a || agg.ids[1] != b {
		t.Fatalf("unexpected ids: %v", agg.ids)
	}
}

func TestIngestionProgressRejectsBadIDs(t *testing.T) {
	for _, query := range []string{"", "?ids=nope"} {
		req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/ingestion/progress"+query, nil), uuid.New(), nil)
		rec := httptest.NewRecorder()
		IngestionProgress(&fakeAggregator{}, testLogger()).ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q: expected 400, got %d", query, rec.Code)
		}
	}
}

type fakeWatcher struct {
	snaps []ingestion.Snapshot
}

func (f *fakeWatcher) Watch(context.Context, uuid.UUID, []uuid.UUID) (<-chan ingestion.Snapshot, error) {
	ch := make(chan ingestion.Snapshot, len(f.snaps))
	for _, s := range f.snaps {
		ch <- s
	}
	close(ch)
	return ch, nil
}

func TestIngestionProgressStreamWritesEvents(t *testing.T) {
	watcher := &fakeWatcher{snaps: []ingestion.Snapshot{
		{IsProcessing: true, Percent: 40},
		{IsProcessing: false, Completed: 1, Percent: 100},
	}}
	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/ingestion/progress/stream?ids="+uuid.NewString(), nil), uuid.New(), nil)
	rec := httptest.NewRecorder()
	IngestionProgressStream(watcher, testLogger()).ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if strings.Count(body, "event: progress\n") != 2 {
		t.Fatalf("expected two progress events, got %q", body)
	}
	if !strings.HasSuffix(body, "\n\n") || !strings.Contains(body, "event: done\n") {
		t.Fatalf("expected trailing done event, got %q", body)
	}
}

type fakeOrchestrator struct {
	submitted ingestion.SubmitInput
	body      string
}

func (f *fakeOrchestrator) Submit(_ context.Context, in ingestion.SubmitInput) (*ingestion.SubmitResult, error) {
	f.submitted = in
	return &ingestion.SubmitResult{BatchID: uuid.New(), TotalRows: 3}, nil
}

func (f *fakeOrchestrator) Preview(_ string, body io.Reader, city, state string) (*location.Result, error) {
	raw, _ := io.ReadAll(body)
	f.body = string(raw)
	return &location.Result{
		Groups: map[string]*location.Group{
			"tx/houston": {Key: "tx/houston", City: "HOUSTON", State: "TX", Rows: []int{1, 2}},
			"tx/austin":  {Key: "tx/austin", City: "AUSTIN", State: "TX", Rows: []int{0}, FallbackRows: 1},
		},
		SkippedRows: 1,
		TotalRows:   4,
	}, nil
}

func multipartUpload(t *testing.T, url, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := mw.CreateFormFile(uploadFormField, "violations.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestSplitPreviewOrdersGroups(t *testing.T) {
	orch := &fakeOrchestrator{}
	req := authed(multipartUpload(t, "/api/v1/ingestion/split-preview", "address,city\n", nil), uuid.New(), nil)
	rec := httptest.NewRecorder()
	SplitPreview(orch, 1<<20, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if orch.body != "address,city\n" {
		t.Fatalf("preview saw %q", orch.body)
	}
	var view splitPreviewView
	decodeData(t, rec, &view)
	if len(view.Groups) != 2 || view.Groups[0].Key != "tx/austin" || view.Groups[1].Rows != 2 {
		t.Fatalf("unexpected groups: %+v", view.Groups)
	}
	if view.Groups[0].FallbackRows != 1 || view.SkippedRows != 1 || view.TotalRows != 4 {
		t.Fatalf("unexpected counters: %+v", view)
	}
}

func TestSubmitIngestionUploadPassesFallback(t *testing.T) {
	orch := &fakeOrchestrator{}
	user := uuid.New()
	req := authed(multipartUpload(t, "/api/v1/ingestion/uploads", "x\n", map[string]string{
		"fallback_city":  "  Austin ",
		"fallback_state": "TX",
	}), user, nil)
	rec := httptest.NewRecorder()
	SubmitIngestionUpload(orch, 1<<20, testLogger()).ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if orch.submitted.OwnerID != user || orch.submitted.FallbackCity != "Austin" || orch.submitted.FileName != "violations.csv" {
		t.Fatalf("unexpected submit input: %+v", orch.submitted)
	}
}

func TestSubmitIngestionUploadRequiresFile(t *testing.T) {
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/ingestion/uploads", strings.NewReader("{}")), uuid.New(), nil)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	SubmitIngestionUpload(&fakeOrchestrator{}, 1<<20, testLogger()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type fakeLedger struct {
	grants  []ledger.GrantInput
	applied map[string]bool
}

func (f *fakeLedger) Balance(context.Context, uuid.UUID) (int64, error) { return 7, nil }

func (f *fakeLedger) List(context.Context, uuid.UUID, pagination.Params) (*ledger.ListResult, error) {
	return &ledger.ListResult{Balance: 7, Entries: []models.CreditLedgerEntry{{ID: uuid.New(), Delta: 7, Reason: enums.LedgerReasonGrant}}}, nil
}

func (f *fakeLedger) Grant(_ context.Context, in ledger.GrantInput) (*ledger.RefundResult, error) {
	f.grants = append(f.grants, in)
	if f.applied == nil {
		f.applied = map[string]bool{}
	}
	first := !f.applied[in.IdempotencyKey]
	f.applied[in.IdempotencyKey] = true
	return &ledger.RefundResult{Entry: &models.CreditLedgerEntry{ID: uuid.New(), UserID: in.UserID, Delta: in.Amount, Reason: enums.LedgerReasonGrant}, Applied: first}, nil
}

func TestAdminGrantCreditsUsesIdempotencyKey(t *testing.T) {
	svc := &fakeLedger{}
	target := uuid.New()
	body := `{"user_id":"` + target.String() + `","amount":10}`

	statuses := []int{}
	for i := 0; i < 2; i++ {
		req := authed(httptest.NewRequest(http.MethodPost, "/api/admin/v1/credits/grants", strings.NewReader(body)), uuid.New(), nil)
		req.Header.Set("Idempotency-Key", "grant-1")
		rec := httptest.NewRecorder()
		AdminGrantCredits(svc, testLogger()).ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	if statuses[0] != http.StatusCreated || statuses[1] != http.StatusOK {
		t.Fatalf("unexpected statuses %v", statuses)
	}
	if svc.grants[0].IdempotencyKey != "grant:grant-1" || svc.grants[0].UserID != target || svc.grants[0].Amount != 10 {
		t.Fatalf("unexpected grant input: %+v", svc.grants[0])
	}
}

func TestAdminGrantCreditsRejectsMissingKey(t *testing.T) {
	body := `{"user_id":"` + uuid.NewString() + `","amount":10}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/admin/v1/credits/grants", strings.NewReader(body)), uuid.New(), nil)
	rec := httptest.NewRecorder()
	AdminGrantCredits(&fakeLedger{}, testLogger()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != string(pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %d", rec.Code)
	}
}

func TestListCreditEntriesRejectsBadLimit(t *testing.T) {
	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/credits/entries?limit=0", nil), uuid.New(), nil)
	rec := httptest.NewRecorder()
	ListCreditEntries(&fakeLedger{}, testLogger()).ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type fakeConsent struct {
	record *models.ConsentRecord
	in     []string
}

func (f *fakeConsent) Record(_ context.Context, in consent.RecordInput) (*models.ConsentRecord, error) {
	f.in = append(f.in, in.ClientID, in.ClientAgent)
	f.record = &models.ConsentRecord{UserID: in.UserID, ConsentedAt: time.Now().UTC()}
	return f.record, nil
}

func (f *fakeConsent) Get(context.Context, uuid.UUID) (*models.ConsentRecord, error) {
	if f.record == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "no consent on record")
	}
	return f.record, nil
}

func TestConsentRoundTrip(t *testing.T) {
	svc := &fakeConsent{}
	user := uuid.New()

	rec := httptest.NewRecorder()
	GetConsent(svc, testLogger()).ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/v1/consent", nil), user, nil))
	var before consentView
	decodeData(t, rec, &before)
	if before.Consented {
		t.Fatalf("expected no consent yet")
	}

	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/consent", nil), user, nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("User-Agent", "agent/1.0")
	rec = httptest.NewRecorder()
	RecordConsent(svc, testLogger()).ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.in[0] != "203.0.113.9" || svc.in[1] != "agent/1.0" {
		t.Fatalf("unexpected client info %v", svc.in)
	}

	rec = httptest.NewRecorder()
	GetConsent(svc, testLogger()).ServeHTTP(rec, authed(httptest.NewRequest(http.MethodGet, "/api/v1/consent", nil), user, nil))
	var after consentView
	decodeData(t, rec, &after)
	if !after.Consented || after.ConsentedAt == nil {
		t.Fatalf("expected consent, got %+v", after)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthReadyReportsFailingDependency(t *testing.T) {
	deps := map[string]Pinger{
		"db":    pingFunc(func(context.Context) error { return nil }),
		"redis": pingFunc(func(context.Context) error { return errors.New("down") }),
	}
	rec := httptest.NewRecorder()
	HealthReady("test", testLogger(), deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	delete(deps, "redis")
	rec = httptest.NewRecorder()
	HealthReady("test", testLogger(), deps).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("X-PropWatch-Env") != "test" {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}
