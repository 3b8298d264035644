package ingestion

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/storage"
)

// failingStore rejects uploads whose name contains reject.
type failingStore struct {
	storage.BlobStore
	reject string
}

func (s failingStore) Put(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	if strings.Contains(name, s.reject) {
		return "", errors.New("bucket unavailable")
	}
	return s.BlobStore.Put(ctx, name, contentType, body)
}

func newOrchestrator(t *testing.T, env *testEnv, blobs storage.BlobStore, width int) (*Orchestrator, *[]time.Duration) {
	t.Helper()
	o, err := NewOrchestrator(OrchestratorParams{
		Service: env.service,
		Blobs:   blobs,
		Logger:  logger.New(logger.Options{Output: io.Discard}),
		Width:   width,
	})
	require.NoError(t, err)
	var sleeps []time.Duration
	o.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return o, &sleeps
}

func TestSubmitThreeLocationsSumsToAllRows(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	ctx := context.Background()
	orch, sleeps := newOrchestrator(t, env, env.blobs, 2)

	csv := csvHeader +
		violationRows(1, 50, "Austin", "TX") +
		violationRows(100, 30, "Dallas", "TX") +
		violationRows(200, 20, "Houston", "TX")
	res, err := orch.Submit(ctx, SubmitInput{OwnerID: env.owner, FileName: "county.csv", Body: strings.NewReader(csv)})
	require.NoError(t, err)

	require.Equal(t, 100, res.TotalRows)
	require.Equal(t, 0, res.SkippedRows)
	require.Len(t, res.Jobs, 3)
	require.Equal(t, []string{"Austin|TX", "Dallas|TX", "Houston|TX"}, []string{res.Jobs[0].Key, res.Jobs[1].Key, res.Jobs[2].Key})
	// Two waves of width 2 means one pause between them.
	require.Equal(t, []time.Duration{250 * time.Millisecond}, *sleeps)

	total := 0
	for _, gj := range res.Jobs {
		require.Empty(t, gj.Error)
		require.NotNil(t, gj.JobID)
		require.NoError(t, env.runner.Run(ctx, *gj.JobID))
		job := env.job(t, *gj.JobID)
		require.Equal(t, enums.IngestionJobComplete, job.Status)
		require.Equal(t, gj.Rows, job.TotalRows)
		require.Equal(t, res.BatchID, *job.BatchID)
		total += job.TotalRows
	}
	require.Equal(t, 100, total)
	require.Len(t, env.emitter.events, 3)

	agg, err := NewAggregator(env.repo)
	require.NoError(t, err)
	snap, err := agg.Aggregate(ctx, env.owner, res.JobIDs())
	require.NoError(t, err)
	require.False(t, snap.IsProcessing)
	require.Equal(t, 3, snap.Completed)
	require.Equal(t, 100, snap.TotalRows)
	require.Equal(t, 100, snap.PropertiesCreated)
	require.InDelta(t, 100.0, snap.Percent, 0.001)
}

func TestSubmitReportsFailedGroupWithoutStoppingSiblings(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	orch, _ := newOrchestrator(t, env, failingStore{BlobStore: env.blobs, reject: "dallas"}, 10)

	csv := csvHeader + violationRows(1, 5, "Austin", "TX") + violationRows(10, 5, "Dallas", "TX") + violationRows(20, 5, "El Paso", "TX")
	res, err := orch.Submit(context.Background(), SubmitInput{OwnerID: env.owner, FileName: "mixed.csv", Body: strings.NewReader(csv)})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 3)

	byKey := map[string]GroupJob{}
	for _, j := range res.Jobs {
		byKey[j.Key] = j
	}
	require.Contains(t, byKey["Dallas|TX"].Error, "bucket unavailable")
	require.Nil(t, byKey["Dallas|TX"].JobID)
	require.NotNil(t, byKey["Austin|TX"].JobID)
	require.NotNil(t, byKey["El Paso|TX"].JobID)
	require.Len(t, res.JobIDs(), 2)
}

func TestSubmitCanceledBetweenWavesMarksRemainingGroups(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	orch, _ := newOrchestrator(t, env, env.blobs, 1)
	ctx, cancel := context.WithCancel(context.Background())
	orch.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	csv := csvHeader + violationRows(1, 2, "Austin", "TX") + violationRows(10, 1, "Dallas", "TX")
	res, err := orch.Submit(ctx, SubmitInput{OwnerID: env.owner, FileName: "x.csv", Body: strings.NewReader(csv)})
	require.NoError(t, err)
	require.NotNil(t, res.Jobs[0].JobID)
	require.Nil(t, res.Jobs[1].JobID)
	require.Contains(t, res.Jobs[1].Error, "canceled")
}

func TestInterBatchDelayDefaultsUnlessDisabled(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	logg := logger.New(logger.Options{Output: io.Discard})

	for _, tc := range []struct {
		name   string
		params OrchestratorParams
		want   time.Duration
	}{
		{name: "unset", want: defaultInterBatchDelay},
		{name: "negative", params: OrchestratorParams{InterBatchDelay: -time.Second}, want: defaultInterBatchDelay},
		{name: "explicit", params: OrchestratorParams{InterBatchDelay: time.Second}, want: time.Second},
		{name: "disabled", params: OrchestratorParams{InterBatchDelay: time.Second, NoInterBatchDelay: true}, want: 0},
	} {
		p := tc.params
		p.Service, p.Blobs, p.Logger = env.service, env.blobs, logg
		o, err := NewOrchestrator(p)
		require.NoError(t, err, tc.name)
		require.Equal(t, tc.want, o.delay, tc.name)
	}
}

func TestSubmitRejectsUndetectableFile(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	orch, _ := newOrchestrator(t, env, env.blobs, 10)
	_, err := orch.Submit(context.Background(), SubmitInput{
		OwnerID:  env.owner,
		FileName: "x.csv",
		Body:     strings.NewReader("Notes\nhello\nworld\n"),
	})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestAggregateReportsMissingJobs(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	ctx := context.Background()
	done := env.upload(t, csvHeader+violationRows(1, 4, "Austin", "TX"))
	require.NoError(t, env.runner.Run(ctx, done.ID))
	queued := env.upload(t, csvHeader+violationRows(50, 6, "Austin", "TX"))
	other := uuid.New()

	agg, err := NewAggregator(env.repo)
	require.NoError(t, err)
	snap, err := agg.Aggregate(ctx, env.owner, []uuid.UUID{done.ID, queued.ID, other, done.ID})
	require.NoError(t, err)

	require.True(t, snap.IsProcessing)
	require.Len(t, snap.Jobs, 2)
	require.Equal(t, []uuid.UUID{other}, snap.Missing)
	require.Equal(t, 1, snap.Completed)
	require.Equal(t, 4, snap.TotalRows)
	require.Equal(t, 4, snap.ProcessedRows)

	// Jobs owned by someone else look missing.
	snap, err = agg.Aggregate(ctx, uuid.New(), []uuid.UUID{done.ID})
	require.NoError(t, err)
	require.Empty(t, snap.Jobs)
	require.Equal(t, []uuid.UUID{done.ID}, snap.Missing)
}
