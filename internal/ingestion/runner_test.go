package ingestion

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/propwatch-backend/pkg/errors"
)

func TestRunnerCompletesJob(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	ctx := context.Background()

	csv := csvHeader +
		"12 Oak Avenue,Austin,TX,78701,High grass,CE-1,2025-02-01\n" +
		"12 OAK AVE.,austin,tx,78701-1234,Junk vehicle,CE-2,02/03/2025\n" +
		",Austin,TX,78701,Trash,CE-3,2025-02-04\n" +
		"9 Elm Street,Austin,TX,7870,Trash,CE-4,2025-02-05\n" +
		"40 Pine Road,Austin,TX,,,,\n"
	job := env.upload(t, csv)

	require.NoError(t, env.runner.Run(ctx, job.ID))

	got := env.job(t, job.ID)
	require.Equal(t, enums.IngestionJobComplete, got.Status)
	require.Equal(t, 5, got.TotalRows)
	require.Equal(t, 5, got.ProcessedRows)
	require.Equal(t, 2, got.FailedRows)
	// Rows 1 and 2 share a natural key.
	require.Equal(t, 2, got.PropertiesCreated)
	require.Equal(t, 2, got.ViolationsCreated)
	require.Len(t, got.Warnings, 2)
	require.Contains(t, got.Warnings[0], "row 3: address")
	require.Contains(t, got.Warnings[1], "row 4: zip")
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	require.Nil(t, got.Error)

	require.EqualValues(t, 2, env.count(t, &models.Property{}))
	require.EqualValues(t, 2, env.count(t, &models.Violation{}))

	events, err := env.events.List(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, enums.JobEventQueued, events[0].Type)
	require.Equal(t, enums.JobEventStarted, events[1].Type)
	require.Equal(t, enums.JobEventDone, events[2].Type)
	require.Positive(t, env.notifier.calls[job.ID])
}

func TestRunnerReplayedTransactionsDoNotDuplicateState(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	ctx := context.Background()

	csv := csvHeader +
		"12 Oak Avenue,Austin,TX,78701,High grass,CE-1,2025-02-01\n" +
		",Austin,TX,78701,Trash,CE-2,2025-02-04\n" +
		"9 Elm Street,Austin,TX,7870,Trash,CE-3,2025-02-05\n"
	job := env.upload(t, csv)

	tx := &replayingTx{client: env.client}
	env.runner.tx = tx
	require.NoError(t, env.runner.Run(ctx, job.ID))
	require.Positive(t, tx.calls)

	got := env.job(t, job.ID)
	require.Equal(t, enums.IngestionJobComplete, got.Status)
	require.Equal(t, 3, got.TotalRows)
	require.Equal(t, 3, got.ProcessedRows)
	require.Equal(t, 2, got.FailedRows)
	require.Len(t, got.Warnings, 2)
	require.Contains(t, got.Warnings[0], "row 2: address")
	require.Contains(t, got.Warnings[1], "row 3: zip")

	events, err := env.events.List(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestRunnerReingestionDoesNotDoublePropertiesCreated(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	ctx := context.Background()
	csv := csvHeader + violationRows(1, 30, "Austin", "TX")

	first := env.upload(t, csv)
	require.NoError(t, env.runner.Run(ctx, first.ID))
	second := env.upload(t, csv)
	require.NoError(t, env.runner.Run(ctx, second.ID))

	a, b := env.job(t, first.ID), env.job(t, second.ID)
	require.Equal(t, 30, a.PropertiesCreated)
	require.Equal(t, 30, a.ViolationsCreated)
	require.Equal(t, 0, b.PropertiesCreated)
	require.Equal(t, 0, b.ViolationsCreated)
	require.Equal(t, 30, b.ProcessedRows)
	require.EqualValues(t, 30, env.count(t, &models.Property{}))
	require.EqualValues(t, 30, env.count(t, &models.Violation{}))
}

func TestRunnerFailureRatioFailsJobAndKeepsCounters(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.BatchSize = 2
	cfg.MinSampleRows = 4
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	var b strings.Builder
	b.WriteString(csvHeader)
	for i := 0; i < 10; i++ {
		b.WriteString(",Austin,TX,78701,Trash,,\n")
	}
	job := env.upload(t, b.String())

	err := env.runner.Run(ctx, job.ID)
	require.Error(t, err)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeFatalJob))

	got := env.job(t, job.ID)
	require.Equal(t, enums.IngestionJobFailed, got.Status)
	require.Equal(t, 10, got.TotalRows)
	require.Equal(t, 4, got.FailedRows)
	require.Equal(t, 4, got.ProcessedRows)
	require.NotNil(t, got.Error)
	require.Contains(t, *got.Error, "4 of 4 rows failed")
	require.Contains(t, *got.Error, "row 1: address")
	require.NotNil(t, got.FinishedAt)

	events, err := env.events.List(ctx, job.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, enums.JobEventDone, last.Type)
	require.Contains(t, string(last.Payload), "FAILED")

	// A redelivered dispatch message leaves the terminal job alone.
	require.NoError(t, env.runner.Run(ctx, job.ID))
}

func TestRunnerFailsOnMissingSource(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	ctx := context.Background()
	job, err := env.service.CreateJob(ctx, CreateJobInput{
		OwnerID:      env.owner,
		SourceHandle: "file://missing.csv",
		FileName:     "missing.csv",
	})
	require.NoError(t, err)

	err = env.runner.Run(ctx, job.ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeFatalJob))
	got := env.job(t, job.ID)
	require.Equal(t, enums.IngestionJobFailed, got.Status)
	require.Equal(t, 0, got.ProcessedRows)
}

func TestRunnerClaimIsConditional(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	ctx := context.Background()
	job := env.upload(t, csvHeader+violationRows(1, 3, "Austin", "TX"))

	ok, err := env.repo.Transition(ctx, job.ID, enums.IngestionJobQueued, enums.IngestionJobParsing, nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, env.runner.Run(ctx, job.ID), ErrAlreadyClaimed)

	// A stale transition from a state the job has left does nothing.
	ok, err = env.repo.Transition(ctx, job.ID, enums.IngestionJobQueued, enums.IngestionJobParsing, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, enums.IngestionJobParsing, env.job(t, job.ID).Status)
}

func TestRunnerUnknownJob(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	err := env.runner.Run(context.Background(), uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRunnerUsesFallbackLocation(t *testing.T) {
	env := newTestEnv(t, defaultTestConfig())
	ctx := context.Background()
	job, err := env.service.Upload(ctx, UploadInput{
		OwnerID:        env.owner,
		FileName:       "no-city.csv",
		Body:           strings.NewReader("Address,Zip\n1 First St,73301\n2 Second St,73301\n"),
		FallbackCity:   "round rock",
		FallbackState:  "tx",
		FallbackCounty: "williamson",
	})
	require.NoError(t, err)
	require.NoError(t, env.runner.Run(ctx, job.ID))

	var props []models.Property
	require.NoError(t, env.conn.Order("address").Find(&props).Error)
	require.Len(t, props, 2)
	require.Equal(t, "Round Rock", props[0].City)
	require.Equal(t, "TX", props[0].State)
	require.Equal(t, "Williamson", props[0].County)
	require.Equal(t, "1 FIRST ST|ROUND ROCK|TX|73301", props[0].NaturalKey)
}
