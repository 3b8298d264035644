package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/propwatch-backend/internal/jobevents"
	"github.com/angelmondragon/propwatch-backend/pkg/config"
	"github.com/angelmondragon/propwatch-backend/pkg/db"
	"github.com/angelmondragon/propwatch-backend/pkg/db/dbtest"
	"github.com/angelmondragon/propwatch-backend/pkg/db/models"
	"github.com/angelmondragon/propwatch-backend/pkg/logger"
	"github.com/angelmondragon/propwatch-backend/pkg/outbox"
	"github.com/angelmondragon/propwatch-backend/pkg/storage"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []outbox.DomainEvent
	err    error
}

func (r *recordingEmitter) Emit(_ context.Context, _ *gorm.DB, event outbox.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

type countingNotifier struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
}

func (n *countingNotifier) JobChanged(_ context.Context, id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = map[uuid.UUID]int{}
	}
	n.calls[id]++
}

type testEnv struct {
	client   *db.Client
	conn     *gorm.DB
	repo     Repository
	events   jobevents.Service
	emitter  *recordingEmitter
	blobs    *storage.LocalStore
	service  Service
	runner   *Runner
	notifier *countingNotifier
	owner    uuid.UUID
}

func newTestEnv(t *testing.T, cfg config.IngestionConfig) *testEnv {
	t.Helper()
	client := dbtest.Client(t)
	conn := client.DB()
	repo := NewRepository(conn)
	events, err := jobevents.NewService(jobevents.NewRepository(conn), nil)
	require.NoError(t, err)
	blobs, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	emitter := &recordingEmitter{}

	svc, err := NewService(ServiceParams{Tx: client, Repo: repo, Events: events, Outbox: emitter, Blobs: blobs})
	require.NoError(t, err)

	notifier := &countingNotifier{}
	runner, err := NewRunner(RunnerParams{
		Tx:       client,
		Repo:     repo,
		Events:   events,
		Blobs:    blobs,
		Notifier: notifier,
		Logger:   logger.New(logger.Options{ServiceName: "ingestion-test", Output: io.Discard}),
		Config:   cfg,
	})
	require.NoError(t, err)

	return &testEnv{
		client:   client,
		conn:     conn,
		repo:     repo,
		events:   events,
		emitter:  emitter,
		blobs:    blobs,
		service:  svc,
		runner:   runner,
		notifier: notifier,
		owner:    uuid.New(),
	}
}

func defaultTestConfig() config.IngestionConfig {
	return config.IngestionConfig{
		BatchSize:             50,
		FailureRatioThreshold: 0.5,
		MinSampleRows:         20,
		MaxWarnings:           200,
	}
}

var errReplay = errors.New("replay transaction")

// replayingTx runs every transaction body twice: once in a transaction that
// is rolled back, then for real, like a retried serialization failure.
type replayingTx struct {
	client *db.Client
	calls  int
}

func (r *replayingTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	r.calls++
	err := r.client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errReplay
	})
	if !errors.Is(err, errReplay) {
		return err
	}
	return r.client.WithTx(ctx, fn)
}

// upload stores csv and queues a single job for it.
func (e *testEnv) upload(t *testing.T, csv string) *models.IngestionJob {
	t.Helper()
	job, err := e.service.Upload(context.Background(), UploadInput{
		OwnerID:  e.owner,
		FileName: "violations.csv",
		Body:     strings.NewReader(csv),
	})
	require.NoError(t, err)
	return job
}

func (e *testEnv) job(t *testing.T, id uuid.UUID) *models.IngestionJob {
	t.Helper()
	job, err := e.repo.FindJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (e *testEnv) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.conn.Model(model).Count(&n).Error)
	return n
}

const csvHeader = "Address,City,State,Zip,Violation Type,Case Number,Opened\n"

// violationRows returns n well-formed rows in one city.
func violationRows(start, n int, city, state string) string {
	var b strings.Builder
	for i := start; i < start+n; i++ {
		fmt.Fprintf(&b, "%d Main Street,%s,%s,78701,Overgrown lot,CE-%04d,2025-01-%02d\n", i, city, state, i, i%28+1)
	}
	return b.String()
}
