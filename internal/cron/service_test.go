package cron

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/angelmondragon/propwatch-backend/pkg/logger"
)

type fakeLock struct {
	acquired  bool
	lost      bool
	refreshes int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.acquired {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Refresh(context.Context) error {
	f.refreshes++
	if f.lost {
		return ErrLockLost
	}
	return nil
}

func (f *fakeLock) Release(context.Context) error { f.acquired = false; return nil }

type testJob struct {
	name  string
	err   error
	panic bool
	every time.Duration
	runs  int
}

func (t *testJob) Name() string         { return t.name }
func (t *testJob) Every() time.Duration { return t.every }

func (t *testJob) Run(context.Context) error {
	t.runs++
	if t.panic {
		panic("boom")
	}
	return t.err
}

func newTestCron(t *testing.T, lock Lock, now func() time.Time, jobs ...Job) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Registry: NewRegistry(jobs...),
		Lock:     lock,
		Now:      now,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestRunCycleRunsAllJobsEvenOnFailureOrPanic(t *testing.T) {
	ok := &testJob{name: "success"}
	failing := &testJob{name: "fail", err: errors.New("boom")}
	panicking := &testJob{name: "panic", panic: true}
	last := &testJob{name: "last"}
	lock := &fakeLock{}
	service := newTestCron(t, lock, nil, ok, failing, panicking, last)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	for _, job := range []*testJob{ok, failing, panicking, last} {
		if job.runs != 1 {
			t.Fatalf("job %s ran %d times", job.name, job.runs)
		}
	}
	if lock.refreshes != 3 {
		t.Fatalf("expected refresh between jobs, got %d", lock.refreshes)
	}
	if lock.acquired {
		t.Fatalf("lock should be released after the cycle")
	}
}

func TestRunCycleHonorsCadence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hourly := &testJob{name: "retention", every: time.Hour}
	always := &testJob{name: "reaper"}
	service := newTestCron(t, &fakeLock{}, func() time.Time { return now }, hourly, always)

	for i := 0; i < 3; i++ {
		if err := service.runCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		now = now.Add(10 * time.Minute)
	}
	if hourly.runs != 1 || always.runs != 3 {
		t.Fatalf("unexpected runs hourly=%d always=%d", hourly.runs, always.runs)
	}

	now = now.Add(time.Hour)
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("late cycle: %v", err)
	}
	if hourly.runs != 2 {
		t.Fatalf("hourly job should run again after its cadence, ran %d", hourly.runs)
	}
}

func TestRunCycleStopsWhenLockLost(t *testing.T) {
	first := &testJob{name: "first"}
	second := &testJob{name: "second"}
	service := newTestCron(t, &fakeLock{lost: true}, nil, first, second)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if first.runs != 1 || second.runs != 0 {
		t.Fatalf("expected only the first job, got %d %d", first.runs, second.runs)
	}
}

func TestRunCycleSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "only"}
	service := newTestCron(t, &fakeLock{acquired: true}, nil, job)
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job must not run without the lock")
	}
}
