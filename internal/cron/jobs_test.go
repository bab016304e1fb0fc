package cron

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeWarningStore struct {
	cutoff time.Time
	err    error
}

func (f *fakeWarningStore) ClearWarningsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 2, f.err
}

type fakeReservationStore struct {
	now time.Time
}

func (f *fakeReservationStore) ClearExpiredReservations(_ context.Context, now time.Time) (int64, error) {
	f.now = now
	return 1, nil
}

type fakeRebuilder struct {
	calls int
	err   error
}

func (f *fakeRebuilder) Rebuild(context.Context) error {
	f.calls++
	return f.err
}

func TestPenaltyWarningJobUsesLifetimeCutoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	store := &fakeWarningStore{}
	job, err := NewPenaltyWarningJob(PenaltyWarningJobParams{
		Logger:    newTestLogger(),
		Customers: store,
		Now:       func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if job.Name() != "penalty-warning-sweep" {
		t.Fatalf("unexpected name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := now.Add(-60 * 24 * time.Hour)
	if !store.cutoff.Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, store.cutoff)
	}
}

func TestPenaltyWarningJobPropagatesError(t *testing.T) {
	job, _ := NewPenaltyWarningJob(PenaltyWarningJobParams{
		Logger:    newTestLogger(),
		Customers: &fakeWarningStore{err: errors.New("db down")},
	})
	if err := job.Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReservationSweepJobPassesNow(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	store := &fakeReservationStore{}
	job, err := NewReservationSweepJob(ReservationSweepJobParams{
		Logger: newTestLogger(),
		Orders: store,
		Now:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !store.now.Equal(now) {
		t.Fatalf("expected now passed through")
	}
}

func TestQueueRebuildJob(t *testing.T) {
	rebuilder := &fakeRebuilder{}
	job, err := NewQueueRebuildJob(rebuilder)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rebuilder.calls != 1 {
		t.Fatalf("expected one rebuild, got %d", rebuilder.calls)
	}
	if _, err := NewQueueRebuildJob(nil); err == nil {
		t.Fatalf("expected constructor error")
	}
}
