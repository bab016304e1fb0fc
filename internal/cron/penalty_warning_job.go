package cron

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/logger"
)

const (
	penaltyWarningJobName  = "penalty-warning-sweep"
	defaultWarningLifetime = 60 * 24 * time.Hour
)

type warningStore interface {
	ClearWarningsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PenaltyWarningJobParams configure the warning sweep.
type PenaltyWarningJobParams struct {
	Logger    *logger.Logger
	Customers warningStore
	Lifetime  time.Duration
	Now       func() time.Time
}

type penaltyWarningJob struct {
	logg      *logger.Logger
	customers warningStore
	lifetime  time.Duration
	now       func() time.Time
}

// NewPenaltyWarningJob builds the job that forgets customer warnings older than the lifetime.
// Banned customers keep their record.
func NewPenaltyWarningJob(params PenaltyWarningJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Customers == nil {
		return nil, errors.New("customers repository required")
	}
	lifetime := params.Lifetime
	if lifetime <= 0 {
		lifetime = defaultWarningLifetime
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &penaltyWarningJob{
		logg:      params.Logger,
		customers: params.Customers,
		lifetime:  lifetime,
		now:       now,
	}, nil
}

func (j *penaltyWarningJob) Name() string { return penaltyWarningJobName }

func (j *penaltyWarningJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.lifetime)
	cleared, err := j.customers.ClearWarningsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	ctx = j.logg.WithField(ctx, "cleared", cleared)
	j.logg.Info(ctx, "penalty warnings cleared")
	return nil
}
