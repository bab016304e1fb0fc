package cron

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/zonedispatch/pkg/logger"
)

const reservationSweepJobName = "reservation-sweep"

type reservationStore interface {
	ClearExpiredReservations(ctx context.Context, now time.Time) (int64, error)
}

// ReservationSweepJobParams configure the reservation sweep.
type ReservationSweepJobParams struct {
	Logger *logger.Logger
	Orders reservationStore
	Now    func() time.Time
}

type reservationSweepJob struct {
	logg   *logger.Logger
	orders reservationStore
	now    func() time.Time
}

// NewReservationSweepJob builds the job that drops lapsed broadcast reservations left behind
// by a restart or a lost timer.
func NewReservationSweepJob(params ReservationSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Orders == nil {
		return nil, errors.New("orders repository required")
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &reservationSweepJob{logg: params.Logger, orders: params.Orders, now: now}, nil
}

func (j *reservationSweepJob) Name() string { return reservationSweepJobName }

func (j *reservationSweepJob) Run(ctx context.Context) error {
	cleared, err := j.orders.ClearExpiredReservations(ctx, j.now())
	if err != nil {
		return err
	}
	if cleared > 0 {
		ctx = j.logg.WithField(ctx, "cleared", cleared)
		j.logg.Warn(ctx, "expired reservations cleared by sweep")
	}
	return nil
}
