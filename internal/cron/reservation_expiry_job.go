package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/lotledger/pkg/logger"
)

type reservationExpirer interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// NewReservationExpiryJob returns the job that expires overdue reservations
// and returns their stock to the originating lots.
func NewReservationExpiryJob(manager reservationExpirer, logg *logger.Logger) (Job, error) {
	if manager == nil {
		return nil, fmt.Errorf("reservation manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &reservationExpiryJob{manager: manager, logg: logg}, nil
}

type reservationExpiryJob struct {
	manager reservationExpirer
	logg    *logger.Logger
}

func (j *reservationExpiryJob) Name() string { return "reservation-expiry" }

func (j *reservationExpiryJob) Run(ctx context.Context) error {
	expired, err := j.manager.CleanupExpired(ctx)
	if expired > 0 {
		j.logg.Info(j.logg.WithField(ctx, "expired", expired), "expired reservations released")
	}
	if err != nil {
		return fmt.Errorf("reservation expiry: %w", err)
	}
	return nil
}
