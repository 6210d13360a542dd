package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/lotledger/pkg/logger"
)

type shadowReconciler interface {
	ReconcileAll(ctx context.Context) (int, error)
}

// NewShadowReconcileJob returns the job that resets drifted shadow reserved
// quantities to the sum of active reservations.
func NewShadowReconcileJob(manager shadowReconciler, logg *logger.Logger) (Job, error) {
	if manager == nil {
		return nil, fmt.Errorf("reservation manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &shadowReconcileJob{manager: manager, logg: logg}, nil
}

type shadowReconcileJob struct {
	manager shadowReconciler
	logg    *logger.Logger
}

func (j *shadowReconcileJob) Name() string { return "shadow-reconcile" }

func (j *shadowReconcileJob) Run(ctx context.Context) error {
	corrected, err := j.manager.ReconcileAll(ctx)
	if corrected > 0 {
		j.logg.Info(j.logg.WithField(ctx, "corrected", corrected), "shadow reserved quantities corrected")
	}
	if err != nil {
		return fmt.Errorf("shadow reconcile: %w", err)
	}
	return nil
}
