package reservations

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gorm.io/gorm"
)

// ShadowReport describes one shadow reconciliation.
type ShadowReport struct {
	ParentItemID uuid.UUID
	ShadowItemID uuid.UUID
	Cached       decimal.Decimal
	Active       decimal.Decimal
	Corrected    bool
}

// ReconcileShadow compares the parent item's shadow quantity with the sum of
// its active reservations and overwrites the shadow when they differ. Items
// that never had a reservation have no shadow and report nothing to do.
func (m *Manager) ReconcileShadow(ctx context.Context, parentItemID uuid.UUID) (ShadowReport, error) {
	report := ShadowReport{ParentItemID: parentItemID}
	err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		items := m.engine.Ledger().WithTx(tx).Repo()
		shadow, err := items.FindShadowItem(ctx, parentItemID, true)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock shadow item")
		}
		report.ShadowItemID = shadow.ID
		report.Cached = shadow.Quantity

		active, err := activeSum(ctx, m.repo.WithTx(tx), parentItemID)
		if err != nil {
			return err
		}
		report.Active = active
		if shadow.Quantity.Equal(active) {
			return nil
		}
		if _, err := m.engine.SetShadow(ctx, tx, shadow.ID, active); err != nil {
			return err
		}
		report.Corrected = true
		return nil
	})
	if err != nil {
		return ShadowReport{}, err
	}

	if report.Corrected {
		m.metrics.IncShadowCorrection()
		ctx = m.logg.WithFields(ctx, map[string]any{
			"item_id":        parentItemID.String(),
			"shadow_item_id": report.ShadowItemID.String(),
			"cached":         report.Cached.String(),
			"active":         report.Active.String(),
		})
		m.logg.Warn(ctx, "shadow reserved quantity drifted; corrected")
	}
	return report, nil
}

// ReconcileAll reconciles every shadow item and returns how many needed a
// correction.
func (m *Manager) ReconcileAll(ctx context.Context) (int, error) {
	shadows, err := m.engine.Ledger().Repo().ListShadowItems(ctx)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list shadow items")
	}
	corrected := 0
	var errs error
	for _, shadow := range shadows {
		if shadow.ParentItemID == nil {
			continue
		}
		report, err := m.ReconcileShadow(ctx, *shadow.ParentItemID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("item %s: %w", *shadow.ParentItemID, err))
			continue
		}
		if report.Corrected {
			corrected++
		}
	}
	return corrected, errs
}
