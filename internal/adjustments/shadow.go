package adjustments

import (
	"context"
	"errors"

	"github.com/angelmondragon/lotledger/internal/ledger"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AdjustShadow moves a shadow reserved item's aggregate by delta inside tx.
// Shadow items hold no lots; their aggregate mirrors the active reservations
// of the parent. A result below zero is clamped and logged as drift for the
// reconcile job to settle.
func (e *Engine) AdjustShadow(ctx context.Context, tx *gorm.DB, shadowID uuid.UUID, delta decimal.Decimal) (models.InventoryItem, error) {
	repo := e.ledger.WithTx(tx).Repo()
	shadow, err := lockShadow(ctx, repo, shadowID)
	if err != nil {
		return models.InventoryItem{}, err
	}
	next := shadow.Quantity.Add(delta).Round(ledger.QuantityPlaces)
	if next.IsNegative() {
		ctx = e.logg.WithFields(ctx, map[string]any{
			"shadow_item_id": shadowID.String(),
			"quantity":       shadow.Quantity.String(),
			"delta":          delta.String(),
		})
		e.logg.Warn(ctx, "shadow reserved quantity would go negative; clamping to zero")
		next = decimal.Zero
	}
	return e.writeShadow(ctx, repo, *shadow, next)
}

// SetShadow overwrites a shadow item's aggregate. Used by reconciliation.
func (e *Engine) SetShadow(ctx context.Context, tx *gorm.DB, shadowID uuid.UUID, quantity decimal.Decimal) (models.InventoryItem, error) {
	if quantity.IsNegative() {
		return models.InventoryItem{}, pkgerrors.New(pkgerrors.CodeValidation, "shadow quantity cannot be negative")
	}
	repo := e.ledger.WithTx(tx).Repo()
	shadow, err := lockShadow(ctx, repo, shadowID)
	if err != nil {
		return models.InventoryItem{}, err
	}
	return e.writeShadow(ctx, repo, *shadow, quantity.Round(ledger.QuantityPlaces))
}

func (e *Engine) writeShadow(ctx context.Context, repo ledger.Repository, shadow models.InventoryItem, next decimal.Decimal) (models.InventoryItem, error) {
	if err := repo.UpdateItem(ctx, shadow.ID, ledger.ItemChanges{Quantity: &next}); err != nil {
		return models.InventoryItem{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update shadow item")
	}
	shadow.Quantity = next
	return shadow, nil
}

func lockShadow(ctx context.Context, repo ledger.Repository, id uuid.UUID) (*models.InventoryItem, error) {
	shadow, err := repo.LockItem(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "shadow item %s not found", id)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock shadow item")
	}
	if shadow.Type != enums.ItemTypeReserved {
		return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "item %s is not a shadow reserved item", id)
	}
	return shadow, nil
}
