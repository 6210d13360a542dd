package ledger

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/angelmondragon/lotledger/pkg/units"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Report is the outcome of VerifyItem.
type Report struct {
	ItemID     uuid.UUID
	Unit       string
	Aggregate  decimal.Decimal
	LotSum     decimal.Decimal
	Violations []string
}

// OK reports whether no invariant was violated.
func (r Report) OK() bool {
	return len(r.Violations) == 0
}

// VerifyItem checks that every lot of the item stays within [0, original] and
// that the cached aggregate equals the sum of remaining quantities expressed
// in the item's unit. Shadow items hold no lots and only get the bounds check
// on their aggregate.
func (l *Ledger) VerifyItem(ctx context.Context, itemID uuid.UUID) (Report, error) {
	item, err := l.repo.FindItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Report{}, pkgerrors.New(pkgerrors.CodeNotFound, "item not found")
		}
		return Report{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load item")
	}

	report := Report{ItemID: item.ID, Unit: item.Unit, Aggregate: item.Quantity, LotSum: decimal.Zero}
	if item.Quantity.IsNegative() {
		report.Violations = append(report.Violations, fmt.Sprintf("aggregate %s is negative", item.Quantity))
	}
	if !item.Type.HoldsLots() {
		return report, nil
	}

	lots, err := l.repo.ListLots(ctx, item.ID, false)
	if err != nil {
		return Report{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list lots")
	}
	for _, lot := range lots {
		if lot.RemainingQuantity.IsNegative() || lot.RemainingQuantity.GreaterThan(lot.OriginalQuantity) {
			report.Violations = append(report.Violations,
				fmt.Sprintf("lot %d remaining %s outside [0, %s]", lot.FIFOCode, lot.RemainingQuantity, lot.OriginalQuantity))
		}
		if lot.RemainingQuantity.IsZero() {
			continue
		}
		conv, err := units.Convert(ctx, l.gateway, units.Request{
			Amount:  lot.RemainingQuantity,
			From:    lot.Unit,
			To:      item.Unit,
			Density: item.Density,
			ItemID:  &item.ID,
		})
		if err != nil || !conv.Success {
			report.Violations = append(report.Violations,
				fmt.Sprintf("lot %d in %s cannot be expressed in %s", lot.FIFOCode, lot.Unit, item.Unit))
			continue
		}
		report.LotSum = report.LotSum.Add(conv.Value.Round(QuantityPlaces))
	}
	if !report.LotSum.Equal(item.Quantity) {
		report.Violations = append(report.Violations,
			fmt.Sprintf("aggregate %s differs from lot sum %s", item.Quantity, report.LotSum))
	}
	return report, nil
}
