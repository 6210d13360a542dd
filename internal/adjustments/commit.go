package adjustments

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/lotledger/internal/allocator"
	"github.com/angelmondragon/lotledger/internal/ledger"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// commit is the state of one Commit call. The item row is locked for its
// whole lifetime.
type commit struct {
	e     *Engine
	led   *ledger.Ledger
	repo  ledger.Repository
	p     *Prepared
	item  models.InventoryItem
	audit ledger.Audit
	out   Outcome
}

// Commit applies a prepared command inside tx. It locks the item first and
// then any lots in ascending fifo order. An unsuccessful Outcome means nothing
// was written; callers running their own transaction should roll back with
// Reject. The error is reserved for integrity and infrastructure failures.
func (e *Engine) Commit(ctx context.Context, tx *gorm.DB, p *Prepared) (Outcome, error) {
	if p == nil {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeInternal, "prepared command required")
	}
	if out, rejected := p.Rejected(); rejected {
		return out, nil
	}

	led := e.ledger.WithTx(tx)
	repo := led.Repo()
	item, err := repo.LockItem(ctx, p.item.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Outcome{}, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "item %s vanished before commit", p.item.ID)
		}
		return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock item")
	}

	c := &commit{e: e, led: led, repo: repo, p: p, item: *item, audit: p.cmd.audit()}
	var rejection *Outcome
	switch p.cmd.ChangeType {
	case enums.ChangeTypeRestock:
		err = c.restock(ctx)
	case enums.ChangeTypeDeduction, enums.ChangeTypeReserved, enums.ChangeTypeSale:
		if p.audit != nil {
			err = c.saleAudit(ctx)
		} else {
			rejection, err = c.draw(ctx, p.cmd.ChangeType, p.itemQty)
		}
	case enums.ChangeTypeRecount:
		rejection, err = c.recount(ctx)
	case enums.ChangeTypeCostOverride:
		err = c.costOverride(ctx)
	case enums.ChangeTypeReturn:
		rejection, err = c.credit(ctx)
	case enums.ChangeTypeUnitConversion:
		rejection, err = c.unitConversion(ctx)
	default:
		return rejected(pkgerrors.CodeValidation, "invalid change type %q", p.cmd.ChangeType), nil
	}
	if err != nil {
		return Outcome{}, err
	}
	if rejection != nil {
		return *rejection, nil
	}

	c.out.Success = true
	c.out.Item = c.item
	return c.out, nil
}

func (c *commit) record(posting *ledger.Posting) {
	c.out.Entries = append(c.out.Entries, posting.History)
}

func (c *commit) setQuantity(ctx context.Context, next decimal.Decimal) error {
	next = next.Round(ledger.QuantityPlaces)
	if next.IsNegative() {
		return pkgerrors.Newf(pkgerrors.CodeInvariantViolation,
			"item %s aggregate %s would become %s", c.item.ID, c.item.Quantity.String(), next.String())
	}
	if err := c.repo.UpdateItem(ctx, c.item.ID, ledger.ItemChanges{Quantity: &next}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update item quantity")
	}
	c.item.Quantity = next
	return nil
}

func (c *commit) restock(ctx context.Context) error {
	posting, err := c.led.Append(ctx, ledger.Entry{
		Audit:          c.audit,
		ItemID:         c.item.ID,
		ChangeType:     enums.ChangeTypeRestock,
		QuantityChange: c.p.lotQty,
		NewLot:         c.p.newLot,
	})
	if err != nil {
		return err
	}
	c.record(posting)
	c.out.Lot = posting.Lot
	return c.setQuantity(ctx, c.item.Quantity.Add(c.p.itemQty))
}

// draw locks the quoted lots, plans needed against their locked state and
// writes one row per lot consumed.
func (c *commit) draw(ctx context.Context, changeType enums.ChangeType, needed decimal.Decimal) (*Outcome, error) {
	locked, err := c.led.LockLots(ctx, c.item.ID, c.p.quote.Refs())
	if err != nil {
		return nil, err
	}
	lots := make([]models.InventoryLot, 0, locked.Len())
	for _, lot := range locked.Ordered() {
		lots = append(lots, *lot)
	}

	plan, err := allocator.Draw(c.p.quote, lots, needed)
	if err != nil {
		var short *allocator.InsufficientStock
		if errors.As(err, &short) {
			out := rejected(pkgerrors.CodeInsufficientStock, "%s", short.Error())
			out.Shortfall = short.Shortfall()
			return &out, nil
		}
		return nil, err
	}

	for _, take := range plan.Takes {
		lotID := take.LotID
		posting, err := c.led.Append(ctx, ledger.Entry{
			Audit:          c.audit,
			ItemID:         c.item.ID,
			ChangeType:     changeType,
			QuantityChange: take.LotQuantity.Neg(),
			LotID:          &lotID,
		})
		if err != nil {
			return nil, err
		}
		locked.Refresh(*posting.Lot)
		c.record(posting)
	}
	c.out.Takes = append(c.out.Takes, plan.Takes...)
	return nil, c.setQuantity(ctx, c.item.Quantity.Sub(plan.Total))
}

// recount moves the aggregate to an absolute target: a synthetic recount lot
// when the count is up, a FIFO deduction when it is down, then a zero-change
// row recording the target.
func (c *commit) recount(ctx context.Context) (*Outcome, error) {
	target := c.p.itemQty
	delta := target.Sub(c.item.Quantity)

	switch {
	case delta.IsPositive():
		posting, err := c.led.Append(ctx, ledger.Entry{
			Audit:          c.audit,
			ItemID:         c.item.ID,
			ChangeType:     enums.ChangeTypeRecount,
			QuantityChange: delta,
			NewLot: &ledger.NewLot{
				Unit:       c.item.Unit,
				UnitCost:   c.item.Cost,
				SourceType: enums.LotSourceRecount,
				ReceivedAt: c.e.now().UTC(),
			},
		})
		if err != nil {
			return nil, err
		}
		c.record(posting)
		c.out.Lot = posting.Lot
	case delta.IsNegative():
		rejection, err := c.draw(ctx, enums.ChangeTypeRecount, delta.Neg())
		if err != nil || rejection != nil {
			return rejection, err
		}
	}
	if err := c.setQuantity(ctx, target); err != nil {
		return nil, err
	}

	audit := c.audit
	if audit.Notes == "" {
		audit.Notes = fmt.Sprintf("recount to %s %s", target, c.item.Unit)
	}
	posting, err := c.led.Append(ctx, ledger.Entry{
		Audit:             audit,
		ItemID:            c.item.ID,
		ChangeType:        enums.ChangeTypeRecount,
		ReferenceQuantity: &target,
		Snapshot:          &target,
	})
	if err != nil {
		return nil, err
	}
	c.record(posting)
	return nil, nil
}

func (c *commit) costOverride(ctx context.Context) error {
	cost := c.p.cmd.UnitCost.Round(ledger.QuantityPlaces)
	if err := c.repo.UpdateItem(ctx, c.item.ID, ledger.ItemChanges{Cost: &cost}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update item cost")
	}
	c.item.Cost = cost
	posting, err := c.led.Append(ctx, ledger.Entry{
		Audit:      c.audit,
		ItemID:     c.item.ID,
		ChangeType: enums.ChangeTypeCostOverride,
		UnitCost:   &cost,
	})
	if err != nil {
		return err
	}
	c.record(posting)
	return nil
}

// credit returns stock to the specific lot named by the command, bypassing
// FIFO.
func (c *commit) credit(ctx context.Context) (*Outcome, error) {
	ref := ledger.LotRef{ID: c.p.lot.ID, FIFOCode: c.p.lot.FIFOCode}
	locked, err := c.led.LockLots(ctx, c.item.ID, []ledger.LotRef{ref})
	if err != nil {
		return nil, err
	}
	lot, ok := locked.Get(ref.ID)
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "lot %s missing from lock set", ref.ID)
	}
	if lot.RemainingQuantity.Add(c.p.lotQty).GreaterThan(lot.OriginalQuantity) {
		out := rejected(pkgerrors.CodeValidation, "return of %s %s exceeds what lot %d has given out",
			c.p.lotQty, lot.Unit, lot.FIFOCode)
		return &out, nil
	}

	lotID := lot.ID
	posting, err := c.led.Append(ctx, ledger.Entry{
		Audit:          c.audit,
		ItemID:         c.item.ID,
		ChangeType:     enums.ChangeTypeReturn,
		QuantityChange: c.p.lotQty,
		LotID:          &lotID,
	})
	if err != nil {
		return nil, err
	}
	c.record(posting)
	c.out.Lot = posting.Lot
	return nil, c.setQuantity(ctx, c.item.Quantity.Add(c.p.itemQty))
}

// saleAudit records a sale of stock that already left the lots when it was
// reserved: one zero-change row per lot carrying the sold lot quantity.
func (c *commit) saleAudit(ctx context.Context) error {
	locked, err := c.led.LockLots(ctx, c.item.ID, c.p.refs)
	if err != nil {
		return err
	}
	for _, lot := range locked.Ordered() {
		sold := c.p.audit[lot.ID]
		lotID := lot.ID
		posting, err := c.led.Append(ctx, ledger.Entry{
			Audit:             c.audit,
			ItemID:            c.item.ID,
			ChangeType:        enums.ChangeTypeSale,
			LotID:             &lotID,
			ReferenceQuantity: &sold,
		})
		if err != nil {
			return err
		}
		c.record(posting)
	}
	return nil
}

func (c *commit) unitConversion(ctx context.Context) (*Outcome, error) {
	cmd, before := c.p.cmd, c.p.item
	if c.item.Unit != before.Unit {
		out := rejected(pkgerrors.CodeStateConflict, "item unit changed to %s since the conversion was prepared", c.item.Unit)
		return &out, nil
	}
	if !c.item.Quantity.Equal(before.Quantity) {
		out := rejected(pkgerrors.CodeStateConflict, "item stock changed since the conversion was prepared")
		return &out, nil
	}
	fromUnit := c.item.Unit
	changes := ledger.ItemChanges{Unit: &cmd.NewUnit}

	if cmd.ConvertAggregate {
		// Allocations hold lot quantities in the units they were drawn in.
		active, err := c.repo.CountActiveReservations(ctx, c.item.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count active reservations")
		}
		if active > 0 {
			out := rejected(pkgerrors.CodeStateConflict,
				"item has %d active reservations; resolve them before converting its stock", active)
			return &out, nil
		}
		refs := make([]ledger.LotRef, 0, len(c.p.rescales))
		for _, r := range c.p.rescales {
			refs = append(refs, r.ref)
		}
		if _, err := c.led.LockLots(ctx, c.item.ID, refs); err != nil {
			return nil, err
		}

		total := decimal.Zero
		for _, r := range c.p.rescales {
			posting, err := c.led.Rescale(ctx, c.item.ID, r.ref.ID, cmd.NewUnit, r.factor, c.audit)
			if err != nil {
				return nil, err
			}
			c.record(posting)
			total = total.Add(posting.Lot.RemainingQuantity)
		}
		cost := c.item.Cost.Div(c.p.aggFactor).Round(ledger.QuantityPlaces)
		changes.Quantity = &total
		changes.Cost = &cost
		c.item.Quantity = total
		c.item.Cost = cost
	}

	if err := c.repo.UpdateItem(ctx, c.item.ID, changes); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update item unit")
	}
	c.item.Unit = cmd.NewUnit
	if err := c.relabelShadow(ctx, cmd.ConvertAggregate); err != nil {
		return nil, err
	}

	audit := c.audit
	if audit.Notes == "" {
		audit.Notes = fmt.Sprintf("unit changed from %s to %s", fromUnit, cmd.NewUnit)
	}
	posting, err := c.led.Append(ctx, ledger.Entry{
		Audit:      audit,
		ItemID:     c.item.ID,
		ChangeType: enums.ChangeTypeUnitConversion,
	})
	if err != nil {
		return nil, err
	}
	c.record(posting)
	return nil, nil
}

// relabelShadow keeps the shadow reserved item in the parent's unit. A
// converted aggregate only happens with no active reservations, so the
// shadow is reset to zero then.
func (c *commit) relabelShadow(ctx context.Context, converted bool) error {
	shadow, err := c.repo.FindShadowItem(ctx, c.item.ID, true)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock shadow item")
	}
	changes := ledger.ItemChanges{Unit: &c.item.Unit}
	if converted {
		zero := decimal.Zero
		changes.Quantity = &zero
	}
	if err := c.repo.UpdateItem(ctx, shadow.ID, changes); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update shadow item unit")
	}
	return nil
}
