package adjustments

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/lotledger/internal/allocator"
	"github.com/angelmondragon/lotledger/internal/ledger"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/angelmondragon/lotledger/pkg/validate"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Prepared is a command resolved outside any transaction: the item snapshot,
// every gateway conversion, and the allocation quote. Commit only locks,
// re-checks and writes.
type Prepared struct {
	cmd       Command
	item      models.InventoryItem
	rejection *Outcome

	// itemQty is in the item's unit: the draw need, the restock or return
	// aggregate delta, or the recount target.
	itemQty decimal.Decimal
	quote   allocator.Quote

	newLot *ledger.NewLot
	lotQty decimal.Decimal
	lot    *models.InventoryLot

	audit map[uuid.UUID]decimal.Decimal
	refs  []ledger.LotRef

	rescales  []rescale
	aggFactor decimal.Decimal
}

type rescale struct {
	ref    ledger.LotRef
	factor decimal.Decimal
}

// Rejected reports whether preparation already decided the outcome.
func (p *Prepared) Rejected() (Outcome, bool) {
	if p == nil || p.rejection == nil {
		return Outcome{}, false
	}
	return *p.rejection, true
}

// Command returns the prepared command.
func (p *Prepared) Command() Command {
	return p.cmd
}

// Item returns the item as read during preparation.
func (p *Prepared) Item() models.InventoryItem {
	return p.item
}

func (p *Prepared) reject(code pkgerrors.Code, format string, args ...any) {
	out := rejected(code, format, args...)
	p.rejection = &out
}

func (p *Prepared) rejectConversion(from, to string, code enums.ConversionErrorCode) {
	p.reject(pkgerrors.CodeConversionFailed, "cannot convert %s to %s: %s", from, to, code)
}

// Prepare validates cmd and resolves everything that needs I/O other than row
// locks. Business failures are recorded on the returned Prepared; the error is
// reserved for infrastructure problems.
func (e *Engine) Prepare(ctx context.Context, cmd Command) (*Prepared, error) {
	p := &Prepared{cmd: cmd}
	if err := validate.Struct(cmd); err != nil {
		p.reject(pkgerrors.CodeValidation, "%s", validate.Summary(err))
		return p, nil
	}
	if !cmd.ChangeType.IsValid() {
		p.reject(pkgerrors.CodeValidation, "invalid change type %q", cmd.ChangeType)
		return p, nil
	}

	item, err := e.ledger.Repo().FindItem(ctx, cmd.ItemID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p.reject(pkgerrors.CodeNotFound, "item %s not found", cmd.ItemID)
			return p, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load item")
	}
	p.item = *item

	switch {
	case item.TenantID != cmd.TenantID:
		p.reject(pkgerrors.CodeNotFound, "item %s not found", cmd.ItemID)
		return p, nil
	case !item.Type.HoldsLots():
		p.reject(pkgerrors.CodeValidation, "%s items are adjusted through reservations", item.Type)
		return p, nil
	case item.IsArchived() && !settlesExisting(cmd):
		p.reject(pkgerrors.CodeStateConflict, "item %s is archived", item.ID)
		return p, nil
	case cmd.IncludeExpired && !e.cfg.AllowExpiredDraws:
		p.reject(pkgerrors.CodeForbidden, "expired lot draws are disabled")
		return p, nil
	case len(cmd.AuditLots) > 0 && cmd.ChangeType != enums.ChangeTypeSale:
		p.reject(pkgerrors.CodeValidation, "audit lots are only valid on sales")
		return p, nil
	}

	unit := cmd.Unit
	if unit == "" {
		unit = item.Unit
	}

	switch cmd.ChangeType {
	case enums.ChangeTypeRestock:
		e.prepareRestock(ctx, p, unit)
	case enums.ChangeTypeSale:
		if len(cmd.AuditLots) > 0 {
			return p, e.prepareSaleAudit(ctx, p)
		}
		return p, e.prepareDraw(ctx, p, unit)
	case enums.ChangeTypeDeduction, enums.ChangeTypeReserved:
		return p, e.prepareDraw(ctx, p, unit)
	case enums.ChangeTypeRecount:
		return p, e.prepareRecount(ctx, p, unit)
	case enums.ChangeTypeCostOverride:
		if cmd.UnitCost == nil {
			p.reject(pkgerrors.CodeValidation, "unit_cost is required for cost_override")
		}
	case enums.ChangeTypeReturn:
		return p, e.prepareReturn(ctx, p, unit)
	case enums.ChangeTypeUnitConversion:
		return p, e.prepareUnitConversion(ctx, p)
	}
	return p, nil
}

func (e *Engine) prepareRestock(ctx context.Context, p *Prepared, unit string) {
	cmd, item := p.cmd, p.item
	qty := cmd.Quantity.Round(ledger.QuantityPlaces)
	if !qty.IsPositive() {
		p.reject(pkgerrors.CodeValidation, "restock quantity must be positive")
		return
	}
	source := cmd.SourceType
	if source == "" {
		source = enums.LotSourcePurchase
	}
	if !source.IsValid() {
		p.reject(pkgerrors.CodeValidation, "invalid lot source %q", source)
		return
	}

	delta, code := e.convert(ctx, item, qty, unit, item.Unit)
	if code != "" {
		p.rejectConversion(unit, item.Unit, code)
		return
	}

	received := e.now().UTC()
	if cmd.ReceivedAt != nil {
		received = cmd.ReceivedAt.UTC()
	}
	unitCost := item.Cost
	if cmd.UnitCost != nil {
		unitCost = *cmd.UnitCost
	}
	p.lotQty = qty
	p.itemQty = delta
	p.newLot = &ledger.NewLot{
		Unit:           unit,
		UnitCost:       unitCost,
		SourceType:     source,
		ReceivedAt:     received,
		ExpirationDate: expiration(item, received, cmd.ExpirationDate),
	}
}

// settlesExisting reports whether cmd only settles stock that already left
// the lots, which archived items still accept.
func settlesExisting(cmd Command) bool {
	return cmd.ChangeType == enums.ChangeTypeReturn || len(cmd.AuditLots) > 0
}

// expiration keeps an explicit date, or derives one from the item's shelf
// life when it is perishable.
func expiration(item models.InventoryItem, received time.Time, explicit *time.Time) *time.Time {
	if explicit != nil {
		v := explicit.UTC()
		return &v
	}
	if !item.Perishable || item.ShelfLifeDays == nil || *item.ShelfLifeDays <= 0 {
		return nil
	}
	v := received.AddDate(0, 0, *item.ShelfLifeDays)
	return &v
}

func (e *Engine) prepareDraw(ctx context.Context, p *Prepared, unit string) error {
	cmd, item := p.cmd, p.item
	qty := cmd.Quantity.Abs().Round(ledger.QuantityPlaces)
	if !qty.IsPositive() {
		p.reject(pkgerrors.CodeValidation, "%s quantity must be non-zero", cmd.ChangeType)
		return nil
	}
	needed, code := e.convert(ctx, item, qty, unit, item.Unit)
	if code != "" {
		p.rejectConversion(unit, item.Unit, code)
		return nil
	}
	p.itemQty = needed
	return e.quote(ctx, p, cmd.IncludeExpired)
}

func (e *Engine) quote(ctx context.Context, p *Prepared, includeExpired bool) error {
	lots, err := e.ledger.Repo().ListLots(ctx, p.item.ID, true)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list lots")
	}
	p.quote = e.alloc.Quote(ctx, p.item, lots, p.item.Unit, allocator.Options{
		IncludeExpired: includeExpired,
		Now:            e.now().UTC(),
	})
	for _, skip := range p.quote.Skipped {
		e.metrics.IncConversionFailure(string(skip.Code))
	}
	return nil
}

// prepareRecount quotes every open lot, expired ones included: a physical
// count that comes in short removes stock whatever its age.
func (e *Engine) prepareRecount(ctx context.Context, p *Prepared, unit string) error {
	cmd, item := p.cmd, p.item
	target := cmd.Quantity.Round(ledger.QuantityPlaces)
	if target.IsNegative() {
		p.reject(pkgerrors.CodeValidation, "recount target cannot be negative")
		return nil
	}
	if !target.IsZero() {
		converted, code := e.convert(ctx, item, target, unit, item.Unit)
		if code != "" {
			p.rejectConversion(unit, item.Unit, code)
			return nil
		}
		target = converted
	}
	p.itemQty = target
	return e.quote(ctx, p, true)
}

func (e *Engine) prepareReturn(ctx context.Context, p *Prepared, unit string) error {
	cmd, item := p.cmd, p.item
	if cmd.LotID == nil {
		p.reject(pkgerrors.CodeValidation, "lot_id is required for return")
		return nil
	}
	qty := cmd.Quantity.Round(ledger.QuantityPlaces)
	if qty.IsNegative() || (qty.IsZero() && cmd.LotQuantity == nil) {
		p.reject(pkgerrors.CodeValidation, "return quantity must be positive")
		return nil
	}

	lot, err := e.ledger.Repo().FindLot(ctx, *cmd.LotID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p.reject(pkgerrors.CodeNotFound, "lot %s not found", *cmd.LotID)
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load lot")
	}
	if lot.ItemID != item.ID {
		p.reject(pkgerrors.CodeNotFound, "lot %s not found for item %s", lot.ID, item.ID)
		return nil
	}

	credit := decimal.Zero
	if cmd.LotQuantity != nil {
		credit = cmd.LotQuantity.Round(ledger.QuantityPlaces)
	} else {
		var code enums.ConversionErrorCode
		if credit, code = e.convert(ctx, item, qty, unit, lot.Unit); code != "" {
			p.rejectConversion(unit, lot.Unit, code)
			return nil
		}
	}

	var delta decimal.Decimal
	var code enums.ConversionErrorCode
	if qty.IsPositive() {
		delta, code = e.convert(ctx, item, qty, unit, item.Unit)
		if code != "" {
			p.rejectConversion(unit, item.Unit, code)
			return nil
		}
	} else {
		delta, code = e.convert(ctx, item, credit, lot.Unit, item.Unit)
		if code != "" {
			p.rejectConversion(lot.Unit, item.Unit, code)
			return nil
		}
	}

	if !credit.IsPositive() {
		p.reject(pkgerrors.CodeValidation, "return quantity must be positive")
		return nil
	}
	if headroom := lot.OriginalQuantity.Sub(lot.RemainingQuantity); credit.GreaterThan(headroom) {
		p.reject(pkgerrors.CodeValidation, "return of %s %s exceeds what lot %d has given out (%s)",
			credit, lot.Unit, lot.FIFOCode, headroom)
		return nil
	}
	p.lot = lot
	p.lotQty = credit
	p.itemQty = delta
	return nil
}

func (e *Engine) prepareSaleAudit(ctx context.Context, p *Prepared) error {
	p.audit = make(map[uuid.UUID]decimal.Decimal, len(p.cmd.AuditLots))
	for _, al := range p.cmd.AuditLots {
		lot, err := e.ledger.Repo().FindLot(ctx, al.LotID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				p.reject(pkgerrors.CodeNotFound, "lot %s not found", al.LotID)
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load lot")
		}
		if lot.ItemID != p.item.ID {
			p.reject(pkgerrors.CodeNotFound, "lot %s not found for item %s", lot.ID, p.item.ID)
			return nil
		}
		if _, dup := p.audit[lot.ID]; !dup {
			p.refs = append(p.refs, ledger.LotRef{ID: lot.ID, FIFOCode: lot.FIFOCode})
		}
		p.audit[lot.ID] = p.audit[lot.ID].Add(al.LotQuantity.Round(ledger.QuantityPlaces))
	}
	return nil
}

// prepareUnitConversion resolves a factor per lot from its original quantity
// so the rescale under lock needs no gateway call. Without ConvertAggregate
// the change only relabels the item's unit, which checkRelabel restricts to
// units every open lot measures identically.
func (e *Engine) prepareUnitConversion(ctx context.Context, p *Prepared) error {
	cmd, item := p.cmd, p.item
	if cmd.NewUnit == "" {
		p.reject(pkgerrors.CodeValidation, "new_unit is required for unit_conversion")
		return nil
	}
	if cmd.NewUnit == item.Unit {
		p.reject(pkgerrors.CodeValidation, "item is already measured in %s", item.Unit)
		return nil
	}
	if !cmd.ConvertAggregate {
		return e.checkRelabel(ctx, p)
	}

	probe := item.Quantity
	if !probe.IsPositive() {
		probe = decimal.NewFromInt(1)
	}
	converted, code := e.convert(ctx, item, probe, item.Unit, cmd.NewUnit)
	if code != "" {
		p.rejectConversion(item.Unit, cmd.NewUnit, code)
		return nil
	}
	if !converted.IsPositive() {
		p.reject(pkgerrors.CodeConversionFailed, "conversion from %s to %s yielded no quantity", item.Unit, cmd.NewUnit)
		return nil
	}
	p.aggFactor = converted.Div(probe)

	lots, err := e.ledger.Repo().ListLots(ctx, item.ID, false)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list lots")
	}
	for _, lot := range lots {
		if !lot.OriginalQuantity.IsPositive() {
			continue
		}
		value, code := e.convert(ctx, item, lot.OriginalQuantity, lot.Unit, cmd.NewUnit)
		if code != "" {
			p.reject(pkgerrors.CodeConversionFailed, "lot %d cannot be converted from %s to %s: %s",
				lot.FIFOCode, lot.Unit, cmd.NewUnit, code)
			return nil
		}
		if !value.IsPositive() {
			p.reject(pkgerrors.CodeConversionFailed, "lot %d converted to no quantity", lot.FIFOCode)
			return nil
		}
		p.rescales = append(p.rescales, rescale{
			ref:    ledger.LotRef{ID: lot.ID, FIFOCode: lot.FIFOCode},
			factor: value.Div(lot.OriginalQuantity),
		})
	}
	return nil
}

// checkRelabel rejects a bare unit change that would leave the aggregate out
// of step with the open lots: each lot must come to the same amount in the
// new unit as in the current one.
func (e *Engine) checkRelabel(ctx context.Context, p *Prepared) error {
	cmd, item := p.cmd, p.item
	lots, err := e.ledger.Repo().ListLots(ctx, item.ID, true)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list lots")
	}
	for _, lot := range lots {
		if !lot.RemainingQuantity.IsPositive() {
			continue
		}
		current, code := e.convert(ctx, item, lot.RemainingQuantity, lot.Unit, item.Unit)
		if code != "" {
			p.rejectConversion(lot.Unit, item.Unit, code)
			return nil
		}
		relabelled, code := e.convert(ctx, item, lot.RemainingQuantity, lot.Unit, cmd.NewUnit)
		if code != "" {
			p.rejectConversion(lot.Unit, cmd.NewUnit, code)
			return nil
		}
		if !relabelled.Equal(current) {
			p.reject(pkgerrors.CodeStateConflict,
				"lot %d holds %s %s, which is %s %s; set convert_aggregate to change the unit of stocked items",
				lot.FIFOCode, lot.RemainingQuantity.String(), lot.Unit, relabelled.String(), cmd.NewUnit)
			return nil
		}
	}
	return nil
}
