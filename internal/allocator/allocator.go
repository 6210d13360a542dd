// Package allocator plans oldest-first withdrawals from inventory lots.
//
// Allocation runs in two phases so that the unit conversion gateway is never
// called while lot rows are locked: Quote resolves a conversion factor for
// every eligible lot up front, and Draw walks the freshly locked lots in fifo
// order using those factors without any further I/O.
package allocator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/angelmondragon/lotledger/internal/ledger"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/angelmondragon/lotledger/pkg/units"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const quantityPlaces = 6

// Options tune lot eligibility.
type Options struct {
	// IncludeExpired admits lots past their expiration date. Administrative only.
	IncludeExpired bool
	Now            time.Time
}

// Candidate is an eligible lot and the factor converting its native unit into
// the requested unit.
type Candidate struct {
	LotID    uuid.UUID
	FIFOCode int64
	LotUnit  string
	Factor   decimal.Decimal
}

// Skip records a lot left out of a quote.
type Skip struct {
	LotID    uuid.UUID
	FIFOCode int64
	Reason   string
	Code     enums.ConversionErrorCode
}

// Quote is the lock-free first phase of an allocation.
type Quote struct {
	ItemID     uuid.UUID
	Unit       string
	Options    Options
	Candidates []Candidate
	Skipped    []Skip

	byLot map[uuid.UUID]int
}

// Take is one lot's share of a plan. LotQuantity is in the lot's unit,
// Quantity in the requested unit.
type Take struct {
	LotID       uuid.UUID
	FIFOCode    int64
	LotUnit     string
	LotQuantity decimal.Decimal
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
}

// Plan is an ordered withdrawal covering Total in the requested unit.
type Plan struct {
	Unit  string
	Total decimal.Decimal
	Takes []Take
}

// Cost is the value of the plan at the lots' unit costs.
func (p Plan) Cost() decimal.Decimal {
	total := decimal.Zero
	for _, take := range p.Takes {
		total = total.Add(take.LotQuantity.Mul(take.UnitCost))
	}
	return total
}

// WeightedUnitCost is the plan cost per requested unit.
func (p Plan) WeightedUnitCost() decimal.Decimal {
	if !p.Total.IsPositive() {
		return decimal.Zero
	}
	return p.Cost().Div(p.Total).Round(quantityPlaces)
}

// Refs returns the quoted lots as lock refs.
func (q Quote) Refs() []ledger.LotRef {
	refs := make([]ledger.LotRef, 0, len(q.Candidates))
	for _, c := range q.Candidates {
		refs = append(refs, ledger.LotRef{ID: c.LotID, FIFOCode: c.FIFOCode})
	}
	return refs
}

// Candidate returns the quote entry for a lot.
func (q Quote) Candidate(lotID uuid.UUID) (Candidate, bool) {
	if q.byLot == nil {
		return Candidate{}, false
	}
	i, ok := q.byLot[lotID]
	if !ok {
		return Candidate{}, false
	}
	return q.Candidates[i], true
}

// InsufficientStock reports an allocation the eligible lots cannot cover.
// Skipped lists lots a conversion failure kept out of the draw.
type InsufficientStock struct {
	Unit      string
	Needed    decimal.Decimal
	Available decimal.Decimal
	Skipped   []Skip
}

// Shortfall is the uncovered remainder.
func (e *InsufficientStock) Shortfall() decimal.Decimal {
	return e.Needed.Sub(e.Available)
}

func (e *InsufficientStock) Error() string {
	return fmt.Sprintf("insufficient stock: need %s %s, %s available (short %s)",
		e.Needed, e.Unit, e.Available, e.Shortfall())
}

// AsError wraps the shortfall in the coded error callers map to responses.
func (e *InsufficientStock) AsError() *pkgerrors.Error {
	return pkgerrors.Wrap(pkgerrors.CodeInsufficientStock, e, "insufficient stock").WithDetails(map[string]any{
		"needed":    e.Needed.String(),
		"available": e.Available.String(),
		"shortfall": e.Shortfall().String(),
		"unit":      e.Unit,
		"skipped":   len(e.Skipped),
	})
}

// Allocator quotes lots through a unit conversion gateway.
type Allocator struct {
	gateway units.Gateway
	now     func() time.Time
}

// New returns an allocator using gateway. A nil gateway only handles lots
// already in the requested unit.
func New(gateway units.Gateway) *Allocator {
	if gateway == nil {
		gateway = units.Passthrough{}
	}
	return &Allocator{gateway: gateway, now: time.Now}
}

// Quote resolves conversion factors for every eligible lot of item, in fifo
// order. Depleted lots and, unless opts.IncludeExpired, expired lots are not
// eligible. A lot the gateway cannot convert is skipped rather than failing
// the quote.
func (a *Allocator) Quote(ctx context.Context, item models.InventoryItem, lots []models.InventoryLot, unit string, opts Options) Quote {
	if opts.Now.IsZero() {
		opts.Now = a.now()
	}
	quote := Quote{ItemID: item.ID, Unit: unit, Options: opts, byLot: map[uuid.UUID]int{}}
	for _, lot := range sortedByFIFO(lots) {
		if !eligible(lot, opts) {
			continue
		}
		factor, skip := a.factor(ctx, item, lot, unit)
		if skip != nil {
			quote.Skipped = append(quote.Skipped, *skip)
			continue
		}
		quote.byLot[lot.ID] = len(quote.Candidates)
		quote.Candidates = append(quote.Candidates, Candidate{
			LotID:    lot.ID,
			FIFOCode: lot.FIFOCode,
			LotUnit:  lot.Unit,
			Factor:   factor,
		})
	}
	return quote
}

func (a *Allocator) factor(ctx context.Context, item models.InventoryItem, lot models.InventoryLot, unit string) (decimal.Decimal, *Skip) {
	if units.SameUnit(lot.Unit, unit) {
		return decimal.NewFromInt(1), nil
	}
	itemID := item.ID
	conv, err := units.Convert(ctx, a.gateway, units.Request{
		Amount:  lot.RemainingQuantity,
		From:    lot.Unit,
		To:      unit,
		Density: item.Density,
		ItemID:  &itemID,
	})
	if err != nil {
		return decimal.Zero, &Skip{LotID: lot.ID, FIFOCode: lot.FIFOCode, Reason: err.Error(), Code: enums.ConversionError}
	}
	if !conv.Success {
		return decimal.Zero, &Skip{LotID: lot.ID, FIFOCode: lot.FIFOCode, Reason: "gateway refused conversion", Code: conv.ErrorCode}
	}
	if !conv.Value.IsPositive() {
		return decimal.Zero, &Skip{LotID: lot.ID, FIFOCode: lot.FIFOCode, Reason: "conversion yielded no quantity", Code: enums.ConversionError}
	}
	return conv.Value.Div(lot.RemainingQuantity), nil
}

// Draw plans needed (in the quote's unit) from lots oldest first. lots must be
// the locked, current rows; only lots present in the quote are drawn from, and
// eligibility is re-checked against their current state. Each lot is exhausted
// before the next one is touched. Draw performs no I/O.
func Draw(quote Quote, lots []models.InventoryLot, needed decimal.Decimal) (Plan, error) {
	plan := Plan{Unit: quote.Unit, Total: decimal.Zero}
	if !needed.IsPositive() {
		return plan, pkgerrors.New(pkgerrors.CodeValidation, "quantity needed must be positive")
	}

	outstanding := needed
	for _, lot := range sortedByFIFO(lots) {
		if !outstanding.IsPositive() {
			break
		}
		candidate, ok := quote.Candidate(lot.ID)
		if !ok || !eligible(lot, quote.Options) {
			continue
		}
		available := lot.RemainingQuantity.Mul(candidate.Factor).Round(quantityPlaces)
		if !available.IsPositive() {
			continue
		}

		take := Take{
			LotID:    lot.ID,
			FIFOCode: lot.FIFOCode,
			LotUnit:  lot.Unit,
			UnitCost: lot.UnitCost,
		}
		if available.LessThanOrEqual(outstanding) {
			take.LotQuantity = lot.RemainingQuantity
			take.Quantity = available
		} else {
			take.Quantity = outstanding
			take.LotQuantity = decimal.Min(outstanding.Div(candidate.Factor).Round(quantityPlaces), lot.RemainingQuantity)
		}
		if !take.LotQuantity.IsPositive() {
			continue
		}
		plan.Takes = append(plan.Takes, take)
		plan.Total = plan.Total.Add(take.Quantity)
		outstanding = outstanding.Sub(take.Quantity)
	}

	if outstanding.IsPositive() {
		return Plan{Unit: quote.Unit, Total: decimal.Zero}, &InsufficientStock{
			Unit:      quote.Unit,
			Needed:    needed,
			Available: needed.Sub(outstanding),
			Skipped:   quote.Skipped,
		}
	}
	return plan, nil
}

// Allocate quotes and plans in one step over the same lot snapshot. It is the
// lock-free form used for previews; writers quote first, lock, then Draw.
func (a *Allocator) Allocate(ctx context.Context, item models.InventoryItem, lots []models.InventoryLot, needed decimal.Decimal, unit string, opts Options) (Plan, Quote, error) {
	quote := a.Quote(ctx, item, lots, unit, opts)
	plan, err := Draw(quote, lots, needed)
	return plan, quote, err
}

func eligible(lot models.InventoryLot, opts Options) bool {
	if lot.IsDepleted() {
		return false
	}
	if !opts.IncludeExpired && lot.IsExpired(opts.Now) {
		return false
	}
	return true
}

func sortedByFIFO(lots []models.InventoryLot) []models.InventoryLot {
	out := make([]models.InventoryLot, len(lots))
	copy(out, lots)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FIFOCode < out[j].FIFOCode
	})
	return out
}
