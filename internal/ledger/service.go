package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/lotledger/pkg/db"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/angelmondragon/lotledger/pkg/pagination"
	"github.com/angelmondragon/lotledger/pkg/units"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// QuantityPlaces is the scale every stored quantity and cost is rounded to.
const QuantityPlaces = 6

// Audit carries the caller identity and correlation ids copied onto history rows.
type Audit struct {
	TenantID uuid.UUID
	ActorID  *uuid.UUID
	OrderID  *string
	BatchID  *string
	Notes    string
}

// Entry is one ledger write. Exactly one of NewLot or LotID may be set; with
// neither, the row is a zero-quantity annotation on the item.
type Entry struct {
	Audit
	ItemID         uuid.UUID
	ChangeType     enums.ChangeType
	QuantityChange decimal.Decimal
	LotID          *uuid.UUID
	NewLot         *NewLot
	// UnitCost overrides the lot cost recorded on the row.
	UnitCost          *decimal.Decimal
	ReferenceQuantity *decimal.Decimal
	// Snapshot is recorded as remaining_quantity on rows without a lot. When
	// nil the item's current aggregate is used.
	Snapshot *decimal.Decimal
}

// NewLot describes the lot a restock entry opens.
type NewLot struct {
	Unit           string
	UnitCost       decimal.Decimal
	SourceType     enums.LotSourceType
	ReceivedAt     time.Time
	ExpirationDate *time.Time
}

// Posting is the result of an Append: the history row and, when a lot was
// created or touched, its post-entry state.
type Posting struct {
	History models.InventoryHistory
	Lot     *models.InventoryLot
}

// Ledger is the only writer of lot remaining quantities.
type Ledger struct {
	repo    Repository
	gateway units.Gateway
	now     func() time.Time
}

// New wires a ledger over repo. A nil gateway only verifies same-unit lots.
func New(repo Repository, gateway units.Gateway) (*Ledger, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if gateway == nil {
		gateway = units.Passthrough{}
	}
	return &Ledger{repo: repo, gateway: gateway, now: time.Now}, nil
}

// WithTx returns a ledger whose writes go through tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	if tx == nil {
		return l
	}
	return &Ledger{repo: l.repo.WithTx(tx), gateway: l.gateway, now: l.now}
}

// Repo exposes the underlying repository.
func (l *Ledger) Repo() Repository {
	return l.repo
}

// LockLots locks refs of itemID in ascending fifo order.
func (l *Ledger) LockLots(ctx context.Context, itemID uuid.UUID, refs []LotRef) (*LockedLots, error) {
	return LockSet(ctx, l.repo, itemID, refs)
}

// Append writes entry. New-lot entries open a lot with remaining equal to
// original and the next fifo code; the caller must hold the item lock. Lot
// entries move the lot's remaining quantity by QuantityChange and abort with
// an invariant violation if it would leave [0, original].
func (l *Ledger) Append(ctx context.Context, entry Entry) (*Posting, error) {
	if entry.ItemID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}
	if !entry.ChangeType.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid change type %q", entry.ChangeType)
	}
	if entry.NewLot != nil && entry.LotID != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entry cannot both open and reference a lot")
	}

	switch {
	case entry.NewLot != nil:
		return l.appendNewLot(ctx, entry)
	case entry.LotID != nil:
		return l.appendToLot(ctx, entry)
	default:
		return l.appendAnnotation(ctx, entry)
	}
}

func (l *Ledger) appendNewLot(ctx context.Context, entry Entry) (*Posting, error) {
	qty := entry.QuantityChange.Round(QuantityPlaces)
	if !qty.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "new lot quantity must be positive")
	}
	nl := entry.NewLot
	if nl.Unit == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "new lot unit is required")
	}
	sourceType := nl.SourceType
	if sourceType == "" {
		sourceType = enums.LotSourcePurchase
	}
	if !sourceType.IsValid() {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "invalid lot source %q", sourceType)
	}

	maxCode, err := l.repo.MaxFIFOCode(ctx, entry.ItemID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read fifo sequence")
	}

	now := l.now().UTC()
	receivedAt := nl.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	lot := &models.InventoryLot{
		ID:                uuid.New(),
		ItemID:            entry.ItemID,
		FIFOCode:          maxCode + 1,
		Unit:              nl.Unit,
		OriginalQuantity:  qty,
		RemainingQuantity: qty,
		UnitCost:          nl.UnitCost.Round(QuantityPlaces),
		SourceType:        sourceType,
		ReceivedAt:        receivedAt.UTC(),
		ExpirationDate:    utcPtr(nl.ExpirationDate),
	}
	if err := l.repo.CreateLot(ctx, lot); err != nil {
		if db.IsUniqueViolation(err, "") {
			// the item row lock should make fifo codes unique; a collision means
			// a writer bypassed it
			return nil, pkgerrors.Wrap(pkgerrors.CodeDataIntegrity, err, fmt.Sprintf("fifo code %d already used for item %s", lot.FIFOCode, lot.ItemID))
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create lot")
	}

	history := l.historyRow(entry, now)
	history.AffectedLotID = &lot.ID
	history.QuantityChange = qty
	history.RemainingQuantity = lot.RemainingQuantity
	history.Unit = lot.Unit
	history.UnitCost = lot.UnitCost
	if err := l.repo.CreateHistory(ctx, &history); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write history")
	}
	return &Posting{History: history, Lot: lot}, nil
}

func (l *Ledger) appendToLot(ctx context.Context, entry Entry) (*Posting, error) {
	lot, err := l.repo.LockLot(ctx, *entry.LotID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "lot %s not found", *entry.LotID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock lot")
	}
	if lot.ItemID != entry.ItemID {
		return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "lot %s does not belong to item %s", lot.ID, entry.ItemID)
	}

	change := entry.QuantityChange.Round(QuantityPlaces)
	next := lot.RemainingQuantity.Add(change)
	if next.IsNegative() || next.GreaterThan(lot.OriginalQuantity) {
		return nil, pkgerrors.New(pkgerrors.CodeInvariantViolation, "lot remaining quantity out of bounds").
			WithDetails(map[string]any{
				"lot_id":    lot.ID.String(),
				"remaining": lot.RemainingQuantity.String(),
				"original":  lot.OriginalQuantity.String(),
				"change":    change.String(),
			})
	}
	if !change.IsZero() {
		if err := l.repo.UpdateLotRemaining(ctx, lot.ID, next); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update lot remaining")
		}
		lot.RemainingQuantity = next
	}

	history := l.historyRow(entry, l.now().UTC())
	history.AffectedLotID = &lot.ID
	history.QuantityChange = change
	history.RemainingQuantity = next
	history.Unit = lot.Unit
	history.UnitCost = lot.UnitCost
	if entry.UnitCost != nil {
		history.UnitCost = entry.UnitCost.Round(QuantityPlaces)
	}
	if err := l.repo.CreateHistory(ctx, &history); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write history")
	}
	return &Posting{History: history, Lot: lot}, nil
}

// appendAnnotation records a zero-quantity row that touches no lot. Stock
// never moves without a lot, so a non-zero change here is rejected.
func (l *Ledger) appendAnnotation(ctx context.Context, entry Entry) (*Posting, error) {
	if !entry.QuantityChange.IsZero() {
		return nil, pkgerrors.New(pkgerrors.CodeInvariantViolation, "quantity change without a lot")
	}
	item, err := l.repo.FindItem(ctx, entry.ItemID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "item %s not found", entry.ItemID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load item")
	}

	history := l.historyRow(entry, l.now().UTC())
	history.QuantityChange = decimal.Zero
	history.RemainingQuantity = item.Quantity
	if entry.Snapshot != nil {
		history.RemainingQuantity = entry.Snapshot.Round(QuantityPlaces)
	}
	history.Unit = item.Unit
	history.UnitCost = item.Cost
	if entry.UnitCost != nil {
		history.UnitCost = entry.UnitCost.Round(QuantityPlaces)
	}
	if err := l.repo.CreateHistory(ctx, &history); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write history")
	}
	return &Posting{History: history}, nil
}

func (l *Ledger) historyRow(entry Entry, at time.Time) models.InventoryHistory {
	row := models.InventoryHistory{
		ID:         uuid.New(),
		ItemID:     entry.ItemID,
		TenantID:   entry.TenantID,
		ChangeType: entry.ChangeType,
		OrderID:    entry.OrderID,
		BatchID:    entry.BatchID,
		ActorID:    entry.ActorID,
		Notes:      entry.Notes,
		CreatedAt:  at,
	}
	if entry.ReferenceQuantity != nil {
		ref := entry.ReferenceQuantity.Round(QuantityPlaces)
		row.ReferenceQuantity = &ref
	}
	return row
}

// Rescale re-expresses a lot in toUnit, multiplying its quantities by factor
// and dividing its unit cost, and records a unit_conversion row. The physical
// stock is unchanged, so the lot bounds are preserved.
func (l *Ledger) Rescale(ctx context.Context, itemID, lotID uuid.UUID, toUnit string, factor decimal.Decimal, audit Audit) (*Posting, error) {
	if !factor.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "rescale factor must be positive")
	}
	lot, err := l.repo.LockLot(ctx, lotID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "lot %s not found", lotID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock lot")
	}
	if lot.ItemID != itemID {
		return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "lot %s does not belong to item %s", lot.ID, itemID)
	}

	fromUnit := lot.Unit
	original := lot.OriginalQuantity.Mul(factor).Round(QuantityPlaces)
	remaining := decimal.Min(lot.RemainingQuantity.Mul(factor).Round(QuantityPlaces), original)
	unitCost := lot.UnitCost.Div(factor).Round(QuantityPlaces)
	if err := l.repo.UpdateLotUnit(ctx, lot.ID, toUnit, original, remaining, unitCost); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rescale lot")
	}
	lot.Unit = toUnit
	lot.OriginalQuantity = original
	lot.RemainingQuantity = remaining
	lot.UnitCost = unitCost

	entry := Entry{Audit: audit, ItemID: itemID, ChangeType: enums.ChangeTypeUnitConversion}
	if entry.Notes == "" {
		entry.Notes = fmt.Sprintf("lot rescaled from %s to %s (x%s)", fromUnit, toUnit, factor.String())
	}
	history := l.historyRow(entry, l.now().UTC())
	history.AffectedLotID = &lot.ID
	history.QuantityChange = decimal.Zero
	history.RemainingQuantity = remaining
	history.Unit = toUnit
	history.UnitCost = unitCost
	if err := l.repo.CreateHistory(ctx, &history); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "write history")
	}
	return &Posting{History: history, Lot: lot}, nil
}

// History lists an item's ledger rows oldest first.
func (l *Ledger) History(ctx context.Context, itemID uuid.UUID, filter HistoryFilter) ([]models.InventoryHistory, error) {
	if itemID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "item id is required")
	}
	return l.repo.ListHistory(ctx, itemID, filter)
}

// HistoryPage is one page of ledger rows plus the cursor for the next one.
type HistoryPage struct {
	Entries    []models.InventoryHistory
	NextCursor string
}

// HistoryPaged lists an item's ledger rows oldest first, one page at a time.
// NextCursor is empty on the last page.
func (l *Ledger) HistoryPaged(ctx context.Context, itemID uuid.UUID, filter HistoryFilter, page pagination.Params) (HistoryPage, error) {
	after, err := pagination.ParseCursor(page.Cursor)
	if err != nil {
		return HistoryPage{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid history cursor")
	}
	filter.After = after
	filter.Limit = pagination.LimitWithBuffer(page.Limit)
	rows, err := l.History(ctx, itemID, filter)
	if err != nil {
		return HistoryPage{}, err
	}
	rows, more := pagination.Trim(rows, page.Limit)
	out := HistoryPage{Entries: rows}
	if more {
		last := rows[len(rows)-1]
		out.NextCursor = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
