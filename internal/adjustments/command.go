package adjustments

import (
	"fmt"
	"time"

	"github.com/angelmondragon/lotledger/internal/allocator"
	"github.com/angelmondragon/lotledger/internal/ledger"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Command is one call into the engine.
//
// Quantity is signed: draws use its magnitude, restock and return require it
// positive, and recount reads it as the absolute target. Unit defaults to the
// item's unit. UnitCost is per item unit for restock and the new display
// cost for cost_override.
type Command struct {
	TenantID   uuid.UUID        `json:"tenant_id" validate:"required"`
	ItemID     uuid.UUID        `json:"item_id" validate:"required"`
	ChangeType enums.ChangeType `json:"change_type" validate:"required"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Unit       string           `json:"unit" validate:"max=32"`

	// return: the lot credited, and optionally the credit in the lot's unit.
	LotID       *uuid.UUID       `json:"lot_id"`
	LotQuantity *decimal.Decimal `json:"lot_quantity" validate:"omitempty,gt=0"`

	UnitCost *decimal.Decimal `json:"unit_cost" validate:"omitempty,gte=0"`

	// unit_conversion
	NewUnit          string `json:"new_unit" validate:"max=32"`
	ConvertAggregate bool   `json:"convert_aggregate"`

	IncludeExpired bool                `json:"include_expired"`
	ReceivedAt     *time.Time          `json:"received_at"`
	ExpirationDate *time.Time          `json:"expiration_date"`
	SourceType     enums.LotSourceType `json:"source_type"`

	// AuditLots turns a sale into an audit-only entry against lots already
	// drawn (a reservation converting to a sale). No stock moves.
	AuditLots []AuditLot `json:"audit_lots" validate:"omitempty,dive"`

	ActorID *uuid.UUID `json:"actor_id"`
	OrderID *string    `json:"order_id"`
	BatchID *string    `json:"batch_id"`
	Notes   string     `json:"notes" validate:"max=1024"`
}

// AuditLot is a lot referenced by an audit-only sale, with the quantity sold
// from it in the lot's unit.
type AuditLot struct {
	LotID       uuid.UUID       `json:"lot_id" validate:"required"`
	LotQuantity decimal.Decimal `json:"lot_quantity" validate:"gt=0"`
}

func (c Command) audit() ledger.Audit {
	return ledger.Audit{
		TenantID: c.TenantID,
		ActorID:  c.ActorID,
		OrderID:  c.OrderID,
		BatchID:  c.BatchID,
		Notes:    c.Notes,
	}
}

// Outcome is the typed result of a mutating call. Business rejections come
// back with Success false and a Code; they are never returned as errors.
type Outcome struct {
	Success   bool
	Message   string
	Code      pkgerrors.Code
	Shortfall decimal.Decimal

	Item    models.InventoryItem
	Entries []models.InventoryHistory
	// Lot is the lot a restock or upward recount opened.
	Lot   *models.InventoryLot
	Takes []allocator.Take
}

// Err converts a rejected outcome into a coded error, or nil on success.
func (o Outcome) Err() error {
	if o.Success {
		return nil
	}
	err := pkgerrors.New(o.Code, o.Message)
	if o.Code == pkgerrors.CodeInsufficientStock {
		err = err.WithDetails(map[string]any{"shortfall": o.Shortfall.String()})
	}
	return err
}

func rejected(code pkgerrors.Code, format string, args ...any) Outcome {
	return Outcome{Success: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Rejection carries a rejected Outcome out of a transaction closure so the
// transaction rolls back.
type Rejection struct {
	Outcome Outcome
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Outcome.Code, r.Outcome.Message)
}

// Reject wraps a rejected outcome as an error for use inside WithTx.
func Reject(out Outcome) error {
	return &Rejection{Outcome: out}
}

// RejectWith builds a rejection from a code and message.
func RejectWith(code pkgerrors.Code, format string, args ...any) error {
	return Reject(rejected(code, format, args...))
}
