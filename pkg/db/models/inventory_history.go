package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/lotledger/pkg/enums"
)

// InventoryHistory is an immutable ledger row. RemainingQuantity snapshots the
// affected lot after the entry (or the item aggregate when no lot is touched).
type InventoryHistory struct {
	ID                uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	ItemID            uuid.UUID        `gorm:"column:item_id;type:uuid;not null;index"`
	TenantID          uuid.UUID        `gorm:"column:tenant_id;type:uuid;not null"`
	AffectedLotID     *uuid.UUID       `gorm:"column:affected_lot_id;type:uuid;index"`
	ChangeType        enums.ChangeType `gorm:"column:change_type;not null"`
	QuantityChange    decimal.Decimal  `gorm:"column:quantity_change;type:numeric(18,6);not null"`
	RemainingQuantity decimal.Decimal  `gorm:"column:remaining_quantity;type:numeric(18,6);not null"`
	Unit              string           `gorm:"column:unit;not null"`
	UnitCost          decimal.Decimal  `gorm:"column:unit_cost;type:numeric(18,6);not null;default:0"`
	// ReferenceQuantity carries the quantity an entry refers to when it does
	// not itself move stock (sale audit rows, recount targets).
	ReferenceQuantity *decimal.Decimal `gorm:"column:reference_quantity;type:numeric(18,6)"`
	OrderID           *string          `gorm:"column:order_id;index"`
	BatchID           *string          `gorm:"column:batch_id"`
	ActorID           *uuid.UUID       `gorm:"column:actor_id;type:uuid"`
	Notes             string           `gorm:"column:notes"`
	CreatedAt         time.Time        `gorm:"column:created_at;not null"`
}

// TableName pins the table name.
func (InventoryHistory) TableName() string { return "inventory_history" }
