package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/lotledger/pkg/enums"
)

// InventoryLot is one inbound batch. RemainingQuantity only moves through the
// history ledger and stays within [0, OriginalQuantity].
type InventoryLot struct {
	ID                uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	ItemID            uuid.UUID           `gorm:"column:item_id;type:uuid;not null;uniqueIndex:idx_inventory_lots_item_fifo"`
	FIFOCode          int64               `gorm:"column:fifo_code;not null;uniqueIndex:idx_inventory_lots_item_fifo"`
	Unit              string              `gorm:"column:unit;not null"`
	OriginalQuantity  decimal.Decimal     `gorm:"column:original_quantity;type:numeric(18,6);not null"`
	RemainingQuantity decimal.Decimal     `gorm:"column:remaining_quantity;type:numeric(18,6);not null"`
	UnitCost          decimal.Decimal     `gorm:"column:unit_cost;type:numeric(18,6);not null;default:0"`
	SourceType        enums.LotSourceType `gorm:"column:source_type;not null"`
	ReceivedAt        time.Time           `gorm:"column:received_at;not null"`
	ExpirationDate    *time.Time          `gorm:"column:expiration_date"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table name.
func (InventoryLot) TableName() string { return "inventory_lots" }

// IsExpired reports whether the lot expired strictly before now.
func (l InventoryLot) IsExpired(now time.Time) bool {
	return l.ExpirationDate != nil && l.ExpirationDate.Before(now)
}

// IsDepleted reports whether nothing remains in the lot.
func (l InventoryLot) IsDepleted() bool {
	return !l.RemainingQuantity.IsPositive()
}
