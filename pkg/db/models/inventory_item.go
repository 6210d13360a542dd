package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/lotledger/pkg/enums"
)

// InventoryItem is the logical item whose stock is held in lots. Quantity is
// the cached aggregate of its lots' remaining quantity, expressed in Unit.
type InventoryItem struct {
	ID            uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	TenantID      uuid.UUID        `gorm:"column:tenant_id;type:uuid;not null;index"`
	Name          string           `gorm:"column:name;not null"`
	Type          enums.ItemType   `gorm:"column:type;not null"`
	Unit          string           `gorm:"column:unit;not null"`
	Quantity      decimal.Decimal  `gorm:"column:quantity;type:numeric(18,6);not null;default:0"`
	Cost          decimal.Decimal  `gorm:"column:cost;type:numeric(18,6);not null;default:0"`
	Perishable    bool             `gorm:"column:perishable;not null;default:false"`
	ShelfLifeDays *int             `gorm:"column:shelf_life_days"`
	Density       *decimal.Decimal `gorm:"column:density;type:numeric(18,6)"`
	ParentItemID  *uuid.UUID       `gorm:"column:parent_item_id;type:uuid;index"`
	ArchivedAt    *time.Time       `gorm:"column:archived_at"`
	CreatedAt     time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName pins the table name.
func (InventoryItem) TableName() string { return "inventory_items" }

// IsArchived reports whether the item has been archived.
func (i InventoryItem) IsArchived() bool {
	return i.ArchivedAt != nil
}
