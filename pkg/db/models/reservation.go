package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/lotledger/pkg/enums"
)

// Reservation holds inventory drawn for a pending external order.
type Reservation struct {
	ID             uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	TenantID       uuid.UUID               `gorm:"column:tenant_id;type:uuid;not null"`
	OrderID        string                  `gorm:"column:order_id;not null;index"`
	ItemID         uuid.UUID               `gorm:"column:item_id;type:uuid;not null;index"`
	ReservedItemID uuid.UUID               `gorm:"column:reserved_item_id;type:uuid;not null"`
	Quantity       decimal.Decimal         `gorm:"column:quantity;type:numeric(18,6);not null"`
	Unit           string                  `gorm:"column:unit;not null"`
	UnitCost       decimal.Decimal         `gorm:"column:unit_cost;type:numeric(18,6);not null;default:0"`
	SalePrice      *decimal.Decimal        `gorm:"column:sale_price;type:numeric(18,6)"`
	SourceFIFOID   uuid.UUID               `gorm:"column:source_fifo_id;type:uuid;not null"`
	SourceBatchID  *string                 `gorm:"column:source_batch_id"`
	Source         string                  `gorm:"column:source;not null"`
	Status         enums.ReservationStatus `gorm:"column:status;not null;index"`
	ExpiresAt      *time.Time              `gorm:"column:expires_at;index"`
	ActorID        *uuid.UUID              `gorm:"column:actor_id;type:uuid"`
	ResolvedAt     *time.Time              `gorm:"column:resolved_at"`
	CreatedAt      time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time               `gorm:"column:updated_at;autoUpdateTime"`

	Allocations []ReservationAllocation `gorm:"foreignKey:ReservationID"`
}

// TableName pins the table name.
func (Reservation) TableName() string { return "reservations" }

// IsActive reports whether the reservation still holds stock.
func (r Reservation) IsActive() bool {
	return r.Status == enums.ReservationStatusActive
}

// ReservationAllocation records one lot a reservation drew from. LotQuantity
// is in the lot's native unit; Quantity is in the reservation's unit.
type ReservationAllocation struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	ReservationID uuid.UUID       `gorm:"column:reservation_id;type:uuid;not null;index"`
	LotID         uuid.UUID       `gorm:"column:lot_id;type:uuid;not null"`
	FIFOCode      int64           `gorm:"column:fifo_code;not null"`
	LotQuantity   decimal.Decimal `gorm:"column:lot_quantity;type:numeric(18,6);not null"`
	Quantity      decimal.Decimal `gorm:"column:quantity;type:numeric(18,6);not null"`
	UnitCost      decimal.Decimal `gorm:"column:unit_cost;type:numeric(18,6);not null;default:0"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// TableName pins the table name.
func (ReservationAllocation) TableName() string { return "reservation_allocations" }
