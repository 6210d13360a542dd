package ledger

import (
	"context"
	"time"

	"github.com/angelmondragon/lotledger/internal/repo"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	"github.com/angelmondragon/lotledger/pkg/pagination"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Repository manages persistence for items, lots and history rows.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateItem(ctx context.Context, item *models.InventoryItem) error
	FindItem(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error)
	LockItem(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error)
	FindShadowItem(ctx context.Context, parentID uuid.UUID, lock bool) (*models.InventoryItem, error)
	ListShadowItems(ctx context.Context) ([]models.InventoryItem, error)
	UpdateItem(ctx context.Context, id uuid.UUID, changes ItemChanges) error
	CountActiveReservations(ctx context.Context, itemID uuid.UUID) (int64, error)

	CreateLot(ctx context.Context, lot *models.InventoryLot) error
	FindLot(ctx context.Context, id uuid.UUID) (*models.InventoryLot, error)
	LockLot(ctx context.Context, id uuid.UUID) (*models.InventoryLot, error)
	ListLots(ctx context.Context, itemID uuid.UUID, openOnly bool) ([]models.InventoryLot, error)
	UpdateLotRemaining(ctx context.Context, id uuid.UUID, remaining decimal.Decimal) error
	UpdateLotUnit(ctx context.Context, id uuid.UUID, unit string, original, remaining, unitCost decimal.Decimal) error
	MaxFIFOCode(ctx context.Context, itemID uuid.UUID) (int64, error)

	CreateHistory(ctx context.Context, entry *models.InventoryHistory) error
	ListHistory(ctx context.Context, itemID uuid.UUID, filter HistoryFilter) ([]models.InventoryHistory, error)
}

// ItemChanges lists the item columns the adjustment engine may rewrite.
type ItemChanges struct {
	Quantity *decimal.Decimal
	Cost     *decimal.Decimal
	Unit     *string
}

func (c ItemChanges) columns() map[string]any {
	cols := map[string]any{}
	if c.Quantity != nil {
		cols["quantity"] = *c.Quantity
	}
	if c.Cost != nil {
		cols["cost"] = *c.Cost
	}
	if c.Unit != nil {
		cols["unit"] = *c.Unit
	}
	return cols
}

// HistoryFilter narrows history listings. A zero Limit returns every row;
// After resumes strictly past a previously returned row.
type HistoryFilter struct {
	OrderID     *string
	LotID       *uuid.UUID
	ChangeTypes []enums.ChangeType
	After       *pagination.Cursor
	Limit       int
}

type repository struct {
	repo.Base
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: r.Bind(tx)}
}

func (r *repository) CreateItem(ctx context.Context, item *models.InventoryItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	return r.DB(ctx).Create(item).Error
}

func (r *repository) FindItem(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error) {
	var item models.InventoryItem
	if err := r.DB(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) LockItem(ctx context.Context, id uuid.UUID) (*models.InventoryItem, error) {
	var item models.InventoryItem
	if err := r.ForUpdate(ctx).
		Where("id = ?", id).
		First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) FindShadowItem(ctx context.Context, parentID uuid.UUID, lock bool) (*models.InventoryItem, error) {
	query := r.DB(ctx)
	if lock {
		query = r.ForUpdate(ctx)
	}
	var item models.InventoryItem
	if err := query.
		Where("parent_item_id = ? AND type = ?", parentID, enums.ItemTypeReserved).
		First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repository) ListShadowItems(ctx context.Context) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	if err := r.DB(ctx).
		Where("type = ? AND parent_item_id IS NOT NULL", enums.ItemTypeReserved).
		Order("created_at ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) UpdateItem(ctx context.Context, id uuid.UUID, changes ItemChanges) error {
	cols := changes.columns()
	if len(cols) == 0 {
		return nil
	}
	cols["updated_at"] = time.Now().UTC()
	return r.DB(ctx).Model(&models.InventoryItem{}).Where("id = ?", id).Updates(cols).Error
}

func (r *repository) CountActiveReservations(ctx context.Context, itemID uuid.UUID) (int64, error) {
	var count int64
	if err := r.DB(ctx).
		Model(&models.Reservation{}).
		Where("item_id = ? AND status = ?", itemID, enums.ReservationStatusActive).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repository) CreateLot(ctx context.Context, lot *models.InventoryLot) error {
	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}
	return r.DB(ctx).Create(lot).Error
}

func (r *repository) FindLot(ctx context.Context, id uuid.UUID) (*models.InventoryLot, error) {
	var lot models.InventoryLot
	if err := r.DB(ctx).Where("id = ?", id).First(&lot).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}

func (r *repository) LockLot(ctx context.Context, id uuid.UUID) (*models.InventoryLot, error) {
	var lot models.InventoryLot
	if err := r.ForUpdate(ctx).
		Where("id = ?", id).
		First(&lot).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}

func (r *repository) ListLots(ctx context.Context, itemID uuid.UUID, openOnly bool) ([]models.InventoryLot, error) {
	query := r.DB(ctx).Where("item_id = ?", itemID)
	if openOnly {
		query = query.Where("remaining_quantity > 0")
	}
	var lots []models.InventoryLot
	if err := query.Order("fifo_code ASC").Find(&lots).Error; err != nil {
		return nil, err
	}
	return lots, nil
}

func (r *repository) UpdateLotRemaining(ctx context.Context, id uuid.UUID, remaining decimal.Decimal) error {
	return r.DB(ctx).Model(&models.InventoryLot{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"remaining_quantity": remaining,
			"updated_at":         time.Now().UTC(),
		}).Error
}

func (r *repository) UpdateLotUnit(ctx context.Context, id uuid.UUID, unit string, original, remaining, unitCost decimal.Decimal) error {
	return r.DB(ctx).Model(&models.InventoryLot{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"unit":               unit,
			"original_quantity":  original,
			"remaining_quantity": remaining,
			"unit_cost":          unitCost,
			"updated_at":         time.Now().UTC(),
		}).Error
}

func (r *repository) MaxFIFOCode(ctx context.Context, itemID uuid.UUID) (int64, error) {
	var max int64
	row := r.DB(ctx).Model(&models.InventoryLot{}).
		Where("item_id = ?", itemID).
		Select("COALESCE(MAX(fifo_code), 0)").
		Row()
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (r *repository) CreateHistory(ctx context.Context, entry *models.InventoryHistory) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return r.DB(ctx).Create(entry).Error
}

func (r *repository) ListHistory(ctx context.Context, itemID uuid.UUID, filter HistoryFilter) ([]models.InventoryHistory, error) {
	query := r.DB(ctx).Where("item_id = ?", itemID)
	if filter.OrderID != nil {
		query = query.Where("order_id = ?", *filter.OrderID)
	}
	if filter.LotID != nil {
		query = query.Where("affected_lot_id = ?", *filter.LotID)
	}
	if len(filter.ChangeTypes) > 0 {
		query = query.Where("change_type IN ?", filter.ChangeTypes)
	}
	if filter.After != nil {
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))",
			filter.After.CreatedAt, filter.After.CreatedAt, filter.After.ID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var entries []models.InventoryHistory
	if err := query.Order("created_at ASC").Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
