package reservations

import (
	"context"
	"time"

	"github.com/angelmondragon/lotledger/internal/repo"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository manages reservation rows and their lot allocations.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	Create(ctx context.Context, res *models.Reservation) error
	Lock(ctx context.Context, id uuid.UUID) (*models.Reservation, error)
	FindActive(ctx context.Context, tenantID uuid.UUID, orderID string, itemID uuid.UUID) (*models.Reservation, error)
	ListByOrder(ctx context.Context, tenantID uuid.UUID, orderID string) ([]models.Reservation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)
	ListActiveByItem(ctx context.Context, itemID uuid.UUID) ([]models.Reservation, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status enums.ReservationStatus, resolvedAt time.Time) error
}

type repository struct {
	repo.Base
}

// NewRepository returns a reservation repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: r.Bind(tx)}
}

func withAllocations(db *gorm.DB) *gorm.DB {
	return db.Preload("Allocations", func(q *gorm.DB) *gorm.DB {
		return q.Order("fifo_code ASC")
	})
}

func (r *repository) Create(ctx context.Context, res *models.Reservation) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	if err := r.DB(ctx).Omit("Allocations").Create(res).Error; err != nil {
		return err
	}
	if len(res.Allocations) == 0 {
		return nil
	}
	for i := range res.Allocations {
		if res.Allocations[i].ID == uuid.Nil {
			res.Allocations[i].ID = uuid.New()
		}
		res.Allocations[i].ReservationID = res.ID
	}
	return r.DB(ctx).Create(&res.Allocations).Error
}

func (r *repository) Lock(ctx context.Context, id uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	if err := r.ForUpdate(ctx).
		Where("id = ?", id).
		First(&res).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *repository) FindActive(ctx context.Context, tenantID uuid.UUID, orderID string, itemID uuid.UUID) (*models.Reservation, error) {
	var res models.Reservation
	if err := r.DB(ctx).
		Where("tenant_id = ? AND order_id = ? AND item_id = ? AND status = ?", tenantID, orderID, itemID, enums.ReservationStatusActive).
		First(&res).Error; err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *repository) ListByOrder(ctx context.Context, tenantID uuid.UUID, orderID string) ([]models.Reservation, error) {
	var out []models.Reservation
	if err := withAllocations(r.DB(ctx)).
		Where("tenant_id = ? AND order_id = ?", tenantID, orderID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	query := withAllocations(r.DB(ctx)).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", enums.ReservationStatusActive, now).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []models.Reservation
	if err := query.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) ListActiveByItem(ctx context.Context, itemID uuid.UUID) ([]models.Reservation, error) {
	var out []models.Reservation
	if err := r.DB(ctx).
		Where("item_id = ? AND status = ?", itemID, enums.ReservationStatusActive).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) UpdateStatus(ctx context.Context, id uuid.UUID, status enums.ReservationStatus, resolvedAt time.Time) error {
	return r.DB(ctx).Model(&models.Reservation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":      status,
			"resolved_at": resolvedAt,
			"updated_at":  resolvedAt,
		}).Error
}
