// Package reservations holds inventory for pending external orders. A
// reservation draws stock FIFO at creation, mirrors the held quantity on a
// shadow "reserved" item, and ends in exactly one terminal status: released,
// expired or cancelled credit the originating lots back, converted_to_sale and
// fulfilled keep the stock out and record the sale.
package reservations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/lotledger/internal/adjustments"
	"github.com/angelmondragon/lotledger/internal/allocator"
	"github.com/angelmondragon/lotledger/internal/ledger"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/angelmondragon/lotledger/pkg/logger"
	"github.com/angelmondragon/lotledger/pkg/metrics"
	"github.com/angelmondragon/lotledger/pkg/validate"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Config carries reservation defaults.
type Config struct {
	// DefaultTTL applies when a request names no expiry. Zero means
	// reservations without an explicit expiry never expire.
	DefaultTTL time.Duration
	// SweepLimit caps reservations handled per CleanupExpired call.
	SweepLimit int
}

// Params wires a Manager.
type Params struct {
	DB      txRunner
	Repo    Repository
	Engine  *adjustments.Engine
	Logger  *logger.Logger
	Metrics *metrics.InventoryMetrics
	Config  Config
}

// Manager runs the reservation state machine.
type Manager struct {
	tx      txRunner
	repo    Repository
	engine  *adjustments.Engine
	logg    *logger.Logger
	metrics *metrics.InventoryMetrics
	cfg     Config
	now     func() time.Time
}

// NewManager validates params and returns a Manager.
func NewManager(p Params) (*Manager, error) {
	if p.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if p.Repo == nil {
		return nil, fmt.Errorf("reservation repository required")
	}
	if p.Engine == nil {
		return nil, fmt.Errorf("adjustment engine required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Manager{
		tx:      p.DB,
		repo:    p.Repo,
		engine:  p.Engine,
		logg:    p.Logger,
		metrics: p.Metrics,
		cfg:     p.Config,
		now:     time.Now,
	}, nil
}

// CreateRequest reserves Quantity of an item for an order line.
type CreateRequest struct {
	TenantID       uuid.UUID        `json:"tenant_id" validate:"required"`
	OrderID        string           `json:"order_id" validate:"required,max=128"`
	ItemID         uuid.UUID        `json:"item_id" validate:"required"`
	Quantity       decimal.Decimal  `json:"quantity" validate:"gt=0"`
	Unit           string           `json:"unit" validate:"max=32"`
	Source         string           `json:"source" validate:"required,max=64"`
	ExpiresInHours *int             `json:"expires_in_hours" validate:"omitempty,gt=0"`
	SalePrice      *decimal.Decimal `json:"sale_price" validate:"omitempty,gte=0"`
	SourceBatchID  *string          `json:"source_batch_id" validate:"omitempty,max=128"`
	ActorID        *uuid.UUID       `json:"actor_id"`
}

// OrderRef names the reservations of one order.
type OrderRef struct {
	TenantID uuid.UUID  `json:"tenant_id" validate:"required"`
	OrderID  string     `json:"order_id" validate:"required,max=128"`
	ActorID  *uuid.UUID `json:"actor_id"`
}

// Result is the typed outcome of a reservation call. Business failures set
// Success false with a Code and never surface as errors.
type Result struct {
	Success      bool
	Message      string
	Code         pkgerrors.Code
	Shortfall    decimal.Decimal
	Reservations []models.Reservation
}

// Err converts a failed result into a coded error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return pkgerrors.New(r.Code, r.Message)
}

func failure(code pkgerrors.Code, format string, args ...any) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

func fromOutcome(out adjustments.Outcome) Result {
	return Result{Code: out.Code, Message: out.Message, Shortfall: out.Shortfall}
}

// Create draws the requested quantity FIFO, records which lots it came from,
// and raises the item's shadow reserved quantity, all in one transaction. An
// order holds at most one active reservation per item.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Result, error) {
	if err := validate.Struct(req); err != nil {
		return failure(pkgerrors.CodeValidation, "%s", validate.Summary(err)), nil
	}
	ctx = m.logg.WithOrderID(ctx, req.OrderID)
	ctx = m.logg.WithItemID(ctx, req.ItemID.String())

	orderID := req.OrderID
	cmd := adjustments.Command{
		TenantID:   req.TenantID,
		ItemID:     req.ItemID,
		ChangeType: enums.ChangeTypeReserved,
		Quantity:   req.Quantity,
		Unit:       req.Unit,
		ActorID:    req.ActorID,
		OrderID:    &orderID,
		BatchID:    req.SourceBatchID,
		Notes:      fmt.Sprintf("reserved for order %s via %s", req.OrderID, req.Source),
	}

	var created models.Reservation
	out, err := m.engine.ApplyWith(ctx, cmd, func(ctx context.Context, tx *gorm.DB, out *adjustments.Outcome) error {
		repo := m.repo.WithTx(tx)
		if _, err := repo.FindActive(ctx, req.TenantID, req.OrderID, req.ItemID); err == nil {
			return adjustments.RejectWith(pkgerrors.CodeConflict, "order %s already holds an active reservation for item %s", req.OrderID, req.ItemID)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check existing reservation")
		}

		shadow, err := m.ensureShadow(ctx, tx, out.Item)
		if err != nil {
			return err
		}
		res := m.build(req, out.Item, shadow.ID, out.Takes)
		if err := repo.Create(ctx, &res); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create reservation")
		}
		if _, err := m.engine.AdjustShadow(ctx, tx, shadow.ID, res.Quantity); err != nil {
			return err
		}
		created = res
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if !out.Success {
		m.logg.Info(m.logg.WithField(ctx, "reason", out.Message), "reservation rejected")
		return fromOutcome(out), nil
	}

	m.metrics.IncTransition(string(enums.ReservationStatusActive))
	m.logg.Info(m.logg.WithReservationID(ctx, created.ID.String()), "reservation created")
	return Result{Success: true, Reservations: []models.Reservation{created}}, nil
}

func (m *Manager) build(req CreateRequest, item models.InventoryItem, shadowID uuid.UUID, takes []allocator.Take) models.Reservation {
	plan := allocator.Plan{Unit: item.Unit, Total: decimal.Zero, Takes: takes}
	allocations := make([]models.ReservationAllocation, 0, len(takes))
	for _, take := range takes {
		plan.Total = plan.Total.Add(take.Quantity)
		allocations = append(allocations, models.ReservationAllocation{
			ID:          uuid.New(),
			LotID:       take.LotID,
			FIFOCode:    take.FIFOCode,
			LotQuantity: take.LotQuantity,
			Quantity:    take.Quantity,
			UnitCost:    take.UnitCost,
		})
	}

	res := models.Reservation{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		OrderID:        req.OrderID,
		ItemID:         item.ID,
		ReservedItemID: shadowID,
		Quantity:       plan.Total,
		Unit:           item.Unit,
		UnitCost:       plan.WeightedUnitCost(),
		SalePrice:      req.SalePrice,
		SourceBatchID:  req.SourceBatchID,
		Source:         req.Source,
		Status:         enums.ReservationStatusActive,
		ActorID:        req.ActorID,
		Allocations:    allocations,
	}
	if len(takes) > 0 {
		res.SourceFIFOID = takes[0].LotID
	}
	if ttl := m.ttl(req.ExpiresInHours); ttl > 0 {
		expires := m.now().UTC().Add(ttl)
		res.ExpiresAt = &expires
	}
	return res
}

func (m *Manager) ttl(hours *int) time.Duration {
	if hours != nil {
		return time.Duration(*hours) * time.Hour
	}
	return m.cfg.DefaultTTL
}

// ensureShadow returns the parent's shadow reserved item, creating it on
// first use. The caller holds the parent's row lock, which serialises
// creation.
func (m *Manager) ensureShadow(ctx context.Context, tx *gorm.DB, parent models.InventoryItem) (models.InventoryItem, error) {
	repo := m.engine.Ledger().WithTx(tx).Repo()
	shadow, err := repo.FindShadowItem(ctx, parent.ID, true)
	if err == nil {
		return *shadow, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.InventoryItem{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load shadow item")
	}

	parentID := parent.ID
	created := models.InventoryItem{
		ID:           uuid.New(),
		TenantID:     parent.TenantID,
		Name:         parent.Name + " (reserved)",
		Type:         enums.ItemTypeReserved,
		Unit:         parent.Unit,
		Quantity:     decimal.Zero,
		ParentItemID: &parentID,
	}
	if err := repo.CreateItem(ctx, &created); err != nil {
		return models.InventoryItem{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create shadow item")
	}
	return created, nil
}

// GetByOrder lists every reservation of an order with its allocations.
func (m *Manager) GetByOrder(ctx context.Context, tenantID uuid.UUID, orderID string) ([]models.Reservation, error) {
	if orderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	reservations, err := m.repo.ListByOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list reservations")
	}
	return reservations, nil
}

// ActiveReservedQuantity sums the active reservations held against an item.
// It is the authoritative value the shadow item caches.
func (m *Manager) ActiveReservedQuantity(ctx context.Context, itemID uuid.UUID) (decimal.Decimal, error) {
	return activeSum(ctx, m.repo, itemID)
}

func activeSum(ctx context.Context, repo Repository, itemID uuid.UUID) (decimal.Decimal, error) {
	active, err := repo.ListActiveByItem(ctx, itemID)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list active reservations")
	}
	total := decimal.Zero
	for _, res := range active {
		total = total.Add(res.Quantity)
	}
	return total.Round(ledger.QuantityPlaces), nil
}
