// Package adjustments is the single writer of inventory item aggregates. Every
// stock movement, whether restock, FIFO draw, recount, return or unit change,
// passes through Engine so lots, history and the cached aggregate move together
// in one transaction.
package adjustments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/lotledger/internal/allocator"
	"github.com/angelmondragon/lotledger/internal/ledger"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/angelmondragon/lotledger/pkg/logger"
	"github.com/angelmondragon/lotledger/pkg/metrics"
	"github.com/angelmondragon/lotledger/pkg/units"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Config toggles administrative behaviour.
type Config struct {
	// AllowExpiredDraws permits commands with IncludeExpired set.
	AllowExpiredDraws bool
	// ConversionTimeout bounds each gateway call. Zero leaves the gateway as is.
	ConversionTimeout time.Duration
}

// Params wires an Engine. The engine's allocator quotes through Gateway, so
// Config.ConversionTimeout bounds its calls too.
type Params struct {
	DB      txRunner
	Ledger  *ledger.Ledger
	Gateway units.Gateway
	Logger  *logger.Logger
	Metrics *metrics.InventoryMetrics
	Config  Config
}

// Hook runs inside the engine's transaction after a successful commit. A
// returned error rolls the whole call back; return Reject to roll back with a
// business failure instead of an error.
type Hook func(ctx context.Context, tx *gorm.DB, out *Outcome) error

// Engine applies adjustment commands.
type Engine struct {
	tx      txRunner
	ledger  *ledger.Ledger
	alloc   *allocator.Allocator
	gateway units.Gateway
	logg    *logger.Logger
	metrics *metrics.InventoryMetrics
	cfg     Config
	now     func() time.Time
}

// NewEngine validates params and returns an Engine.
func NewEngine(p Params) (*Engine, error) {
	if p.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if p.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	gateway := p.Gateway
	if gateway == nil {
		gateway = units.Passthrough{}
	}
	if p.Config.ConversionTimeout > 0 {
		gateway = units.WithTimeout(gateway, p.Config.ConversionTimeout)
	}
	return &Engine{
		tx:      p.DB,
		ledger:  p.Ledger,
		alloc:   allocator.New(gateway),
		gateway: gateway,
		logg:    p.Logger,
		metrics: p.Metrics,
		cfg:     p.Config,
		now:     time.Now,
	}, nil
}

// Ledger exposes the engine's ledger.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Apply prepares cmd and commits it in its own transaction.
func (e *Engine) Apply(ctx context.Context, cmd Command) (Outcome, error) {
	return e.ApplyWith(ctx, cmd, nil)
}

// ApplyWith is Apply with hook run in the same transaction after the
// adjustment. Business failures, including ones the hook raises through
// Reject, come back as an unsuccessful Outcome with a nil error.
func (e *Engine) ApplyWith(ctx context.Context, cmd Command, hook Hook) (Outcome, error) {
	ctx = e.logg.WithFields(ctx, map[string]any{
		"item_id":     cmd.ItemID.String(),
		"tenant_id":   cmd.TenantID.String(),
		"change_type": string(cmd.ChangeType),
	})

	p, err := e.Prepare(ctx, cmd)
	if err != nil {
		e.observe(ctx, cmd, Outcome{}, err)
		return Outcome{}, err
	}
	if out, rejected := p.Rejected(); rejected {
		e.observe(ctx, cmd, out, nil)
		return out, nil
	}

	var out Outcome
	err = e.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = e.Commit(ctx, tx, p)
		if err != nil {
			return err
		}
		if !out.Success {
			return Reject(out)
		}
		if hook != nil {
			return hook(ctx, tx, &out)
		}
		return nil
	})
	if rej := AsRejection(err); rej != nil {
		out, err = rej.Outcome, nil
	}
	e.observe(ctx, cmd, out, err)
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// AsRejection extracts a Rejection from err.
func AsRejection(err error) *Rejection {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return nil
}

func (e *Engine) observe(ctx context.Context, cmd Command, out Outcome, err error) {
	changeType := string(cmd.ChangeType)
	switch {
	case err != nil:
		e.metrics.ObserveAdjustment(changeType, metrics.OutcomeError)
		ctx = e.logg.WithField(ctx, "error_dump", pkgerrors.Dump(err))
		e.logg.Error(ctx, "adjustment failed", err)
	case out.Success:
		e.metrics.ObserveAdjustment(changeType, metrics.OutcomeApplied)
		e.logg.Debug(ctx, "adjustment applied")
	default:
		e.metrics.ObserveAdjustment(changeType, metrics.OutcomeRejected)
		if out.Code == pkgerrors.CodeInsufficientStock {
			e.metrics.IncInsufficientStock(changeType)
		}
		ctx = e.logg.WithFields(ctx, map[string]any{"code": string(out.Code), "reason": out.Message})
		e.logg.Info(ctx, "adjustment rejected")
	}
}

func (e *Engine) convert(ctx context.Context, item models.InventoryItem, amount decimal.Decimal, from, to string) (decimal.Decimal, enums.ConversionErrorCode) {
	itemID := item.ID
	conv, err := units.Convert(ctx, e.gateway, units.Request{
		Amount:  amount,
		From:    from,
		To:      to,
		Density: item.Density,
		ItemID:  &itemID,
	})
	if err != nil {
		e.metrics.IncConversionFailure(string(enums.ConversionError))
		return decimal.Zero, enums.ConversionError
	}
	if !conv.Success {
		code := conv.ErrorCode
		if code == "" {
			code = enums.ConversionError
		}
		e.metrics.IncConversionFailure(string(code))
		return decimal.Zero, code
	}
	return conv.Value.Round(ledger.QuantityPlaces), ""
}
