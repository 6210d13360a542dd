package reservations

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/lotledger/internal/adjustments"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/angelmondragon/lotledger/pkg/validate"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"
)

// Release returns every active reservation of the order to the exact lots it
// came from.
func (m *Manager) Release(ctx context.Context, ref OrderRef) (Result, error) {
	return m.transitionOrder(ctx, ref, enums.ReservationStatusReleased)
}

// Cancel is Release recorded as cancelled.
func (m *Manager) Cancel(ctx context.Context, ref OrderRef) (Result, error) {
	return m.transitionOrder(ctx, ref, enums.ReservationStatusCancelled)
}

// ConfirmSale turns the order's held stock into a sale. The lots were already
// drawn at reservation time, so the sale is recorded as audit rows against
// them without a second draw.
func (m *Manager) ConfirmSale(ctx context.Context, ref OrderRef) (Result, error) {
	return m.transitionOrder(ctx, ref, enums.ReservationStatusConvertedToSale)
}

// Fulfill is ConfirmSale recorded as fulfilled.
func (m *Manager) Fulfill(ctx context.Context, ref OrderRef) (Result, error) {
	return m.transitionOrder(ctx, ref, enums.ReservationStatusFulfilled)
}

// transitionOrder moves each active reservation of the order on its own.
// Success is true only when every one of them made it; reservations already
// moved stay moved.
func (m *Manager) transitionOrder(ctx context.Context, ref OrderRef, target enums.ReservationStatus) (Result, error) {
	if err := validate.Struct(ref); err != nil {
		return failure(pkgerrors.CodeValidation, "%s", validate.Summary(err)), nil
	}
	ctx = m.logg.WithOrderID(ctx, ref.OrderID)
	ctx = m.logg.WithField(ctx, "target_status", string(target))

	reservations, err := m.repo.ListByOrder(ctx, ref.TenantID, ref.OrderID)
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list reservations")
	}
	if len(reservations) == 0 {
		return failure(pkgerrors.CodeNotFound, "no reservation for order %s", ref.OrderID), nil
	}

	active := make([]models.Reservation, 0, len(reservations))
	for _, res := range reservations {
		if res.IsActive() {
			active = append(active, res)
		}
	}
	if len(active) == 0 {
		return failure(pkgerrors.CodeStateConflict, "reservation for order %s is not active (%s)", ref.OrderID, reservations[0].Status), nil
	}

	result := Result{Success: true}
	var errs error
	for _, res := range active {
		updated, rejection, err := m.transition(ctx, res, target, ref.ActorID)
		switch {
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("reservation %s: %w", res.ID, err))
			result.Success = false
		case rejection != nil:
			result.Success = false
			result.Code = rejection.Code
			result.Message = rejection.Message
		default:
			result.Reservations = append(result.Reservations, *updated)
		}
	}
	if errs != nil {
		result.Code = pkgerrors.CodeInternal
		result.Message = errs.Error()
	}
	return result, errs
}

// CleanupExpired expires every active reservation whose expiry has passed,
// each in its own transaction. It returns how many it expired; failures are
// collected and do not stop the sweep.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	due, err := m.repo.ListExpired(ctx, m.now().UTC(), m.cfg.SweepLimit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expired reservations")
	}

	processed := 0
	var errs error
	for _, res := range due {
		rctx := m.logg.WithOrderID(ctx, res.OrderID)
		_, rejection, err := m.transition(rctx, res, enums.ReservationStatusExpired, nil)
		switch {
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("reservation %s: %w", res.ID, err))
		case rejection != nil:
			// moved by another caller since it was listed
			m.logg.Debug(m.logg.WithField(rctx, "reason", rejection.Message), "expiry skipped")
		default:
			processed++
		}
	}
	return processed, errs
}

// transition moves one reservation out of active. Ledger work is prepared
// before the transaction; under it the reservation row is locked first and
// re-checked, so two callers racing on the same reservation see exactly one
// success.
func (m *Manager) transition(ctx context.Context, res models.Reservation, target enums.ReservationStatus, actor *uuid.UUID) (*models.Reservation, *adjustments.Outcome, error) {
	ctx = m.logg.WithReservationID(ctx, res.ID.String())
	commands := m.commandsFor(res, target, actor)

	prepared := make([]*adjustments.Prepared, 0, len(commands))
	for _, cmd := range commands {
		p, err := m.engine.Prepare(ctx, cmd)
		if err != nil {
			return nil, nil, err
		}
		if out, rejected := p.Rejected(); rejected {
			return nil, &out, nil
		}
		prepared = append(prepared, p)
	}

	var updated models.Reservation
	err := m.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := m.repo.WithTx(tx)
		locked, err := repo.Lock(ctx, res.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "reservation %s vanished", res.ID)
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock reservation")
		}
		if !locked.IsActive() {
			return adjustments.RejectWith(pkgerrors.CodeStateConflict, "reservation %s is not active (%s)", locked.ID, locked.Status)
		}

		for _, p := range prepared {
			out, err := m.engine.Commit(ctx, tx, p)
			if err != nil {
				return err
			}
			if !out.Success {
				return adjustments.Reject(out)
			}
		}
		if _, err := m.engine.AdjustShadow(ctx, tx, locked.ReservedItemID, locked.Quantity.Neg()); err != nil {
			return err
		}

		resolved := m.now().UTC()
		if err := repo.UpdateStatus(ctx, locked.ID, target, resolved); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update reservation status")
		}
		locked.Status = target
		locked.ResolvedAt = &resolved
		locked.Allocations = res.Allocations
		updated = *locked
		return nil
	})
	if rej := adjustments.AsRejection(err); rej != nil {
		return nil, &rej.Outcome, nil
	}
	if err != nil {
		m.logg.Error(m.logg.WithField(ctx, "error_dump", pkgerrors.Dump(err)), "reservation transition failed", err)
		return nil, nil, err
	}

	m.metrics.IncTransition(string(target))
	m.logg.Info(ctx, "reservation "+string(target))
	return &updated, nil, nil
}

// commandsFor builds the ledger commands a transition needs: a credit per
// allocation when stock goes back, or one audit-only sale otherwise.
// Reservations without allocation rows fall back to their primary lot.
func (m *Manager) commandsFor(res models.Reservation, target enums.ReservationStatus, actor *uuid.UUID) []adjustments.Command {
	orderID := res.OrderID
	if actor == nil {
		actor = res.ActorID
	}
	base := adjustments.Command{
		TenantID: res.TenantID,
		ItemID:   res.ItemID,
		Unit:     res.Unit,
		ActorID:  actor,
		OrderID:  &orderID,
		BatchID:  res.SourceBatchID,
		Notes:    fmt.Sprintf("reservation %s %s", res.ID, target),
	}

	allocations := res.Allocations
	if len(allocations) == 0 {
		allocations = []models.ReservationAllocation{{
			LotID:       res.SourceFIFOID,
			LotQuantity: res.Quantity,
			Quantity:    res.Quantity,
		}}
	}

	if !target.RestoresStock() {
		cmd := base
		cmd.ChangeType = enums.ChangeTypeSale
		for _, a := range allocations {
			cmd.AuditLots = append(cmd.AuditLots, adjustments.AuditLot{LotID: a.LotID, LotQuantity: a.LotQuantity})
		}
		return []adjustments.Command{cmd}
	}

	commands := make([]adjustments.Command, 0, len(allocations))
	for _, a := range allocations {
		cmd := base
		cmd.ChangeType = enums.ChangeTypeReturn
		lotID := a.LotID
		lotQty := a.LotQuantity
		cmd.LotID = &lotID
		cmd.LotQuantity = &lotQty
		cmd.Quantity = a.Quantity
		commands = append(commands, cmd)
	}
	return commands
}
