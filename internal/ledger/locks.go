package ledger

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/angelmondragon/lotledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LotRef names a lot to lock together with the fifo code it was read with.
type LotRef struct {
	ID       uuid.UUID
	FIFOCode int64
}

// LotLocker takes a row lock on a single lot.
type LotLocker interface {
	LockLot(ctx context.Context, id uuid.UUID) (*models.InventoryLot, error)
}

// LockedLots holds lots locked by LockSet. Lots live in an arena ordered by
// ascending fifo code; the index maps lot ids to arena slots.
type LockedLots struct {
	arena []models.InventoryLot
	index map[uuid.UUID]int
}

// LockSet locks every referenced lot of itemID in ascending fifo_code order,
// ties broken by id. Two writers needing overlapping lot sets therefore always
// request the shared rows in the same order. Duplicate refs are locked once.
// A missing lot or one that no longer matches its ref is a data integrity error.
func LockSet(ctx context.Context, locker LotLocker, itemID uuid.UUID, refs []LotRef) (*LockedLots, error) {
	ordered := sortedRefs(refs)
	locked := &LockedLots{
		arena: make([]models.InventoryLot, 0, len(ordered)),
		index: make(map[uuid.UUID]int, len(ordered)),
	}
	for _, ref := range ordered {
		lot, err := locker.LockLot(ctx, ref.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "lot %s vanished while locking", ref.ID)
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock lot")
		}
		if lot.ItemID != itemID {
			return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "lot %s belongs to item %s, not %s", lot.ID, lot.ItemID, itemID)
		}
		if lot.FIFOCode != ref.FIFOCode {
			return nil, pkgerrors.Newf(pkgerrors.CodeDataIntegrity, "lot %s fifo code changed from %d to %d", lot.ID, ref.FIFOCode, lot.FIFOCode)
		}
		locked.index[lot.ID] = len(locked.arena)
		locked.arena = append(locked.arena, *lot)
	}
	return locked, nil
}

func sortedRefs(refs []LotRef) []LotRef {
	seen := make(map[uuid.UUID]struct{}, len(refs))
	out := make([]LotRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FIFOCode != out[j].FIFOCode {
			return out[i].FIFOCode < out[j].FIFOCode
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Len returns the number of locked lots.
func (l *LockedLots) Len() int {
	if l == nil {
		return 0
	}
	return len(l.arena)
}

// Get returns the locked lot with id.
func (l *LockedLots) Get(id uuid.UUID) (*models.InventoryLot, bool) {
	if l == nil {
		return nil, false
	}
	slot, ok := l.index[id]
	if !ok {
		return nil, false
	}
	return &l.arena[slot], true
}

// Ordered returns the locked lots in lock (fifo) order.
func (l *LockedLots) Ordered() []*models.InventoryLot {
	if l == nil {
		return nil
	}
	out := make([]*models.InventoryLot, len(l.arena))
	for i := range l.arena {
		out[i] = &l.arena[i]
	}
	return out
}

// Refresh replaces the arena copy of lot after a write.
func (l *LockedLots) Refresh(lot models.InventoryLot) {
	if l == nil {
		return
	}
	if slot, ok := l.index[lot.ID]; ok {
		l.arena[slot] = lot
	}
}
