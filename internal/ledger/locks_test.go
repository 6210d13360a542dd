package ledger

import (
	"context"
	"testing"

	"github.com/angelmondragon/lotledger/pkg/db/models"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingLocker struct {
	lots  map[uuid.UUID]models.InventoryLot
	calls []int64
}

func (r *recordingLocker) LockLot(_ context.Context, id uuid.UUID) (*models.InventoryLot, error) {
	lot, ok := r.lots[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	r.calls = append(r.calls, lot.FIFOCode)
	return &lot, nil
}

func newRecordingLocker(itemID uuid.UUID, codes ...int64) (*recordingLocker, []LotRef) {
	locker := &recordingLocker{lots: map[uuid.UUID]models.InventoryLot{}}
	refs := make([]LotRef, 0, len(codes))
	for _, code := range codes {
		lot := models.InventoryLot{ID: uuid.New(), ItemID: itemID, FIFOCode: code}
		locker.lots[lot.ID] = lot
		refs = append(refs, LotRef{ID: lot.ID, FIFOCode: code})
	}
	return locker, refs
}

func TestLockSetAcquiresInAscendingFIFOOrder(t *testing.T) {
	itemID := uuid.New()
	locker, refs := newRecordingLocker(itemID, 7, 2, 5, 1)
	refs = append(refs, refs[0])

	locked, err := LockSet(context.Background(), locker, itemID, refs)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 5, 7}, locker.calls)
	assert.Equal(t, 4, locked.Len())

	var codes []int64
	for _, lot := range locked.Ordered() {
		codes = append(codes, lot.FIFOCode)
	}
	assert.Equal(t, []int64{1, 2, 5, 7}, codes)

	got, ok := locked.Get(refs[0].ID)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.FIFOCode)
}

func TestLockSetSameOrderRegardlessOfInput(t *testing.T) {
	itemID := uuid.New()
	locker, refs := newRecordingLocker(itemID, 3, 1, 2)

	_, err := LockSet(context.Background(), locker, itemID, refs)
	require.NoError(t, err)
	first := append([]int64(nil), locker.calls...)

	locker.calls = nil
	reversed := []LotRef{refs[2], refs[1], refs[0]}
	_, err = LockSet(context.Background(), locker, itemID, reversed)
	require.NoError(t, err)
	assert.Equal(t, first, locker.calls)
}

func TestLockSetDetectsIntegrityProblems(t *testing.T) {
	itemID := uuid.New()
	locker, refs := newRecordingLocker(itemID, 1)

	_, err := LockSet(context.Background(), locker, itemID, []LotRef{{ID: uuid.New(), FIFOCode: 1}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDataIntegrity))

	_, err = LockSet(context.Background(), locker, uuid.New(), refs)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDataIntegrity))

	_, err = LockSet(context.Background(), locker, itemID, []LotRef{{ID: refs[0].ID, FIFOCode: 9}})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDataIntegrity))
}

func TestLockedLotsRefresh(t *testing.T) {
	itemID := uuid.New()
	locker, refs := newRecordingLocker(itemID, 1)
	locked, err := LockSet(context.Background(), locker, itemID, refs)
	require.NoError(t, err)

	lot, _ := locked.Get(refs[0].ID)
	updated := *lot
	updated.Unit = "g"
	locked.Refresh(updated)

	lot, _ = locked.Get(refs[0].ID)
	assert.Equal(t, "g", lot.Unit)

	var empty *LockedLots
	assert.Equal(t, 0, empty.Len())
	_, ok := empty.Get(refs[0].ID)
	assert.False(t, ok)
}
