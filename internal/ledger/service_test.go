package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/angelmondragon/lotledger/pkg/db/dbtest"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/angelmondragon/lotledger/pkg/pagination"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s got %s", want, got.String())
}

type fixture struct {
	db     *gorm.DB
	ledger *Ledger
	item   models.InventoryItem
	tenant uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	l, err := New(NewRepository(db), nil)
	require.NoError(t, err)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	tenant := uuid.New()
	item := models.InventoryItem{
		ID:       uuid.New(),
		TenantID: tenant,
		Name:     "flour",
		Type:     enums.ItemTypeIngredient,
		Unit:     "kg",
	}
	require.NoError(t, db.Create(&item).Error)
	return &fixture{db: db, ledger: l, item: item, tenant: tenant}
}

func (f *fixture) restock(t *testing.T, qty string) *models.InventoryLot {
	t.Helper()
	posting, err := f.ledger.Append(context.Background(), Entry{
		Audit:          Audit{TenantID: f.tenant},
		ItemID:         f.item.ID,
		ChangeType:     enums.ChangeTypeRestock,
		QuantityChange: dec(qty),
		NewLot:         &NewLot{Unit: "kg", UnitCost: dec("2")},
	})
	require.NoError(t, err)
	require.NotNil(t, posting.Lot)
	return posting.Lot
}

func (f *fixture) historyCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&models.InventoryHistory{}).Where("item_id = ?", f.item.ID).Count(&count).Error)
	return count
}

func TestNewRequiresRepository(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestAppendNewLotAssignsSequentialFIFOCodes(t *testing.T) {
	f := newFixture(t)

	first := f.restock(t, "5")
	second := f.restock(t, "7.5")

	assert.Equal(t, int64(1), first.FIFOCode)
	assert.Equal(t, int64(2), second.FIFOCode)
	assertDecimal(t, "7.5", second.OriginalQuantity)
	assertDecimal(t, "7.5", second.RemainingQuantity)
	assert.Equal(t, enums.LotSourcePurchase, second.SourceType)

	history, err := f.ledger.History(context.Background(), f.item.ID, HistoryFilter{LotID: &second.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, enums.ChangeTypeRestock, history[0].ChangeType)
	assertDecimal(t, "7.5", history[0].QuantityChange)
	assertDecimal(t, "7.5", history[0].RemainingQuantity)
}

func TestAppendNewLotRejectsNonPositiveQuantity(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Append(context.Background(), Entry{
		ItemID:         f.item.ID,
		ChangeType:     enums.ChangeTypeRestock,
		QuantityChange: dec("0"),
		NewLot:         &NewLot{Unit: "kg"},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestAppendDrawUpdatesLotAndSnapshot(t *testing.T) {
	f := newFixture(t)
	lot := f.restock(t, "10")
	order := "A1"

	posting, err := f.ledger.Append(context.Background(), Entry{
		Audit:          Audit{TenantID: f.tenant, OrderID: &order},
		ItemID:         f.item.ID,
		ChangeType:     enums.ChangeTypeDeduction,
		QuantityChange: dec("-4"),
		LotID:          &lot.ID,
	})
	require.NoError(t, err)
	assertDecimal(t, "6", posting.Lot.RemainingQuantity)
	assertDecimal(t, "6", posting.History.RemainingQuantity)
	assertDecimal(t, "2", posting.History.UnitCost)
	require.NotNil(t, posting.History.OrderID)
	assert.Equal(t, order, *posting.History.OrderID)

	stored, err := f.ledger.Repo().FindLot(context.Background(), lot.ID)
	require.NoError(t, err)
	assertDecimal(t, "6", stored.RemainingQuantity)
	assertDecimal(t, "10", stored.OriginalQuantity)
}

func TestAppendOutOfBoundsAbortsWithoutMutation(t *testing.T) {
	f := newFixture(t)
	lot := f.restock(t, "5")
	before := f.historyCount(t)

	for _, change := range []string{"-5.000001", "0.5"} {
		_, err := f.ledger.Append(context.Background(), Entry{
			ItemID:         f.item.ID,
			ChangeType:     enums.ChangeTypeReturn,
			QuantityChange: dec(change),
			LotID:          &lot.ID,
		})
		require.Error(t, err, change)
		assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvariantViolation), change)
	}

	stored, err := f.ledger.Repo().FindLot(context.Background(), lot.ID)
	require.NoError(t, err)
	assertDecimal(t, "5", stored.RemainingQuantity)
	assert.Equal(t, before, f.historyCount(t))
}

func TestAppendMissingLotIsIntegrityError(t *testing.T) {
	f := newFixture(t)
	missing := uuid.New()
	_, err := f.ledger.Append(context.Background(), Entry{
		ItemID:         f.item.ID,
		ChangeType:     enums.ChangeTypeDeduction,
		QuantityChange: dec("-1"),
		LotID:          &missing,
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDataIntegrity))
}

func TestAppendLotOfOtherItemIsIntegrityError(t *testing.T) {
	f := newFixture(t)
	lot := f.restock(t, "5")
	_, err := f.ledger.Append(context.Background(), Entry{
		ItemID:         uuid.New(),
		ChangeType:     enums.ChangeTypeDeduction,
		QuantityChange: dec("-1"),
		LotID:          &lot.ID,
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDataIntegrity))
}

func TestAppendAnnotation(t *testing.T) {
	f := newFixture(t)
	cost := dec("3.25")

	posting, err := f.ledger.Append(context.Background(), Entry{
		ItemID:     f.item.ID,
		ChangeType: enums.ChangeTypeCostOverride,
		UnitCost:   &cost,
	})
	require.NoError(t, err)
	assert.Nil(t, posting.History.AffectedLotID)
	assert.True(t, posting.History.QuantityChange.IsZero())
	assertDecimal(t, "3.25", posting.History.UnitCost)

	_, err = f.ledger.Append(context.Background(), Entry{
		ItemID:         f.item.ID,
		ChangeType:     enums.ChangeTypeDeduction,
		QuantityChange: dec("-1"),
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvariantViolation))
}

func TestAppendRejectsBothLotForms(t *testing.T) {
	f := newFixture(t)
	lotID := uuid.New()
	_, err := f.ledger.Append(context.Background(), Entry{
		ItemID:         f.item.ID,
		ChangeType:     enums.ChangeTypeRestock,
		QuantityChange: dec("1"),
		LotID:          &lotID,
		NewLot:         &NewLot{Unit: "kg"},
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestRescaleKeepsBounds(t *testing.T) {
	f := newFixture(t)
	lot := f.restock(t, "2")
	_, err := f.ledger.Append(context.Background(), Entry{
		ItemID:         f.item.ID,
		ChangeType:     enums.ChangeTypeDeduction,
		QuantityChange: dec("-0.5"),
		LotID:          &lot.ID,
	})
	require.NoError(t, err)

	posting, err := f.ledger.Rescale(context.Background(), f.item.ID, lot.ID, "g", dec("1000"), Audit{TenantID: f.tenant})
	require.NoError(t, err)
	assert.Equal(t, "g", posting.Lot.Unit)
	assertDecimal(t, "2000", posting.Lot.OriginalQuantity)
	assertDecimal(t, "1500", posting.Lot.RemainingQuantity)
	assertDecimal(t, "0.002", posting.Lot.UnitCost)
	assert.Equal(t, enums.ChangeTypeUnitConversion, posting.History.ChangeType)
	assert.True(t, posting.History.QuantityChange.IsZero())

	_, err = f.ledger.Rescale(context.Background(), f.item.ID, lot.ID, "kg", dec("0"), Audit{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestVerifyItem(t *testing.T) {
	f := newFixture(t)
	f.restock(t, "5")
	f.restock(t, "5")
	ctx := context.Background()

	require.NoError(t, f.db.Model(&models.InventoryItem{}).Where("id = ?", f.item.ID).Update("quantity", dec("10")).Error)
	report, err := f.ledger.VerifyItem(ctx, f.item.ID)
	require.NoError(t, err)
	assert.True(t, report.OK(), "violations: %v", report.Violations)
	assertDecimal(t, "10", report.LotSum)

	require.NoError(t, f.db.Model(&models.InventoryItem{}).Where("id = ?", f.item.ID).Update("quantity", dec("9")).Error)
	report, err = f.ledger.VerifyItem(ctx, f.item.ID)
	require.NoError(t, err)
	assert.False(t, report.OK())

	_, err = f.ledger.VerifyItem(ctx, uuid.New())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestHistoryFilters(t *testing.T) {
	f := newFixture(t)
	lot := f.restock(t, "5")
	order := "B7"
	_, err := f.ledger.Append(context.Background(), Entry{
		Audit:          Audit{OrderID: &order},
		ItemID:         f.item.ID,
		ChangeType:     enums.ChangeTypeReserved,
		QuantityChange: dec("-1"),
		LotID:          &lot.ID,
	})
	require.NoError(t, err)

	byOrder, err := f.ledger.History(context.Background(), f.item.ID, HistoryFilter{OrderID: &order})
	require.NoError(t, err)
	require.Len(t, byOrder, 1)
	assert.Equal(t, enums.ChangeTypeReserved, byOrder[0].ChangeType)

	restocks, err := f.ledger.History(context.Background(), f.item.ID, HistoryFilter{ChangeTypes: []enums.ChangeType{enums.ChangeTypeRestock}})
	require.NoError(t, err)
	require.Len(t, restocks, 1)

	_, err = f.ledger.History(context.Background(), uuid.Nil, HistoryFilter{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestHistoryPagedWalksAllRows(t *testing.T) {
	f := newFixture(t)
	tick := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.ledger.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	for i := 0; i < 5; i++ {
		f.restock(t, "1")
	}

	var seen []uuid.UUID
	cursor := ""
	pages := 0
	for {
		page, err := f.ledger.HistoryPaged(context.Background(), f.item.ID, HistoryFilter{}, pagination.Params{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		pages++
		for _, row := range page.Entries {
			seen = append(seen, row.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	require.Len(t, seen, 5)

	all, err := f.ledger.History(context.Background(), f.item.ID, HistoryFilter{})
	require.NoError(t, err)
	for i, row := range all {
		assert.Equal(t, row.ID, seen[i])
	}

	_, err = f.ledger.HistoryPaged(context.Background(), f.item.ID, HistoryFilter{}, pagination.Params{Cursor: "!!!"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
