package adjustments

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelmondragon/lotledger/internal/ledger"
	"github.com/angelmondragon/lotledger/pkg/db"
	"github.com/angelmondragon/lotledger/pkg/db/dbtest"
	"github.com/angelmondragon/lotledger/pkg/db/models"
	"github.com/angelmondragon/lotledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/angelmondragon/lotledger/pkg/logger"
	"github.com/angelmondragon/lotledger/pkg/metrics"
	"github.com/angelmondragon/lotledger/pkg/units"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s got %s", want, got.String())
}

// massGateway converts between kg and g only.
type massGateway struct{}

func (massGateway) Convert(_ context.Context, req units.Request) (units.Conversion, error) {
	switch {
	case req.From == "kg" && req.To == "g":
		return units.Conversion{Success: true, Value: req.Amount.Mul(dec("1000"))}, nil
	case req.From == "g" && req.To == "kg":
		return units.Conversion{Success: true, Value: req.Amount.Div(dec("1000"))}, nil
	}
	return units.Conversion{ErrorCode: enums.ConversionNoPath}, nil
}

// stallingGateway answers like massGateway until stall is set, then holds
// every call until its context ends.
type stallingGateway struct {
	stall *atomic.Bool
}

func (g stallingGateway) Convert(ctx context.Context, req units.Request) (units.Conversion, error) {
	if !g.stall.Load() {
		return massGateway{}.Convert(ctx, req)
	}
	select {
	case <-ctx.Done():
		return units.Conversion{}, ctx.Err()
	case <-time.After(5 * time.Second):
		return massGateway{}.Convert(ctx, req)
	}
}

type fixture struct {
	db       *gorm.DB
	engine   *Engine
	registry *prometheus.Registry
	tenant   uuid.UUID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	conn := dbtest.New(t)
	led, err := ledger.New(ledger.NewRepository(conn), massGateway{})
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	engine, err := NewEngine(Params{
		DB:      db.NewFromConn(conn),
		Ledger:  led,
		Gateway: massGateway{},
		Logger:  logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Metrics: metrics.NewInventoryMetrics(reg),
		Config:  cfg,
	})
	require.NoError(t, err)
	engine.now = func() time.Time { return testNow }
	return &fixture{db: conn, engine: engine, registry: reg, tenant: uuid.New()}
}

func (f *fixture) item(t *testing.T, unit string, mutate ...func(*models.InventoryItem)) models.InventoryItem {
	t.Helper()
	item := models.InventoryItem{
		ID:       uuid.New(),
		TenantID: f.tenant,
		Name:     "item-" + unit,
		Type:     enums.ItemTypeIngredient,
		Unit:     unit,
	}
	for _, fn := range mutate {
		fn(&item)
	}
	require.NoError(t, f.db.Create(&item).Error)
	return item
}

func (f *fixture) apply(t *testing.T, cmd Command) Outcome {
	t.Helper()
	if cmd.TenantID == uuid.Nil {
		cmd.TenantID = f.tenant
	}
	out, err := f.engine.Apply(context.Background(), cmd)
	require.NoError(t, err)
	return out
}

func (f *fixture) restock(t *testing.T, item models.InventoryItem, qty, cost string) *models.InventoryLot {
	t.Helper()
	out := f.apply(t, Command{
		ItemID:     item.ID,
		ChangeType: enums.ChangeTypeRestock,
		Quantity:   dec(qty),
		UnitCost:   decPtr(cost),
	})
	require.True(t, out.Success, out.Message)
	require.NotNil(t, out.Lot)
	return out.Lot
}

func (f *fixture) reload(t *testing.T, item models.InventoryItem) models.InventoryItem {
	t.Helper()
	var fresh models.InventoryItem
	require.NoError(t, f.db.Where("id = ?", item.ID).First(&fresh).Error)
	return fresh
}

func (f *fixture) lot(t *testing.T, id uuid.UUID) models.InventoryLot {
	t.Helper()
	var lot models.InventoryLot
	require.NoError(t, f.db.Where("id = ?", id).First(&lot).Error)
	return lot
}

func (f *fixture) historyCount(t *testing.T, item models.InventoryItem) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.db.Model(&models.InventoryHistory{}).Where("item_id = ?", item.ID).Count(&count).Error)
	return count
}

func (f *fixture) verify(t *testing.T, item models.InventoryItem) {
	t.Helper()
	report, err := f.engine.Ledger().VerifyItem(context.Background(), item.ID)
	require.NoError(t, err)
	assert.True(t, report.OK(), "violations: %v", report.Violations)
}

func (f *fixture) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	_, err := NewEngine(Params{})
	require.Error(t, err)

	conn := dbtest.New(t)
	led, err := ledger.New(ledger.NewRepository(conn), nil)
	require.NoError(t, err)
	_, err = NewEngine(Params{DB: db.NewFromConn(conn), Ledger: led})
	require.Error(t, err)
}

func TestRestockOpensSequentialLots(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")

	first := f.restock(t, item, "5", "2")
	second := f.restock(t, item, "5", "3")

	assert.Equal(t, int64(1), first.FIFOCode)
	assert.Equal(t, int64(2), second.FIFOCode)
	assert.Equal(t, enums.LotSourcePurchase, second.SourceType)
	assert.Nil(t, second.ExpirationDate)
	assertDecimal(t, "10", f.reload(t, item).Quantity)
	f.verify(t, item)
}

func TestRestockInAnotherUnitConvertsAggregate(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "g")

	out := f.apply(t, Command{
		ItemID:     item.ID,
		ChangeType: enums.ChangeTypeRestock,
		Quantity:   dec("2"),
		Unit:       "kg",
		UnitCost:   decPtr("8"),
	})
	require.True(t, out.Success, out.Message)
	assert.Equal(t, "kg", out.Lot.Unit)
	assertDecimal(t, "2", out.Lot.OriginalQuantity)
	assertDecimal(t, "2000", out.Item.Quantity)
	f.verify(t, item)

	out = f.apply(t, Command{
		ItemID:     item.ID,
		ChangeType: enums.ChangeTypeRestock,
		Quantity:   dec("1"),
		Unit:       "cup",
	})
	assert.False(t, out.Success)
	assert.Equal(t, pkgerrors.CodeConversionFailed, out.Code)
}

func TestPerishableRestockDerivesExpiration(t *testing.T) {
	f := newFixture(t, Config{})
	days := 3
	item := f.item(t, "ea", func(i *models.InventoryItem) {
		i.Perishable = true
		i.ShelfLifeDays = &days
	})

	lot := f.restock(t, item, "4", "1")
	require.NotNil(t, lot.ExpirationDate)
	assert.True(t, testNow.AddDate(0, 0, 3).Equal(*lot.ExpirationDate))

	explicit := testNow.Add(12 * time.Hour)
	out := f.apply(t, Command{
		ItemID:         item.ID,
		ChangeType:     enums.ChangeTypeRestock,
		Quantity:       dec("1"),
		ExpirationDate: &explicit,
	})
	require.True(t, out.Success)
	assert.True(t, explicit.Equal(*out.Lot.ExpirationDate))
}

func TestDeductionDrawsOldestLotsFirst(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	l1 := f.restock(t, item, "5", "2")
	l2 := f.restock(t, item, "5", "3")

	out := f.apply(t, Command{
		ItemID:     item.ID,
		ChangeType: enums.ChangeTypeDeduction,
		Quantity:   dec("-7"),
	})
	require.True(t, out.Success, out.Message)
	require.Len(t, out.Entries, 2)
	require.Len(t, out.Takes, 2)
	assert.Equal(t, l1.ID, *out.Entries[0].AffectedLotID)
	assertDecimal(t, "-5", out.Entries[0].QuantityChange)
	assert.Equal(t, l2.ID, *out.Entries[1].AffectedLotID)
	assertDecimal(t, "-2", out.Entries[1].QuantityChange)

	assertDecimal(t, "0", f.lot(t, l1.ID).RemainingQuantity)
	assertDecimal(t, "3", f.lot(t, l2.ID).RemainingQuantity)
	assertDecimal(t, "3", f.reload(t, item).Quantity)
	f.verify(t, item)
}

func TestDrawConvertsRequestedUnit(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "kg")
	lot := f.restock(t, item, "2", "8")

	out := f.apply(t, Command{
		ItemID:     item.ID,
		ChangeType: enums.ChangeTypeDeduction,
		Quantity:   dec("500"),
		Unit:       "g",
	})
	require.True(t, out.Success, out.Message)
	assertDecimal(t, "1.5", f.lot(t, lot.ID).RemainingQuantity)
	assertDecimal(t, "1.5", out.Item.Quantity)
	f.verify(t, item)
}

func TestInsufficientStockLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	lot := f.restock(t, item, "5", "1")
	before := f.historyCount(t, item)

	out := f.apply(t, Command{
		ItemID:     item.ID,
		ChangeType: enums.ChangeTypeSale,
		Quantity:   dec("8"),
	})
	assert.False(t, out.Success)
	assert.Equal(t, pkgerrors.CodeInsufficientStock, out.Code)
	assertDecimal(t, "3", out.Shortfall)
	assert.True(t, pkgerrors.IsCode(out.Err(), pkgerrors.CodeInsufficientStock))

	assertDecimal(t, "5", f.lot(t, lot.ID).RemainingQuantity)
	assertDecimal(t, "5", f.reload(t, item).Quantity)
	assert.Equal(t, before, f.historyCount(t, item))
	assert.Equal(t, 1.0, f.counter(t, "lotledger_inventory_insufficient_stock_total"))
}

func TestExpiredDrawsAreGated(t *testing.T) {
	yesterday := testNow.Add(-24 * time.Hour)
	seed := func(f *fixture) (models.InventoryItem, *models.InventoryLot) {
		item := f.item(t, "ea")
		out := f.apply(t, Command{
			ItemID:         item.ID,
			ChangeType:     enums.ChangeTypeRestock,
			Quantity:       dec("3"),
			ExpirationDate: &yesterday,
		})
		require.True(t, out.Success)
		return item, out.Lot
	}

	strict := newFixture(t, Config{})
	item, _ := seed(strict)
	out := strict.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction, Quantity: dec("1")})
	assert.Equal(t, pkgerrors.CodeInsufficientStock, out.Code)
	out = strict.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction, Quantity: dec("1"), IncludeExpired: true})
	assert.Equal(t, pkgerrors.CodeForbidden, out.Code)

	admin := newFixture(t, Config{AllowExpiredDraws: true})
	item, lot := seed(admin)
	out = admin.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction, Quantity: dec("1"), IncludeExpired: true})
	require.True(t, out.Success, out.Message)
	assertDecimal(t, "2", admin.lot(t, lot.ID).RemainingQuantity)
}

func TestRecountToAbsoluteTarget(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea", func(i *models.InventoryItem) { i.Cost = dec("1.5") })
	l1 := f.restock(t, item, "10", "1")

	up := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeRecount, Quantity: dec("12")})
	require.True(t, up.Success, up.Message)
	require.NotNil(t, up.Lot)
	assert.Equal(t, enums.LotSourceRecount, up.Lot.SourceType)
	assertDecimal(t, "2", up.Lot.OriginalQuantity)
	assertDecimal(t, "1.5", up.Lot.UnitCost)
	require.Len(t, up.Entries, 2)
	audit := up.Entries[1]
	assert.Nil(t, audit.AffectedLotID)
	assert.True(t, audit.QuantityChange.IsZero())
	require.NotNil(t, audit.ReferenceQuantity)
	assertDecimal(t, "12", *audit.ReferenceQuantity)
	assertDecimal(t, "12", audit.RemainingQuantity)
	assertDecimal(t, "12", up.Item.Quantity)
	f.verify(t, item)

	down := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeRecount, Quantity: dec("4")})
	require.True(t, down.Success, down.Message)
	require.Len(t, down.Entries, 2)
	assertDecimal(t, "-8", down.Entries[0].QuantityChange)
	assertDecimal(t, "2", f.lot(t, l1.ID).RemainingQuantity)
	assertDecimal(t, "4", f.reload(t, item).Quantity)
	f.verify(t, item)

	same := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeRecount, Quantity: dec("4")})
	require.True(t, same.Success)
	require.Len(t, same.Entries, 1)

	negative := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeRecount, Quantity: dec("-1")})
	assert.Equal(t, pkgerrors.CodeValidation, negative.Code)
}

func TestCostOverrideTouchesNoLot(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	lot := f.restock(t, item, "5", "2")

	out := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeCostOverride, UnitCost: decPtr("4.25")})
	require.True(t, out.Success, out.Message)
	require.Len(t, out.Entries, 1)
	assert.Nil(t, out.Entries[0].AffectedLotID)
	assertDecimal(t, "4.25", out.Entries[0].UnitCost)
	assertDecimal(t, "4.25", f.reload(t, item).Cost)
	assertDecimal(t, "2", f.lot(t, lot.ID).UnitCost)
	assertDecimal(t, "5", f.lot(t, lot.ID).RemainingQuantity)

	missing := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeCostOverride})
	assert.Equal(t, pkgerrors.CodeValidation, missing.Code)
}

func TestReturnCreditsNamedLot(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	l1 := f.restock(t, item, "5", "2")
	l2 := f.restock(t, item, "5", "2")
	require.True(t, f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction, Quantity: dec("7")}).Success)

	out := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeReturn, Quantity: dec("1"), LotID: &l1.ID})
	require.True(t, out.Success, out.Message)
	assertDecimal(t, "1", f.lot(t, l1.ID).RemainingQuantity)
	assertDecimal(t, "3", f.lot(t, l2.ID).RemainingQuantity)
	assertDecimal(t, "4", out.Item.Quantity)
	f.verify(t, item)

	missing := uuid.New()
	out = f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeReturn, Quantity: dec("1"), LotID: &missing})
	assert.False(t, out.Success)
	assert.Equal(t, pkgerrors.CodeNotFound, out.Code)

	out = f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeReturn, Quantity: dec("3"), LotID: &l2.ID})
	assert.Equal(t, pkgerrors.CodeValidation, out.Code)
	assertDecimal(t, "3", f.lot(t, l2.ID).RemainingQuantity)

	parsed, err := enums.ParseChangeType("credit")
	require.NoError(t, err)
	out = f.apply(t, Command{ItemID: item.ID, ChangeType: parsed, LotID: &l2.ID, LotQuantity: decPtr("2")})
	require.True(t, out.Success, out.Message)
	assertDecimal(t, "5", f.lot(t, l2.ID).RemainingQuantity)
	assertDecimal(t, "6", out.Item.Quantity)
	f.verify(t, item)
}

func TestUnitConversionRescalesLots(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "kg", func(i *models.InventoryItem) { i.Cost = dec("8") })
	lot := f.restock(t, item, "2", "8")
	require.True(t, f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction, Quantity: dec("0.5")}).Success)

	out := f.apply(t, Command{
		ItemID:           item.ID,
		ChangeType:       enums.ChangeTypeUnitConversion,
		NewUnit:          "g",
		ConvertAggregate: true,
	})
	require.True(t, out.Success, out.Message)
	assert.Equal(t, "g", out.Item.Unit)
	assertDecimal(t, "1500", out.Item.Quantity)
	assertDecimal(t, "0.008", out.Item.Cost)

	stored := f.lot(t, lot.ID)
	assert.Equal(t, "g", stored.Unit)
	assertDecimal(t, "2000", stored.OriginalQuantity)
	assertDecimal(t, "1500", stored.RemainingQuantity)
	assertDecimal(t, "0.008", stored.UnitCost)

	last := out.Entries[len(out.Entries)-1]
	assert.Equal(t, enums.ChangeTypeUnitConversion, last.ChangeType)
	assert.True(t, last.QuantityChange.IsZero())
	f.verify(t, item)

	out = f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeUnitConversion, NewUnit: "cup", ConvertAggregate: true})
	assert.Equal(t, pkgerrors.CodeConversionFailed, out.Code)
	assert.Equal(t, "g", f.reload(t, item).Unit)
}

func TestUnitConversionRelabel(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "each")

	out := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeUnitConversion, NewUnit: "ea"})
	require.True(t, out.Success, out.Message)
	assert.Equal(t, "ea", f.reload(t, item).Unit)
	require.Len(t, out.Entries, 1)

	out = f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeUnitConversion, NewUnit: "ea"})
	assert.Equal(t, pkgerrors.CodeValidation, out.Code)
}

func TestUnitConversionRelabelWithOpenLots(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "kg")
	lot := f.restock(t, item, "2", "8")

	out := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeUnitConversion, NewUnit: "g"})
	assert.False(t, out.Success)
	assert.Equal(t, pkgerrors.CodeStateConflict, out.Code)
	assert.Contains(t, out.Message, "convert_aggregate")
	fresh := f.reload(t, item)
	assert.Equal(t, "kg", fresh.Unit)
	assertDecimal(t, "2", fresh.Quantity)
	f.verify(t, item)

	out = f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction, Quantity: dec("5"), Unit: "g"})
	require.True(t, out.Success, out.Message)
	assertDecimal(t, "1.995", f.reload(t, item).Quantity)
	assertDecimal(t, "1.995", f.lot(t, lot.ID).RemainingQuantity)
	f.verify(t, item)

	out = f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeUnitConversion, NewUnit: "KG"})
	require.True(t, out.Success, out.Message)
	fresh = f.reload(t, item)
	assert.Equal(t, "KG", fresh.Unit)
	assertDecimal(t, "1.995", fresh.Quantity)
	f.verify(t, item)

	out = f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeUnitConversion, NewUnit: "cup"})
	assert.Equal(t, pkgerrors.CodeConversionFailed, out.Code)
	assert.Equal(t, "KG", f.reload(t, item).Unit)
}

func TestNegativeAggregateRollsBack(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	lot := f.restock(t, item, "5", "1")
	require.NoError(t, f.db.Model(&models.InventoryItem{}).Where("id = ?", item.ID).Update("quantity", dec("2")).Error)
	before := f.historyCount(t, item)

	_, err := f.engine.Apply(context.Background(), Command{
		TenantID:   f.tenant,
		ItemID:     item.ID,
		ChangeType: enums.ChangeTypeDeduction,
		Quantity:   dec("4"),
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvariantViolation), "got %v", err)

	assertDecimal(t, "2", f.reload(t, item).Quantity)
	assertDecimal(t, "5", f.lot(t, lot.ID).RemainingQuantity)
	assert.Equal(t, before, f.historyCount(t, item))
}

func TestConversionTimeoutBoundsLotQuotes(t *testing.T) {
	stall := &atomic.Bool{}
	gateway := stallingGateway{stall: stall}
	conn := dbtest.New(t)
	led, err := ledger.New(ledger.NewRepository(conn), gateway)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	engine, err := NewEngine(Params{
		DB:      db.NewFromConn(conn),
		Ledger:  led,
		Gateway: gateway,
		Logger:  logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Metrics: metrics.NewInventoryMetrics(reg),
		Config:  Config{ConversionTimeout: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	f := &fixture{db: conn, engine: engine, registry: reg, tenant: uuid.New()}

	item := f.item(t, "g")
	f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeRestock, Quantity: dec("1"), Unit: "kg", UnitCost: decPtr("5")})
	assertDecimal(t, "1000", f.reload(t, item).Quantity)

	stall.Store(true)
	started := time.Now()
	out := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction, Quantity: dec("100")})
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.False(t, out.Success)
	assert.Equal(t, pkgerrors.CodeInsufficientStock, out.Code)
	assert.Equal(t, 1.0, f.counter(t, "lotledger_inventory_conversion_failures_total"))
	assertDecimal(t, "1000", f.reload(t, item).Quantity)
}

func TestSaleAuditMovesNoStock(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	lot := f.restock(t, item, "10", "2")
	held := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeReserved, Quantity: dec("4")})
	require.True(t, held.Success)

	out := f.apply(t, Command{
		ItemID:     item.ID,
		ChangeType: enums.ChangeTypeSale,
		AuditLots:  []AuditLot{{LotID: lot.ID, LotQuantity: dec("4")}},
	})
	require.True(t, out.Success, out.Message)
	require.Len(t, out.Entries, 1)
	row := out.Entries[0]
	assert.Equal(t, enums.ChangeTypeSale, row.ChangeType)
	assert.True(t, row.QuantityChange.IsZero())
	require.NotNil(t, row.ReferenceQuantity)
	assertDecimal(t, "4", *row.ReferenceQuantity)
	assertDecimal(t, "6", row.RemainingQuantity)
	assertDecimal(t, "6", out.Item.Quantity)

	out = f.apply(t, Command{
		ItemID:     item.ID,
		ChangeType: enums.ChangeTypeDeduction,
		AuditLots:  []AuditLot{{LotID: lot.ID, LotQuantity: dec("1")}},
	})
	assert.Equal(t, pkgerrors.CodeValidation, out.Code)
}

func TestApplyWithRollsBackOnHookFailure(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	lot := f.restock(t, item, "5", "1")
	before := f.historyCount(t, item)
	cmd := Command{TenantID: f.tenant, ItemID: item.ID, ChangeType: enums.ChangeTypeReserved, Quantity: dec("2")}

	boom := errors.New("boom")
	_, err := f.engine.ApplyWith(context.Background(), cmd, func(ctx context.Context, tx *gorm.DB, out *Outcome) error {
		require.Len(t, out.Takes, 1)
		return boom
	})
	require.ErrorIs(t, err, boom)

	out, err := f.engine.ApplyWith(context.Background(), cmd, func(ctx context.Context, tx *gorm.DB, out *Outcome) error {
		return RejectWith(pkgerrors.CodeConflict, "order already holds stock")
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, pkgerrors.CodeConflict, out.Code)

	assertDecimal(t, "5", f.lot(t, lot.ID).RemainingQuantity)
	assertDecimal(t, "5", f.reload(t, item).Quantity)
	assert.Equal(t, before, f.historyCount(t, item))
}

func TestRejectsInvalidCommands(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	shadow := f.item(t, "ea", func(i *models.InventoryItem) {
		i.Type = enums.ItemTypeReserved
		i.ParentItemID = &item.ID
	})

	cases := []struct {
		name string
		cmd  Command
		code pkgerrors.Code
	}{
		{"missing item", Command{ChangeType: enums.ChangeTypeRestock, Quantity: dec("1")}, pkgerrors.CodeValidation},
		{"unknown change type", Command{ItemID: item.ID, ChangeType: "teleport", Quantity: dec("1")}, pkgerrors.CodeValidation},
		{"unknown item", Command{ItemID: uuid.New(), ChangeType: enums.ChangeTypeRestock, Quantity: dec("1")}, pkgerrors.CodeNotFound},
		{"shadow item", Command{ItemID: shadow.ID, ChangeType: enums.ChangeTypeRestock, Quantity: dec("1")}, pkgerrors.CodeValidation},
		{"zero restock", Command{ItemID: item.ID, ChangeType: enums.ChangeTypeRestock}, pkgerrors.CodeValidation},
		{"zero draw", Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction}, pkgerrors.CodeValidation},
		{"negative unit cost", Command{ItemID: item.ID, ChangeType: enums.ChangeTypeRestock, Quantity: dec("1"), UnitCost: decPtr("-1")}, pkgerrors.CodeValidation},
		{"return without lot", Command{ItemID: item.ID, ChangeType: enums.ChangeTypeReturn, Quantity: dec("1")}, pkgerrors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := f.apply(t, tc.cmd)
			assert.False(t, out.Success)
			assert.Equal(t, tc.code, out.Code, out.Message)
		})
	}

	other := f.apply(t, Command{TenantID: uuid.New(), ItemID: item.ID, ChangeType: enums.ChangeTypeRestock, Quantity: dec("1")})
	assert.Equal(t, pkgerrors.CodeNotFound, other.Code)
}

func TestArchivedItemOnlyAcceptsReturns(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	lot := f.restock(t, item, "5", "1")
	require.True(t, f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction, Quantity: dec("2")}).Success)
	require.NoError(t, f.db.Model(&models.InventoryItem{}).Where("id = ?", item.ID).Update("archived_at", testNow).Error)

	out := f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeRestock, Quantity: dec("1")})
	assert.Equal(t, pkgerrors.CodeStateConflict, out.Code)

	out = f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeReturn, Quantity: dec("2"), LotID: &lot.ID})
	require.True(t, out.Success, out.Message)
	assertDecimal(t, "5", out.Item.Quantity)
}

func TestAdjustShadowClampsAtZero(t *testing.T) {
	f := newFixture(t, Config{})
	parent := f.item(t, "ea")
	shadow := f.item(t, "ea", func(i *models.InventoryItem) {
		i.Type = enums.ItemTypeReserved
		i.ParentItemID = &parent.ID
	})
	ctx := context.Background()

	var got models.InventoryItem
	require.NoError(t, f.engine.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		if got, err = f.engine.AdjustShadow(ctx, tx, shadow.ID, dec("3")); err != nil {
			return err
		}
		got, err = f.engine.AdjustShadow(ctx, tx, shadow.ID, dec("-5"))
		return err
	}))
	assertDecimal(t, "0", got.Quantity)
	assertDecimal(t, "0", f.reload(t, shadow).Quantity)

	err := f.engine.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.engine.AdjustShadow(ctx, tx, parent.ID, dec("1"))
		return err
	})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDataIntegrity))

	require.NoError(t, f.engine.tx.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := f.engine.SetShadow(ctx, tx, shadow.ID, dec("7"))
		return err
	}))
	assertDecimal(t, "7", f.reload(t, shadow).Quantity)
}

func TestAdjustmentMetrics(t *testing.T) {
	f := newFixture(t, Config{})
	item := f.item(t, "ea")
	f.restock(t, item, "1", "1")
	f.apply(t, Command{ItemID: item.ID, ChangeType: enums.ChangeTypeDeduction, Quantity: dec("2")})

	assert.Equal(t, 2.0, f.counter(t, "lotledger_inventory_adjustments_total"))
}
