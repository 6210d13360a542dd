package validate

import (
	"testing"

	pkgerrors "github.com/angelmondragon/lotledger/pkg/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	ItemID   uuid.UUID        `json:"item_id" validate:"required"`
	Quantity decimal.Decimal  `json:"quantity" validate:"gt=0"`
	Cost     *decimal.Decimal `json:"cost" validate:"omitempty,gte=0"`
	Source   string           `json:"source" validate:"required,max=8"`
}

func TestStructAcceptsValidInput(t *testing.T) {
	cost := decimal.NewFromInt(0)
	err := Struct(sample{ItemID: uuid.New(), Quantity: decimal.RequireFromString("0.5"), Cost: &cost, Source: "web"})
	assert.NoError(t, err)
}

func TestStructReportsFieldsByJSONName(t *testing.T) {
	cost := decimal.NewFromInt(-1)
	err := Struct(sample{Quantity: decimal.Zero, Cost: &cost, Source: "a-very-long-channel"})
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())

	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "is required", details["item_id"])
	assert.Equal(t, "must be greater than 0", details["quantity"])
	assert.Equal(t, "must be at least 0", details["cost"])
	assert.Equal(t, "must be at most 8", details["source"])
}

func TestSummaryOrdersFields(t *testing.T) {
	err := Struct(sample{Quantity: decimal.Zero, Source: ""})
	require.Error(t, err)
	assert.Equal(t, "item_id is required; quantity must be greater than 0; source is required", Summary(err))
	assert.Equal(t, "", Summary(nil))
}
