package units

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/lotledger/pkg/enums"
)

// Request asks the gateway to translate Amount from one unit to another.
// Density is required by some mass/volume paths; ItemID lets the gateway
// resolve item-specific mappings.
type Request struct {
	Amount  decimal.Decimal  `json:"amount"`
	From    string           `json:"from_unit"`
	To      string           `json:"to_unit"`
	Density *decimal.Decimal `json:"density,omitempty"`
	ItemID  *uuid.UUID       `json:"item_id,omitempty"`
}

// Conversion is the gateway's answer. When Success is false, ErrorCode names
// the reason and Value is meaningless.
type Conversion struct {
	Success   bool                      `json:"success"`
	Value     decimal.Decimal           `json:"converted_value"`
	ErrorCode enums.ConversionErrorCode `json:"error_code,omitempty"`
}

// Gateway is the boundary to the external unit conversion service. A returned
// error means the gateway could not be reached or timed out; a conversion the
// gateway refused is reported through Conversion.ErrorCode.
type Gateway interface {
	Convert(ctx context.Context, req Request) (Conversion, error)
}

// SameUnit reports whether two unit labels denote the same unit.
func SameUnit(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Convert short-circuits same-unit requests and otherwise delegates to g.
func Convert(ctx context.Context, g Gateway, req Request) (Conversion, error) {
	if SameUnit(req.From, req.To) {
		return Conversion{Success: true, Value: req.Amount}, nil
	}
	if g == nil {
		return Conversion{ErrorCode: enums.ConversionNoPath}, nil
	}
	return g.Convert(ctx, req)
}

// Passthrough only answers same-unit requests; every other path is NO_PATH.
// It is the default when no external gateway is configured.
type Passthrough struct{}

// Convert implements Gateway.
func (Passthrough) Convert(_ context.Context, req Request) (Conversion, error) {
	if SameUnit(req.From, req.To) {
		return Conversion{Success: true, Value: req.Amount}, nil
	}
	return Conversion{ErrorCode: enums.ConversionNoPath}, nil
}
