package enums

import "fmt"

// ChangeType names the operation recorded on an inventory history row.
type ChangeType string

const (
	ChangeTypeRestock        ChangeType = "restock"
	ChangeTypeDeduction      ChangeType = "deduction"
	ChangeTypeReserved       ChangeType = "reserved"
	ChangeTypeSale           ChangeType = "sale"
	ChangeTypeRecount        ChangeType = "recount"
	ChangeTypeCostOverride   ChangeType = "cost_override"
	ChangeTypeReturn         ChangeType = "return"
	ChangeTypeUnitConversion ChangeType = "unit_conversion"
)

var validChangeTypes = []ChangeType{
	ChangeTypeRestock,
	ChangeTypeDeduction,
	ChangeTypeReserved,
	ChangeTypeSale,
	ChangeTypeRecount,
	ChangeTypeCostOverride,
	ChangeTypeReturn,
	ChangeTypeUnitConversion,
}

// String implements fmt.Stringer.
func (c ChangeType) String() string {
	return string(c)
}

// IsValid reports whether the value matches a known change type.
func (c ChangeType) IsValid() bool {
	for _, candidate := range validChangeTypes {
		if candidate == c {
			return true
		}
	}
	return false
}

// DrawsFIFO reports whether the change type consumes stock oldest-first.
func (c ChangeType) DrawsFIFO() bool {
	switch c {
	case ChangeTypeDeduction, ChangeTypeReserved, ChangeTypeSale:
		return true
	default:
		return false
	}
}

// ParseChangeType converts raw input into ChangeType. "credit" is accepted as
// an alias for return.
func ParseChangeType(value string) (ChangeType, error) {
	if value == "credit" {
		return ChangeTypeReturn, nil
	}
	for _, candidate := range validChangeTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid change type %q", value)
}
