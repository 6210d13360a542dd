package enums

import "fmt"

// LotSourceType records why a lot was created.
type LotSourceType string

const (
	LotSourcePurchase   LotSourceType = "purchase"
	LotSourceProduction LotSourceType = "production"
	LotSourceRecount    LotSourceType = "recount"
	LotSourceManual     LotSourceType = "manual"
)

var validLotSourceTypes = []LotSourceType{
	LotSourcePurchase,
	LotSourceProduction,
	LotSourceRecount,
	LotSourceManual,
}

// IsValid reports whether the value matches a known lot source.
func (s LotSourceType) IsValid() bool {
	for _, candidate := range validLotSourceTypes {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseLotSourceType converts raw input into LotSourceType.
func ParseLotSourceType(value string) (LotSourceType, error) {
	for _, candidate := range validLotSourceTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid lot source type %q", value)
}
