package enums

import "fmt"

// ItemType classifies inventory items.
type ItemType string

const (
	ItemTypeIngredient ItemType = "ingredient"
	ItemTypeProduct    ItemType = "product"
	ItemTypeContainer  ItemType = "container"
	// ItemTypeReserved marks the shadow row mirroring active reservations.
	ItemTypeReserved ItemType = "reserved"
)

var validItemTypes = []ItemType{
	ItemTypeIngredient,
	ItemTypeProduct,
	ItemTypeContainer,
	ItemTypeReserved,
}

// String implements fmt.Stringer.
func (t ItemType) String() string {
	return string(t)
}

// IsValid reports whether the value matches a known item type.
func (t ItemType) IsValid() bool {
	for _, candidate := range validItemTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// HoldsLots reports whether the item type is backed by inventory lots.
func (t ItemType) HoldsLots() bool {
	return t.IsValid() && t != ItemTypeReserved
}

// ParseItemType converts raw input into ItemType.
func ParseItemType(value string) (ItemType, error) {
	for _, candidate := range validItemTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid item type %q", value)
}
