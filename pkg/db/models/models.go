package models

// All lists every persisted model in dependency order, for schema bootstrapping
// on databases goose does not manage (sqlite dev and tests).
func All() []any {
	return []any{
		&InventoryItem{},
		&InventoryLot{},
		&InventoryHistory{},
		&Reservation{},
		&ReservationAllocation{},
	}
}
