package enums

import "fmt"

// ReservationStatus tracks the lifecycle of an inventory reservation.
type ReservationStatus string

const (
	ReservationStatusActive          ReservationStatus = "active"
	ReservationStatusReleased        ReservationStatus = "released"
	ReservationStatusExpired         ReservationStatus = "expired"
	ReservationStatusConvertedToSale ReservationStatus = "converted_to_sale"
	ReservationStatusFulfilled       ReservationStatus = "fulfilled"
	ReservationStatusCancelled       ReservationStatus = "cancelled"
)

var validReservationStatuses = []ReservationStatus{
	ReservationStatusActive,
	ReservationStatusReleased,
	ReservationStatusExpired,
	ReservationStatusConvertedToSale,
	ReservationStatusFulfilled,
	ReservationStatusCancelled,
}

// String implements fmt.Stringer.
func (s ReservationStatus) String() string {
	return string(s)
}

// IsValid reports whether the value matches a known reservation status.
func (s ReservationStatus) IsValid() bool {
	for _, candidate := range validReservationStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s ReservationStatus) IsTerminal() bool {
	return s.IsValid() && s != ReservationStatusActive
}

// RestoresStock reports whether reaching the status credits the held lots back.
func (s ReservationStatus) RestoresStock() bool {
	switch s {
	case ReservationStatusReleased, ReservationStatusExpired, ReservationStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseReservationStatus converts raw input into ReservationStatus.
func ParseReservationStatus(value string) (ReservationStatus, error) {
	for _, candidate := range validReservationStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid reservation status %q", value)
}
