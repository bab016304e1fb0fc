package enums

import "fmt"

// DriverStatus describes the allowed values for drivers.status.
type DriverStatus string

const (
	DriverStatusOffline           DriverStatus = "offline"
	DriverStatusOnline            DriverStatus = "online"
	DriverStatusPendingAcceptance DriverStatus = "pending_acceptance"
	DriverStatusBusy              DriverStatus = "busy"
)

var validDriverStatuses = []DriverStatus{
	DriverStatusOffline,
	DriverStatusOnline,
	DriverStatusPendingAcceptance,
	DriverStatusBusy,
}

// String implements fmt.Stringer.
func (s DriverStatus) String() string {
	return string(s)
}

// IsValid reports whether the value matches a canonical driver status.
func (s DriverStatus) IsValid() bool {
	for _, candidate := range validDriverStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseDriverStatus converts the raw string to DriverStatus.
func ParseDriverStatus(value string) (DriverStatus, error) {
	for _, candidate := range validDriverStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid driver status %q", value)
}
