package enums

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// OrderStatus describes the allowed values for orders.status.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusAssigned  OrderStatus = "assigned"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusArrived   OrderStatus = "arrived"
	OrderStatusOnboard   OrderStatus = "onboard"
	OrderStatusFinished  OrderStatus = "finished"
	OrderStatusFallback  OrderStatus = "fallback"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusCancelled OrderStatus = "cancelled"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusNew,
	OrderStatusAssigned,
	OrderStatusAccepted,
	OrderStatusArrived,
	OrderStatusOnboard,
	OrderStatusFinished,
	OrderStatusFallback,
	OrderStatusExpired,
	OrderStatusCancelled,
}

// legacyOrderStatuses maps values written by older intake flows onto the canonical set.
var legacyOrderStatuses = map[string]OrderStatus{
	"pending":     OrderStatusNew,
	"in_progress": OrderStatusOnboard,
	"completed":   OrderStatusFinished,
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// IsValid reports whether the value matches a canonical order status.
func (s OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further dispatch transition can leave the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFinished, OrderStatusExpired, OrderStatusCancelled:
		return true
	}
	return false
}

// ParseOrderStatus converts the raw string to OrderStatus, resolving legacy aliases.
func ParseOrderStatus(value string) (OrderStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validOrderStatuses {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	if canonical, ok := legacyOrderStatuses[normalized]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("invalid order status %q", value)
}

// LegacyAliases returns the stored spellings that resolve to the given status.
func LegacyAliases(status OrderStatus) []string {
	var out []string
	for alias, canonical := range legacyOrderStatuses {
		if canonical == status {
			out = append(out, alias)
		}
	}
	return out
}

// StoredValues expands statuses into every spelling a row may carry, for use in
// conditional writes against rows that predate normalization.
func StoredValues(statuses ...OrderStatus) []string {
	out := make([]string, 0, len(statuses)*2)
	for _, status := range statuses {
		out = append(out, string(status))
		out = append(out, LegacyAliases(status)...)
	}
	return out
}

// Scan normalizes the stored value when a row is loaded.
func (s *OrderStatus) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*s = ""
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("OrderStatus: unsupported Scan type %T", src)
	}
	parsed, err := ParseOrderStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer.
func (s OrderStatus) Value() (driver.Value, error) {
	return string(s), nil
}
