package enums

import (
	"fmt"
	"strings"
)

// Zone is the geographic area a driver waits in and a normal order is dispatched through.
type Zone string

const (
	ZoneNone       Zone = "NONE"
	ZoneNewZhukovo Zone = "NEW_ZHUKOVO"
	ZoneOldZhukovo Zone = "OLD_ZHUKOVO"
	ZoneMysovtsevo Zone = "MYSOVTSEVO"
	ZoneAvdon      Zone = "AVDON"
	ZoneUptino     Zone = "UPTINO"
	ZoneDema       Zone = "DEMA"
	ZoneSergeevka  Zone = "SERGEEVKA"
)

var validZones = []Zone{
	ZoneNewZhukovo,
	ZoneOldZhukovo,
	ZoneMysovtsevo,
	ZoneAvdon,
	ZoneUptino,
	ZoneDema,
	ZoneSergeevka,
}

// Zones returns every queueable zone in declaration order. NONE is excluded.
func Zones() []Zone {
	out := make([]Zone, len(validZones))
	copy(out, validZones)
	return out
}

// String implements fmt.Stringer.
func (z Zone) String() string {
	return string(z)
}

// IsValid reports whether the zone can hold a driver queue.
func (z Zone) IsValid() bool {
	for _, candidate := range validZones {
		if candidate == z {
			return true
		}
	}
	return false
}

// ParseZone converts the raw string to Zone. NONE parses but is not queueable.
func ParseZone(value string) (Zone, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	if normalized == string(ZoneNone) {
		return ZoneNone, nil
	}
	for _, candidate := range validZones {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid zone %q", value)
}
