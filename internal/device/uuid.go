package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the compact form used for lookups and logs:
// lowercase, no dashes, no 0x prefix. Full 128-bit UUIDs in the Bluetooth SIG base range
// are shortened to their 16-bit form (xxxx).
func NormalizeUUID(s string) string {
	n := strings.ToLower(strings.TrimSpace(s))
	n = strings.TrimPrefix(n, "0x")
	n = strings.ReplaceAll(n, "-", "")

	if len(n) == 32 && strings.HasPrefix(n, "0000") && strings.HasSuffix(n, sigBaseSuffix) {
		return n[4:8]
	}
	return n
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// ParseIdentifier parses a 16-, 32- or 128-bit UUID string into a full 128-bit identifier.
// Short forms are expanded onto the Bluetooth SIG base UUID.
func ParseIdentifier(s string) (uuid.UUID, error) {
	n := NormalizeUUID(s)
	switch len(n) {
	case 0:
		return uuid.Nil, fmt.Errorf("UUID cannot be empty")
	case 4:
		n = "0000" + n + sigBaseSuffix
	case 8:
		n = n + sigBaseSuffix
	case 32:
	default:
		return uuid.Nil, fmt.Errorf("invalid UUID %q: expected 4, 8 or 32 hex digits", s)
	}

	id, err := uuid.Parse(n)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return id, nil
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns the parsed identifiers in input order.
func ValidateUUID(uuids ...string) ([]uuid.UUID, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]uuid.UUID, 0, len(uuids))
	for i, s := range uuids {
		if s == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		id, err := ParseIdentifier(s)
		if err != nil {
			return nil, fmt.Errorf("UUID at index %d: %w", i, err)
		}
		result = append(result, id)
	}
	return result, nil
}
