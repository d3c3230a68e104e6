package device

import "strings"

// NormalizeAddress returns the canonical form of a peripheral address: trimmed and lowercase.
// Both MAC addresses (BlueZ) and CoreBluetooth identifiers are compared in this form.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
