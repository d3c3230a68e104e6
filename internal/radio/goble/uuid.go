package goble

import (
	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/srg/blprov/internal/device"
)

// toBLE converts a 128-bit identifier to go-ble's little-endian form.
func toBLE(id uuid.UUID) ble.UUID {
	return ble.UUID(ble.Reverse(id[:]))
}

// fromBLE expands a 16-, 32- or 128-bit go-ble UUID to a full identifier.
func fromBLE(u ble.UUID) (uuid.UUID, error) {
	return device.ParseIdentifier(u.String())
}

// advertises reports whether any of the listed UUIDs equals id.
func advertises(list []ble.UUID, id uuid.UUID) bool {
	for _, u := range list {
		if parsed, err := fromBLE(u); err == nil && parsed == id {
			return true
		}
	}
	return false
}
