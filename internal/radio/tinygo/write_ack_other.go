//go:build !darwin && !windows

package tinygo

import "github.com/sirupsen/logrus"

// characteristicWriter is the write surface of bluetooth.DeviceCharacteristic on
// BlueZ and the bare-metal stacks. They only expose write-without-response.
type characteristicWriter interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// writeValue downgrades acknowledged writes to write-without-response.
// The payload still reaches the peripheral but delivery is not confirmed.
func writeValue(c characteristicWriter, p []byte, withResponse bool, log *logrus.Entry) error {
	if withResponse {
		log.Warn("Backend has no acknowledged write here, writing without response")
	}
	_, err := c.WriteWithoutResponse(p)
	return err
}
