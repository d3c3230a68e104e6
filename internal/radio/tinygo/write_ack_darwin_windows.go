//go:build darwin || windows

package tinygo

import "github.com/sirupsen/logrus"

// characteristicWriter is the write surface of bluetooth.DeviceCharacteristic on
// platforms with acknowledged writes.
type characteristicWriter interface {
	Write(p []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
}

func writeValue(c characteristicWriter, p []byte, withResponse bool, _ *logrus.Entry) error {
	if withResponse {
		_, err := c.Write(p)
		return err
	}
	_, err := c.WriteWithoutResponse(p)
	return err
}
