package main

import (
	"errors"
	"fmt"

	"github.com/Southclaws/fault/fmsg"

	"github.com/srg/blprov/internal/device"
	"github.com/srg/blprov/internal/provision"
)

// ErrProvisioningFailed is returned when a pass ends with anything but a completed write.
var ErrProvisioningFailed = errors.New("provisioning failed")

// FormatUserError renders err for the terminal. Messages attached by the radio adapters
// are preferred over the raw error chain.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	if issue := issueOf(err); issue != "" {
		return issue
	}

	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, device.ErrUnauthorized):
		return "Bluetooth access is not authorized for this program."
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth Low Energy is not supported on this system."
	case errors.Is(err, provision.ErrScanTimeout):
		return "No device advertising the service was found."
	case errors.Is(err, provision.ErrCharacteristicNotFound):
		return "The device does not expose the target characteristic."
	}

	var nf *device.NotFoundError
	if errors.As(err, &nf) {
		return fmt.Sprintf("Not found: %s", nf.Error())
	}
	return err.Error()
}

// issueOf finds the first user-facing fault message in the error tree. Stage errors join two
// causes, which a plain Unwrap chain would not reach.
func issueOf(err error) string {
	if err == nil {
		return ""
	}
	if issue := fmsg.GetIssue(err); issue != "" {
		return issue
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if issue := issueOf(e); issue != "" {
				return issue
			}
		}
	}
	return ""
}
