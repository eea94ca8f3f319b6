package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/R1ick/BLEHelper/internal/device"
	"github.com/R1ick/BLEHelper/session"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the BLE connection was unexpectedly lost during operation.
	// This is distinct from device.ErrNotConnected, which indicates an attempt to use
	// a device that was never connected or was already disconnected.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError maps an error to the one-liner main() prints. Known
// sentinels get actionable phrasing; anything else is printed as-is.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is powered off - turn it on and try again"
	case errors.Is(err, session.ErrConnectionTimeout):
		return fmt.Sprintf("%v - the device may be out of range or not advertising", err)
	case errors.Is(err, session.ErrConnectionDropped):
		return fmt.Sprintf("%v - reconnect attempts exhausted", err)
	case errors.Is(err, session.ErrRequestTimeout):
		return "no matching response arrived before the timeout"
	case errors.Is(err, session.ErrNoWritableEndpoint):
		return "the device exposes no writable characteristic"
	case errors.Is(err, session.ErrNoNotifiableEndpoint):
		return "the device exposes no notifiable characteristic"
	case errors.Is(err, session.ErrEncodingFailure):
		return fmt.Sprintf("%v - check the payload and --format flag", err)
	case errors.Is(err, ErrConnectionLost):
		return "connection lost - the device disconnected during the operation"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	default:
		return err.Error()
	}
}
