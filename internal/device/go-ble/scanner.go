package goble

import (
	"context"

	"github.com/go-ble/ble"

	"github.com/R1ick/BLEHelper/internal/device"
)

// bleScanner wraps ble.Device to implement the device.Scanner interface
type bleScanner struct {
	dev ble.Device
}

// Scan wraps the raw ble.Device.Scan to convert ble.Advertisement to device.Advertisement
func (s *bleScanner) Scan(ctx context.Context, allowDup bool, handler func(device.Advertisement)) error {
	// Adapter: convert a handler expecting a device.Advertisement to one expecting ble.Advertisement
	bleHandler := func(adv ble.Advertisement) {
		handler(NewBLEAdvertisement(adv))
	}
	if err := s.dev.Scan(ctx, allowDup, bleHandler); err != nil {
		return device.NormalizeError(err)
	}
	return nil
}

// NewScanner creates a device.Scanner instance for BLE scanning operations.
func NewScanner() (device.Scanner, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, device.NormalizeError(err)
	}
	return &bleScanner{dev: dev}, nil
}
