// Package mocks provides testify mocks for the go-ble transport interfaces.
// They stand in for the real CoreBluetooth-backed implementations so that
// connection and scanning logic can be exercised without hardware.
package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockDevice implements ble.Device for testing
type MockDevice struct {
	mock.Mock
}

func (m *MockDevice) AddService(svc *ble.Service) error {
	args := m.Called(svc)
	return args.Error(0)
}

func (m *MockDevice) RemoveAllServices() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) SetServices(svcs []*ble.Service) error {
	args := m.Called(svcs)
	return args.Error(0)
}

func (m *MockDevice) Stop() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) Advertise(ctx context.Context, adv ble.Advertisement) error {
	args := m.Called(ctx, adv)
	return args.Error(0)
}

func (m *MockDevice) AdvertiseNameAndServices(ctx context.Context, name string, uuids ...ble.UUID) error {
	args := m.Called(ctx, name, uuids)
	return args.Error(0)
}

func (m *MockDevice) AdvertiseMfgData(ctx context.Context, id uint16, b []byte) error {
	args := m.Called(ctx, id, b)
	return args.Error(0)
}

func (m *MockDevice) AdvertiseServiceData16(ctx context.Context, id uint16, b []byte) error {
	args := m.Called(ctx, id, b)
	return args.Error(0)
}

func (m *MockDevice) AdvertiseIBeaconData(ctx context.Context, b []byte) error {
	args := m.Called(ctx, b)
	return args.Error(0)
}

func (m *MockDevice) AdvertiseIBeacon(ctx context.Context, u ble.UUID, major, minor uint16, pwr int8) error {
	args := m.Called(ctx, u, major, minor, pwr)
	return args.Error(0)
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ble.Client), args.Error(1)
}
