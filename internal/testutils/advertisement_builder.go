package testutils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/R1ick/BLEHelper/internal/device"
	goble "github.com/R1ick/BLEHelper/internal/device/go-ble"
	"github.com/R1ick/BLEHelper/internal/testutils/mocks"
)

// AdvertisementBuilder builds mocked BLE advertisements for testing.
// It provides a fluent API for configuring mock ble.Advertisement instances
// with explicit field tracking so that only set fields get mock expectations.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	serviceData map[string][]byte
	txPower     *int
	connectable bool

	// Track which fields were explicitly set
	nameSet        bool
	addressSet     bool
	rssiSet        bool
	servicesSet    bool
	manufDataSet   bool
	serviceDataSet bool
	txPowerSet     bool
	connectableSet bool
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder with default values.
// The builder starts with connectable=true and an empty serviceData map.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		serviceData: make(map[string][]byte),
		connectable: true,
	}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	b.nameSet = true
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	b.addressSet = true
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	b.rssiSet = true
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	b.servicesSet = true
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	b.manufDataSet = true
	return b
}

// WithServiceData adds service-specific data for the given service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.serviceData[uuid] = data
	b.serviceDataSet = true
	return b
}

// WithNoServiceData explicitly sets service data to nil.
// Use this to distinguish between unset and empty service data.
func (b *AdvertisementBuilder) WithNoServiceData() *AdvertisementBuilder {
	b.serviceDataSet = true
	b.serviceData = nil
	return b
}

// WithTxPower sets the transmission power level.
func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = &power
	b.txPowerSet = true
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	b.connectableSet = true
	return b
}

// jsonBytes accepts both JSON shapes tests use for binary blobs: integer
// arrays ([76,0,1,2]) and base64 strings (the encoding/json default for
// []byte, which MustJSON produces).
type jsonBytes []byte

func (j *jsonBytes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var ints []int
		if err := json.Unmarshal(trimmed, &ints); err != nil {
			return err
		}
		out := make([]byte, len(ints))
		for i, v := range ints {
			out[i] = byte(v)
		}
		*j = out
		return nil
	}
	var raw []byte
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	*j = raw
	return nil
}

// FromJSON fills builder fields from a JSON string with format support.
// Panics on invalid JSON as this is intended for test data setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	// First, detect which fields are present in the JSON (even if null)
	var fieldPresence map[string]interface{}
	if err := json.Unmarshal([]byte(jsonStr), &fieldPresence); err != nil {
		panic(fmt.Sprintf("FromJSON: failed to unmarshal field presence: %v", err))
	}

	// Then unmarshal into typed struct
	var data struct {
		Name             *string              `json:"name"`
		Address          *string              `json:"address"`
		RSSI             *int                 `json:"rssi"`
		Services         []string             `json:"services"`
		ManufacturerData jsonBytes            `json:"manufacturerData"`
		ServiceData      map[string]jsonBytes `json:"serviceData"`
		TxPower          *int                 `json:"txPower"`
		Connectable      *bool                `json:"connectable"`
	}

	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		panic(err)
	}

	// Set flags based on field presence, not just non-nil values
	if _, exists := fieldPresence["name"]; exists {
		if data.Name != nil {
			b.name = *data.Name
		} else {
			b.name = ""
		}
		b.nameSet = true
	}
	if _, exists := fieldPresence["address"]; exists {
		if data.Address != nil {
			b.address = *data.Address
		} else {
			b.address = ""
		}
		b.addressSet = true
	}
	if _, exists := fieldPresence["rssi"]; exists {
		if data.RSSI != nil {
			b.rssi = *data.RSSI
		} else {
			b.rssi = -50 // default
		}
		b.rssiSet = true
	}
	if _, exists := fieldPresence["services"]; exists {
		b.services = data.Services // nil becomes empty slice
		b.servicesSet = true
	}
	if _, exists := fieldPresence["manufacturerData"]; exists {
		b.manufData = []byte(data.ManufacturerData) // nil stays nil
		b.manufDataSet = true
	}
	if _, exists := fieldPresence["serviceData"]; exists {
		b.serviceData = make(map[string][]byte, len(data.ServiceData))
		for uuid, blob := range data.ServiceData {
			b.serviceData[uuid] = []byte(blob)
		}
		b.serviceDataSet = true
	}
	if _, exists := fieldPresence["txPower"]; exists {
		b.txPower = data.TxPower // can be nil
		b.txPowerSet = true
	}
	if _, exists := fieldPresence["connectable"]; exists {
		if data.Connectable != nil {
			b.connectable = *data.Connectable
		} else {
			b.connectable = true // default
		}
		b.connectableSet = true
	}
	return b
}

// Build creates a MockAdvertisement that implements ble.Advertisement.
// Mock expectations are set for explicitly configured fields only, so an
// accessor for an unset field fails the test instead of returning a guess.
func (b *AdvertisementBuilder) Build() *mocks.MockAdvertisement {
	adv := &mocks.MockAdvertisement{}

	var bleServices []ble.UUID
	for _, s := range b.services {
		bleServices = append(bleServices, ble.MustParse(s))
	}

	var bleServiceData []ble.ServiceData
	for uuid, data := range b.serviceData {
		bleServiceData = append(bleServiceData, ble.ServiceData{
			UUID: ble.MustParse(uuid),
			Data: data,
		})
	}

	if b.addressSet {
		addr := &mocks.MockAddr{}
		addr.On("String").Return(b.address)
		adv.On("Addr").Return(addr)
	}
	if b.nameSet {
		adv.On("LocalName").Return(b.name)
	}
	if b.rssiSet {
		adv.On("RSSI").Return(b.rssi)
	}
	if b.manufDataSet {
		adv.On("ManufacturerData").Return(b.manufData)
	}
	if b.serviceDataSet {
		adv.On("ServiceData").Return(bleServiceData)
	}
	if b.servicesSet {
		adv.On("Services").Return(bleServices)
	}
	if b.connectableSet {
		adv.On("Connectable").Return(b.connectable)
	}
	if b.txPowerSet {
		if b.txPower != nil {
			adv.On("TxPowerLevel").Return(*b.txPower)
		} else {
			adv.On("TxPowerLevel").Return(127) // BLE spec value for "not available"
		}
	}

	return adv
}

// BuildAdvertisement builds the mock and wraps it as a device.Advertisement,
// the form the scanner and device layers consume.
func (b *AdvertisementBuilder) BuildAdvertisement() device.Advertisement {
	return goble.NewBLEAdvertisement(b.Build())
}

// BuildDevice creates a device.Device from the built advertisement.
// Convenience method for creating Device instances in tests.
func (b *AdvertisementBuilder) BuildDevice(logger *logrus.Logger) device.Device {
	return goble.NewBLEDeviceFromAdvertisement(b.BuildAdvertisement(), logger)
}

// AdvertisementArrayBuilder builds arrays of ble.Advertisement with generic
// parent support. It allows creating multiple advertisements with different
// configurations and returning to a parent builder through the type parameter.
//
// The builder supports two main patterns:
//   - WithAdvertisements(ads...) adds pre-built ble.Advertisement(s) to the array
//   - WithNewAdvertisement() returns an AdvertisementBuilder for fluent configuration
//
// Type Parameter:
//
//	T: The type to return from Build(). Common values:
//	  - []ble.Advertisement for standalone usage
//	  - *PeripheralDeviceBuilder for integration with the peripheral builder
//
// Example usage:
//
//	advertisements := NewAdvertisementArrayBuilder[[]ble.Advertisement]().
//	    WithNewAdvertisement().
//	        WithName("HeartRate").
//	        WithAddress("11:22:33:44:55:66").
//	        WithRSSI(-55).
//	        Build().
//	    Build() // Returns []ble.Advertisement
//
// Integration with PeripheralDeviceBuilder:
//
//	peripheral := NewPeripheralDeviceBuilder(t).
//	    WithScanAdvertisements().
//	        WithNewAdvertisement().WithName("Device3").Build().
//	        Build(). // Returns *PeripheralDeviceBuilder
//	    WithService("180D").
//	    Build()
type AdvertisementArrayBuilder[T any] struct {
	advertisements []ble.Advertisement
	parent         T
	buildFunc      func(T, []ble.Advertisement) T
}

// NewAdvertisementArrayBuilder creates a new array builder with the specified generic type.
func NewAdvertisementArrayBuilder[T any]() *AdvertisementArrayBuilder[T] {
	return &AdvertisementArrayBuilder[T]{
		advertisements: make([]ble.Advertisement, 0),
	}
}

// WithAdvertisements adds pre-built advertisements to the array and returns
// the array builder for chaining.
func (ab *AdvertisementArrayBuilder[T]) WithAdvertisements(ads ...ble.Advertisement) *AdvertisementArrayBuilder[T] {
	ab.advertisements = append(ab.advertisements, ads...)
	return ab
}

// WithNewAdvertisement starts a new advertisement within the array. Calling
// Build() on the returned item adds the advertisement to the array and
// returns the AdvertisementArrayBuilder for further chaining.
func (ab *AdvertisementArrayBuilder[T]) WithNewAdvertisement() *AdvertisementArrayBuilderItem[T] {
	return &AdvertisementArrayBuilderItem[T]{
		AdvertisementBuilder: NewAdvertisementBuilder(),
		parent:               ab,
	}
}

// Build returns the parent when a buildFunc is attached, otherwise the
// accumulated array cast to T.
func (ab *AdvertisementArrayBuilder[T]) Build() T {
	if ab.buildFunc != nil {
		return ab.buildFunc(ab.parent, ab.advertisements)
	}
	// No buildFunc: T must be []ble.Advertisement
	var result interface{} = ab.advertisements
	return result.(T)
}

// AdvertisementArrayBuilderItem wraps AdvertisementBuilder so that Build()
// feeds the advertisement back into the parent array builder.
type AdvertisementArrayBuilderItem[T any] struct {
	*AdvertisementBuilder
	parent *AdvertisementArrayBuilder[T]
}

// Build adds the advertisement to the parent array and returns the array builder
func (abi *AdvertisementArrayBuilderItem[T]) Build() *AdvertisementArrayBuilder[T] {
	advertisement := abi.AdvertisementBuilder.Build()
	abi.parent.advertisements = append(abi.parent.advertisements, advertisement)
	return abi.parent
}
