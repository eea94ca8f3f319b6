package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"

	"github.com/R1ick/BLEHelper/internal/device"
	"github.com/R1ick/BLEHelper/internal/testutils/mocks"
)

// createMockUUID creates a ble.UUID from a string for testing
func createMockUUID(name string) blelib.UUID {
	// Parse as proper UUID - will panic if invalid, which is fine for tests
	return blelib.MustParse(name)
}

// DescriptorConfig represents a BLE descriptor configuration for mocking
type DescriptorConfig struct {
	UUID  string `json:"uuid"`
	Value []byte `json:"value,omitempty"`
}

// CharacteristicConfig represents a BLE characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value       []byte             `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`

	// Simulated transport latency, settable only through options
	ReadDelay  time.Duration `json:"-"`
	WriteDelay time.Duration `json:"-"`

	// WriteSink observes written payloads, settable only through options
	WriteSink func(data []byte) `json:"-"`
}

// CharacteristicOption tweaks the simulated behavior of a characteristic
type CharacteristicOption func(*CharacteristicConfig)

// WithReadDelay makes the mocked transport sleep before answering reads,
// for exercising read timeouts.
func WithReadDelay(d time.Duration) CharacteristicOption {
	return func(c *CharacteristicConfig) { c.ReadDelay = d }
}

// WithWriteDelay makes the mocked transport sleep before acknowledging writes,
// for exercising write timeouts.
func WithWriteDelay(d time.Duration) CharacteristicOption {
	return func(c *CharacteristicConfig) { c.WriteDelay = d }
}

// WithWriteSink forwards a copy of every payload written to the
// characteristic, for asserting on traffic that reaches the peripheral.
func WithWriteSink(sink func(data []byte)) CharacteristicOption {
	return func(c *CharacteristicConfig) { c.WriteSink = sink }
}

// ServiceConfig represents a BLE service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a mocked ble.Device with full
// service/characteristic/descriptor support. The built device answers Dial
// with a mocked client whose DiscoverProfile returns the configured profile,
// so connection code runs against it unchanged.
type PeripheralDeviceBuilder struct {
	t                  *testing.T
	profile            DeviceProfileConfig
	scanAdvertisements []blelib.Advertisement

	// disconnected backs the mocked client's Disconnected() channel for the
	// most recent Build(). Closing it simulates a peripheral-side drop.
	disconnected   chan struct{}
	disconnectOnce *sync.Once

	// notifyHandlers holds the handler passed to the most recent Subscribe
	// call per characteristic UUID, so tests can push notifications through
	// the same path the transport would.
	notifyMu       sync.Mutex
	notifyHandlers map[string]blelib.NotificationHandler
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder(t *testing.T) *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		t: t,
		profile: DeviceProfileConfig{
			Services: []ServiceConfig{},
		},
	}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte, opts ...CharacteristicOption) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	lastServiceIdx := len(b.profile.Services) - 1
	char := CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	}
	for _, opt := range opts {
		opt(&char)
	}
	b.profile.Services[lastServiceIdx].Characteristics = append(
		b.profile.Services[lastServiceIdx].Characteristics, char)
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic
func (b *PeripheralDeviceBuilder) WithDescriptor(uuid string, value []byte) *PeripheralDeviceBuilder {
	char := b.lastCharacteristic()
	char.Descriptors = append(char.Descriptors, DescriptorConfig{UUID: uuid, Value: value})
	return b
}

// lastCharacteristic returns a pointer to the most recently added
// characteristic, panicking when there is nothing to attach to.
func (b *PeripheralDeviceBuilder) lastCharacteristic() *CharacteristicConfig {
	if len(b.profile.Services) == 0 {
		panic("no service added yet, call WithService first")
	}
	svc := &b.profile.Services[len(b.profile.Services)-1]
	if len(svc.Characteristics) == 0 {
		panic("no characteristic added yet, call WithCharacteristic first")
	}
	return &svc.Characteristics[len(svc.Characteristics)-1]
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// WithScanAdvertisements returns an AdvertisementArrayBuilder that will return this PeripheralDeviceBuilder on Build()
func (b *PeripheralDeviceBuilder) WithScanAdvertisements() *AdvertisementArrayBuilder[*PeripheralDeviceBuilder] {
	arrayBuilder := NewAdvertisementArrayBuilder[*PeripheralDeviceBuilder]()
	arrayBuilder.parent = b
	arrayBuilder.buildFunc = func(parent *PeripheralDeviceBuilder, ads []blelib.Advertisement) *PeripheralDeviceBuilder {
		parent.scanAdvertisements = append(parent.scanAdvertisements, ads...)
		return parent
	}
	return arrayBuilder
}

// aggregateHandleBase offsets placeholder descriptor indexes inside an
// unresolved Characteristic Aggregate Format value. Build() swaps the
// placeholders for the ATT handles it assigns.
const aggregateHandleBase = 0x0100

// AggregateFormatBuilder accumulates Presentation Format descriptors (0x2904)
// and closes the group with a Characteristic Aggregate Format descriptor
// (0x2905) whose value references their handles.
type AggregateFormatBuilder struct {
	parent *PeripheralDeviceBuilder

	// indexes records where each added 0x2904 sits in the characteristic's
	// descriptor list, which is what the aggregate value references.
	indexes []int
}

// WithAggregateFormatDescriptor starts an aggregate format descriptor group
// on the last added characteristic.
func (b *PeripheralDeviceBuilder) WithAggregateFormatDescriptor() *AggregateFormatBuilder {
	b.lastCharacteristic() // panic early when there is nothing to attach to
	return &AggregateFormatBuilder{parent: b}
}

// WithPresentationFormat adds a Presentation Format descriptor (0x2904) to
// the group.
func (ab *AggregateFormatBuilder) WithPresentationFormat(value []byte) *AggregateFormatBuilder {
	char := ab.parent.lastCharacteristic()
	ab.indexes = append(ab.indexes, len(char.Descriptors))
	char.Descriptors = append(char.Descriptors, DescriptorConfig{UUID: "2904", Value: value})
	return ab
}

// Build appends the closing aggregate descriptor (0x2905) and returns the
// device builder. The aggregate value holds little-endian placeholder indexes
// until the device Build() resolves them to assigned handles.
func (ab *AggregateFormatBuilder) Build() *PeripheralDeviceBuilder {
	char := ab.parent.lastCharacteristic()
	var value []byte
	for _, idx := range ab.indexes {
		placeholder := uint16(aggregateHandleBase + idx)
		value = append(value, byte(placeholder&0xFF), byte(placeholder>>8))
	}
	char.Descriptors = append(char.Descriptors, DescriptorConfig{UUID: "2905", Value: value})
	return ab.parent
}

// resolveAggregateValue swaps placeholder descriptor indexes in an aggregate
// format value for the ATT handles assigned to the characteristic's descriptors.
func resolveAggregateValue(placeholders []byte, descHandles []uint16) []byte {
	var value []byte
	for i := 0; i+1 < len(placeholders); i += 2 {
		idx := (int(placeholders[i]) | int(placeholders[i+1])<<8) - aggregateHandleBase
		if idx < 0 || idx >= len(descHandles) {
			continue
		}
		handle := descHandles[idx]
		value = append(value, byte(handle&0xFF), byte(handle>>8))
	}
	return value
}

// parseCharacteristicProperties converts a comma-separated property string to
// ble.Property flags. Unknown tokens are ignored; an empty or unrecognized
// string falls back to read|write|notify.
func parseCharacteristicProperties(props string) blelib.Property {
	var property blelib.Property
	for _, token := range strings.Split(props, ",") {
		switch strings.TrimSpace(token) {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "write-without-response":
			property |= blelib.CharWriteNR
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		case "broadcast":
			property |= blelib.CharBroadcast
		}
	}
	if property == 0 {
		property = blelib.CharRead | blelib.CharWrite | blelib.CharNotify
	}
	return property
}

// Build creates a mocked ble.Device with the configured profile. ATT handles
// are assigned sequentially: one per service, one per characteristic, one per
// descriptor, starting at 0x0002. Per-characteristic mock expectations follow
// the declared properties, so a test that reads a write-only characteristic
// fails the same way it would against real hardware.
func (b *PeripheralDeviceBuilder) Build() blelib.Device {
	mockDevice := &mocks.MockDevice{}
	mockClient := &mocks.MockClient{}

	b.notifyMu.Lock()
	b.notifyHandlers = make(map[string]blelib.NotificationHandler)
	b.notifyMu.Unlock()

	var bleServices []*blelib.Service
	currentHandle := uint16(0x0001)
	for _, svcConfig := range b.profile.Services {
		bleService := &blelib.Service{
			UUID: createMockUUID(svcConfig.UUID),
		}
		currentHandle++ // service declaration

		var bleCharacteristics []*blelib.Characteristic
		for _, charConfig := range svcConfig.Characteristics {
			bleChar := &blelib.Characteristic{
				UUID:     createMockUUID(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
				Value:    charConfig.Value,
			}
			currentHandle++ // characteristic declaration

			descHandles := make([]uint16, len(charConfig.Descriptors))
			for i := range charConfig.Descriptors {
				descHandles[i] = currentHandle
				currentHandle++
			}
			var bleDescriptors []*blelib.Descriptor
			for i, descConfig := range charConfig.Descriptors {
				value := descConfig.Value
				if descConfig.UUID == "2905" {
					value = resolveAggregateValue(value, descHandles)
				}
				bleDescriptors = append(bleDescriptors, &blelib.Descriptor{
					UUID:   createMockUUID(descConfig.UUID),
					Handle: descHandles[i],
					Value:  value,
				})
			}
			bleChar.Descriptors = bleDescriptors
			bleCharacteristics = append(bleCharacteristics, bleChar)

			b.mockCharacteristic(mockClient, bleChar, charConfig)
		}
		bleService.Characteristics = bleCharacteristics
		bleServices = append(bleServices, bleService)
	}

	mockProfile := &blelib.Profile{
		Services: bleServices,
	}

	mockDevice.On("Dial", mock.Anything, mock.Anything).Return(mockClient, nil)
	mockClient.On("DiscoverProfile", true).Return(mockProfile, nil)
	mockClient.On("CancelConnection").Return(nil)

	// The connection layer watches the client's Disconnected() channel to
	// detect peripheral-side drops. Keep it open for the lifetime of the
	// test; TriggerPeripheralDisconnect closes it on demand.
	b.disconnected = make(chan struct{})
	b.disconnectOnce = &sync.Once{}
	mockClient.On("Disconnected").Return((<-chan struct{})(b.disconnected))
	if b.t != nil {
		disconnected, once := b.disconnected, b.disconnectOnce
		b.t.Cleanup(func() {
			once.Do(func() { close(disconnected) })
		})
	}

	// Set up scan expectations - simulate discovering the configured advertisements
	mockDevice.On("Scan", mock.Anything, mock.Anything, mock.MatchedBy(func(handler blelib.AdvHandler) bool {
		// Simulate discovering all configured advertisements
		for _, adv := range b.scanAdvertisements {
			handler(adv)
		}
		return true
	})).Return(nil)

	return mockDevice
}

// mockCharacteristic registers the client expectations for one characteristic
func (b *PeripheralDeviceBuilder) mockCharacteristic(mockClient *mocks.MockClient, char *blelib.Characteristic, cfg CharacteristicConfig) {
	uuid := device.NormalizeUUID(char.UUID.String())

	if char.Property&blelib.CharNotify != 0 {
		mockClient.On("Subscribe", char, false, mock.Anything).Run(func(args mock.Arguments) {
			b.storeNotifyHandler(uuid, args.Get(2).(blelib.NotificationHandler))
		}).Return(nil)
	}
	if char.Property&blelib.CharIndicate != 0 {
		mockClient.On("Subscribe", char, true, mock.Anything).Run(func(args mock.Arguments) {
			b.storeNotifyHandler(uuid, args.Get(2).(blelib.NotificationHandler))
		}).Return(nil)
	}
	mockClient.On("Unsubscribe", char, false).Return(nil)
	mockClient.On("Unsubscribe", char, true).Return(nil)

	if char.Property&blelib.CharRead != 0 {
		call := mockClient.On("ReadCharacteristic", char)
		if cfg.ReadDelay > 0 {
			delay := cfg.ReadDelay
			call.Run(func(mock.Arguments) { time.Sleep(delay) })
		}
		call.Return(char.Value, nil)
	} else {
		mockClient.On("ReadCharacteristic", char).Return(nil, fmt.Errorf("characteristic does not support read"))
	}

	if char.Property&(blelib.CharWrite|blelib.CharWriteNR) != 0 {
		call := mockClient.On("WriteCharacteristic", char, mock.Anything, mock.Anything)
		if cfg.WriteDelay > 0 || cfg.WriteSink != nil {
			delay := cfg.WriteDelay
			sink := cfg.WriteSink
			call.Run(func(args mock.Arguments) {
				if delay > 0 {
					time.Sleep(delay)
				}
				if sink != nil {
					sink(append([]byte(nil), args.Get(1).([]byte)...))
				}
			})
		}
		call.Return(nil)
	} else {
		mockClient.On("WriteCharacteristic", char, mock.Anything, mock.Anything).Return(fmt.Errorf("characteristic does not support write"))
	}

	for _, desc := range char.Descriptors {
		mockClient.On("ReadDescriptor", desc).Return(desc.Value, nil)
	}
}

func (b *PeripheralDeviceBuilder) storeNotifyHandler(uuid string, h blelib.NotificationHandler) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.notifyHandlers[uuid] = h
}

// TriggerNotification pushes data through the notification handler the
// connection registered for the characteristic, exactly as the transport
// would on an incoming notification. Returns an error when nothing has
// subscribed to the characteristic yet.
func (b *PeripheralDeviceBuilder) TriggerNotification(uuid string, data []byte) error {
	b.notifyMu.Lock()
	handler, ok := b.notifyHandlers[device.NormalizeUUID(uuid)]
	b.notifyMu.Unlock()
	if !ok {
		return fmt.Errorf("no notification handler registered for characteristic %s (not subscribed?)", uuid)
	}
	handler(data)
	return nil
}

// TriggerPeripheralDisconnect simulates the peripheral dropping the link by
// closing the mocked client's Disconnected() channel. Safe to call more than
// once; only valid after Build().
func (b *PeripheralDeviceBuilder) TriggerPeripheralDisconnect() {
	if b.disconnectOnce == nil {
		panic("TriggerPeripheralDisconnect: Build() has not been called")
	}
	disconnected := b.disconnected
	b.disconnectOnce.Do(func() { close(disconnected) })
}

// GetServices returns the configured services for use in creating connection options
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
