package goble

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/R1ick/BLEHelper/internal/device"
)

const (
	// gapNameReadTimeout bounds the best-effort GAP Device Name read performed
	// right after connecting.
	gapNameReadTimeout = 2 * time.Second
)

// BLEDevice implements the Device interface for BLE devices
type BLEDevice struct {
	// Device data
	id                 string
	name               string
	address            string
	rssi               int
	txPower            *int
	connectable        bool
	lastSeen           time.Time
	advertisedServices []string
	manufData          []byte
	serviceData        map[string][]byte
	connection         *BLEConnection
	logger             *logrus.Logger
	mu                 sync.RWMutex
}

// NewBLEDevice creates a BLEDevice with a pre-created connection instance
func NewBLEDevice(address string, logger *logrus.Logger) *BLEDevice {
	if logger == nil {
		logger = logrus.New()
	}

	return &BLEDevice{
		id:                 address,
		address:            address,
		advertisedServices: make([]string, 0),
		serviceData:        make(map[string][]byte),
		lastSeen:           time.Now(),
		connection:         NewBLEConnection(logger),
		logger:             logger,
	}
}

// NewBLEDeviceFromAdvertisement creates a BLEDevice from a device.Advertisement
func NewBLEDeviceFromAdvertisement(adv device.Advertisement, logger *logrus.Logger) *BLEDevice {
	dev := NewBLEDevice(adv.Addr(), logger)

	// Set advertisement-specific data
	dev.name = adv.LocalName()
	dev.rssi = adv.RSSI()
	dev.connectable = adv.Connectable()
	dev.manufData = adv.ManufacturerData()

	// Convert service UUIDs into minimal Service entries (UUID only)
	for _, uuid := range adv.Services() {
		dev.advertisedServices = append(dev.advertisedServices, device.NormalizeUUID(uuid))
	}
	sort.Strings(dev.advertisedServices)

	// Convert service data
	for _, svcData := range adv.ServiceData() {
		dev.serviceData[device.NormalizeUUID(svcData.UUID)] = svcData.Data
	}

	// Extract TX power if available
	if adv.TxPowerLevel() != 127 { // 127 means TX power not available
		txPower := adv.TxPowerLevel()
		dev.txPower = &txPower
	}

	// Try to extract name from manufacturer data if no local name
	if dev.name == "" {
		if extractedName := dev.extractNameFromManufacturerData(adv.ManufacturerData()); extractedName != "" {
			dev.name = extractedName
		}
	}

	return dev
}

// DeviceInfo interface implementation

func (d *BLEDevice) ID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

// Name returns the resolved device name, falling back to the address when the
// device never advertised one.
func (d *BLEDevice) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.name == "" {
		return d.address
	}
	return d.name
}

func (d *BLEDevice) Address() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

func (d *BLEDevice) RSSI() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

func (d *BLEDevice) TxPower() *int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.txPower
}

func (d *BLEDevice) IsConnectable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectable
}

func (d *BLEDevice) AdvertisedServices() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.advertisedServices
}

func (d *BLEDevice) ManufacturerData() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manufData
}

func (d *BLEDevice) ServiceData() map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serviceData
}

// LastSeen returns the time of the most recent advertisement from this device.
func (d *BLEDevice) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// bleDeviceJSON is the wire shape MarshalJSON emits. Byte blobs are encoded
// as integer arrays rather than base64 so that scan output stays readable.
type bleDeviceJSON struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Address          string           `json:"address"`
	RSSI             int              `json:"rssi"`
	TxPower          *int             `json:"txPower,omitempty"`
	Connectable      bool             `json:"connectable"`
	LastSeen         time.Time        `json:"lastSeen"`
	Services         []string         `json:"services"`
	ManufacturerData []int            `json:"manufacturerData,omitempty"`
	ServiceData      map[string][]int `json:"serviceData,omitempty"`
}

// MarshalJSON serializes the advertisement-level view of the device. Devices
// travel through the DeviceInfo interface whose implementation keeps all
// fields unexported, so the JSON shape has to be defined here rather than
// with struct tags.
func (d *BLEDevice) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := bleDeviceJSON{
		ID:          d.id,
		Name:        d.name,
		Address:     d.address,
		RSSI:        d.rssi,
		TxPower:     d.txPower,
		Connectable: d.connectable,
		LastSeen:    d.lastSeen,
		Services:    d.advertisedServices,
	}
	if out.Name == "" {
		out.Name = d.address
	}
	if len(d.manufData) > 0 {
		out.ManufacturerData = bytesToInts(d.manufData)
	}
	if len(d.serviceData) > 0 {
		out.ServiceData = make(map[string][]int, len(d.serviceData))
		for k, v := range d.serviceData {
			out.ServiceData[k] = bytesToInts(v)
		}
	}
	return json.Marshal(out)
}

func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// Connect establishes a BLE connection and populates live characteristics
func (d *BLEDevice) Connect(ctx context.Context, opts *device.ConnectOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// The constructors always create the connection; nil means misuse
	if d.connection == nil {
		return fmt.Errorf("internal error: connection is not initialized")
	}

	// Set default options if not provided
	if opts == nil {
		opts = &device.ConnectOptions{
			ConnectTimeout: 30 * time.Second,
		}
	}

	// Use the pre-created BLEConnection to connect
	if err := d.connection.Connect(ctx, d.address, opts); err != nil {
		return err
	}

	// Try to resolve device name from GAP Device Name characteristic (0x2A00).
	// GAP Device Name is more authoritative than advertisement name.
	const (
		gapServiceUUID = "1800"
		deviceNameChar = "2a00"
	)

	if char, err := d.connection.GetCharacteristic(gapServiceUUID, deviceNameChar); err == nil {
		if bleChar, ok := char.(*BLECharacteristic); ok {
			if data, err := bleChar.Read(gapNameReadTimeout); err == nil && len(data) > 0 {
				name := string(data)
				name = strings.TrimRight(name, "\x00")
				name = strings.TrimSpace(name)

				if len(name) > 0 && isValidDeviceName(name) {
					d.name = name
					d.logger.WithFields(logrus.Fields{
						"address": d.address,
						"name":    name,
					}).Debug("Resolved device name from GAP")
				}
			}
		}
	}

	return nil
}

// Disconnect closes the connection and clears live handles
func (d *BLEDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// The constructors always create the connection; nil means misuse
	if d.connection == nil {
		return fmt.Errorf("internal error: connection is not initialized")
	}

	// Use the BLEConnection to disconnect
	return d.connection.Disconnect()
}

// isConnectedInternal returns connection status without acquiring the device lock
func (d *BLEDevice) isConnectedInternal() bool {
	if d.connection == nil {
		return false
	}
	return d.connection.IsConnected()
}

// IsConnected returns connection status
func (d *BLEDevice) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isConnectedInternal()
}

// Update refreshes device information from a new advertisement
func (d *BLEDevice) Update(adv device.Advertisement) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rssi = adv.RSSI()
	d.lastSeen = time.Now()

	// Update name if it wasn't available before or changed
	if name := adv.LocalName(); name != "" {
		d.name = name
	} else if d.name == "" {
		// Try to extract name from manufacturer data if no local name
		if extractedName := d.extractNameFromManufacturerData(adv.ManufacturerData()); extractedName != "" {
			d.name = extractedName
		}
	}

	// Update manufacturer data
	if manufData := adv.ManufacturerData(); len(manufData) > 0 {
		d.manufData = manufData
	}

	// Merge advertised services (ensure UUID entries exist)
	needsSort := false
	for _, svc := range adv.Services() {
		normalizedSvc := device.NormalizeUUID(svc)
		if !d.hasServiceUUID(normalizedSvc) {
			d.advertisedServices = append(d.advertisedServices, normalizedSvc)
			needsSort = true
		}
	}
	if needsSort {
		sort.Strings(d.advertisedServices)
	}

	// Update service data
	for _, svcData := range adv.ServiceData() {
		d.serviceData[device.NormalizeUUID(svcData.UUID)] = svcData.Data
	}

	// Update TX power
	if adv.TxPowerLevel() != 127 {
		txPower := adv.TxPowerLevel()
		d.txPower = &txPower
	}
}

// WriteToCharacteristic writes data to the characteristic with the given UUID,
// searching across all discovered services in discovery order. Large payloads
// are chunked by the connection write path. Write-without-response is used
// only when the characteristic does not support acknowledged writes.
func (d *BLEDevice) WriteToCharacteristic(uuid string, data []byte) error {
	d.mu.RLock()
	conn := d.connection
	d.mu.RUnlock()

	if conn == nil {
		return device.ErrNotConnected
	}

	// Locate the characteristic and snapshot its live handle under the connection lock
	conn.connMutex.RLock()
	if !conn.isConnectedInternal() {
		conn.connMutex.RUnlock()
		return device.ErrNotConnected
	}

	normalized := device.NormalizeUUID(uuid)
	var char *BLECharacteristic
	for pair := conn.services.Oldest(); pair != nil; pair = pair.Next() {
		if bleChar, ok := pair.Value.chars.Get(normalized); ok {
			char = bleChar
			break
		}
	}

	if char == nil {
		conn.connMutex.RUnlock()
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}

	if char.BLEChar == nil {
		conn.connMutex.RUnlock()
		return fmt.Errorf("characteristic %s not initialized", normalized)
	}

	noRsp := char.BLEChar.Property&ble.CharWrite == 0
	conn.connMutex.RUnlock()

	return conn.writeCharacteristic(char, data, noRsp)
}

// GetConnection returns the BLE connection interface
func (d *BLEDevice) GetConnection() device.Connection {
	return d.connection
}

// Helper functions

// extractNameFromManufacturerData attempts to extract a device name from manufacturer data.
// Many devices embed their name as readable ASCII text in manufacturer data.
func (d *BLEDevice) extractNameFromManufacturerData(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	// Look for readable ASCII strings longer than 3 characters
	for i := 0; i < len(data)-3; i++ {
		if isReadableASCII(data[i]) {
			// Found start of potential string, extract it
			var nameBytes []byte
			for j := i; j < len(data) && j < i+32; j++ { // Limit to 32 chars
				if isReadableASCII(data[j]) {
					nameBytes = append(nameBytes, data[j])
				} else {
					break
				}
			}

			if len(nameBytes) >= 3 { // Minimum meaningful name length
				name := strings.TrimSpace(string(nameBytes))
				if len(name) >= 3 && isValidDeviceName(name) {
					return name
				}
			}
		}
	}

	return ""
}

// isReadableASCII checks if a byte represents a readable ASCII character
func isReadableASCII(b byte) bool {
	return b >= 32 && b <= 126 && unicode.IsPrint(rune(b))
}

// isValidDeviceName checks if a string looks like a valid device name
func isValidDeviceName(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}

	// Must contain at least one letter
	hasLetter := false
	for _, r := range name {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}

	return hasLetter
}

// hasServiceUUID checks if services already contain a service with the given UUID (case-insensitive)
func (d *BLEDevice) hasServiceUUID(uuid string) bool {
	// First check connected services if a device is connected
	if d.isConnectedInternal() {
		for _, service := range d.connection.Services() {
			if strings.EqualFold(service.UUID(), uuid) {
				return true
			}
		}
	}

	// Fall back to advertised services
	for _, s := range d.advertisedServices {
		if strings.EqualFold(s, uuid) {
			return true
		}
	}
	return false
}
