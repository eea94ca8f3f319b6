package goble

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/R1ick/BLEHelper/internal/device"
	"github.com/R1ick/BLEHelper/internal/groutine"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultChannelBuffer is the default buffer size for notification channels
	DefaultChannelBuffer = 128

	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 spec defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	// Keeping chunks at 20 bytes ensures compatibility with all BLE versions.
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	// This prevents overwhelming the BLE peripheral's receive buffer and ensures reliable delivery.
	DefaultBLEWriteDelay = 10 * time.Millisecond
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as device.DeviceFactory
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// closedDisconnect is returned by Disconnected() before the first connection,
// so that callers never block on a connection that was never established.
var closedDisconnect = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ----------------------------
// BLE Connection
// ----------------------------

// BLEConnection represents a live BLE connection (notifications, reads, writes)
type BLEConnection struct {
	client                ble.Client
	logger                *logrus.Logger
	writeMutex            sync.Mutex
	connMutex             sync.RWMutex
	isConnected           bool
	descriptorReadTimeout time.Duration // Timeout for reading descriptor values during discovery (0 = skip)

	// connGen counts established connections. The drop monitor compares it
	// before tearing state down, so a stale monitor cannot clobber a
	// connection established after its own.
	connGen uint64

	// services preserves discovery order so that "first writable" and
	// "first notifiable" are stable per connection
	services *orderedmap.OrderedMap[string, *BLEService]

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewBLEConnection(logger *logrus.Logger) *BLEConnection {
	return &BLEConnection{
		client:   nil,
		services: orderedmap.New[string, *BLEService](),
		ctx:      context.Background(),
		cancel:   nil,
		logger:   logger,
	}
}

// Connect establishes a BLE connection and populates live characteristics
func (c *BLEConnection) Connect(ctx context.Context, address string, opts *device.ConnectOptions) error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if strings.TrimSpace(address) == "" {
		c.logger.Error("Connection attempt with empty address")
		return fmt.Errorf("device address is empty")
	}

	if c.isConnectedInternal() {
		c.logger.WithField("address", address).Warn("Connection attempt while already connected")
		return device.ErrAlreadyConnected
	}

	c.descriptorReadTimeout = opts.DescriptorReadTimeout

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	// Create a BLE device using the factory (allows for mocking in tests)
	dev, err := DeviceFactory()
	if err != nil {
		c.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	// Timeout context for dialing only
	connCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	// Connect to BLE device
	c.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address \"%s\": %w", address, device.NormalizeError(err))
	}

	// Discover services and characteristics
	c.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	bleProfile, err := client.DiscoverProfile(true)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			c.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	c.logger.WithFields(logrus.Fields{
		"address":  address,
		"services": len(bleProfile.Services),
	}).Debug("Profile discovered successfully")

	// Populate services and characteristics from the BLE profile, preserving
	// the order the peripheral reported them in
	for _, bleSvc := range bleProfile.Services {
		svcRawUUID := bleSvc.UUID.String()
		svcUUID := device.NormalizeUUID(svcRawUUID)
		c.logger.WithField("service_uuid", svcRawUUID).Debug("Found service UUID")
		svc, ok := c.services.Get(svcUUID)
		if !ok {
			svc = &BLEService{
				uuid:      svcUUID, // store normalized
				knownName: device.LookupServiceName(svcRawUUID),
				chars:     orderedmap.New[string, *BLECharacteristic](),
			}
			c.services.Set(svcUUID, svc)
		}

		for _, bleCharacteristic := range bleSvc.Characteristics {
			charRawUUID := bleCharacteristic.UUID.String()
			charUUID := device.NormalizeUUID(charRawUUID)
			c.logger.WithFields(logrus.Fields{
				"service_uuid": svcUUID,
				"char_uuid":    charRawUUID,
			}).Debug("Found characteristic UUID")
			characteristic, ok := svc.chars.Get(charUUID)
			if !ok {
				// Use descriptors from DiscoverProfile (already discovered)
				// Note: On Darwin/macOS, descriptor Handle fields are not populated by the BLE library,
				// which means descriptors cannot be read. This is a limitation of the go-ble/ble Darwin implementation.
				// The descriptors are listed for informational purposes, but their values will be nil.

				// Create descriptors with values (reads are best-effort, won't fail characteristic creation)
				descriptors := make([]device.Descriptor, 0, len(bleCharacteristic.Descriptors))
				for _, d := range bleCharacteristic.Descriptors {
					descriptors = append(descriptors, newDescriptor(d, client, c.descriptorReadTimeout, c.logger))
				}
				// Sort by UUID for consistent ordering
				sort.Slice(descriptors, func(i, j int) bool {
					return descriptors[i].UUID() < descriptors[j].UUID()
				})

				characteristic = NewCharacteristic(bleCharacteristic, svcUUID, DefaultChannelBuffer, c, descriptors)
				svc.chars.Set(charUUID, characteristic)
			} else {
				// Reconnecting - update live handle and recreate channel if closed on disconnect
				characteristic.BLEChar = bleCharacteristic
				if characteristic.closed.Load() {
					if err := characteristic.ResetUpdates(DefaultChannelBuffer); err != nil {
						c.logger.WithFields(logrus.Fields{
							"char_uuid": charUUID,
							"error":     err,
						}).Warn("Failed to reset updates channel during reconnection")
					}
				}
			}
		}
	}

	// Mark as connected and assign client
	c.client = client
	c.isConnected = true
	c.connGen++
	gen := c.connGen

	// Tie the connection lifecycle to the caller's context.
	// WithCancelCause lets a requested disconnect (cause nil) be told apart
	// from an unexpected drop (cause ErrNotConnected) via DisconnectReason.
	c.ctx, c.cancel = context.WithCancelCause(ctx)

	// Monitor go-ble client Disconnected() channel (Darwin-specific)
	// This detects when CoreBluetooth reports disconnection
	if darwinClient, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		connCtx := c.ctx
		connCancel := c.cancel
		groutine.Go(context.Background(), "ble-connection-monitor", func(monitorCtx context.Context) {
			select {
			case <-darwinClient.Disconnected():
				if c.logger != nil {
					c.logger.Warn("Transport reported disconnection, tearing down connection state")
				}
				// Clear connected state before signalling, so a redial of
				// the same device right after observing Disconnected() is
				// not rejected as already connected.
				c.connMutex.Lock()
				if c.connGen == gen {
					c.client = nil
					c.cancel = nil
					c.isConnected = false
				}
				c.connMutex.Unlock()
				connCancel(device.ErrNotConnected)
			case <-connCtx.Done():
				// Connection context already cancelled, exit monitor
			}
		})
	} else if c.logger != nil {
		c.logger.Debug("Client does not support Disconnected() channel (non-Darwin platform?)")
	}

	// Count total characteristics across all services
	totalChars := 0
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		totalChars += pair.Value.chars.Len()
	}

	c.logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        c.services.Len(),
		"characteristics": totalChars,
	}).Info("BLE device connected successfully")
	return nil
}

func (c *BLEConnection) Disconnect() error {
	// Acquire and snapshot state under lock
	c.connMutex.Lock()
	if c.client == nil || !c.isConnected {
		c.connMutex.Unlock()
		if c.logger != nil {
			c.logger.Debug("Disconnect called but already disconnected")
		}
		return nil
	}

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"connection_ptr": fmt.Sprintf("%p", c),
			"services":       c.services.Len(),
		}).Info("Disconnecting BLE device...")
	}

	// Grab client and cancel func to release lock before blocking calls
	client := c.client
	cancel := c.cancel

	// Snapshot services to drain channels outside the lock
	servicesCopy := make([]*BLEService, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		servicesCopy = append(servicesCopy, pair.Value)
	}

	// set fields to nil/false while still holding lock
	c.client = nil
	c.cancel = nil
	c.isConnected = false
	c.connMutex.Unlock()

	if c.logger != nil {
		c.logger.Debug("Connection state transitioned to disconnected")
	}

	// Cancel the connection-level context (if present).
	// A nil cause marks this as a requested disconnect.
	if cancel != nil {
		if c.logger != nil {
			c.logger.Debug("Cancelling connection context...")
		}
		cancel(nil)
	}

	// Unsubscribe from remote BLE notifications before cancelling connection
	if c.logger != nil {
		c.logger.Debug("Unsubscribing from remote BLE notifications...")
	}
	unsubscribeErrors := c.unsubscribeAllCharacteristics(client, servicesCopy)
	if len(unsubscribeErrors) > 0 && c.logger != nil {
		c.logger.WithField("errors", strings.Join(unsubscribeErrors, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	// Drain and close per-characteristic update channels
	for _, service := range servicesCopy {
		for pair := service.chars.Oldest(); pair != nil; pair = pair.Next() {
			drainAndReleaseChannel(pair.Value.updates)
			// Close channel to signal EOF - will be recreated on reconnect
			pair.Value.CloseUpdates()
		}
	}

	// Finally, disconnect BLE client (network call) outside the lock
	var disconnectErr error
	if client != nil {
		disconnectErr = client.CancelConnection()
	}

	if c.logger != nil {
		if disconnectErr != nil {
			c.logger.WithField("error", disconnectErr).Warn("BLE device disconnected with errors")
		} else {
			c.logger.Info("BLE device disconnected successfully")
		}
	}

	return disconnectErr
}

// isConnectedInternal checks the connection status without acquiring locks.
// Should only be called when the caller already holds connMutex.RLock() or connMutex.Lock().
func (c *BLEConnection) isConnectedInternal() bool {
	return c.client != nil && c.isConnected
}

func (c *BLEConnection) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.isConnectedInternal()
}

// Disconnected returns a channel that is closed when the connection is torn
// down, whether requested or not. Before the first connection it returns an
// already-closed channel.
func (c *BLEConnection) Disconnected() <-chan struct{} {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	if c.ctx == nil || c.ctx.Done() == nil {
		return closedDisconnect
	}
	return c.ctx.Done()
}

// DisconnectReason reports why the connection went away: nil for a requested
// disconnect (or when still connected), the underlying cause for an
// unexpected drop.
func (c *BLEConnection) DisconnectReason() error {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	if c.ctx == nil {
		return nil
	}
	cause := context.Cause(c.ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return nil
	}
	return cause
}

// Services returns all discovered BLE services for this connection in
// discovery order. Thread-safe.
func (c *BLEConnection) Services() []device.Service {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	result := make([]device.Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// GetService retrieves a specific service by its UUID.
// The UUID is normalized for consistent lookup (lowercase, no dashes).
// Returns a NotFoundError if the service is not found.
func (c *BLEConnection) GetService(uuid string) (device.Service, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	// Normalize UUID for lookup
	normalizedUUID := device.NormalizeUUID(uuid)
	svc, ok := c.services.Get(normalizedUUID)
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
	}
	return svc, nil
}

// GetCharacteristic retrieves a characteristic by service and characteristic UUID.
// Both UUIDs are normalized for consistent lookup (lowercase, no dashes).
// Returns a NotFoundError if the service or characteristic is not found.
func (c *BLEConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	// Normalize UUIDs for a consistent lookup
	normalizedServiceUUID := device.NormalizeUUID(service)
	normalizedCharUUID := device.NormalizeUUID(uuid)

	svc, ok := c.services.Get(normalizedServiceUUID)
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}

	char, ok := svc.chars.Get(normalizedCharUUID)
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}

	return char, nil
}

// FindCharacteristic locates a characteristic by UUID across all discovered
// services, in discovery order. Returns a NotFoundError when no service
// carries it.
func (c *BLEConnection) FindCharacteristic(uuid string) (device.Characteristic, error) {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()

	normalized := device.NormalizeUUID(uuid)
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		if char, ok := pair.Value.chars.Get(normalized); ok {
			return char, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
}

// ProcessCharacteristicNotification processes incoming characteristic notification data.
// This method is extracted to allow reuse in both production subscriptions and tests.
func (c *BLEConnection) ProcessCharacteristicNotification(char *BLECharacteristic, data []byte) {
	// One stable copy shared by the cached value and the callbacks; the
	// transport may reuse its buffer as soon as this returns
	buf := make([]byte, len(data))
	copy(buf, data)

	// Update the characteristic's value
	char.SetValue(buf)

	// Enqueue a pooled copy for channel consumers
	char.EnqueueValue(newBLEValue(data))

	// Notify all registered callbacks
	char.notifySubscribers(buf)
}

// SimulateNotification provides a proxy method for testing/simulation capabilities.
// This method calls ProcessCharacteristicNotification internally.
func (c *BLEConnection) SimulateNotification(char *BLECharacteristic, data []byte) {
	c.ProcessCharacteristicNotification(char, data)
}

// validateSubscribeOptions validates service and characteristics existence and notification support
func (c *BLEConnection) validateSubscribeOptions(opts *device.SubscribeOptions, requireNotificationSupport bool) (map[string]*BLECharacteristic, error) {
	// Comprehensive validation - collect ALL issues before failing
	var missingServices []string
	var missingChars []string
	var unsupportedChars []string
	characteristicsToProcess := make(map[string]*BLECharacteristic)

	// Normalize UUIDs for consistent lookup (BLE library uses lowercase, no dashes)
	normalizedServiceUUID := device.NormalizeUUID(opts.Service)
	normalizedCharUUIDs := device.NormalizeUUIDs(opts.Characteristics)

	// Validate service exists using normalized UUID
	service, serviceExists := c.services.Get(normalizedServiceUUID)
	if !serviceExists {
		missingServices = append(missingServices, opts.Service)
	} else {
		// Service exists, now validate characteristics
		if len(opts.Characteristics) == 0 {
			// Validate all characteristics in service
			for pair := service.chars.Oldest(); pair != nil; pair = pair.Next() {
				charUUID, char := pair.Key, pair.Value
				if char.BLEChar == nil {
					missingChars = append(missingChars, fmt.Sprintf("%s (in service %s)", charUUID, opts.Service))
				} else if requireNotificationSupport && char.BLEChar.Property&ble.CharNotify == 0 && char.BLEChar.Property&ble.CharIndicate == 0 {
					unsupportedChars = append(unsupportedChars, fmt.Sprintf("%s (in service %s)", charUUID, opts.Service))
				} else {
					characteristicsToProcess[charUUID] = char
				}
			}
		} else {
			// Validate specific requested characteristics using normalized UUIDs
			for i, charUUID := range opts.Characteristics {
				normalizedCharUUID := normalizedCharUUIDs[i]
				char, charExists := service.chars.Get(normalizedCharUUID)
				if !charExists {
					missingChars = append(missingChars, fmt.Sprintf("%s (in service %s)", charUUID, opts.Service))
				} else if char.BLEChar == nil {
					missingChars = append(missingChars, fmt.Sprintf("%s (in service %s)", charUUID, opts.Service))
				} else if requireNotificationSupport && char.BLEChar.Property&ble.CharNotify == 0 && char.BLEChar.Property&ble.CharIndicate == 0 {
					unsupportedChars = append(unsupportedChars, fmt.Sprintf("%s (in service %s)", charUUID, opts.Service))
				} else {
					characteristicsToProcess[normalizedCharUUID] = char
				}
			}
		}
	}

	// Report comprehensive validation results
	if len(missingServices) > 0 || len(missingChars) > 0 || len(unsupportedChars) > 0 {
		var errorParts []string

		if len(missingServices) > 0 {
			errorParts = append(errorParts, fmt.Sprintf("missing services: %s", strings.Join(missingServices, ", ")))
		}
		if len(missingChars) > 0 {
			errorParts = append(errorParts, fmt.Sprintf("missing characteristics: %s", strings.Join(missingChars, ", ")))
		}
		if len(unsupportedChars) > 0 {
			errorParts = append(errorParts, fmt.Sprintf("characteristics without notification support: %s", strings.Join(unsupportedChars, ", ")))
		}

		// Wrap with device.ErrUnsupported when there are characteristics without notification support
		if len(unsupportedChars) > 0 {
			return nil, fmt.Errorf("validation failed - %s: %w", strings.Join(errorParts, "; "), device.ErrUnsupported)
		}
		return nil, fmt.Errorf("validation failed - %s", strings.Join(errorParts, "; "))
	}

	return characteristicsToProcess, nil
}

// Subscribe enables transport-level notification delivery for the
// characteristics named by opts. Delivered values are routed through
// ProcessCharacteristicNotification to the per-characteristic update
// channel and registered callbacks.
func (c *BLEConnection) Subscribe(opts *device.SubscribeOptions) error {
	// Acquire lock, validate, copy characteristics, then release lock before network calls
	c.connMutex.RLock()

	// Check if connected
	if !c.isConnectedInternal() {
		c.connMutex.RUnlock()
		return device.ErrNotConnected
	}

	// Validate subscription options and get characteristics
	characteristicsToSubscribe, err := c.validateSubscribeOptions(opts, true)
	if err != nil {
		c.connMutex.RUnlock()
		return fmt.Errorf("subscription validation failed: %w", err)
	}

	// If no characteristics support notifications after validation
	if len(characteristicsToSubscribe) == 0 {
		c.connMutex.RUnlock()
		return fmt.Errorf("no characteristics available for subscription in service %s", opts.Service)
	}

	// Copy characteristics and get client reference
	characteristicsCopy := make(map[string]*BLECharacteristic)
	for k, v := range characteristicsToSubscribe {
		characteristicsCopy[k] = v
	}
	client := c.client
	c.connMutex.RUnlock()

	// All validation passed - proceed with subscriptions outside the lock
	var subscriptionErrors []string
	for charUUID, char := range characteristicsCopy {
		// create a local variable to capture the current char
		charCapture := char
		// Use indications only when the characteristic does not support notifications
		indicate := char.BLEChar.Property&ble.CharNotify == 0 && char.BLEChar.Property&ble.CharIndicate != 0
		err := device.NormalizeError(client.Subscribe(char.BLEChar, indicate, func(data []byte) {
			c.ProcessCharacteristicNotification(charCapture, data)
		}))

		if err != nil {
			subscriptionErrors = append(subscriptionErrors, fmt.Sprintf("%s: %v", charUUID, err))
			if c.logger != nil {
				c.logger.WithFields(logrus.Fields{
					"serviceUUID": opts.Service,
					"charUUID":    charUUID,
					"error":       err,
				}).Error("Failed to subscribe to characteristic notifications")
			}
		} else {
			if c.logger != nil {
				c.logger.WithFields(logrus.Fields{
					"serviceUUID": opts.Service,
					"charUUID":    charUUID,
					"indicate":    indicate,
				}).Info("Successfully subscribed to characteristic notifications")
			}
		}
	}

	// Return error if any subscriptions failed
	if len(subscriptionErrors) > 0 {
		return fmt.Errorf("subscription failures - %s", strings.Join(subscriptionErrors, "; "))
	}

	return nil
}

// Unsubscribe disables transport-level notification delivery for the
// characteristics named by opts. A nil opts unsubscribes everything and
// drains the per-characteristic update channels.
func (c *BLEConnection) Unsubscribe(opts *device.SubscribeOptions) error {
	if opts == nil {
		// Snapshot client and services for operations outside the lock
		c.connMutex.Lock()
		client := c.client
		servicesCopy := make([]*BLEService, 0, c.services.Len())
		for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
			servicesCopy = append(servicesCopy, pair.Value)
		}
		c.connMutex.Unlock()

		// Unsubscribe from remote BLE notifications
		unsubscribeErrors := c.unsubscribeAllCharacteristics(client, servicesCopy)

		// Drain per-characteristic update channels and release BLEValue objects
		for _, service := range servicesCopy {
			for pair := service.chars.Oldest(); pair != nil; pair = pair.Next() {
				drainAndReleaseChannel(pair.Value.updates)
			}
		}

		if len(unsubscribeErrors) > 0 {
			return fmt.Errorf("unsubscribe failures - %s", strings.Join(unsubscribeErrors, "; "))
		}

		if c.logger != nil {
			c.logger.Info("Successfully unsubscribed from all characteristic notifications")
		}
		return nil
	}

	// Acquire lock, validate, copy characteristics, then release lock before network calls
	c.connMutex.RLock()

	// Validate specific subscription options (don't require notification support for unsubscribe)
	characteristicsToUnsubscribe, err := c.validateSubscribeOptions(opts, false)
	if err != nil {
		c.connMutex.RUnlock()
		return fmt.Errorf("unsubscribe validation failed: %w", err)
	}

	// If no characteristics found after validation
	if len(characteristicsToUnsubscribe) == 0 {
		c.connMutex.RUnlock()
		return fmt.Errorf("no characteristics available for unsubscribe in service %s", opts.Service)
	}

	// Copy characteristics and get client reference
	characteristicsCopy := make(map[string]*BLECharacteristic)
	for k, v := range characteristicsToUnsubscribe {
		characteristicsCopy[k] = v
	}
	client := c.client
	c.connMutex.RUnlock()

	// All validation passed - proceed with unsubscriptions outside the lock
	var unsubscribeErrors []string
	for charUUID, char := range characteristicsCopy {
		if err := c.tryUnsubscribe(client, char, opts.Service, charUUID); err != nil {
			unsubscribeErrors = append(unsubscribeErrors, err.Error())
		}
	}

	// Return error if any unsubscriptions failed
	if len(unsubscribeErrors) > 0 {
		return fmt.Errorf("unsubscribe failures - %s", strings.Join(unsubscribeErrors, "; "))
	}

	return nil
}

// tryUnsubscribe attempts to unsubscribe from a characteristic using both notify and indicate modes.
// Returns error only if both modes fail. Logs success/failure appropriately.
func (c *BLEConnection) tryUnsubscribe(client ble.Client, char *BLECharacteristic, serviceUUID, charUUID string) error {
	if char.BLEChar == nil {
		return nil
	}

	err1 := device.NormalizeError(client.Unsubscribe(char.BLEChar, false)) // notify
	err2 := device.NormalizeError(client.Unsubscribe(char.BLEChar, true))  // indicate

	// Only return error if both notify and indicate failed
	if err1 != nil && err2 != nil {
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{
				"serviceUUID": serviceUUID,
				"charUUID":    charUUID,
				"notifyErr":   err1,
				"indicateErr": err2,
			}).Error("Failed to unsubscribe from characteristic notifications")
		}
		return fmt.Errorf("%s: notify=%v, indicate=%v", charUUID, err1, err2)
	}

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"serviceUUID": serviceUUID,
			"charUUID":    charUUID,
		}).Debug("Unsubscribed from characteristic notifications")
	}
	return nil
}

// unsubscribeAllCharacteristics unsubscribes from all characteristics in the given services.
// Returns a list of error messages for failed unsubscriptions.
// Should be called without holding locks.
func (c *BLEConnection) unsubscribeAllCharacteristics(client ble.Client, services []*BLEService) []string {
	var unsubscribeErrors []string

	if client == nil {
		return unsubscribeErrors
	}

	for _, service := range services {
		for pair := service.chars.Oldest(); pair != nil; pair = pair.Next() {
			if err := c.tryUnsubscribe(client, pair.Value, service.uuid, pair.Key); err != nil {
				unsubscribeErrors = append(unsubscribeErrors, fmt.Sprintf("%s (in service %s): %v", pair.Key, service.uuid, err))
			}
		}
	}

	return unsubscribeErrors
}

// writeCharacteristic writes data to a live characteristic, chunked to
// DefaultBLEWriteChunkSize with DefaultBLEWriteDelay between chunks. Writes
// are serialized by the write mutex. Callers must not hold connMutex.
func (c *BLEConnection) writeCharacteristic(char *BLECharacteristic, data []byte, noRsp bool) error {
	c.connMutex.RLock()
	if !c.isConnectedInternal() {
		c.connMutex.RUnlock()
		return device.ErrNotConnected
	}
	if char.BLEChar == nil {
		c.connMutex.RUnlock()
		return fmt.Errorf("characteristic %s not initialized", char.uuid)
	}
	client := c.client
	c.connMutex.RUnlock()

	// Acquire write mutex to serialize writes
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	// Write data in chunks
	for len(data) > 0 {
		n := len(data)
		if n > DefaultBLEWriteChunkSize {
			n = DefaultBLEWriteChunkSize
		}
		if err := client.WriteCharacteristic(char.BLEChar, data[:n], noRsp); err != nil {
			return fmt.Errorf("failed to write to characteristic %s in service %s: %w", char.uuid, char.serviceUUID, device.NormalizeError(err))
		}
		data = data[n:]
		if len(data) > 0 {
			time.Sleep(DefaultBLEWriteDelay)
		}
	}
	return nil
}
