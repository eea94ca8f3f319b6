package goble

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"

	"github.com/R1ick/BLEHelper/internal/device"
)

// ----------------------------
// Flags
// ----------------------------
const (
	FlagDropped uint32 = 1 << iota
	FlagMissing
)

// ----------------------------
// BLEValue with Pooling
// ----------------------------

const (
	// DefaultBLEValueCapacity is the default buffer capacity for pooled BLEValue objects
	DefaultBLEValueCapacity = 256

	// MaxPooledBufferSize is the maximum buffer size to keep in the pool.
	// Buffers larger than this are replaced with default-sized buffers to prevent
	// memory bloat in the pool.
	MaxPooledBufferSize = 1024

	// DefaultReadTimeout is the fallback timeout for characteristic read operations
	// when the caller passes a non-positive timeout.
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout is the fallback timeout for characteristic write operations
	// when the caller passes a non-positive timeout.
	DefaultWriteTimeout = 5 * time.Second
)

// BLEValue represents a BLE notification value.
// IMPORTANT: BLEValue objects are pooled and reused. The Data slice is only valid
// until the value is released back to the pool. Consumers MUST copy Data if they
// need to retain it beyond ReleaseValue.
type BLEValue struct {
	TsUs  int64
	Data  []byte
	Seq   uint64
	Flags uint32
}

var valuePool = sync.Pool{
	New: func() interface{} { return &BLEValue{Data: make([]byte, 0, DefaultBLEValueCapacity)} },
}

var globalBLESeq uint64

func newBLEValue(data []byte) *BLEValue {
	v := valuePool.Get().(*BLEValue)
	v.TsUs = time.Now().UnixMicro()
	v.Seq = atomic.AddUint64(&globalBLESeq, 1)
	v.Flags = 0
	if cap(v.Data) < len(data) {
		v.Data = make([]byte, len(data))
	}
	v.Data = v.Data[:len(data)]
	copy(v.Data, data)
	return v
}

func releaseBLEValue(v *BLEValue) {
	// Reset fields to zero to avoid keeping stale data
	v.TsUs = 0
	v.Seq = 0
	v.Flags = 0

	// Prevent keeping large buffers in the pool
	if cap(v.Data) > MaxPooledBufferSize {
		// Buffer too large, reallocate to default size
		v.Data = make([]byte, 0, DefaultBLEValueCapacity)
	} else {
		// Normal size, just reset length
		v.Data = v.Data[:0]
	}

	valuePool.Put(v)
}

// ReleaseValue returns a value obtained from Updates to the pool.
// The value and its Data slice must not be touched afterwards.
func ReleaseValue(v *BLEValue) {
	releaseBLEValue(v)
}

// drainAndReleaseChannel drains all pending BLEValue objects from a channel and releases them to the pool.
func drainAndReleaseChannel(ch chan *BLEValue) {
	for {
		select {
		case v := <-ch:
			if v == nil {
				return
			}
			releaseBLEValue(v)
		default:
			return
		}
	}
}

// ----------------------------
// BLECharacteristic
// ----------------------------

type BLECharacteristic struct {
	uuid        string
	knownName   string
	serviceUUID string
	properties  device.Properties
	descriptors []device.Descriptor
	value       []byte
	BLEChar     *ble.Characteristic
	connection  *BLEConnection // reference to parent connection for reads and writes

	updates chan *BLEValue
	closed  atomic.Bool
	mu      sync.RWMutex
	subs    []device.NotificationFunc
}

func NewCharacteristic(c *ble.Characteristic, serviceUUID string, buffer int, conn *BLEConnection, descriptors []device.Descriptor) *BLECharacteristic {
	rawUUID := c.UUID.String()
	uuid := device.NormalizeUUID(rawUUID)

	return &BLECharacteristic{
		uuid:        uuid, // store normalized
		knownName:   device.LookupCharacteristicName(rawUUID),
		serviceUUID: serviceUUID,
		BLEChar:     c,
		properties:  NewProperties(c.Property),
		updates:     make(chan *BLEValue, buffer),
		descriptors: descriptors,
		subs:        nil,
		connection:  conn,
	}
}

func (c *BLECharacteristic) EnqueueValue(v *BLEValue) {
	// Check if the channel is closed before attempting to send
	// This prevents panic from sending on a closed channel if BLE callbacks fire after shutdown
	if c.closed.Load() {
		releaseBLEValue(v)
		return
	}

	select {
	case c.updates <- v:
	default:
		// Channel full, drop the oldest
		old := <-c.updates
		old.Flags |= FlagDropped
		releaseBLEValue(old)
		// Recheck closed before second send (could have closed while we were dropping)
		if !c.closed.Load() {
			c.updates <- v
		} else {
			releaseBLEValue(v)
		}
	}
}

// OnNotification registers fn to be invoked for every notification delivered on
// this characteristic. fn runs on the transport callback goroutine and must not
// block. The data slice is shared with other registered callbacks and the
// cached value, so it must be treated as read-only.
//
// Registrations live until the connection is torn down.
func (c *BLECharacteristic) OnNotification(fn device.NotificationFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *BLECharacteristic) notifySubscribers(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, fn := range c.subs {
		fn(data)
	}
}

// Updates returns the buffered notification stream for this characteristic.
// Values must be returned to the pool with ReleaseValue after use. When the
// buffer overflows the oldest value is dropped and the dropped value is
// flagged with FlagDropped. The channel is closed on disconnect and replaced
// on reconnect.
func (c *BLECharacteristic) Updates() <-chan *BLEValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updates
}

func (c *BLECharacteristic) UUID() string {
	return c.uuid
}

func (c *BLECharacteristic) KnownName() string {
	return c.knownName
}

// ServiceUUID returns the normalized UUID of the service this characteristic belongs to.
func (c *BLECharacteristic) ServiceUUID() string {
	return c.serviceUUID
}

func (c *BLECharacteristic) GetProperties() device.Properties {
	return c.properties
}

func (c *BLECharacteristic) GetDescriptors() []device.Descriptor {
	return c.descriptors
}

// GetValue returns the last observed value of the characteristic, nil when
// none has been seen yet.
// IMPORTANT: The returned slice is READ-ONLY. Callers MUST NOT modify it.
func (c *BLECharacteristic) GetValue() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

func (c *BLECharacteristic) SetValue(value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
}

// Read reads the current value of the characteristic from the device.
// A non-positive timeout falls back to DefaultReadTimeout. The timeout
// prevents indefinite blocking if the device becomes unresponsive.
func (c *BLECharacteristic) Read(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	if c.connection == nil {
		return nil, fmt.Errorf("no connection available for reading characteristic %s", c.uuid)
	}

	if c.BLEChar == nil {
		return nil, fmt.Errorf("characteristic %s not initialized", c.uuid)
	}

	if c.BLEChar.Property&ble.CharRead == 0 {
		return nil, fmt.Errorf("characteristic %s does not support read operations: %w", c.uuid, device.ErrUnsupported)
	}

	// Snapshot the client under the connection mutex to prevent a race with disconnect
	c.connection.connMutex.RLock()
	if c.connection.client == nil {
		c.connection.connMutex.RUnlock()
		return nil, fmt.Errorf("characteristic %s: %w", c.uuid, device.ErrNotConnected)
	}
	client := c.connection.client
	c.connection.connMutex.RUnlock()

	// Perform read with timeout to prevent indefinite blocking
	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		data, err := client.ReadCharacteristic(c.BLEChar)
		resultCh <- readResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to read characteristic %s: %w", c.uuid, device.NormalizeError(result.err))
		}
		c.SetValue(result.data)
		return result.data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: reading characteristic %s after %v", device.ErrTimeout, c.uuid, timeout)
	}
}

// Write writes data to the characteristic. Large payloads are chunked by the
// connection write path. When the requested write mode is not supported but
// the other one is, the supported mode is used instead. A non-positive timeout
// falls back to DefaultWriteTimeout. On timeout the in-flight write keeps
// running in the background until the transport returns.
func (c *BLECharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}

	if c.connection == nil {
		return fmt.Errorf("no connection available for writing characteristic %s", c.uuid)
	}

	if c.BLEChar == nil {
		return fmt.Errorf("characteristic %s not initialized", c.uuid)
	}

	props := c.BLEChar.Property
	if props&(ble.CharWrite|ble.CharWriteNR) == 0 {
		return fmt.Errorf("characteristic %s does not support write operations: %w", c.uuid, device.ErrUnsupported)
	}

	noRsp := !withResponse
	if withResponse && props&ble.CharWrite == 0 {
		noRsp = true
	} else if !withResponse && props&ble.CharWriteNR == 0 {
		noRsp = false
	}

	c.connection.connMutex.RLock()
	if !c.connection.isConnectedInternal() {
		c.connection.connMutex.RUnlock()
		return fmt.Errorf("characteristic %s: %w", c.uuid, device.ErrNotConnected)
	}
	c.connection.connMutex.RUnlock()

	// Copy the payload: the write goroutine may outlive the caller on timeout
	buf := make([]byte, len(data))
	copy(buf, data)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.connection.writeCharacteristic(c, buf, noRsp)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("%w: writing characteristic %s after %v", device.ErrTimeout, c.uuid, timeout)
	}
}

// CloseUpdates safely closes the updates channel (once only, thread-safe)
func (c *BLECharacteristic) CloseUpdates() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.updates)
	}
}

// ResetUpdates recreates the update channel (for reconnection).
// MUST only be called after CloseUpdates() has been called.
// Returns an error if the channel is not closed.
func (c *BLECharacteristic) ResetUpdates(buffer int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Verify channel is closed before resetting
	if !c.closed.Load() {
		return fmt.Errorf("cannot reset updates channel: channel is still open")
	}

	c.updates = make(chan *BLEValue, buffer)
	c.closed.Store(false)
	return nil
}
