package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R1ick/BLEHelper/internal/device"
)

// The fakes below implement the transport contract at the device package
// level so the state machine and correlator can be driven without radio
// hardware: connects can be held, failed or confirmed per attempt, drops
// injected with a chosen reason, and values pushed onto notify endpoints.

type fakeProp struct {
	name  string
	value int
}

func (p fakeProp) Value() int        { return p.value }
func (p fakeProp) KnownName() string { return p.name }

type fakeProps struct {
	read     bool
	write    bool
	writeNR  bool
	notify   bool
	indicate bool
}

func (p fakeProps) Broadcast() device.Property { return nil }

func (p fakeProps) Read() device.Property {
	if p.read {
		return fakeProp{"Read", 0x02}
	}
	return nil
}

func (p fakeProps) Write() device.Property {
	if p.write {
		return fakeProp{"Write", 0x08}
	}
	return nil
}

func (p fakeProps) WriteWithoutResponse() device.Property {
	if p.writeNR {
		return fakeProp{"WriteWithoutResponse", 0x04}
	}
	return nil
}

func (p fakeProps) Notify() device.Property {
	if p.notify {
		return fakeProp{"Notify", 0x10}
	}
	return nil
}

func (p fakeProps) Indicate() device.Property {
	if p.indicate {
		return fakeProp{"Indicate", 0x20}
	}
	return nil
}

func (p fakeProps) AuthenticatedSignedWrites() device.Property { return nil }
func (p fakeProps) ExtendedProperties() device.Property        { return nil }

type fakeCharacteristic struct {
	uuid    string
	service string
	props   fakeProps

	mu    sync.Mutex
	subs  []device.NotificationFunc
	value []byte
}

func (c *fakeCharacteristic) UUID() string                        { return c.uuid }
func (c *fakeCharacteristic) KnownName() string                   { return "" }
func (c *fakeCharacteristic) ServiceUUID() string                 { return c.service }
func (c *fakeCharacteristic) GetProperties() device.Properties    { return c.props }
func (c *fakeCharacteristic) GetDescriptors() []device.Descriptor { return nil }

func (c *fakeCharacteristic) Read(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == nil {
		return nil, fmt.Errorf("no value")
	}
	return append([]byte(nil), c.value...), nil
}

func (c *fakeCharacteristic) GetValue() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *fakeCharacteristic) Write(data []byte, withResponse bool, timeout time.Duration) error {
	return nil
}

func (c *fakeCharacteristic) OnNotification(fn device.NotificationFunc) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

func (c *fakeCharacteristic) deliver(data []byte) {
	c.mu.Lock()
	c.value = append([]byte(nil), data...)
	subs := append([]device.NotificationFunc(nil), c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(data)
	}
}

type fakeService struct {
	uuid  string
	chars []*fakeCharacteristic
}

func (s *fakeService) UUID() string      { return s.uuid }
func (s *fakeService) KnownName() string { return "" }

func (s *fakeService) GetCharacteristics() []device.Characteristic {
	chars := make([]device.Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		chars = append(chars, c)
	}
	return chars
}

type fakeConnection struct {
	mu           sync.Mutex
	services     []*fakeService
	subscribed   map[string]bool
	subscribes   int
	unsubscribes int
	closed       bool
	reason       error
	disconnected chan struct{}
}

func newFakeConnection(services []*fakeService) *fakeConnection {
	return &fakeConnection{
		services:     services,
		subscribed:   make(map[string]bool),
		disconnected: make(chan struct{}),
	}
}

func (c *fakeConnection) Services() []device.Service {
	svcs := make([]device.Service, 0, len(c.services))
	for _, s := range c.services {
		svcs = append(svcs, s)
	}
	return svcs
}

func (c *fakeConnection) GetService(uuid string) (device.Service, error) {
	for _, s := range c.services {
		if s.uuid == uuid {
			return s, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

func (c *fakeConnection) GetCharacteristic(service, uuid string) (device.Characteristic, error) {
	for _, s := range c.services {
		if s.uuid != service {
			continue
		}
		for _, char := range s.chars {
			if char.uuid == uuid {
				return char, nil
			}
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
}

func (c *fakeConnection) FindCharacteristic(uuid string) (device.Characteristic, error) {
	for _, s := range c.services {
		for _, char := range s.chars {
			if char.uuid == uuid {
				return char, nil
			}
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
}

func (c *fakeConnection) Subscribe(opts *device.SubscribeOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	for _, uuid := range opts.Characteristics {
		c.subscribed[uuid] = true
	}
	return nil
}

func (c *fakeConnection) Unsubscribe(opts *device.SubscribeOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes++
	if opts == nil {
		c.subscribed = make(map[string]bool)
		return nil
	}
	for _, uuid := range opts.Characteristics {
		delete(c.subscribed, uuid)
	}
	return nil
}

func (c *fakeConnection) isSubscribed(uuid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[uuid]
}

func (c *fakeConnection) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}

func (c *fakeConnection) unsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribes
}

func (c *fakeConnection) Disconnected() <-chan struct{} { return c.disconnected }

func (c *fakeConnection) DisconnectReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// close tears the connection down with the given reason; nil marks a clean
// closure, non-nil an unexpected drop.
func (c *fakeConnection) close(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	c.mu.Unlock()
	close(c.disconnected)
}

// fakePeripheral implements device.Device with scripted connect behavior.
type fakePeripheral struct {
	address string

	mu           sync.Mutex
	services     []*fakeService
	conn         *fakeConnection
	connected    bool
	connectCalls int
	connectErrs  []error       // consumed one per attempt; nil slice = always succeed
	connectHold  chan struct{} // when non-nil, Connect blocks until closed or ctx expires
	onWrite      func(uuid string, data []byte)
	writes       [][]byte
	writeTargets []string
}

func newFakePeripheral(address string, services []*fakeService) *fakePeripheral {
	return &fakePeripheral{address: address, services: services}
}

func (p *fakePeripheral) ID() string                     { return p.address }
func (p *fakePeripheral) Name() string                   { return "fake-peripheral" }
func (p *fakePeripheral) Address() string                { return p.address }
func (p *fakePeripheral) RSSI() int                      { return -50 }
func (p *fakePeripheral) TxPower() *int                  { return nil }
func (p *fakePeripheral) IsConnectable() bool            { return true }
func (p *fakePeripheral) AdvertisedServices() []string   { return nil }
func (p *fakePeripheral) ManufacturerData() []byte       { return nil }
func (p *fakePeripheral) ServiceData() map[string][]byte { return nil }

func (p *fakePeripheral) Connect(ctx context.Context, opts *device.ConnectOptions) error {
	p.mu.Lock()
	// Mirrors the transport adapter: dialing while a connection is live is
	// rejected. A drop clears the connected flag first.
	if p.connected {
		p.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	p.connectCalls++
	hold := p.connectHold
	var attemptErr error
	if len(p.connectErrs) > 0 {
		attemptErr = p.connectErrs[0]
		p.connectErrs = p.connectErrs[1:]
	}
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if attemptErr != nil {
		return attemptErr
	}

	p.mu.Lock()
	p.conn = newFakeConnection(p.services)
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	conn := p.conn
	p.connected = false
	p.mu.Unlock()
	if conn != nil {
		conn.close(nil)
	}
	return nil
}

func (p *fakePeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePeripheral) Update(adv device.Advertisement) {}

func (p *fakePeripheral) GetConnection() device.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn
}

func (p *fakePeripheral) WriteToCharacteristic(uuid string, data []byte) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return device.ErrNotConnected
	}
	if !p.hasCharacteristicLocked(uuid) {
		p.mu.Unlock()
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	p.writes = append(p.writes, append([]byte(nil), data...))
	p.writeTargets = append(p.writeTargets, uuid)
	onWrite := p.onWrite
	p.mu.Unlock()

	if onWrite != nil {
		go onWrite(uuid, data)
	}
	return nil
}

func (p *fakePeripheral) hasCharacteristicLocked(uuid string) bool {
	for _, svc := range p.services {
		for _, char := range svc.chars {
			if char.uuid == uuid {
				return true
			}
		}
	}
	return false
}

func (p *fakePeripheral) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

func (p *fakePeripheral) lastWrite() ([]byte, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.writes) == 0 {
		return nil, ""
	}
	return p.writes[len(p.writes)-1], p.writeTargets[len(p.writeTargets)-1]
}

func (p *fakePeripheral) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls
}

// failNextConnects scripts errors for the upcoming connect attempts.
func (p *fakePeripheral) failNextConnects(errs ...error) {
	p.mu.Lock()
	p.connectErrs = append(p.connectErrs, errs...)
	p.mu.Unlock()
}

// holdConnects makes Connect block until the returned release func runs.
func (p *fakePeripheral) holdConnects() (release func()) {
	hold := make(chan struct{})
	p.mu.Lock()
	p.connectHold = hold
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(hold) })
	}
}

// releaseHold clears the connect hold for future attempts.
func (p *fakePeripheral) releaseHold() {
	p.mu.Lock()
	p.connectHold = nil
	p.mu.Unlock()
}

// drop severs the live connection with reason.
func (p *fakePeripheral) drop(reason error) {
	p.mu.Lock()
	conn := p.conn
	p.connected = false
	p.mu.Unlock()
	if conn != nil {
		conn.close(reason)
	}
}

// pushValue delivers data on the endpoint as a transport notification.
// Delivery requires an active subscription, like the real transport.
func (p *fakePeripheral) pushValue(uuid string, data []byte) bool {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || !conn.isSubscribed(uuid) {
		return false
	}
	for _, svc := range p.services {
		for _, char := range svc.chars {
			if char.uuid == uuid {
				char.deliver(data)
				return true
			}
		}
	}
	return false
}

const (
	testServiceUUID = "aa00"
	testWriteChar   = "aa01"
	testNotifyChar  = "aa02"
	testPeerAddress = "AA:BB:CC:DD:EE:FF"
)

// uartStyleServices builds the usual one-writable, one-notifiable layout.
func uartStyleServices() []*fakeService {
	svc := &fakeService{uuid: testServiceUUID}
	svc.chars = []*fakeCharacteristic{
		{uuid: testWriteChar, service: testServiceUUID, props: fakeProps{write: true}},
		{uuid: testNotifyChar, service: testServiceUUID, props: fakeProps{notify: true, read: true}},
	}
	return []*fakeService{svc}
}

// echoOn makes the peripheral answer every command written to the write
// endpoint with reply on the notify endpoint.
func (p *fakePeripheral) echoOn(command, reply string) {
	p.mu.Lock()
	p.onWrite = func(uuid string, data []byte) {
		if string(data) == command {
			p.pushValue(testNotifyChar, []byte(reply))
		}
	}
	p.mu.Unlock()
}

// stateTransition records one SessionStateChanged event.
type stateTransition struct {
	from Phase
	to   Phase
	err  error
}

// recordingObserver captures every fan-out event for assertions.
type recordingObserver struct {
	BaseObserver

	mu          sync.Mutex
	transitions []stateTransition
	services    map[string][]string
	endpoints   map[string][]string
	writeAcks   []error
	values      [][]byte
	valueEPs    []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		services:  make(map[string][]string),
		endpoints: make(map[string][]string),
	}
}

func (o *recordingObserver) SessionStateChanged(oldPhase, newPhase Phase, err error) {
	o.mu.Lock()
	o.transitions = append(o.transitions, stateTransition{from: oldPhase, to: newPhase, err: err})
	o.mu.Unlock()
}

func (o *recordingObserver) ServicesDiscovered(peer string, services []string) {
	o.mu.Lock()
	o.services[peer] = append([]string(nil), services...)
	o.mu.Unlock()
}

func (o *recordingObserver) EndpointsDiscovered(peer string, service string, endpoints []string) {
	o.mu.Lock()
	o.endpoints[service] = append([]string(nil), endpoints...)
	o.mu.Unlock()
}

func (o *recordingObserver) WriteAcknowledged(endpoint string, err error) {
	o.mu.Lock()
	o.writeAcks = append(o.writeAcks, err)
	o.mu.Unlock()
}

func (o *recordingObserver) ValueUpdated(endpoint string, value []byte, err error) {
	o.mu.Lock()
	o.values = append(o.values, append([]byte(nil), value...))
	o.valueEPs = append(o.valueEPs, endpoint)
	o.mu.Unlock()
}

func (o *recordingObserver) transitionList() []stateTransition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]stateTransition(nil), o.transitions...)
}

func (o *recordingObserver) lastTransition() (stateTransition, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.transitions) == 0 {
		return stateTransition{}, false
	}
	return o.transitions[len(o.transitions)-1], true
}

func (o *recordingObserver) valueCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.values)
}

func (o *recordingObserver) valueAt(i int) (endpoint string, value []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.valueEPs[i], o.values[i]
}

func (o *recordingObserver) writeAckList() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.writeAcks...)
}

func (o *recordingObserver) discoveredServices(peer string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.services[peer]
}

func (o *recordingObserver) discoveredEndpoints(service string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpoints[service]
}
