package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/R1ick/BLEHelper/internal/device"
	goble "github.com/R1ick/BLEHelper/internal/device/go-ble"
	"github.com/R1ick/BLEHelper/internal/groutine"
	"github.com/R1ick/BLEHelper/scanner"
)

const (
	// DefaultRetryCount is the number of automatic reconnect attempts after
	// an unrequested drop.
	DefaultRetryCount = 3

	// DefaultConnectTimeout bounds each connect or reconnect attempt.
	DefaultConnectTimeout = 20 * time.Second
)

// PeripheralFactory creates the transport device a Manager connects through.
// Overridable for tests.
var PeripheralFactory = func(address string, logger *logrus.Logger) device.Device {
	return goble.NewBLEDevice(address, logger)
}

// Options configures a session Manager.
type Options struct {
	// RetryCount is the number of automatic reconnect attempts after an
	// unrequested drop. Zero disables reconnects.
	RetryCount int `default:"3"`

	// ConnectTimeout bounds each connect or reconnect attempt.
	ConnectTimeout time.Duration `default:"20s"`
}

// Manager owns one BLE session: the connection state machine, the retry
// budget, the outstanding request and the notification bookkeeping, all
// guarded by a single mutex. Transport callbacks and timer callbacks funnel
// through it, so a timer firing concurrently with a transport event cannot
// race.
type Manager struct {
	logger *logrus.Logger
	opts   Options

	mu            sync.Mutex
	phase         Phase
	budget        int
	watchdogGen   uint64
	watchdogTimer *time.Timer
	connEpoch     uint64
	dev           device.Device
	peer          string
	dialCancel    context.CancelFunc
	pending       *pendingRequest
	hooked        map[string]bool
	userNotify    map[string]bool
	scanSeq       uint64
	scanCancel    context.CancelFunc
	closed        bool

	// The observer lives under its own lock so fan-out never holds the
	// session mutex and an observer may call back into the Manager.
	obsMu    sync.Mutex
	observer Observer
}

// New creates an idle Manager. A nil opts selects the defaults; a nil
// logger gets a fresh logrus logger.
func New(logger *logrus.Logger, opts *Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}

	var resolved Options
	if opts == nil {
		defaults.SetDefaults(&resolved)
	} else {
		resolved = *opts
		if resolved.RetryCount < 0 {
			resolved.RetryCount = 0
		}
		if resolved.ConnectTimeout <= 0 {
			resolved.ConnectTimeout = DefaultConnectTimeout
		}
	}

	return &Manager{
		logger: logger,
		opts:   resolved,
		phase:  PhaseIdle,
	}
}

// Phase returns the current connection phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Peer returns the address the session is bound to, empty while idle.
func (m *Manager) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peer
}

// Services returns the connected peer's discovered service profile, for
// endpoint classification. Valid only while connected.
func (m *Manager) Services() ([]device.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseConnected || m.dev == nil {
		return nil, device.ErrNotConnected
	}
	return m.dev.GetConnection().Services(), nil
}

// SetObserver registers the single event observer. Passing nil clears it.
func (m *Manager) SetObserver(obs Observer) {
	m.obsMu.Lock()
	m.observer = obs
	m.obsMu.Unlock()
}

func (m *Manager) currentObserver() Observer {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	return m.observer
}

func (m *Manager) notifyStateChanged(oldPhase, newPhase Phase, cause error) {
	if obs := m.currentObserver(); obs != nil {
		obs.SessionStateChanged(oldPhase, newPhase, cause)
	}
}

// Connect binds the session to the peer at address and starts a connection
// attempt. Only the attempt itself is validated synchronously; the outcome
// arrives through SessionStateChanged. Valid only while idle.
func (m *Manager) Connect(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("session manager is closed")
	}
	if m.phase != PhaseIdle {
		phase := m.phase
		m.mu.Unlock()
		return fmt.Errorf("%w: session is %s", device.ErrAlreadyConnected, phase)
	}

	dev := PeripheralFactory(address, m.logger)
	m.dev = dev
	m.peer = address
	m.hooked = make(map[string]bool)
	m.userNotify = make(map[string]bool)
	m.phase = PhaseConnecting
	gen := m.armWatchdogLocked()

	dialCtx, cancel := context.WithCancel(ctx)
	m.dialCancel = cancel
	timeout := m.opts.ConnectTimeout
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"peer":    address,
		"timeout": timeout,
	}).Info("Connecting to peer")
	m.notifyStateChanged(PhaseIdle, PhaseConnecting, nil)

	groutine.Go(ctx, "session-connect", func(context.Context) {
		err := dev.Connect(dialCtx, &device.ConnectOptions{
			Address:        address,
			ConnectTimeout: timeout,
		})
		m.onDialResult(dev, gen, err)
	})

	return nil
}

// armWatchdogLocked starts the connect watchdog and returns its generation.
// Callers hold m.mu.
func (m *Manager) armWatchdogLocked() uint64 {
	m.watchdogGen++
	gen := m.watchdogGen
	if m.watchdogTimer != nil {
		m.watchdogTimer.Stop()
	}
	m.watchdogTimer = time.AfterFunc(m.opts.ConnectTimeout, func() {
		m.onWatchdog(gen)
	})
	return gen
}

// disarmWatchdogLocked stops the watchdog and invalidates its generation so
// a late fire is ignored. Callers hold m.mu.
func (m *Manager) disarmWatchdogLocked() {
	m.watchdogGen++
	if m.watchdogTimer != nil {
		m.watchdogTimer.Stop()
		m.watchdogTimer = nil
	}
}

// onWatchdog runs when the connect timer fires. Timers are not assumed
// punctual: generation and phase are re-checked under the mutex and a stale
// fire is a no-op.
func (m *Manager) onWatchdog(gen uint64) {
	m.mu.Lock()
	if m.watchdogGen != gen || (m.phase != PhaseConnecting && m.phase != PhaseReconnecting) {
		m.mu.Unlock()
		return
	}

	oldPhase := m.phase
	peer := m.peer
	timeout := m.opts.ConnectTimeout
	cancel := m.dialCancel
	m.watchdogTimer = nil
	m.watchdogGen++
	m.phase = PhaseIdle
	m.teardownConnLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.logger.WithFields(logrus.Fields{
		"peer":    peer,
		"timeout": timeout,
	}).Warn("Connection attempt timed out")
	m.notifyStateChanged(oldPhase, PhaseIdle, fmt.Errorf("%w after %s", ErrConnectionTimeout, timeout))
}

// teardownConnLocked releases all per-connection state. Callers hold m.mu.
func (m *Manager) teardownConnLocked() {
	m.connEpoch++
	m.dev = nil
	m.peer = ""
	m.hooked = nil
	m.userNotify = nil
	m.dialCancel = nil
}

// onDialResult handles the outcome of one transport dial, for both the
// initial connect and automatic reconnects.
func (m *Manager) onDialResult(dev device.Device, gen uint64, err error) {
	m.mu.Lock()
	if m.watchdogGen != gen || (m.phase != PhaseConnecting && m.phase != PhaseReconnecting) {
		// The machine moved on (watchdog fired or Disconnect ran) while the
		// dial was in flight.
		m.mu.Unlock()
		if err == nil {
			_ = dev.Disconnect()
		}
		return
	}

	m.disarmWatchdogLocked()
	m.dialCancel = nil

	if err != nil {
		m.handleConnectionFailureLocked(err)
		return
	}

	oldPhase := m.phase
	m.phase = PhaseConnected
	m.budget = m.opts.RetryCount
	m.connEpoch++
	epoch := m.connEpoch
	peer := m.peer
	conn := dev.GetConnection()
	restore := make([]string, 0, len(m.userNotify))
	for uuid, on := range m.userNotify {
		if on {
			restore = append(restore, uuid)
		}
	}
	m.mu.Unlock()

	m.logger.WithField("peer", peer).Info("Connected")

	groutine.Go(context.Background(), "session-monitor", func(context.Context) {
		<-conn.Disconnected()
		m.onPeerDisconnected(epoch, conn.DisconnectReason())
	})

	m.notifyStateChanged(oldPhase, PhaseConnected, nil)
	m.publishDiscovery(peer, conn)
	m.restoreSubscriptions(conn, restore)
}

// handleConnectionFailureLocked resolves a failed dial or an unexpected
// drop: either burn one retry and dial again, or give up and return to
// idle. Called with m.mu held; releases it.
func (m *Manager) handleConnectionFailureLocked(cause error) {
	oldPhase := m.phase
	peer := m.peer
	dev := m.dev

	if oldPhase == PhaseConnecting {
		// Initial connect failure. Retries apply only to drops of an
		// established connection.
		m.phase = PhaseIdle
		m.teardownConnLocked()
		m.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"peer":  peer,
			"cause": cause,
		}).Error("Connect failed")
		m.notifyStateChanged(oldPhase, PhaseIdle, cause)
		return
	}

	if m.budget >= 1 {
		// Check and decrement in the same critical section that flips the
		// phase, so concurrent failure reports cannot double-spend.
		m.budget--
		attempt := m.opts.RetryCount - m.budget
		remaining := m.budget
		m.phase = PhaseReconnecting
		gen := m.armWatchdogLocked()
		dialCtx, cancel := context.WithCancel(context.Background())
		m.dialCancel = cancel
		timeout := m.opts.ConnectTimeout
		m.mu.Unlock()

		m.logger.WithFields(logrus.Fields{
			"peer":      peer,
			"attempt":   attempt,
			"remaining": remaining,
			"cause":     cause,
		}).Warn("Connection lost, reconnecting")
		if oldPhase != PhaseReconnecting {
			m.notifyStateChanged(oldPhase, PhaseReconnecting, cause)
		}

		groutine.Go(context.Background(), "session-reconnect", func(context.Context) {
			err := dev.Connect(dialCtx, &device.ConnectOptions{
				Address:        peer,
				ConnectTimeout: timeout,
			})
			m.onDialResult(dev, gen, err)
		})
		return
	}

	m.phase = PhaseIdle
	m.teardownConnLocked()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"peer":  peer,
		"cause": cause,
	}).Error("Connection dropped, retries exhausted")
	m.notifyStateChanged(oldPhase, PhaseIdle, fmt.Errorf("%w: %v", ErrConnectionDropped, cause))
}

// onPeerDisconnected handles the transport's disconnect signal for the
// connection identified by epoch. A nil reason is a closure we requested or
// the peer ended cleanly; a non-nil reason is an unexpected drop.
func (m *Manager) onPeerDisconnected(epoch uint64, reason error) {
	m.mu.Lock()
	if m.connEpoch != epoch || m.phase != PhaseConnected {
		// A requested disconnect already ran its own teardown.
		m.mu.Unlock()
		return
	}

	resolve := m.takePendingLocked(device.ErrNotConnected)

	if reason == nil {
		oldPhase := m.phase
		peer := m.peer
		m.phase = PhaseIdle
		m.teardownConnLocked()
		m.mu.Unlock()

		if resolve != nil {
			resolve()
		}
		m.logger.WithField("peer", peer).Info("Peer disconnected")
		m.notifyStateChanged(oldPhase, PhaseIdle, nil)
		return
	}

	m.handleConnectionFailureLocked(reason)
	if resolve != nil {
		resolve()
	}
}

// takePendingLocked claims the outstanding request for resolution with
// cause, returning the delivery closure to run after m.mu is released, or
// nil when there is nothing to resolve.
func (m *Manager) takePendingLocked(cause error) func() {
	req := m.pending
	if req == nil {
		return nil
	}
	m.pending = nil
	if !req.resolved.CompareAndSwap(false, true) {
		return nil
	}
	if req.timer != nil {
		req.timer.Stop()
	}
	return func() {
		req.complete(Outcome{Err: cause})
	}
}

// publishDiscovery fans out the service and endpoint lists produced by
// profile discovery.
func (m *Manager) publishDiscovery(peer string, conn device.Connection) {
	obs := m.currentObserver()
	if obs == nil {
		return
	}

	svcs := conn.Services()
	uuids := make([]string, 0, len(svcs))
	for _, svc := range svcs {
		uuids = append(uuids, svc.UUID())
	}
	obs.ServicesDiscovered(peer, uuids)

	for _, svc := range svcs {
		chars := svc.GetCharacteristics()
		endpoints := make([]string, 0, len(chars))
		for _, char := range chars {
			endpoints = append(endpoints, char.UUID())
		}
		obs.EndpointsDiscovered(peer, svc.UUID(), endpoints)
	}
}

// restoreSubscriptions re-enables user notification toggles after a
// reconnect. Best effort: a lost endpoint is logged, not fatal.
func (m *Manager) restoreSubscriptions(conn device.Connection, endpoints []string) {
	for _, uuid := range endpoints {
		char, err := conn.FindCharacteristic(uuid)
		if err != nil {
			m.logger.WithError(err).WithField("endpoint", uuid).Warn("Notification endpoint lost across reconnect")
			continue
		}
		err = conn.Subscribe(&device.SubscribeOptions{
			Service:         char.ServiceUUID(),
			Characteristics: []string{char.UUID()},
		})
		if err != nil {
			m.logger.WithError(err).WithField("endpoint", uuid).Warn("Failed to restore notifications")
		}
	}
}

// Disconnect ends the session with the peer. An in-flight request resolves
// with a failure rather than waiting out its timeout. Valid from any
// non-idle phase.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.phase == PhaseIdle {
		m.mu.Unlock()
		return device.ErrNotConnected
	}

	oldPhase := m.phase
	peer := m.peer
	dev := m.dev
	cancel := m.dialCancel
	m.phase = PhaseDisconnecting
	m.disarmWatchdogLocked()
	resolve := m.takePendingLocked(device.ErrNotConnected)
	m.teardownConnLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if resolve != nil {
		resolve()
	}
	m.notifyStateChanged(oldPhase, PhaseDisconnecting, nil)

	var err error
	if dev != nil && dev.IsConnected() {
		err = dev.Disconnect()
	}

	m.mu.Lock()
	m.phase = PhaseIdle
	m.mu.Unlock()

	m.logger.WithField("peer", peer).Info("Disconnected")
	m.notifyStateChanged(PhaseDisconnecting, PhaseIdle, nil)
	return err
}

// Close releases the Manager: stops scanning, disconnects if needed and
// rejects further use.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	needsDisconnect := m.phase != PhaseIdle
	m.mu.Unlock()

	m.StopScan()

	if needsDisconnect {
		return m.Disconnect()
	}
	return nil
}

// SetNotifying toggles transport notifications on endpoint; an empty
// endpoint selects the first notifiable characteristic. Incoming values fan
// out through ValueUpdated.
func (m *Manager) SetNotifying(enabled bool, endpoint string) error {
	m.mu.Lock()
	if m.phase != PhaseConnected || m.dev == nil {
		m.mu.Unlock()
		return device.ErrNotConnected
	}
	conn := m.dev.GetConnection()

	var char device.Characteristic
	if endpoint == "" {
		ep, ok := FirstNotifiable(conn.Services())
		if !ok {
			m.mu.Unlock()
			return ErrNoNotifiableEndpoint
		}
		char = ep.Characteristic
	} else {
		var err error
		char, err = conn.FindCharacteristic(endpoint)
		if err != nil {
			m.mu.Unlock()
			return err
		}
	}

	uuid := char.UUID()
	opts := &device.SubscribeOptions{
		Service:         char.ServiceUUID(),
		Characteristics: []string{uuid},
	}

	if enabled {
		m.hookEndpointLocked(char)
		m.userNotify[uuid] = true
		m.mu.Unlock()

		if err := conn.Subscribe(opts); err != nil {
			m.mu.Lock()
			if m.userNotify != nil {
				delete(m.userNotify, uuid)
			}
			m.mu.Unlock()
			return err
		}
		return nil
	}

	delete(m.userNotify, uuid)
	if m.pending != nil && m.pending.endpoint == uuid {
		// The correlator still needs deliveries; with the user toggle off
		// it now owns the subscription and releases it on resolution.
		m.pending.ownsSub = true
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return conn.Unsubscribe(opts)
}

// hookEndpointLocked registers the session's value callback on char, once
// per connection. Callers hold m.mu.
func (m *Manager) hookEndpointLocked(char device.Characteristic) {
	uuid := char.UUID()
	if m.hooked[uuid] {
		return
	}
	m.hooked[uuid] = true
	char.OnNotification(func(data []byte) {
		m.handleValueUpdate(uuid, data)
	})
}

// StartScan begins peer discovery; results fan out through PeerDiscovered.
// The scan runs until StopScan, context cancellation or opts.Duration.
func (m *Manager) StartScan(ctx context.Context, opts *scanner.ScanOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("session manager is closed")
	}
	if m.scanCancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("scan already in progress")
	}

	sc, err := scanner.NewScanner(m.logger)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	var scanCtx context.Context
	var cancel context.CancelFunc
	if opts != nil && opts.Duration > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}
	m.scanCancel = cancel
	m.scanSeq++
	seq := m.scanSeq
	m.mu.Unlock()

	groutine.Go(scanCtx, "session-scan-events", func(ctx context.Context) {
		for {
			select {
			case ev := <-sc.Events():
				if ev.Advertisement == nil {
					continue
				}
				if obs := m.currentObserver(); obs != nil {
					obs.PeerDiscovered(ev.Advertisement, ev.Advertisement.RSSI())
				}
			case <-ctx.Done():
				return
			}
		}
	})

	groutine.Go(scanCtx, "session-scan", func(ctx context.Context) {
		if _, err := sc.Scan(ctx, opts, nil); err != nil {
			m.logger.WithError(err).Warn("Scan failed")
		}
		m.mu.Lock()
		if m.scanSeq == seq {
			m.scanCancel = nil
		}
		m.mu.Unlock()
		cancel()
	})

	return nil
}

// StopScan cancels an in-progress scan; a no-op when none is running.
func (m *Manager) StopScan() {
	m.mu.Lock()
	cancel := m.scanCancel
	m.scanCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
