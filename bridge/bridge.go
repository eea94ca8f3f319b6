package bridge

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/R1ick/BLEHelper/internal/device"
	"github.com/R1ick/BLEHelper/internal/groutine"
	"github.com/R1ick/BLEHelper/internal/ptyio"
	"github.com/R1ick/BLEHelper/session"
)

// Nordic UART Service layout, the de facto serial-over-BLE convention.
// RX is written by the host; TX notifies the host.
const (
	DefaultBridgeService  = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultWriteEndpoint  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultNotifyEndpoint = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

const (
	// DefaultPtyStdoutBufferSize is the default size, in bytes, of the ring
	// buffer holding peer output queued for the PTY.
	DefaultPtyStdoutBufferSize = 1000

	// DefaultPtyStdinBufferSize is the default size, in bytes, of the ring
	// buffer holding TTY input queued for the peer.
	DefaultPtyStdinBufferSize = 1000

	// pumpQueueDepth is the chunk backlog each pump direction tolerates
	// before dropping.
	pumpQueueDepth = 64
)

// Bridge represents a running session-PTY bridge with access to both ends
type Bridge interface {
	GetSession() *session.Manager // Session driving the peer side (never nil)
	GetTTYName() string           // TTY device path for display and handoff
	GetTTYSymlink() string        // Symlink path (empty if not created)
	GetPTY() ptyio.PTY            // PTY I/O interface (never nil)
	GetWriteEndpoint() string     // Characteristic TTY input is written to
	GetNotifyEndpoint() string    // Characteristic streamed back into the TTY
	Done() <-chan struct{}        // Closed once the pumps have stopped
	Err() error                   // First pump or session failure; nil after a clean stop
}

// BridgeOptions contains all the configuration for running a bridge
type BridgeOptions struct {
	Address             string         // Peer device address
	ConnectTimeout      time.Duration  // Bounds each connect attempt (0 = 30s)
	ServiceUUID         string         // Service to bridge (default Nordic UART)
	WriteEndpoint       string         // Write characteristic override
	NotifyEndpoint      string         // Notify characteristic override
	Logger              *logrus.Logger // Logger instance
	PtyStdinBufferSize  int            // TTY input ring buffer size in bytes (0 = use default)
	PtyStdoutBufferSize int            // Peer output ring buffer size in bytes (0 = use default)
	TTYSymlinkPath      string         // Optional tty symlink path for PTY slave (e.g., /tmp/ble-device)
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// BridgeCallback is executed with the running bridge (mirrors InspectCallback)
type BridgeCallback[R any] func(Bridge) (R, error)

// bridgeImpl implements the Bridge interface
type bridgeImpl struct {
	mgr            *session.Manager
	pty            ptyio.PTY
	ttySymlinkPath string // TTY symlink (empty if not created)
	writeEndpoint  string
	notifyEndpoint string

	done  chan struct{}
	errMu sync.Mutex
	// runErr is set exactly once, before done is closed.
	runErr error
}

func (b *bridgeImpl) GetSession() *session.Manager {
	return b.mgr
}

func (b *bridgeImpl) GetTTYName() string {
	if b.pty != nil {
		return b.pty.TTYName()
	}
	return ""
}

func (b *bridgeImpl) GetTTYSymlink() string {
	return b.ttySymlinkPath
}

func (b *bridgeImpl) GetPTY() ptyio.PTY {
	return b.pty
}

func (b *bridgeImpl) GetWriteEndpoint() string {
	return b.writeEndpoint
}

func (b *bridgeImpl) GetNotifyEndpoint() string {
	return b.notifyEndpoint
}

func (b *bridgeImpl) Done() <-chan struct{} {
	return b.done
}

func (b *bridgeImpl) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.runErr
}

func (b *bridgeImpl) finish(err error) {
	b.errMu.Lock()
	b.runErr = err
	b.errMu.Unlock()
	close(b.done)
}

// pumpTTYToSession forwards chunks typed into the TTY to the peer's write
// endpoint. Writes during a reconnect window are declined by the session and
// dropped, the serial equivalent of an unplugged cable.
func (b *bridgeImpl) pumpTTYToSession(ctx context.Context, in <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-in:
			b.mgr.SendBytes(data, b.writeEndpoint)
		}
	}
}

// pumpSessionToTTY forwards notification payloads from the peer's notify
// endpoint into the PTY. Payloads from other endpoints stay off the TTY.
func (b *bridgeImpl) pumpSessionToTTY(ctx context.Context, values <-chan valueUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-values:
			if v.endpoint != b.notifyEndpoint {
				continue
			}
			if _, err := b.pty.Write(v.data); err != nil {
				return fmt.Errorf("pty write failed: %w", err)
			}
		}
	}
}

// watchSession stops the pumps when the session reaches a terminal state: a
// requested disconnect stops the bridge cleanly, a drop that exhausted the
// retry budget surfaces as the bridge error.
func (b *bridgeImpl) watchSession(ctx context.Context, down <-chan error, stop context.CancelFunc) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-down:
		stop()
		return err
	}
}

// valueUpdate carries one notification payload from the observer to the PTY
// pump.
type valueUpdate struct {
	endpoint string
	data     []byte
}

// bridgeObserver adapts session events to the bridge: the first terminal
// transition resolves the connect wait, later terminal transitions feed the
// session watcher, and notification payloads queue for the PTY pump.
// Observer methods run on session goroutines and must not block, so every
// channel send is non-blocking.
type bridgeObserver struct {
	session.BaseObserver

	logger      *logrus.Logger
	connectOnce sync.Once
	connected   chan error       // buffered 1, first terminal connect outcome
	down        chan error       // buffered 1, terminal transitions after connect
	values      chan valueUpdate // notification payloads for the PTY pump
}

func (o *bridgeObserver) SessionStateChanged(oldPhase, newPhase session.Phase, err error) {
	switch newPhase {
	case session.PhaseConnected:
		o.connectOnce.Do(func() { o.connected <- nil })
	case session.PhaseIdle:
		o.connectOnce.Do(func() {
			if err != nil {
				o.connected <- err
			} else {
				o.connected <- device.ErrNotConnected
			}
		})
		select {
		case o.down <- err:
		default:
		}
	}
}

func (o *bridgeObserver) ValueUpdated(endpoint string, value []byte, err error) {
	if err != nil {
		o.logger.WithField("endpoint", endpoint).WithError(err).Debug("Dropping errored value update")
		return
	}
	// The transport may reuse the payload buffer once this returns.
	data := append([]byte(nil), value...)
	select {
	case o.values <- valueUpdate{endpoint: endpoint, data: data}:
	default:
		o.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"bytes":    len(value),
		}).Debug("Peer output queue full, dropping chunk")
	}
}

// resolveEndpoints picks the characteristics to bridge. Explicit overrides
// win and must exist on the peer. Otherwise the requested service supplies
// its first writable and first notifiable characteristic; a peer without
// that service falls back to the profile-wide defaults.
func resolveEndpoints(services []device.Service, serviceUUID, writeOverride, notifyOverride string) (writeEndpoint, notifyEndpoint string, err error) {
	writeEndpoint, err = pickEndpoint(session.WritableEndpoints(services), serviceUUID, writeOverride, session.ErrNoWritableEndpoint)
	if err != nil {
		return "", "", err
	}
	notifyEndpoint, err = pickEndpoint(session.NotifiableEndpoints(services), serviceUUID, notifyOverride, session.ErrNoNotifiableEndpoint)
	if err != nil {
		return "", "", err
	}
	return writeEndpoint, notifyEndpoint, nil
}

// pickEndpoint selects from the classified candidates: an explicit override
// must be among them, otherwise the first candidate inside the requested
// service wins, otherwise the first candidate anywhere.
func pickEndpoint(candidates []*session.Endpoint, serviceUUID, override string, missing error) (string, error) {
	if override != "" {
		want := device.NormalizeUUID(override)
		for _, ep := range candidates {
			if ep.UUID == want {
				return ep.UUID, nil
			}
		}
		return "", fmt.Errorf("%w: %s", missing, override)
	}
	if len(candidates) == 0 {
		return "", missing
	}
	svc := device.NormalizeUUID(serviceUUID)
	for _, ep := range candidates {
		if ep.Service == svc {
			return ep.UUID, nil
		}
	}
	return candidates[0].UUID, nil
}

// RunSessionBridge connects a session to the peer at opts.Address, exposes it
// as a local PTY and executes the callback with the running bridge. TTY input
// pumps to the peer's write endpoint; peer notifications pump back into the
// TTY. The pumps stop when the callback returns, the context is canceled or
// the session drops for good. Follows the same shape as
// inspector.InspectDevice.
func RunSessionBridge[R any](
	ctx context.Context,
	opts *BridgeOptions,
	progressCallback ProgressCallback,
	callback BridgeCallback[R],
) (R, error) {
	var zero R

	// Validate options
	if opts == nil {
		return zero, fmt.Errorf("failed to execute bridge: options are required")
	}
	if opts.Address == "" {
		return zero, fmt.Errorf("failed to execute bridge: device address is required")
	}

	// Set defaults
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}
	serviceUUID := opts.ServiceUUID
	if serviceUUID == "" {
		serviceUUID = DefaultBridgeService
	}

	// Create context for cancellation
	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Setup cleanup on error
	var (
		mgr            *session.Manager
		ttySymlinkPath string
		pty            ptyio.PTY
	)

	defer func() {
		// Remove tty symlink before closing PTY (cleanup order matters)
		if ttySymlinkPath != "" {
			if err := os.Remove(ttySymlinkPath); err != nil {
				logger.WithError(err).WithField("ttySymlink", ttySymlinkPath).Warn("Failed to remove tty symlink")
			} else {
				logger.WithField("ttySymlink", ttySymlinkPath).Debug("Removed tty symlink")
			}
		}

		// Close the PTY (stops the poll loops and closes master/slave)
		if pty != nil {
			_ = pty.Close()
		}

		if mgr != nil {
			_ = mgr.Close()
		}
	}()

	// Report phase: Connecting
	progressCallback("Connecting")

	obs := &bridgeObserver{
		logger:    logger,
		connected: make(chan error, 1),
		down:      make(chan error, 1),
		values:    make(chan valueUpdate, pumpQueueDepth),
	}

	mgr = session.New(logger, &session.Options{
		RetryCount:     session.DefaultRetryCount,
		ConnectTimeout: connectTimeout,
	})
	mgr.SetObserver(obs)

	if err := mgr.Connect(bridgeCtx, opts.Address); err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to connect to device %s: %w", opts.Address, err)
	}

	// The outcome of the attempt arrives through the observer.
	select {
	case <-bridgeCtx.Done():
		progressCallback("Failed")
		return zero, bridgeCtx.Err()
	case err := <-obs.connected:
		if err != nil {
			progressCallback("Failed")
			return zero, fmt.Errorf("failed to connect to device %s: %w", opts.Address, err)
		}
	}

	// Report phase: Connected
	progressCallback("Connected")

	services, err := mgr.Services()
	if err != nil {
		return zero, err
	}
	writeEndpoint, notifyEndpoint, err := resolveEndpoints(services, serviceUUID, opts.WriteEndpoint, opts.NotifyEndpoint)
	if err != nil {
		return zero, err
	}
	logger.WithFields(logrus.Fields{
		"write":  writeEndpoint,
		"notify": notifyEndpoint,
	}).Info("Resolved bridge endpoints")

	if err := mgr.SetNotifying(true, notifyEndpoint); err != nil {
		return zero, fmt.Errorf("failed to subscribe to endpoint %s: %w", notifyEndpoint, err)
	}

	// Report phase: Setting up PTY
	progressCallback("Setting up PTY")

	outputBufferSize := opts.PtyStdoutBufferSize
	if outputBufferSize == 0 {
		outputBufferSize = DefaultPtyStdoutBufferSize
	}
	inputBufferSize := opts.PtyStdinBufferSize
	if inputBufferSize == 0 {
		inputBufferSize = DefaultPtyStdinBufferSize
	}

	pty, err = ptyio.NewPty(inputBufferSize, outputBufferSize, logger)
	if err != nil {
		return zero, err
	}

	logger.WithField("tty", pty.TTYName()).Info("Created PTY device")

	// Create symlink to PTY slave if requested
	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(pty.TTYName(), opts.TTYSymlinkPath); err != nil {
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, pty.TTYName(), err)
		}
		ttySymlinkPath = opts.TTYSymlinkPath
		logger.WithFields(logrus.Fields{
			"ttySymlink": ttySymlinkPath,
			"target":     pty.TTYName(),
		}).Info("Created PTY symlink")
	}

	b := &bridgeImpl{
		mgr:            mgr,
		pty:            pty,
		ttySymlinkPath: ttySymlinkPath,
		writeEndpoint:  writeEndpoint,
		notifyEndpoint: notifyEndpoint,
		done:           make(chan struct{}),
	}

	// TTY input goes through a queue so a slow transport write stalls
	// neither the PTY dispatcher nor later chunks.
	ptyIn := make(chan []byte, pumpQueueDepth)
	pty.SetReadCallback(func(data []byte) {
		// The dispatcher recycles the slice after the callback returns.
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case ptyIn <- buf:
		default:
			logger.WithField("bytes", len(data)).Debug("TTY input queue full, dropping chunk")
		}
	})

	pumps, pumpCtx := errgroup.WithContext(bridgeCtx)
	pumps.Go(func() error { return b.pumpTTYToSession(pumpCtx, ptyIn) })
	pumps.Go(func() error { return b.pumpSessionToTTY(pumpCtx, obs.values) })
	pumps.Go(func() error { return b.watchSession(pumpCtx, obs.down, cancel) })

	groutine.Go(bridgeCtx, "bridge-pumps", func(context.Context) {
		b.finish(pumps.Wait())
	})

	// Report phase: Running
	progressCallback("Running")

	// Execute callback with the bridge
	result, err := callback(b)

	cancel()
	<-b.done

	if err != nil {
		return result, err
	}
	if bridgeErr := b.Err(); bridgeErr != nil {
		return result, bridgeErr
	}
	return result, nil
}
