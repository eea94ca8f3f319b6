package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/R1ick/BLEHelper/internal/device"
	"github.com/R1ick/BLEHelper/session"
)

// cmdObserver resolves the asynchronous connect outcome for a command and
// optionally forwards value updates. Observer methods run on session
// goroutines and must not block.
type cmdObserver struct {
	session.BaseObserver

	connectOnce sync.Once
	connected   chan error // buffered 1, first terminal connect outcome
	down        chan error // buffered 1, terminal transitions after connect

	// onValue, when set, receives every notification payload. The payload
	// is copied; the transport may reuse the buffer.
	onValue func(endpoint string, value []byte)

	// onAck, when set, receives the outcome of every dispatched write.
	onAck func(endpoint string, err error)
}

func newCmdObserver(onValue func(endpoint string, value []byte)) *cmdObserver {
	return &cmdObserver{
		connected: make(chan error, 1),
		down:      make(chan error, 1),
		onValue:   onValue,
	}
}

func (o *cmdObserver) SessionStateChanged(oldPhase, newPhase session.Phase, err error) {
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

func (o *cmdObserver) WriteAcknowledged(endpoint string, err error) {
	if o.onAck != nil {
		o.onAck(endpoint, err)
	}
}

func (o *cmdObserver) ValueUpdated(endpoint string, value []byte, err error) {
	if o.onValue == nil || err != nil {
		return
	}
	o.onValue(endpoint, append([]byte(nil), value...))
}

// withSession connects a session to address, waits for the asynchronous
// outcome and runs fn against the connected manager. The session is closed
// when fn returns. obs must be a freshly created cmdObserver; its down
// channel lets fn react to a terminal drop.
func withSession(
	ctx context.Context,
	address string,
	connectTimeout time.Duration,
	retryCount int,
	logger *logrus.Logger,
	obs *cmdObserver,
	fn func(mgr *session.Manager) error,
) error {
	mgr := session.New(logger, &session.Options{
		RetryCount:     retryCount,
		ConnectTimeout: connectTimeout,
	})
	mgr.SetObserver(obs)
	defer func() { _ = mgr.Close() }()

	if err := mgr.Connect(ctx, address); err != nil {
		return fmt.Errorf("failed to connect to device %s: %w", address, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-obs.connected:
		if err != nil {
			return fmt.Errorf("failed to connect to device %s: %w", address, err)
		}
	}

	return fn(mgr)
}
