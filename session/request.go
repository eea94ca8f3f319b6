package session

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/R1ick/BLEHelper/internal/device"
)

// Outcome is the terminal result of one request/response exchange.
type Outcome struct {
	// Value is the raw characteristic value that satisfied the request,
	// nil for failure outcomes.
	Value []byte

	// Err is nil on success.
	Err error
}

// pendingRequest tracks one outstanding request/response exchange.
type pendingRequest struct {
	id       uuid.UUID
	expected []byte
	endpoint string // notify endpoint UUID
	service  string
	complete func(Outcome)

	// resolved guards terminal delivery: the first of matching value, timer
	// expiry and disconnect wins; the losers become no-ops.
	resolved atomic.Bool
	timer    *time.Timer

	// lastSeen suppresses consecutive duplicate values for this request.
	lastSeen []byte
	hasSeen  bool

	// ownsSub marks that the correlator activated the transport
	// subscription and must release it on resolution.
	ownsSub bool
}

// matches applies the response policy: exact match or containment. A nil
// expectation never matches.
func (r *pendingRequest) matches(value []byte) bool {
	if r.expected == nil {
		return false
	}
	return bytes.Equal(value, r.expected) || bytes.Contains(value, r.expected)
}

// SendAndWaitFunc dispatches command and arranges for complete to be invoked
// exactly once with the outcome: the first value on the notify endpoint that
// equals or contains expected, ErrRequestTimeout when none arrives in time,
// or the disconnect failure. A nil expected never matches, which turns the
// exchange into a fire-and-forget with a completion signal. complete runs
// synchronously on validation failures and on the transport callback
// goroutine otherwise.
func (m *Manager) SendAndWaitFunc(command string, expected []byte, timeout time.Duration, complete func(Outcome)) {
	if complete == nil {
		complete = func(Outcome) {}
	}
	m.startRequest(command, expected, timeout, complete)
}

// SendAndWait is the blocking form of SendAndWaitFunc. It parks the calling
// goroutine until the exchange resolves or ctx is cancelled; cancellation
// tears the pending request down like a disconnect would.
func (m *Manager) SendAndWait(ctx context.Context, command string, expected []byte, timeout time.Duration) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	outcomes := make(chan Outcome, 1)
	req := m.startRequest(command, expected, timeout, func(out Outcome) {
		outcomes <- out
	})

	select {
	case out := <-outcomes:
		return out.Value, out.Err
	case <-ctx.Done():
		if req == nil {
			// Validation failed; the outcome is already buffered.
			out := <-outcomes
			return out.Value, out.Err
		}
		m.cancelRequest(req, ctx.Err())
		out := <-outcomes
		return out.Value, out.Err
	}
}

// startRequest validates, registers and dispatches one exchange. It returns
// the pending request, or nil when the request failed fast (complete has
// already been invoked).
func (m *Manager) startRequest(command string, expected []byte, timeout time.Duration, complete func(Outcome)) *pendingRequest {
	if !utf8.ValidString(command) {
		complete(Outcome{Err: ErrEncodingFailure})
		return nil
	}

	m.mu.Lock()
	if m.phase != PhaseConnected || m.dev == nil {
		m.mu.Unlock()
		complete(Outcome{Err: device.ErrNotConnected})
		return nil
	}
	if m.pending != nil {
		m.mu.Unlock()
		complete(Outcome{Err: ErrRequestPending})
		return nil
	}

	dev := m.dev
	conn := dev.GetConnection()
	services := conn.Services()

	notifyEp, ok := FirstNotifiable(services)
	if !ok {
		m.mu.Unlock()
		complete(Outcome{Err: ErrNoNotifiableEndpoint})
		return nil
	}
	writeEp, ok := FirstWritable(services)
	if !ok {
		m.mu.Unlock()
		complete(Outcome{Err: ErrNoWritableEndpoint})
		return nil
	}

	req := &pendingRequest{
		id:       uuid.New(),
		expected: expected,
		endpoint: notifyEp.UUID,
		service:  notifyEp.Service,
		complete: complete,
		ownsSub:  !m.userNotify[notifyEp.UUID],
	}
	m.hookEndpointLocked(notifyEp.Characteristic)
	m.pending = req
	m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{
		"request":  req.id,
		"endpoint": req.endpoint,
	})

	// Activate delivery before dispatching so an immediate reply cannot
	// slip past the correlator.
	if req.ownsSub {
		if err := conn.Subscribe(&device.SubscribeOptions{
			Service:         req.service,
			Characteristics: []string{req.endpoint},
		}); err != nil {
			m.mu.Lock()
			if m.pending == req {
				m.pending = nil
			}
			m.mu.Unlock()

			log.WithError(err).Warn("Request subscription failed")
			if req.resolved.CompareAndSwap(false, true) {
				complete(Outcome{Err: err})
			}
			return nil
		}
	}

	// Dispatch fire-and-forget; from here on the timer, not the write
	// outcome, governs failure.
	writeErr := dev.WriteToCharacteristic(writeEp.UUID, []byte(command))
	if writeErr != nil {
		log.WithError(writeErr).Warn("Request write failed")
	}
	if obs := m.currentObserver(); obs != nil {
		obs.WriteAcknowledged(writeEp.UUID, writeErr)
	}

	m.mu.Lock()
	if m.pending == req && !req.resolved.Load() {
		req.timer = time.AfterFunc(timeout, func() {
			m.onRequestTimeout(req)
		})
	}
	m.mu.Unlock()

	log.WithField("timeout", timeout).Debug("Request dispatched")
	return req
}

// onRequestTimeout fires on the request timer. A stale fire, racing with a
// match or a disconnect, loses the CAS and becomes a no-op.
func (m *Manager) onRequestTimeout(req *pendingRequest) {
	m.mu.Lock()
	if m.pending != req || !req.resolved.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	teardown := m.releaseSubscriptionLocked(req)
	m.mu.Unlock()

	teardown()
	m.logger.WithFields(logrus.Fields{
		"request":  req.id,
		"endpoint": req.endpoint,
	}).Warn("Request timed out")
	req.complete(Outcome{Err: ErrRequestTimeout})
}

// cancelRequest abandons req with cause; a no-op if it already resolved.
func (m *Manager) cancelRequest(req *pendingRequest, cause error) {
	m.mu.Lock()
	if m.pending != req || !req.resolved.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	if req.timer != nil {
		req.timer.Stop()
	}
	teardown := m.releaseSubscriptionLocked(req)
	m.mu.Unlock()

	teardown()
	req.complete(Outcome{Err: cause})
}

// releaseSubscriptionLocked returns a closure restoring the endpoint's
// notification state after resolution. Callers hold m.mu and run the
// closure after releasing it.
func (m *Manager) releaseSubscriptionLocked(req *pendingRequest) func() {
	if !req.ownsSub || m.userNotify[req.endpoint] || m.phase != PhaseConnected || m.dev == nil {
		return func() {}
	}
	conn := m.dev.GetConnection()
	opts := &device.SubscribeOptions{
		Service:         req.service,
		Characteristics: []string{req.endpoint},
	}
	logger := m.logger
	endpoint := req.endpoint
	return func() {
		if err := conn.Unsubscribe(opts); err != nil {
			logger.WithError(err).WithField("endpoint", endpoint).Debug("Failed to release request subscription")
		}
	}
}

// handleValueUpdate runs on the transport callback goroutine for every
// value delivered on a hooked endpoint. It feeds the correlator, then fans
// the value out verbatim.
func (m *Manager) handleValueUpdate(endpoint string, data []byte) {
	var (
		winner   *pendingRequest
		teardown func()
	)

	m.mu.Lock()
	req := m.pending
	if req != nil && req.endpoint == endpoint {
		duplicate := req.hasSeen && bytes.Equal(req.lastSeen, data)
		if !duplicate {
			req.hasSeen = true
			req.lastSeen = append(req.lastSeen[:0], data...)
			if req.matches(data) && req.resolved.CompareAndSwap(false, true) {
				m.pending = nil
				if req.timer != nil {
					req.timer.Stop()
				}
				teardown = m.releaseSubscriptionLocked(req)
				winner = req
			}
		}
	}
	m.mu.Unlock()

	if obs := m.currentObserver(); obs != nil {
		obs.ValueUpdated(endpoint, data, nil)
	}

	if winner != nil {
		teardown()
		m.logger.WithFields(logrus.Fields{
			"request":  winner.id,
			"endpoint": endpoint,
			"bytes":    len(data),
		}).Debug("Request resolved")
		winner.complete(Outcome{Value: append([]byte(nil), data...)})
	}
}
