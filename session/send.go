package session

import (
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/R1ick/BLEHelper/internal/device"
)

// Send dispatches a textual command fire-and-forget. target selects the
// destination characteristic UUID; empty picks the first writable endpoint.
// Failures are logged, never returned: use SendAndWait for confirmation.
func (m *Manager) Send(command string, target string) {
	if !utf8.ValidString(command) {
		m.logger.WithFields(logrus.Fields{
			"target": target,
			"reason": ErrEncodingFailure,
		}).Warn("Send declined")
		return
	}
	m.SendBytes([]byte(command), target)
}

// SendBytes dispatches a raw payload fire-and-forget, like Send.
func (m *Manager) SendBytes(payload []byte, target string) {
	dev, uuid, err := m.resolveWriteTarget(target)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"target": target,
			"reason": err,
		}).Warn("Send declined")
		return
	}

	err = dev.WriteToCharacteristic(uuid, payload)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"endpoint": uuid,
			"bytes":    len(payload),
		}).WithError(err).Warn("Write failed")
	} else {
		m.logger.WithFields(logrus.Fields{
			"endpoint": uuid,
			"bytes":    len(payload),
		}).Debug("Write dispatched")
	}

	if obs := m.currentObserver(); obs != nil {
		obs.WriteAcknowledged(uuid, err)
	}
}

// resolveWriteTarget maps a caller-supplied target onto a concrete
// characteristic UUID on the live connection.
func (m *Manager) resolveWriteTarget(target string) (device.Device, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != PhaseConnected || m.dev == nil {
		return nil, "", device.ErrNotConnected
	}
	if target != "" {
		return m.dev, device.NormalizeUUID(target), nil
	}
	ep, ok := FirstWritable(m.dev.GetConnection().Services())
	if !ok {
		return nil, "", ErrNoWritableEndpoint
	}
	return m.dev, ep.UUID, nil
}
