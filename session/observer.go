package session

import "github.com/R1ick/BLEHelper/internal/device"

// Observer receives session lifecycle and data events. Every method is
// invoked synchronously on the goroutine that produced the event, so
// implementations must return promptly and must not block.
//
// Embed BaseObserver to implement only the events of interest.
type Observer interface {
	// SessionStateChanged reports a phase transition. err is non-nil when
	// the transition was caused by a failure: a connect watchdog expiry, a
	// transport error, or exhausted reconnect attempts.
	SessionStateChanged(oldPhase, newPhase Phase, err error)

	// PeerDiscovered reports one scan result with its signal strength.
	PeerDiscovered(adv device.Advertisement, rssi int)

	// ServicesDiscovered reports the service UUIDs found on the peer.
	ServicesDiscovered(peer string, services []string)

	// EndpointsDiscovered reports the characteristic UUIDs of one service.
	// Invoked once per discovered service.
	EndpointsDiscovered(peer string, service string, endpoints []string)

	// WriteAcknowledged reports the outcome of a dispatched write.
	WriteAcknowledged(endpoint string, err error)

	// ValueUpdated reports a characteristic value delivered by the transport.
	ValueUpdated(endpoint string, value []byte, err error)
}

// BaseObserver is a no-op Observer for embedding.
type BaseObserver struct{}

func (BaseObserver) SessionStateChanged(oldPhase, newPhase Phase, err error)             {}
func (BaseObserver) PeerDiscovered(adv device.Advertisement, rssi int)                   {}
func (BaseObserver) ServicesDiscovered(peer string, services []string)                   {}
func (BaseObserver) EndpointsDiscovered(peer string, service string, endpoints []string) {}
func (BaseObserver) WriteAcknowledged(endpoint string, err error)                        {}
func (BaseObserver) ValueUpdated(endpoint string, value []byte, err error)               {}
