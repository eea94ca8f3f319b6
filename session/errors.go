package session

import "errors"

// Sentinel errors reported by the session manager. Callers match them with
// errors.Is; asynchronous paths wrap them with the transport cause.
var (
	// ErrConnectionTimeout reports a watchdog expiry while a connect or
	// reconnect attempt was still in flight.
	ErrConnectionTimeout = errors.New("connection attempt timed out")

	// ErrConnectionDropped reports an unrequested disconnect with the retry
	// budget exhausted.
	ErrConnectionDropped = errors.New("connection dropped")

	// ErrNoWritableEndpoint reports a peer exposing no characteristic that
	// accepts writes.
	ErrNoWritableEndpoint = errors.New("no writable endpoint")

	// ErrNoNotifiableEndpoint reports a peer exposing no characteristic that
	// supports notify or indicate.
	ErrNoNotifiableEndpoint = errors.New("no notifiable endpoint")

	// ErrRequestTimeout reports that no matching value arrived within the
	// request deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrEncodingFailure reports a command that could not be converted to
	// transport bytes.
	ErrEncodingFailure = errors.New("command encoding failed")

	// ErrRequestPending reports that another request/response exchange is
	// already outstanding on this session.
	ErrRequestPending = errors.New("request already pending")
)
