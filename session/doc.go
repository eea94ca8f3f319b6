// Package session implements a client-side BLE session manager: one
// connection lifecycle with a connect watchdog and bounded auto-reconnect, a
// fire-and-forget command dispatcher, a request/response correlator over
// characteristic notifications, and a single-observer event fan-out.
//
// A Manager is created idle, bound to a peer with Connect and released with
// Disconnect or Close. Connection outcomes are reported asynchronously
// through the registered Observer; blocking callers use SendAndWait.
package session
