// Package device defines the transport contract the session layer is built
// on: devices, connections, GATT services, characteristics and descriptors,
// plus the error taxonomy shared by every implementation.
//
// The contract covers:
//   - Scanning and advertisement metadata
//   - Connection lifecycle (connect, disconnect, drop detection)
//   - Service and characteristic discovery with property flags
//   - Characteristic read/write and notification delivery
//   - UUID normalization and well-known name lookup
//
// The go-ble backed implementation lives in the go-ble subpackage.
package device
