package goble

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/R1ick/BLEHelper/internal/device"
)

// ----------------------------
// BLE Service
// ----------------------------

// BLEService represents a GATT service and its characteristics.
// Characteristics are kept in discovery order so that "first" is stable
// across calls for the same connection.
type BLEService struct {
	uuid      string
	knownName string
	chars     *orderedmap.OrderedMap[string, *BLECharacteristic]
}

func (s *BLEService) UUID() string {
	return s.uuid
}

func (s *BLEService) KnownName() string {
	return s.knownName
}

// GetCharacteristics returns the characteristics in discovery order.
func (s *BLEService) GetCharacteristics() []device.Characteristic {
	result := make([]device.Characteristic, 0, s.chars.Len())
	for pair := s.chars.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}
