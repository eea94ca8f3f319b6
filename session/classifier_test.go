package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R1ick/BLEHelper/internal/device"
)

// propsLessChar reports no property information at all, as the transport
// does for characteristics whose discovery was skipped.
type propsLessChar struct {
	*fakeCharacteristic
}

func (c propsLessChar) GetProperties() device.Properties { return nil }

// charListService is a Service over an arbitrary characteristic mix.
type charListService struct {
	uuid  string
	chars []device.Characteristic
}

func (s charListService) UUID() string      { return s.uuid }
func (s charListService) KnownName() string { return "" }

func (s charListService) GetCharacteristics() []device.Characteristic { return s.chars }

func newChar(uuid, service string, props fakeProps) *fakeCharacteristic {
	return &fakeCharacteristic{uuid: uuid, service: service, props: props}
}

func endpointUUIDs(endpoints []*Endpoint) []string {
	uuids := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		uuids = append(uuids, ep.UUID)
	}
	return uuids
}

func TestEndpointPartition(t *testing.T) {
	services := []device.Service{
		charListService{uuid: "aa00", chars: []device.Characteristic{
			newChar("0001", "aa00", fakeProps{read: true}),
			newChar("0002", "aa00", fakeProps{write: true}),
			newChar("0003", "aa00", fakeProps{writeNR: true}),
			newChar("0004", "aa00", fakeProps{notify: true}),
			newChar("0005", "aa00", fakeProps{indicate: true}),
			newChar("0006", "aa00", fakeProps{write: true, notify: true}),
		}},
	}

	writable := endpointUUIDs(WritableEndpoints(services))
	assert.Equal(t, []string{"0002", "0003", "0006"}, writable,
		"Write and write-without-response MUST both classify as writable, read-only MUST NOT")

	notifiable := endpointUUIDs(NotifiableEndpoints(services))
	assert.Equal(t, []string{"0004", "0005", "0006"}, notifiable,
		"Notify and indicate MUST both classify as notifiable")
}

func TestEndpointPartitionDualRole(t *testing.T) {
	services := []device.Service{
		charListService{uuid: "aa00", chars: []device.Characteristic{
			newChar("0001", "aa00", fakeProps{write: true, indicate: true}),
		}},
	}

	assert.Len(t, WritableEndpoints(services), 1,
		"A dual-role characteristic MUST appear among the writable endpoints")
	assert.Len(t, NotifiableEndpoints(services), 1,
		"A dual-role characteristic MUST appear among the notifiable endpoints")
}

func TestFirstEndpointFollowsDiscoveryOrder(t *testing.T) {
	services := []device.Service{
		charListService{uuid: "aa00", chars: []device.Characteristic{
			newChar("0001", "aa00", fakeProps{read: true}),
			newChar("0002", "aa00", fakeProps{notify: true}),
		}},
		charListService{uuid: "bb00", chars: []device.Characteristic{
			newChar("0003", "bb00", fakeProps{write: true}),
			newChar("0004", "bb00", fakeProps{notify: true}),
		}},
	}

	ep, ok := FirstWritable(services)
	require.True(t, ok, "FirstWritable MUST find the writable characteristic")
	assert.Equal(t, "0003", ep.UUID, "FirstWritable MUST pick the first match in discovery order")
	assert.Equal(t, "bb00", ep.Service, "The endpoint MUST carry its owning service")
	require.NotNil(t, ep.Characteristic)

	ep, ok = FirstNotifiable(services)
	require.True(t, ok, "FirstNotifiable MUST find the notifiable characteristic")
	assert.Equal(t, "0002", ep.UUID, "FirstNotifiable MUST prefer the earlier service")
}

func TestEndpointClassifierEdgeCases(t *testing.T) {
	t.Run("NoServices", func(t *testing.T) {
		assert.Empty(t, WritableEndpoints(nil), "No services MUST yield no writable endpoints")
		_, ok := FirstNotifiable(nil)
		assert.False(t, ok, "FirstNotifiable MUST report absence without services")
	})

	t.Run("NoMatchingCharacteristics", func(t *testing.T) {
		services := []device.Service{
			charListService{uuid: "aa00", chars: []device.Characteristic{
				newChar("0001", "aa00", fakeProps{read: true}),
			}},
		}
		assert.Empty(t, WritableEndpoints(services))
		assert.Empty(t, NotifiableEndpoints(services))
		_, ok := FirstWritable(services)
		assert.False(t, ok, "FirstWritable MUST report absence when nothing accepts writes")
	})

	t.Run("NilProperties", func(t *testing.T) {
		services := []device.Service{
			charListService{uuid: "aa00", chars: []device.Characteristic{
				propsLessChar{newChar("0001", "aa00", fakeProps{})},
				newChar("0002", "aa00", fakeProps{write: true, notify: true}),
			}},
		}
		assert.Equal(t, []string{"0002"}, endpointUUIDs(WritableEndpoints(services)),
			"A characteristic without property data MUST be skipped, not crash the classifier")
		ep, ok := FirstNotifiable(services)
		require.True(t, ok)
		assert.Equal(t, "0002", ep.UUID)
	})
}
