package testutils

import (
	"encoding/json"
	"time"

	"github.com/R1ick/BLEHelper/internal/device"
)

// DeviceJSON mirrors the canonical device JSON shape emitted by the transport
// layer's MarshalJSON. Byte blobs are integer arrays, not base64.
type DeviceJSON struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Address          string           `json:"address"`
	RSSI             int              `json:"rssi"`
	TxPower          *int             `json:"txPower,omitempty"`
	Connectable      bool             `json:"connectable"`
	LastSeen         time.Time        `json:"lastSeen"`
	Services         []string         `json:"services"`
	ManufacturerData []int            `json:"manufacturerData,omitempty"`
	ServiceData      map[string][]int `json:"serviceData,omitempty"`
}

// DeviceToJSON converts any DeviceInfo to its JSON string form using only the
// public accessors. Assertions get an actual-side serialization that is built
// independently of the device's own MarshalJSON.
func DeviceToJSON(d device.DeviceInfo) string {
	out := DeviceJSON{
		ID:          d.ID(),
		Name:        d.Name(),
		Address:     d.Address(),
		RSSI:        d.RSSI(),
		TxPower:     d.TxPower(),
		Connectable: d.IsConnectable(),
		Services:    d.AdvertisedServices(),
	}
	if out.Services == nil {
		out.Services = []string{}
	}
	// LastSeen is not part of the DeviceInfo contract; pick it up when the
	// implementation tracks it.
	if ls, ok := d.(interface{ LastSeen() time.Time }); ok {
		out.LastSeen = ls.LastSeen()
	}
	if data := d.ManufacturerData(); len(data) > 0 {
		ints := make([]int, len(data))
		for i, b := range data {
			ints[i] = int(b)
		}
		out.ManufacturerData = ints
	}
	if svcData := d.ServiceData(); len(svcData) > 0 {
		out.ServiceData = make(map[string][]int, len(svcData))
		for uuid, data := range svcData {
			ints := make([]int, len(data))
			for i, b := range data {
				ints[i] = int(b)
			}
			out.ServiceData[uuid] = ints
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		panic(err)
	}
	return string(b)
}
