package session

import "github.com/R1ick/BLEHelper/internal/device"

// Endpoint identifies one characteristic on the connected peer.
type Endpoint struct {
	Service        string
	UUID           string
	Characteristic device.Characteristic
}

// WritableEndpoints returns every characteristic accepting writes, with or
// without response, in discovery order.
func WritableEndpoints(services []device.Service) []*Endpoint {
	return filterEndpoints(services, isWritable)
}

// NotifiableEndpoints returns every characteristic supporting notify or
// indicate, in discovery order.
func NotifiableEndpoints(services []device.Service) []*Endpoint {
	return filterEndpoints(services, isNotifiable)
}

// FirstWritable returns the default write target: the first writable
// characteristic in discovery order.
func FirstWritable(services []device.Service) (*Endpoint, bool) {
	return firstEndpoint(services, isWritable)
}

// FirstNotifiable returns the default notification source: the first
// notifiable characteristic in discovery order.
func FirstNotifiable(services []device.Service) (*Endpoint, bool) {
	return firstEndpoint(services, isNotifiable)
}

func isWritable(props device.Properties) bool {
	if props == nil {
		return false
	}
	return props.Write() != nil || props.WriteWithoutResponse() != nil
}

func isNotifiable(props device.Properties) bool {
	if props == nil {
		return false
	}
	return props.Notify() != nil || props.Indicate() != nil
}

func filterEndpoints(services []device.Service, match func(device.Properties) bool) []*Endpoint {
	var endpoints []*Endpoint
	for _, svc := range services {
		for _, char := range svc.GetCharacteristics() {
			if match(char.GetProperties()) {
				endpoints = append(endpoints, &Endpoint{
					Service:        svc.UUID(),
					UUID:           char.UUID(),
					Characteristic: char,
				})
			}
		}
	}
	return endpoints
}

func firstEndpoint(services []device.Service, match func(device.Properties) bool) (*Endpoint, bool) {
	for _, svc := range services {
		for _, char := range svc.GetCharacteristics() {
			if match(char.GetProperties()) {
				return &Endpoint{
					Service:        svc.UUID(),
					UUID:           char.UUID(),
					Characteristic: char,
				}, true
			}
		}
	}
	return nil, false
}
