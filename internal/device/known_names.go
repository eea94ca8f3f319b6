package device

// Curated name tables for the Bluetooth SIG assigned numbers this tool meets
// in practice. Keys are normalized UUIDs (see NormalizeUUID); lookups accept
// any input form.

var knownServices = map[string]string{
	"1800": "Generic Access",
	"1801": "Generic Attribute",
	"180a": "Device Information",
	"180d": "Heart Rate",
	"180f": "Battery Service",
	"1810": "Blood Pressure",
	"1812": "Human Interface Device",
	"1816": "Cycling Speed and Cadence",
	"1818": "Cycling Power",
	"1819": "Location and Navigation",
	"181a": "Environmental Sensing",
	"181c": "User Data",
	"181d": "Weight Scale",
	"fe59": "Nordic Secure DFU",
	// Nordic UART Service and its data characteristics share a vendor base
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

var knownCharacteristics = map[string]string{
	"2a00": "Device Name",
	"2a01": "Appearance",
	"2a04": "Peripheral Preferred Connection Parameters",
	"2a05": "Service Changed",
	"2a19": "Battery Level",
	"2a23": "System ID",
	"2a24": "Model Number String",
	"2a25": "Serial Number String",
	"2a26": "Firmware Revision String",
	"2a27": "Hardware Revision String",
	"2a28": "Software Revision String",
	"2a29": "Manufacturer Name String",
	"2a37": "Heart Rate Measurement",
	"2a38": "Body Sensor Location",
	"2a6e": "Temperature",
	"2a6f": "Humidity",
	"6e400002b5a3f393e0a9e50e24dcca9e": "UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "UART TX",
}

var knownDescriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Description",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
	"2906": "Valid Range",
}

// LookupServiceName returns the human-readable name for a well-known service
// UUID, or "" when unknown. Accepts any UUID form.
func LookupServiceName(uuid string) string {
	return knownServices[NormalizeUUID(uuid)]
}

// LookupCharacteristicName returns the human-readable name for a well-known
// characteristic UUID, or "" when unknown.
func LookupCharacteristicName(uuid string) string {
	return knownCharacteristics[NormalizeUUID(uuid)]
}

// LookupDescriptorName returns the human-readable name for a well-known
// descriptor UUID, or "" when unknown.
func LookupDescriptorName(uuid string) string {
	return knownDescriptors[NormalizeUUID(uuid)]
}
