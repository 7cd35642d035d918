package bledb

var services = map[string]string{
	"1800":                             "Generic Access",
	"1801":                             "Generic Attribute",
	"1802":                             "Immediate Alert",
	"1803":                             "Link Loss",
	"1804":                             "Tx Power",
	"1805":                             "Current Time Service",
	"180a":                             "Device Information",
	"180d":                             "Heart Rate",
	"180f":                             "Battery Service",
	"1810":                             "Blood Pressure",
	"1812":                             "Human Interface Device",
	"1816":                             "Cycling Speed and Cadence",
	"1818":                             "Cycling Power",
	"181a":                             "Environmental Sensing",
	"181c":                             "User Data",
	"fe59":                             "Nordic DFU",
	"6e400001b5a3f393e0a9e50e24dcca9e": "Nordic UART Service",
}

var characteristics = map[string]string{
	"2a00":                             "Device Name",
	"2a01":                             "Appearance",
	"2a04":                             "Peripheral Preferred Connection Parameters",
	"2a05":                             "Service Changed",
	"2a06":                             "Alert Level",
	"2a07":                             "Tx Power Level",
	"2a19":                             "Battery Level",
	"2a23":                             "System ID",
	"2a24":                             "Model Number String",
	"2a25":                             "Serial Number String",
	"2a26":                             "Firmware Revision String",
	"2a27":                             "Hardware Revision String",
	"2a28":                             "Software Revision String",
	"2a29":                             "Manufacturer Name String",
	"2a37":                             "Heart Rate Measurement",
	"2a38":                             "Body Sensor Location",
	"2a39":                             "Heart Rate Control Point",
	"2a6e":                             "Temperature",
	"2a6f":                             "Humidity",
	"6e400002b5a3f393e0a9e50e24dcca9e": "Nordic UART RX",
	"6e400003b5a3f393e0a9e50e24dcca9e": "Nordic UART TX",
}

var descriptors = map[string]string{
	"2900": "Characteristic Extended Properties",
	"2901": "Characteristic User Descriptor",
	"2902": "Client Characteristic Configuration",
	"2903": "Server Characteristic Configuration",
	"2904": "Characteristic Presentation Format",
	"2905": "Characteristic Aggregate Format",
}

var companies = map[uint16]string{
	0x0000: "Ericsson Technology Licensing",
	0x0006: "Microsoft",
	0x000f: "Broadcom Corporation",
	0x004c: "Apple, Inc.",
	0x0059: "Nordic Semiconductor ASA",
	0x0075: "Samsung Electronics Co. Ltd.",
	0x00e0: "Google",
	0x0157: "Anhui Huami Information Technology Co., Ltd.",
	0x02e5: "Espressif Incorporated",
}
