// Package device holds the domain model shared by every blescope component:
// discovered devices, the GATT service tree, characteristic properties, the
// error taxonomy and the capability interfaces of the Bluetooth transport.
//
// Values in this package carry no behaviour tied to a particular Bluetooth
// stack; the go-ble backed transport lives in the goble subpackage.
package device
