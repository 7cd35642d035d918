// Package devicefactory creates the BLE transport used by the commands.
package devicefactory

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	goble "github.com/srg/blescope/internal/device/go-ble"
)

// TransportFactory creates the transport a session runs on.
// This is a variable so that it can be overridden in tests.
var TransportFactory = func(logger *logrus.Logger) (device.Transport, error) {
	return goble.NewTransport(logger), nil
}

// NewTransport creates a transport through TransportFactory.
func NewTransport(logger *logrus.Logger) (device.Transport, error) {
	return TransportFactory(logger)
}

// Close releases the transport's radio, when it holds one.
func Close(t device.Transport) error {
	if c, ok := t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
