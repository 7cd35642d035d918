package testutils

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blescope/internal/device"
)

// NewQuietLogger returns a logger that discards output.
func NewQuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// NewCapturingLogger returns a logger that discards output but records every
// entry at debug level and above in the returned hook.
func NewCapturingLogger() (*logrus.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// Logged reports whether hook saw an entry at level whose message is msg.
func Logged(hook *test.Hook, level logrus.Level, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Level == level && e.Message == msg {
			return true
		}
	}
	return false
}

// ServiceBuilder assembles a discovered service tree.
type ServiceBuilder struct {
	services []device.Service
}

// NewServiceBuilder starts an empty service tree.
func NewServiceBuilder() *ServiceBuilder {
	return &ServiceBuilder{}
}

// WithService appends a service; following WithCharacteristic calls add to it.
func (b *ServiceBuilder) WithService(uuid string) *ServiceBuilder {
	u := device.NormalizeUUID(uuid)
	b.services = append(b.services, device.Service{UUID: u, KnownName: device.KnownServiceName(u)})
	return b
}

// WithCharacteristic adds a characteristic with comma separated properties ("read,notify").
// It panics on an unknown property, as this is test setup.
func (b *ServiceBuilder) WithCharacteristic(uuid, properties string) *ServiceBuilder {
	if len(b.services) == 0 {
		panic("testutils: WithCharacteristic called before WithService")
	}
	props, err := device.ParseProperties(properties)
	if err != nil {
		panic(err)
	}
	svc := &b.services[len(b.services)-1]
	u := device.NormalizeUUID(uuid)
	svc.Characteristics = append(svc.Characteristics, device.Characteristic{
		UUID:       u,
		Service:    svc.UUID,
		KnownName:  device.KnownCharacteristicName(u),
		Properties: props,
	})
	return b
}

// Build returns the assembled services.
func (b *ServiceBuilder) Build() []device.Service {
	return device.CloneServices(b.services)
}
