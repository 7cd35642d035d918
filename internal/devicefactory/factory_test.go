package devicefactory

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	goble "github.com/srg/blescope/internal/device/go-ble"
	"github.com/srg/blescope/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFactoryCreatesGoBLETransport(t *testing.T) {
	tr, err := NewTransport(testutils.NewQuietLogger())
	require.NoError(t, err)
	assert.IsType(t, &goble.Transport{}, tr)
	assert.NoError(t, Close(tr), "closing a transport that never touched the radio MUST succeed")
}

func TestFactoryCanBeOverridden(t *testing.T) {
	original := TransportFactory
	defer func() { TransportFactory = original }()

	fake := testutils.NewFakeTransport()
	TransportFactory = func(*logrus.Logger) (device.Transport, error) { return fake, nil }

	tr, err := NewTransport(nil)
	require.NoError(t, err)
	assert.Same(t, fake, tr)
	assert.NoError(t, Close(tr), "transports without Close MUST be accepted")
}
