package device_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blescope/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProperties(t *testing.T) {
	tests := []struct {
		name         string
		props        device.Properties
		canRead      bool
		canWrite     bool
		canSubscribe bool
		str          string
	}{
		{"none", 0, false, false, false, "None"},
		{"read notify", device.PropRead | device.PropNotify, true, false, true, "Read, Notify"},
		{"write without response only", device.PropWriteNR, false, true, false, "WriteWithoutResponse"},
		{"indicate only", device.PropIndicate, false, false, true, "Indicate"},
		{"read write notify", device.PropRead | device.PropWrite | device.PropNotify, true, true, true, "Read, Write, Notify"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.canRead, tt.props.CanRead(), "CanRead MUST match")
			assert.Equal(t, tt.canWrite, tt.props.CanWrite(), "CanWrite MUST match")
			assert.Equal(t, tt.canSubscribe, tt.props.CanSubscribe(), "CanSubscribe MUST match")
			assert.Equal(t, tt.str, tt.props.String())
		})
	}
}

func TestParseProperties(t *testing.T) {
	p, err := device.ParseProperties("read, Write,notify")
	require.NoError(t, err)
	assert.Equal(t, device.PropRead|device.PropWrite|device.PropNotify, p)

	p, err = device.ParseProperties("")
	require.NoError(t, err)
	assert.Equal(t, device.Properties(0), p)

	_, err = device.ParseProperties("read,teleport")
	assert.ErrorContains(t, err, "teleport")
}

func TestPropertiesJSON(t *testing.T) {
	b, err := (device.PropRead | device.PropIndicate).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `["Read","Indicate"]`, string(b))
}

func TestErrorMatching(t *testing.T) {
	t.Run("matches by kind", func(t *testing.T) {
		err := device.NewError(device.KindPermission, device.ReasonNotWritable, "write", "2a19")
		assert.ErrorIs(t, err, device.ErrPermission, "any permission error MUST match the kind sentinel")
		assert.ErrorIs(t, err, device.ErrNotWritable, "MUST match the reason sentinel")
		assert.NotErrorIs(t, err, device.ErrNotReadable, "MUST NOT match a different reason")
		assert.NotErrorIs(t, err, device.ErrState, "MUST NOT match a different kind")
	})

	t.Run("matches through wrapping", func(t *testing.T) {
		err := fmt.Errorf("shell: %w", device.NewError(device.KindBusy, "", "connect", "other target active"))
		assert.ErrorIs(t, err, device.ErrBusy)
		assert.Equal(t, device.KindBusy, device.KindOf(err))
	})

	t.Run("renders op kind reason and message", func(t *testing.T) {
		err := device.NewError(device.KindState, device.ReasonNotReady, "read", "connection is connecting")
		assert.Equal(t, "read: state_error (not_ready): connection is connecting", err.Error())
	})
}

func TestTransportFailure(t *testing.T) {
	assert.Nil(t, device.TransportFailure("connect", nil))

	err := device.TransportFailure("connect", context.DeadlineExceeded)
	assert.ErrorIs(t, err, device.ErrTimeout, "deadline MUST map to a timeout")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "original cause MUST be preserved")

	err = device.TransportFailure("read", errors.New("att: read not permitted"))
	assert.ErrorIs(t, err, device.ErrTransport)
	assert.NotErrorIs(t, err, device.ErrTimeout)

	err = device.TransportFailure("scan", device.ErrBluetoothOff)
	assert.ErrorIs(t, err, device.ErrBluetoothOff, "typed errors MUST keep their reason")
	assert.Contains(t, err.Error(), "scan:")
}

func TestFindCharacteristic(t *testing.T) {
	services := []device.Service{
		{UUID: "180f", Characteristics: []device.Characteristic{{UUID: "2a19", Service: "180f"}}},
		{UUID: "180d", Characteristics: []device.Characteristic{
			{UUID: "2a37", Service: "180d"},
			{UUID: "2a19", Service: "180d"},
		}},
	}

	ch, err := device.FindCharacteristic(services, device.NewCharacteristicRef("180D", "2A37"))
	require.NoError(t, err)
	assert.Equal(t, "2a37", ch.UUID)

	ch, err = device.FindCharacteristic(services, device.CharacteristicRef{UUID: "2a37"})
	require.NoError(t, err, "unique UUID MUST resolve without a service")
	assert.Equal(t, "180d", ch.Service)

	_, err = device.FindCharacteristic(services, device.CharacteristicRef{UUID: "2a19"})
	assert.ErrorIs(t, err, device.ErrState, "ambiguous UUID MUST be rejected")

	_, err = device.FindCharacteristic(services, device.NewCharacteristicRef("180f", "2a37"))
	var nf *device.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, `characteristic "2a37" not found in service "180f"`, err.Error())

	_, err = device.FindCharacteristic(services, device.NewCharacteristicRef("ffff", "2a37"))
	assert.Equal(t, `service "ffff" not found`, err.Error())
}

func TestCloneServicesIsDeep(t *testing.T) {
	orig := []device.Service{{UUID: "180f", Characteristics: []device.Characteristic{{UUID: "2a19", Value: []byte{0x64}}}}}
	cp := device.CloneServices(orig)
	cp[0].Characteristics[0].Value[0] = 0x00
	cp[0].Characteristics[0].UUID = "ffff"

	assert.Equal(t, byte(0x64), orig[0].Characteristics[0].Value[0], "value bytes MUST NOT be shared")
	assert.Equal(t, "2a19", orig[0].Characteristics[0].UUID)
	assert.Nil(t, device.CloneServices(nil))
}

func TestDeviceCloneAndDisplayName(t *testing.T) {
	tx := -4
	d := device.Device{ID: "AA:BB:CC:DD:EE:01", TxPower: &tx, Services: []string{"180f"}}
	assert.Equal(t, "AA:BB:CC:DD:EE:01", d.DisplayName())

	c := d.Clone()
	*c.TxPower = 8
	c.Services[0] = "ffff"
	assert.Equal(t, -4, *d.TxPower)
	assert.Equal(t, "180f", d.Services[0])

	d.Name = "Thermo"
	assert.Equal(t, "Thermo", d.DisplayName())
}

func TestParseManufacturerData(t *testing.T) {
	info, ok := device.ParseManufacturerData([]byte{0x4c, 0x00, 0x02, 0x15})
	require.True(t, ok)
	assert.Equal(t, uint16(0x004c), info.CompanyID)
	assert.Equal(t, "Apple, Inc.", info.CompanyName)
	assert.Equal(t, []byte{0x02, 0x15}, info.Payload)

	_, ok = device.ParseManufacturerData([]byte{0x4c})
	assert.False(t, ok)
}

func TestValidateUUID(t *testing.T) {
	got, err := device.ValidateUUID("180D", "6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	require.NoError(t, err)
	assert.Equal(t, []string{"180d", "6e400001b5a3f393e0a9e50e24dcca9e"}, got)

	_, err = device.ValidateUUID()
	assert.Error(t, err)
	_, err = device.ValidateUUID("180d", "")
	assert.ErrorContains(t, err, "index 1")
	_, err = device.ValidateUUID("18z0")
	assert.ErrorContains(t, err, "invalid UUID")
	_, err = device.ValidateUUID("180")
	assert.ErrorContains(t, err, "invalid UUID")
}

func TestNewRequestID(t *testing.T) {
	a, b := device.NewRequestID(), device.NewRequestID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a.Short(), 8)
}
