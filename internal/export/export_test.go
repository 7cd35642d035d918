package export_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/export"
	"github.com/srg/blescope/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDevices() []device.Device {
	tx := -4
	return []device.Device{
		{ID: "AA:BB:CC:DD:EE:01", Name: "Thermo", TxPower: &tx, RSSI: -55, Services: []string{"180f"},
			LastSeen: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{ID: "AA:BB:CC:DD:EE:02", Name: "Label, with comma", RSSI: -70, ManufacturerData: []byte{0x4c, 0x00},
			LastSeen: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.Devices(&buf, sampleDevices(), export.FormatCSV))

	testutils.NewTextAsserter(t).Assert(buf.String(), `
identifier,name,tx_power,rssi
AA:BB:CC:DD:EE:01,Thermo,-4,-55
AA:BB:CC:DD:EE:02,"Label, with comma",,-70
`)
}

func TestWriteCSVEmptySnapshot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.WriteCSV(&buf, nil))
	assert.Equal(t, "identifier,name,tx_power,rssi\n", buf.String())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, export.Devices(&buf, sampleDevices(), export.FormatJSON))

	testutils.NewJSONAsserter(t).WithOptions(testutils.WithIgnoredFields("last_seen")).Assert(buf.String(), `[
		{"identifier": "AA:BB:CC:DD:EE:01", "name": "Thermo", "tx_power": -4, "rssi": -55, "connectable": false, "services": ["180f"]},
		{"identifier": "AA:BB:CC:DD:EE:02", "name": "Label, with comma", "tx_power": null, "rssi": -70, "connectable": false,
		 "services": [], "manufacturer_data": "4c00"}
	]`)
}

func TestParseFormat(t *testing.T) {
	f, err := export.ParseFormat(" CSV ")
	require.NoError(t, err)
	assert.Equal(t, export.FormatCSV, f)

	_, err = export.ParseFormat("xml")
	assert.ErrorContains(t, err, "xml")

	var buf bytes.Buffer
	assert.Error(t, export.Devices(&buf, nil, export.Format("xml")))
}
