// Package export renders a device snapshot for files and pipes.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/srg/blescope/internal/device"
)

// Format selects the export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts "csv" or "json", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (expected csv or json)", s)
	}
}

// CSVHeader is the first row of every CSV export.
var CSVHeader = []string{"identifier", "name", "tx_power", "rssi"}

// Devices writes devices to w in the requested format.
func Devices(w io.Writer, devices []device.Device, format Format) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, devices)
	case FormatJSON:
		return WriteJSON(w, devices)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// WriteCSV writes one row per device; an unknown TX power is an empty field.
func WriteCSV(w io.Writer, devices []device.Device) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, d := range devices {
		tx := ""
		if d.TxPower != nil {
			tx = strconv.Itoa(*d.TxPower)
		}
		if err := cw.Write([]string{d.ID, d.Name, tx, strconv.Itoa(d.RSSI)}); err != nil {
			return fmt.Errorf("failed to write CSV row for %s: %w", d.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonDevice struct {
	Identifier       string    `json:"identifier"`
	Name             string    `json:"name"`
	TxPower          *int      `json:"tx_power"`
	RSSI             int       `json:"rssi"`
	Connectable      bool      `json:"connectable"`
	Services         []string  `json:"services"`
	ManufacturerData string    `json:"manufacturer_data,omitempty"`
	LastSeen         time.Time `json:"last_seen"`
}

// WriteJSON writes the devices as an indented JSON array.
func WriteJSON(w io.Writer, devices []device.Device) error {
	out := make([]jsonDevice, 0, len(devices))
	for _, d := range devices {
		jd := jsonDevice{
			Identifier:  d.ID,
			Name:        d.Name,
			TxPower:     d.TxPower,
			RSSI:        d.RSSI,
			Connectable: d.Connectable,
			Services:    d.Services,
			LastSeen:    d.LastSeen,
		}
		if jd.Services == nil {
			jd.Services = []string{}
		}
		if len(d.ManufacturerData) > 0 {
			jd.ManufacturerData = fmt.Sprintf("%x", d.ManufacturerData)
		}
		out = append(out, jd)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode devices: %w", err)
	}
	return nil
}
