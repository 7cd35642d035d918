// Package codec converts user input into characteristic payloads and renders
// payloads back for display.
package codec

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/srg/blescope/internal/device"
)

// Encoding selects how user input is turned into bytes.
type Encoding int

const (
	Hex Encoding = iota
	Text
)

func (e Encoding) String() string {
	switch e {
	case Hex:
		return "hex"
	case Text:
		return "text"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// Toggle returns the other encoding.
func (e Encoding) Toggle() Encoding {
	if e == Hex {
		return Text
	}
	return Hex
}

// ParseEncoding parses "hex" or "text" (case-insensitive).
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hex", "h":
		return Hex, nil
	case "text", "t", "utf8", "utf-8":
		return Text, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q (must be hex or text)", s)
	}
}

// Decode converts input according to enc.
//
// Hex input must be an even number of hex digits (case-insensitive); each pair
// is one byte. Text input is taken as its UTF-8 bytes.
func Decode(input string, enc Encoding) ([]byte, error) {
	switch enc {
	case Hex:
		return DecodeHex(input)
	case Text:
		if !utf8.ValidString(input) {
			return nil, device.NewError(device.KindEncoding, "", "decode", "text input is not valid UTF-8")
		}
		return []byte(input), nil
	default:
		return nil, device.NewError(device.KindEncoding, "", "decode", "unsupported encoding "+enc.String())
	}
}

// DecodeHex decodes a strict hex string. Empty input yields an empty payload.
func DecodeHex(input string) ([]byte, error) {
	if len(input)%2 != 0 {
		return nil, device.NewError(device.KindEncoding, "", "decode",
			fmt.Sprintf("hex input must have an even number of digits, got %d", len(input)))
	}
	data, err := hex.DecodeString(input)
	if err != nil {
		return nil, &device.Error{Kind: device.KindEncoding, Op: "decode", Msg: "invalid hex input", Err: err}
	}
	return data, nil
}

// FormatHex renders bytes as space separated upper-case pairs ("01 AB FF").
func FormatHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(data) * 3)
	for i, v := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// FormatText renders bytes as text, replacing non-printable runes with '.'.
func FormatText(data []byte) string {
	var b strings.Builder
	for _, r := range string(data) {
		if r == utf8.RuneError || r < 0x20 || r == 0x7f {
			b.WriteByte('.')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Format renders data in the given encoding.
func Format(data []byte, enc Encoding) string {
	if enc == Text {
		return FormatText(data)
	}
	return FormatHex(data)
}
