package codec_test

import (
	"testing"

	"github.com/srg/blescope/internal/codec"
	"github.com/srg/blescope/internal/device"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

func TestDecodeHex(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []byte
	}{
		{"single byte", "2A", []byte{0x2a}},
		{"lower case", "0aff", []byte{0x0a, 0xff}},
		{"mixed case", "DeAdBeEf", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"empty", "", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := codec.Decode(tt.input, codec.Hex)
			assert.NilError(t, err)
			assert.DeepEqual(t, tt.expected, got)
		})
	}
}

func TestDecodeHexRejectsMalformedInput(t *testing.T) {
	for _, input := range []string{"1", "abc", "zz", "0x01", "01 02", "g0"} {
		t.Run(input, func(t *testing.T) {
			got, err := codec.Decode(input, codec.Hex)
			assert.Assert(t, got == nil)
			assert.Assert(t, is.ErrorContains(err, "encoding_error"))
			assert.Equal(t, device.KindEncoding, device.KindOf(err))
		})
	}
}

func TestDecodeText(t *testing.T) {
	got, err := codec.Decode("hi ✓", codec.Text)
	assert.NilError(t, err)
	assert.DeepEqual(t, []byte("hi ✓"), got)

	_, err = codec.Decode(string([]byte{0xff, 0xfe}), codec.Text)
	assert.Equal(t, device.KindEncoding, device.KindOf(err))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "01 AB FF", codec.Format([]byte{0x01, 0xab, 0xff}, codec.Hex))
	assert.Equal(t, "", codec.FormatHex(nil))
	assert.Equal(t, "ok.", codec.Format([]byte{'o', 'k', 0x00}, codec.Text))
}

func TestParseEncoding(t *testing.T) {
	enc, err := codec.ParseEncoding("HEX")
	assert.NilError(t, err)
	assert.Equal(t, codec.Hex, enc)
	assert.Equal(t, codec.Text, enc.Toggle())

	enc, err = codec.ParseEncoding("utf8")
	assert.NilError(t, err)
	assert.Equal(t, codec.Text, enc)

	_, err = codec.ParseEncoding("base64")
	assert.ErrorContains(t, err, "unknown encoding")
}
