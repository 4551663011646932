package framing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lzmaStatus is `{"status": {"model": "rid-sniffer", "status": "online"}}`
// plus a trailing NUL byte, LZMA compressed the way the sensor firmware
// compresses large payloads.
var lzmaStatus = []byte{
	0x5d, 0x00, 0x00, 0x80, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0x00, 0x3d, 0x88, 0x8a, 0x67, 0x83, 0x79, 0xd0, 0xbd, 0xc7, 0x28,
	0xda, 0xdd, 0x53, 0xd0, 0xd0, 0x2a, 0x00, 0x82, 0x25, 0x84, 0xca, 0x01,
	0x6d, 0x90, 0x70, 0xb6, 0x04, 0x92, 0xe2, 0x6d, 0x66, 0xe7, 0xcf, 0x9d,
	0xb2, 0x10, 0xe2, 0x4b, 0x2c, 0x4f, 0x1a, 0xa8, 0x95, 0x5a, 0x20, 0xfa,
	0x85, 0x3b, 0xbf, 0xaa, 0x03, 0xff, 0xff, 0x68, 0x90, 0x00, 0x00,
}

func TestFrameSingleObject(t *testing.T) {
	objects, err := Frame([]byte(`{"a":1}`), "uas/data/S1")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	assert.Equal(t, "uas/data/S1", objects[0].Topic)
	assert.Equal(t, json.Number("1"), objects[0].Fields["a"])
}

func TestFrameConcatenatedObjects(t *testing.T) {
	objects, err := Frame([]byte(`{"a":1}{"b":2}`), "t")
	require.NoError(t, err)
	require.Len(t, objects, 2)

	assert.Equal(t, json.Number("1"), objects[0].Fields["a"])
	assert.NotContains(t, objects[0].Fields, "b")
	assert.Equal(t, json.Number("2"), objects[1].Fields["b"])
}

func TestFrameThreeObjects(t *testing.T) {
	objects, err := Frame([]byte(`{"a":1}{"b":2}{"c":3}`), "t")
	require.NoError(t, err)
	require.Len(t, objects, 3)
	assert.Equal(t, json.Number("3"), objects[2].Fields["c"])
}

func TestFrameTrailingBytes(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "trailing NUL", payload: []byte("{\"a\":1}\x00")},
		{name: "trailing LF", payload: []byte("{\"a\":1}\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects, err := Frame(tt.payload, "t")
			require.NoError(t, err)
			require.Len(t, objects, 1)
		})
	}
}

func TestFrameStripsAtMostOneTrailingByte(t *testing.T) {
	// Two trailing NULs leave one behind, which must fail JSON parsing.
	_, err := Frame([]byte("{\"a\":1}\x00\x00"), "t")
	assert.ErrorIs(t, err, ErrFraming)
}

func TestFrameLZMACompressed(t *testing.T) {
	objects, err := Frame(lzmaStatus, "uas/status/S1")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	status, ok := objects[0].Fields["status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rid-sniffer", status["model"])
	assert.Equal(t, "online", status["status"])
}

func TestFrameCorruptCompression(t *testing.T) {
	payload := []byte{0xff, 0xfe, 0x00, 0x01, 0x02, 0x80}
	_, err := Frame(payload, "t")
	assert.ErrorIs(t, err, ErrFraming)
}

func TestFramePartialDelivery(t *testing.T) {
	objects, err := Frame([]byte(`{"a":1}{"b":`), "t")
	assert.ErrorIs(t, err, ErrFraming)
	require.Len(t, objects, 1)
	assert.Equal(t, json.Number("1"), objects[0].Fields["a"])
}

func TestFrameNumberLiteralsPreserved(t *testing.T) {
	objects, err := Frame([]byte(`{"protocol":1.0,"rssi":-85}`), "t")
	require.NoError(t, err)

	assert.Equal(t, json.Number("1.0"), objects[0].Fields["protocol"])
	assert.Equal(t, json.Number("-85"), objects[0].Fields["rssi"])
}
