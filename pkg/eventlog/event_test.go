package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_BytesRoundTrip(t *testing.T) {
	p := BytesPayload([]byte("ls\n"))

	blob, err := encodePayload(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("ls\n"), blob)

	decoded := decodePayload(blob)
	assert.False(t, decoded.IsStructured())
	assert.Equal(t, []byte("ls\n"), decoded.Bytes())
}

func TestPayload_StructuredRoundTrip(t *testing.T) {
	p := StructuredPayload(map[string]interface{}{
		"exit_code": float64(0),
		"command":   "make test",
	})

	blob, err := encodePayload(p)
	require.NoError(t, err)

	decoded := decodePayload(blob)
	require.True(t, decoded.IsStructured())

	v, ok := decoded.Structured()
	require.True(t, ok)
	m, ok := v.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), m["exit_code"])
	assert.Equal(t, "make test", m["command"])
}

func TestPayload_RawJSONDecodesStructured(t *testing.T) {
	// raw bytes that happen to be valid JSON come back structured; the
	// read path always attempts the structured decode first
	decoded := decodePayload([]byte(`{"a":1}`))
	assert.True(t, decoded.IsStructured())
}

func TestPayload_NonJSONBytesStayRaw(t *testing.T) {
	decoded := decodePayload([]byte{0x1b, 0x5b, 0x32, 0x4a}) // ESC[2J
	assert.False(t, decoded.IsStructured())
	assert.Equal(t, []byte{0x1b, 0x5b, 0x32, 0x4a}, decoded.Bytes())
}

func TestPayload_EncodeUnserializable(t *testing.T) {
	_, err := encodePayload(StructuredPayload(make(chan int)))
	assert.Error(t, err)
}

func TestPayload_MarshalJSON(t *testing.T) {
	structured, err := StructuredPayload(map[string]interface{}{"k": "v"}).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(structured))

	raw, err := StringPayload("hello").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(raw))
}
