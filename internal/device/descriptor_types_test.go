package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientConfig(t *testing.T) {
	parsed, err := ParseClientConfig([]byte{0x01, 0x00})
	require.NoError(t, err)
	assert.True(t, parsed.Notifications)
	assert.False(t, parsed.Indications)

	parsed, err = ParseClientConfig([]byte{0x02, 0x00})
	require.NoError(t, err)
	assert.False(t, parsed.Notifications)
	assert.True(t, parsed.Indications)

	_, err = ParseClientConfig([]byte{0x01})
	require.Error(t, err, "short value MUST be rejected")
}

func TestParseUserDescription(t *testing.T) {
	got, err := ParseUserDescription([]byte("Temperature\x00\x00"))
	require.NoError(t, err)
	assert.Equal(t, "Temperature", got, "null padding MUST be trimmed")

	got, err = ParseUserDescription(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestParsePresentationFormat(t *testing.T) {
	// uint8, exponent 0, unit 0x2700 (unitless), SIG namespace
	parsed, err := ParsePresentationFormat([]byte{0x04, 0x00, 0x00, 0x27, 0x01, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint8(FormatUint8), parsed.Format)
	assert.Equal(t, uint16(0x2700), parsed.Unit)
	assert.Equal(t, uint8(0x01), parsed.Namespace)
}

func TestParseDescriptorValue(t *testing.T) {
	t.Run("empty data parses to nil", func(t *testing.T) {
		parsed, err := ParseDescriptorValue("2902", nil)
		require.NoError(t, err)
		assert.Nil(t, parsed)
	})

	t.Run("client config dispatches by UUID", func(t *testing.T) {
		parsed, err := ParseDescriptorValue("00002902-0000-1000-8000-00805f9b34fb", []byte{0x03, 0x00})
		require.NoError(t, err)
		cc, ok := parsed.(*ClientConfig)
		require.True(t, ok, "MUST parse as *ClientConfig")
		assert.True(t, cc.Notifications)
		assert.True(t, cc.Indications)
	})

	t.Run("unknown descriptor returns raw bytes", func(t *testing.T) {
		raw := []byte{0xde, 0xad}
		parsed, err := ParseDescriptorValue("feed", raw)
		require.NoError(t, err)
		assert.Equal(t, raw, parsed)
	})
}
