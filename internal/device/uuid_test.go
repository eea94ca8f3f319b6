package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"short form stays", "2902", "2902"},
		{"uppercase lowered", "2A19", "2a19"},
		{"0x prefix stripped", "0x2902", "2902"},
		{"dashed full UUID flattened", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"SIG base UUID reduced to short form", "0000180F-0000-1000-8000-00805F9B34FB", "180f"},
		{"SIG base without dashes reduced", "00002a1900001000800000805f9b34fb", "2a19"},
		{"vendor UUID with SIG-like prefix kept whole", "0000180f-0000-1000-8000-00805f9b34fc", "0000180f00001000800000805f9b34fc"},
		{"whitespace trimmed", "  180f ", "180f"},
		{"non-hex rejected", "not-a-uuid", ""},
		{"empty rejected", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input), "normalized form MUST match")
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	got := NormalizeUUIDs([]string{"180F", "0x2902"})
	assert.Equal(t, []string{"180f", "2902"}, got)
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "2902", ShortenUUID("2902"), "short UUIDs MUST pass through")
	assert.Equal(t, "6e400001", ShortenUUID("6e400001b5a3f393e0a9e50e24dcca9e"), "long UUIDs MUST truncate to eight characters")
}

func TestValidateUUID(t *testing.T) {
	t.Run("valid set normalizes", func(t *testing.T) {
		got, err := ValidateUUID("180F", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
		require.NoError(t, err)
		assert.Equal(t, []string{"180f", "6e400001b5a3f393e0a9e50e24dcca9e"}, got)
	})

	t.Run("empty argument list rejected", func(t *testing.T) {
		_, err := ValidateUUID()
		require.Error(t, err, "no UUIDs MUST be an error")
	})

	t.Run("empty UUID rejected", func(t *testing.T) {
		_, err := ValidateUUID("180f", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "index 1")
	})

	t.Run("malformed UUID rejected", func(t *testing.T) {
		_, err := ValidateUUID("zzzz")
		require.Error(t, err)
	})
}
