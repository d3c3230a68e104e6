package device

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit", input: "2902", expected: "2902"},
		{name: "16-bit with 0x prefix", input: "0x2902", expected: "2902"},
		{name: "16-bit with 0X prefix", input: "0X2902", expected: "2902"},
		{name: "SIG base with dashes", input: "00002902-0000-1000-8000-00805f9b34fb", expected: "2902"},
		{name: "SIG base uppercase", input: "00002A37-0000-1000-8000-00805F9B34FB", expected: "2a37"},
		{name: "SIG base odd dashes", input: "0000-2902-0000-1000-8000-00805f9b34fb", expected: "2902"},
		{name: "provisioning service", input: "193DB24F-E42E-49D2-9A70-6A5616863A9D", expected: "193db24fe42e49d29a706a5616863a9d"},
		{name: "SIG suffix with wrong prefix", input: "AA002902-0000-1000-8000-00805f9b34fb", expected: "aa00290200001000800000805f9b34fb"},
		{name: "32-bit", input: "12345678", expected: "12345678"},
		{name: "surrounding whitespace", input: "  2902 ", expected: "2902"},
		{name: "empty", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

// Lengths other than 32 are never shortened, even when they look like a SIG UUID.
func TestNormalizeUUID_NoShortening(t *testing.T) {
	for _, input := range []string{
		"00002902",
		"0000290200001000800000805f9b34fb00",
		"00002902-1234-5678-9abc-def012345678",
	} {
		t.Run(input, func(t *testing.T) {
			result := NormalizeUUID(input)
			assert.NotEqual(t, "2902", result)
			assert.Equal(t, strings.ToLower(strings.ReplaceAll(input, "-", "")), result)
		})
	}
}

func TestParseIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit expands onto SIG base", input: "2a37", expected: "00002a37-0000-1000-8000-00805f9b34fb"},
		{name: "32-bit expands onto SIG base", input: "0x12345678", expected: "12345678-0000-1000-8000-00805f9b34fb"},
		{name: "128-bit canonical", input: "193DB24F-E42E-49D2-9A70-6A5616863A9D", expected: "193db24f-e42e-49d2-9a70-6a5616863a9d"},
		{name: "128-bit without dashes", input: "43cdd5ab3ef6496aa4cc9933f5adaf68", expected: "43cdd5ab-3ef6-496a-a4cc-9933f5adaf68"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseIdentifier(tt.input)
			require.NoError(t, err)
			assert.Equal(t, uuid.MustParse(tt.expected), id)
		})
	}
}

func TestParseIdentifier_Invalid(t *testing.T) {
	for _, input := range []string{"", "29", "2902a", "zzzz", "193db24f-e42e-49d2-9a70-6a5616863a"} {
		t.Run(input, func(t *testing.T) {
			id, err := ParseIdentifier(input)
			assert.Error(t, err)
			assert.Equal(t, uuid.Nil, id)
		})
	}
}

func TestValidateUUID(t *testing.T) {
	ids, err := ValidateUUID("2a37", "193db24f-e42e-49d2-9a70-6a5616863a9d")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, uuid.MustParse("00002a37-0000-1000-8000-00805f9b34fb"), ids[0])

	_, err = ValidateUUID()
	assert.ErrorContains(t, err, "at least one UUID")

	_, err = ValidateUUID("2a37", "")
	assert.ErrorContains(t, err, "index 1 cannot be empty")

	_, err = ValidateUUID("nope")
	assert.ErrorContains(t, err, "index 0")
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "193db24f", ShortenUUID("193db24fe42e49d29a706a5616863a9d"))
	assert.Equal(t, "2a37", ShortenUUID("2a37"))
}
