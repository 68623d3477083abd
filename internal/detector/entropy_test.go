package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShannonEntropy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  float64
	}{
		{name: "empty string", input: "", want: 0},
		{name: "single character", input: "a", want: 0},
		{name: "repeated character", input: "aaaaaaaa", want: 0},
		{name: "two characters equal frequency", input: "abababab", want: 1.0},
		{name: "four characters equal frequency", input: "abcdabcd", want: 2.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, ShannonEntropy(tt.input), 1e-9)
		})
	}
}

func TestShannonEntropyOfRandomLookingToken(t *testing.T) {
	t.Parallel()

	// 16 distinct characters, uniform distribution: exactly 4 bits/char.
	assert.InDelta(t, 4.0, ShannonEntropy("abcdefghijklmnop"), 1e-9)

	got := ShannonEntropy("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY")
	assert.Greater(t, got, 4.0)
}

func TestExtractTokens(t *testing.T) {
	t.Parallel()

	tokens := extractTokens(`key = "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY" # note`, 20)
	require.Len(t, tokens, 1)
	assert.Equal(t, "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY", tokens[0].text)
	assert.Equal(t, 7, tokens[0].start)
}

func TestExtractTokensIgnoresShortRuns(t *testing.T) {
	t.Parallel()

	tokens := extractTokens("short words only here", 20)
	assert.Empty(t, tokens)
}

func TestExtractTokensAtLineBoundaries(t *testing.T) {
	t.Parallel()

	line := "dGhpc2lzYWxvbmdiYXNlNjRydW4="
	tokens := extractTokens(line, 20)
	require.Len(t, tokens, 1)
	assert.Equal(t, line, tokens[0].text)
	assert.Equal(t, 0, tokens[0].start)
}
