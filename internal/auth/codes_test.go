package auth

import (
	"encoding/hex"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlphabet_excludesAmbiguousSymbols(t *testing.T) {
	for _, c := range "0O1I" {
		assert.NotContains(t, Alphabet, string(c))
	}
	assert.Len(t, Alphabet, 32)
	assert.GreaterOrEqual(t, float64(CodeLength)*math.Log2(float64(len(Alphabet))), 30.0)
	assert.Equal(t, 256, rejectAbove, "every byte maps onto the alphabet")

	seen := make(map[rune]bool)
	for _, c := range Alphabet {
		assert.False(t, seen[c], "duplicate symbol %q", c)
		seen[c] = true
	}
}

func TestGenerateCode_shapeAndSpread(t *testing.T) {
	counts := make(map[rune]int)
	for i := 0; i < 2000; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, c := range code {
			require.True(t, strings.ContainsRune(Alphabet, c), "unexpected symbol %q in %q", c, code)
			counts[c]++
		}
	}
	// 12000 draws over 32 symbols: every symbol shows up
	assert.Len(t, counts, len(Alphabet))
}

func TestGenerateDeviceToken(t *testing.T) {
	a, err := GenerateDeviceToken()
	require.NoError(t, err)
	b, err := GenerateDeviceToken()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	raw, err := hex.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.NotEqual(t, a, b)
}

func TestHashToken_consistency(t *testing.T) {
	h1 := HashToken("token")
	h2 := HashToken("token")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, HashToken("other"))

	decoded, err := hex.DecodeString(h1)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashToken("abc"))
}

func TestVerifyToken(t *testing.T) {
	token, err := GenerateDeviceToken()
	require.NoError(t, err)
	hash := HashToken(token)

	assert.True(t, VerifyToken(token, hash))
	assert.False(t, VerifyToken(token+"x", hash))
	assert.False(t, VerifyToken(token, hash[:10]))
	assert.False(t, VerifyToken("", hash))
}

func TestNormalizeCode(t *testing.T) {
	tests := map[string]string{
		"ab3x9q":     "AB3X9Q",
		"  AB3X9Q\n": "AB3X9Q",
		"ab3-x9q":    "AB3X9Q",
		"a-b-3x9q":   "A-B-3X9Q",
		"":           "",
		"   ":        "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeCode(in), "NormalizeCode(%q)", in)
	}
}

func TestMaskCode(t *testing.T) {
	assert.Equal(t, "AB****", maskCode("AB3X9Q"))
	assert.Equal(t, "******", maskCode("A"))
}
