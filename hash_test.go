package commoncrawl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyHashDeterministic(t *testing.T) {
	h1 := KeyHash("tech_report:CC-MAIN-2024-10:example.com:100")
	h2 := KeyHash("tech_report:CC-MAIN-2024-10:example.com:100")
	require.Equal(t, h1, h2)

	h3 := KeyHash("tech_report:CC-MAIN-2024-10:example.com:50")
	require.NotEqual(t, h1, h3)
}

func TestHashString(t *testing.T) {
	h := KeyHash("test")
	require.Len(t, h.String(), HashSize*2)
	require.Len(t, h.ShortString(), 16)
	require.True(t, strings.HasPrefix(h.String(), h.ShortString()))
}

func TestShardKey(t *testing.T) {
	h := KeyHash("page:https://example.com/:CC-MAIN-2024-10")
	hex := h.String()

	key := h.ShardKey()
	parts := strings.Split(key, "/")
	require.Len(t, parts, 3)
	require.Equal(t, hex[:2], parts[0])
	require.Equal(t, hex[2:4], parts[1])
	require.Equal(t, hex, parts[2])
}

func TestParseHashRoundTrip(t *testing.T) {
	h := KeyHash("roundtrip")
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseHashRejectsBadInput(t *testing.T) {
	_, err := ParseHash("abcd")
	require.Error(t, err)

	_, err = ParseHash(strings.Repeat("zz", HashSize))
	require.Error(t, err)
}

func TestHashIsZero(t *testing.T) {
	var h Hash
	require.True(t, h.IsZero())
	require.False(t, KeyHash("x").IsZero())
}
