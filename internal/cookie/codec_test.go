package cookie

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef-test-secret"

func newTestCodec(t *testing.T, allowLegacy bool) *Codec {
	t.Helper()
	c, err := NewCodec([]byte(testSecret), "_t", allowLegacy)
	require.NoError(t, err)
	return c
}

func testPayload(t *testing.T) Structured {
	t.Helper()
	tok, err := NewToken()
	require.NoError(t, err)
	return Structured{
		UserID:     42,
		Token:      tok,
		TrustLevel: 2,
		IssuedAt:   time.Unix(1_760_000_000, 0).UTC(),
	}
}

// --- Encode / Decode ---

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t, false)
	p := testPayload(t)

	value, err := c.Encode(p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(value, "v1."))

	got, ok := c.Decode(value)
	require.True(t, ok)
	assert.Equal(t, p, got)
	assert.Equal(t, p.Token, got.RawToken())
}

func TestEncodeUsesFreshNonce(t *testing.T) {
	c := newTestCodec(t, false)
	p := testPayload(t)

	a, err := c.Encode(p)
	require.NoError(t, err)
	b, err := c.Encode(p)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "same payload must not produce the same cookie")
}

func TestEncodeRejects(t *testing.T) {
	c := newTestCodec(t, true)

	t.Run("legacy payload", func(t *testing.T) {
		_, err := c.Encode(Legacy{Token: strings.Repeat("a", 64)})
		assert.ErrorIs(t, err, ErrUnencodable)
	})

	t.Run("zero user id", func(t *testing.T) {
		p := testPayload(t)
		p.UserID = 0
		_, err := c.Encode(p)
		assert.ErrorIs(t, err, ErrUnencodable)
	})

	t.Run("short token", func(t *testing.T) {
		p := testPayload(t)
		p.Token = "abc"
		_, err := c.Encode(p)
		assert.ErrorIs(t, err, ErrUnencodable)
	})
}

func TestSingleBitFlipDecodesToAbsent(t *testing.T) {
	c := newTestCodec(t, true)
	value, err := c.Encode(testPayload(t))
	require.NoError(t, err)

	for i := 0; i < len(value); i++ {
		for bit := 0; bit < 8; bit++ {
			mutated := []byte(value)
			mutated[i] ^= 1 << bit
			got, ok := c.Decode(string(mutated))
			if ok {
				t.Fatalf("flip byte %d bit %d decoded to %+v", i, bit, got)
			}
		}
	}
}

func TestDecodeRejectsTampering(t *testing.T) {
	c := newTestCodec(t, true)
	value, err := c.Encode(testPayload(t))
	require.NoError(t, err)

	// First adjacent pair past the prefix that differs, so the swap changes the value
	i := 3
	for value[i] == value[i+1] {
		i++
	}
	swapped := value[:i] + value[i+1:i+2] + value[i:i+1] + value[i+2:]

	cases := map[string]string{
		"empty":             "",
		"prefix only":       "v1.",
		"truncated":         value[:len(value)-4],
		"extended":          value + "AA",
		"swapped chars":     swapped,
		"not base64":        "v1.!!!!",
		"unknown version":   "v9." + value[3:],
		"uppercase legacy":  strings.Repeat("A", 64),
		"wrong length hex":  strings.Repeat("a", 40),
		"oversized":         "v1." + strings.Repeat("A", maxCookieLen),
		"legacy with extra": strings.Repeat("a", 64) + "g",
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := c.Decode(v)
			assert.False(t, ok)
		})
	}
}

func TestDecodeRejectsOtherKeys(t *testing.T) {
	value, err := newTestCodec(t, false).Encode(testPayload(t))
	require.NoError(t, err)

	t.Run("different secret", func(t *testing.T) {
		other, err := NewCodec([]byte("another-secret-of-sufficient-length!!"), "_t", false)
		require.NoError(t, err)
		_, ok := other.Decode(value)
		assert.False(t, ok)
	})

	t.Run("different cookie name", func(t *testing.T) {
		other, err := NewCodec([]byte(testSecret), "_other", false)
		require.NoError(t, err)
		_, ok := other.Decode(value)
		assert.False(t, ok)
	})
}

// --- Legacy ---

func TestDecodeLegacy(t *testing.T) {
	long := strings.Repeat("ab", 32)
	short := strings.Repeat("cd", 16)

	t.Run("accepted when enabled", func(t *testing.T) {
		c := newTestCodec(t, true)
		for _, v := range []string{long, short} {
			got, ok := c.Decode(v)
			require.True(t, ok, v)
			assert.Equal(t, Legacy{Token: v}, got)
		}
	})

	t.Run("rejected when disabled", func(t *testing.T) {
		c := newTestCodec(t, false)
		_, ok := c.Decode(long)
		assert.False(t, ok)
	})
}

// --- Tokens ---

func TestNewTokenAndHash(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)

	assert.Len(t, a, TokenHexLen)
	assert.NotEqual(t, a, b)
	assert.Len(t, HashToken(a), 64)
	assert.Equal(t, HashToken(a), HashToken(a))
	assert.NotEqual(t, HashToken(a), HashToken(b))
	assert.NotEqual(t, a, HashToken(a))
}

func TestNewCodecRejectsEmptySecret(t *testing.T) {
	_, err := NewCodec(nil, "_t", false)
	assert.Error(t, err)
}
