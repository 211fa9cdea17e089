package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest_NullSeparator(t *testing.T) {
	want := sha256.Sum256(append([]byte("d\x00"), "data"...))
	assert.Equal(t, hex.EncodeToString(want[:]), Digest("d", []byte("data")))
}

func TestDigest_DomainSeparation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, Digest(DomainMonitor, data), Digest(DomainManager, data))
	// Shifting bytes between domain and data does not collide.
	assert.NotEqual(t, Digest("ab", []byte("c")), Digest("a", []byte("bc")))
}

func TestDigestValue_KeyOrderIndependent(t *testing.T) {
	a, err := DigestValue(DomainMonitor, map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	b, err := DigestValue(DomainMonitor, map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}
