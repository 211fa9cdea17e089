package channel

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutpoint_RoundTrip(t *testing.T) {
	hash, err := chainhash.NewHashFromStr("9f2c0b7d4a1e3f5c6b8a7d9e0f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c")
	require.NoError(t, err)

	op := Outpoint{Txid: *hash, Index: 7}
	parsed, err := ParseOutpoint(op.String())
	require.NoError(t, err)
	assert.Equal(t, op, parsed)
}

func TestParseOutpoint_Invalid(t *testing.T) {
	tests := []string{
		"",
		"abc",
		"zz:1",
		"9f2c0b7d4a1e3f5c6b8a7d9e0f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c:x",
		"9f2c0b7d4a1e3f5c6b8a7d9e0f1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c:70000",
	}
	for _, s := range tests {
		_, err := ParseOutpoint(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestPersistStatus_String(t *testing.T) {
	assert.Equal(t, "completed", PersistCompleted.String())
	assert.Equal(t, "permanent_failure", PersistPermanentFailure.String())
	assert.Equal(t, "unknown", PersistStatus(9).String())
}
