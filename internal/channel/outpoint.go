package channel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Outpoint identifies the funding output backing a channel.
// It is the channel's natural key everywhere in chanvault.
type Outpoint struct {
	Txid  chainhash.Hash
	Index uint16
}

// String returns the outpoint as "txid:index".
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.Index)
}

// ParseOutpoint parses the "txid:index" form produced by String.
func ParseOutpoint(s string) (Outpoint, error) {
	txid, idx, ok := strings.Cut(s, ":")
	if !ok {
		return Outpoint{}, fmt.Errorf("parse outpoint %q: missing index", s)
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return Outpoint{}, fmt.Errorf("parse outpoint %q: %w", s, err)
	}
	n, err := strconv.ParseUint(idx, 10, 16)
	if err != nil {
		return Outpoint{}, fmt.Errorf("parse outpoint %q: %w", s, err)
	}
	return Outpoint{Txid: *hash, Index: uint16(n)}, nil
}

// BlockRef names a block by hash and height.
type BlockRef struct {
	Hash   chainhash.Hash
	Height int32
}

// String returns "height/hash".
func (b BlockRef) String() string {
	return fmt.Sprintf("%d/%s", b.Height, b.Hash)
}
