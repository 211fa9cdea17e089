package keys

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/codec"
)

// Branches below the node key.
const (
	branchChannel = 0
	branchSweep   = 1
)

// SigningMaterial is a node's derived identity. It implements
// channel.Signer.
type SigningMaterial struct {
	KeyID      string
	ChildIndex uint32

	ext  *hdkeychain.ExtendedKey
	priv *btcec.PrivateKey
	net  *chaincfg.Params
}

var _ channel.Signer = (*SigningMaterial)(nil)

// PrivKey returns the node identity private key.
func (m *SigningMaterial) PrivKey() *btcec.PrivateKey {
	return m.priv
}

// PubKey returns the node identity public key.
func (m *SigningMaterial) PubKey() *btcec.PublicKey {
	return m.priv.PubKey()
}

// NodeID returns the compressed public key.
func (m *SigningMaterial) NodeID() [33]byte {
	var id [33]byte
	copy(id[:], m.priv.PubKey().SerializeCompressed())
	return id
}

// PubKeyHex returns the compressed public key as lowercase hex, the form
// stored in the nodes table.
func (m *SigningMaterial) PubKeyHex() string {
	return hex.EncodeToString(m.priv.PubKey().SerializeCompressed())
}

// Network returns the chain the material was derived for.
func (m *SigningMaterial) Network() *chaincfg.Params {
	return m.net
}

// ChannelKey derives the per-channel key m/index'/0'/c' where c is taken
// from a digest of the funding outpoint.
func (m *SigningMaterial) ChannelKey(op channel.Outpoint) (*btcec.PrivateKey, error) {
	var buf [34]byte
	copy(buf[:32], op.Txid[:])
	binary.BigEndian.PutUint16(buf[32:], op.Index)
	c := binary.BigEndian.Uint32(codec.Sum(codec.DomainChannel, buf[:])[:4]) &^ hdkeychain.HardenedKeyStart

	branch, err := m.ext.Derive(hdkeychain.HardenedKeyStart + branchChannel)
	if err != nil {
		return nil, fmt.Errorf("channel branch: %w", err)
	}
	child, err := branch.Derive(hdkeychain.HardenedKeyStart + c)
	if err != nil {
		return nil, fmt.Errorf("channel key %s: %w", op, err)
	}
	return child.ECPrivKey()
}

// SweepScript returns the P2WPKH output script that spendable outputs are
// swept to.
func (m *SigningMaterial) SweepScript() ([]byte, error) {
	branch, err := m.ext.Derive(hdkeychain.HardenedKeyStart + branchSweep)
	if err != nil {
		return nil, fmt.Errorf("sweep branch: %w", err)
	}
	child, err := branch.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("sweep key: %w", err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("sweep key: %w", err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), m.net)
	if err != nil {
		return nil, fmt.Errorf("sweep address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

// SessionEntropy returns per-process randomness for nonces and ephemeral
// keys. It mixes the node secret with the process start time, so it differs
// on every run and must never be used for anything a backup has to
// reproduce.
func SessionEntropy(m *SigningMaterial, start time.Time) [32]byte {
	buf := make([]byte, 0, 32+12)
	buf = append(buf, m.priv.Serialize()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(start.Unix()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(start.Nanosecond()))

	var out [32]byte
	copy(out[:], codec.Sum(codec.DomainSession, buf))
	return out
}
