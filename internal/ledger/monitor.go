package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/codec"
	"github.com/roach88/chanvault/internal/events"
)

// CloseMaturity is the number of blocks after a close before the local
// balance becomes spendable.
const CloseMaturity = 6

type monitorState struct {
	NodeID       string   `json:"node_id"`
	FundingTxid  string   `json:"funding_txid"`
	FundingIndex uint16   `json:"funding_index"`
	ChannelKey   string   `json:"channel_pubkey"`
	CapacitySat  int64    `json:"capacity_sat"`
	UpdateID     uint64   `json:"update_id"`
	Commitment   uint64   `json:"commitment_number"`
	LocalMsat    uint64   `json:"to_local_msat"`
	RemoteMsat   uint64   `json:"to_remote_msat"`
	Preimages    []string `json:"preimages"`
	Closed       bool     `json:"closed"`
	ClosedHeight int32    `json:"closed_height"`
	Swept        bool     `json:"swept"`
	BestHash     string   `json:"best_hash"`
	BestHeight   int32    `json:"best_height"`
}

// Monitor is the enforceable on-chain state of one channel.
type Monitor struct {
	mu      sync.Mutex
	st      monitorState
	funding channel.Outpoint
	best    channel.BlockRef
}

var _ channel.Monitor = (*Monitor)(nil)

func newMonitor(signer channel.Signer, op channel.Outpoint, capacitySat int64, localMsat, remoteMsat uint64, best channel.BlockRef) (*Monitor, error) {
	key, err := signer.ChannelKey(op)
	if err != nil {
		return nil, fmt.Errorf("channel key for %s: %w", op, err)
	}
	id := signer.NodeID()
	return &Monitor{
		st: monitorState{
			NodeID:       hex.EncodeToString(id[:]),
			FundingTxid:  op.Txid.String(),
			FundingIndex: op.Index,
			ChannelKey:   hex.EncodeToString(key.PubKey().SerializeCompressed()),
			CapacitySat:  capacitySat,
			LocalMsat:    localMsat,
			RemoteMsat:   remoteMsat,
			BestHash:     best.Hash.String(),
			BestHeight:   best.Height,
		},
		funding: op,
		best:    best,
	}, nil
}

func decodeMonitor(blob []byte, signer channel.Signer) (*Monitor, error) {
	var st monitorState
	if err := codec.Decode(blob, &st); err != nil {
		return nil, err
	}

	id := signer.NodeID()
	if st.NodeID != hex.EncodeToString(id[:]) {
		return nil, fmt.Errorf("monitor for node %s: %w", st.NodeID, ErrForeignState)
	}
	txid, err := chainhash.NewHashFromStr(st.FundingTxid)
	if err != nil {
		return nil, fmt.Errorf("funding txid: %w", err)
	}
	op := channel.Outpoint{Txid: *txid, Index: st.FundingIndex}

	key, err := signer.ChannelKey(op)
	if err != nil {
		return nil, fmt.Errorf("channel key for %s: %w", op, err)
	}
	if st.ChannelKey != hex.EncodeToString(key.PubKey().SerializeCompressed()) {
		return nil, fmt.Errorf("channel key for %s: %w", op, ErrForeignState)
	}

	best, err := parseBlockRef(st.BestHash, st.BestHeight)
	if err != nil {
		return nil, err
	}
	return &Monitor{st: st, funding: op, best: best}, nil
}

// FundingOutpoint implements channel.Monitor.
func (m *Monitor) FundingOutpoint() channel.Outpoint {
	return m.funding
}

// LatestUpdateID implements channel.Monitor.
func (m *Monitor) LatestUpdateID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateID
}

// BestBlock implements channel.Listener.
func (m *Monitor) BestBlock() channel.BlockRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.best
}

// BlockConnected implements channel.Listener.
func (m *Monitor) BlockConnected(_ context.Context, header *wire.BlockHeader, height int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.best = channel.BlockRef{Hash: header.BlockHash(), Height: height}
	m.st.BestHash = m.best.Hash.String()
	m.st.BestHeight = height
	return nil
}

// Apply implements channel.Monitor.
func (m *Monitor) Apply(u channel.Update) error {
	lu, ok := u.(*Update)
	if !ok {
		return fmt.Errorf("%w: unsupported update type %T", ErrInvalidUpdate, u)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if lu.st.ID <= m.st.UpdateID {
		return fmt.Errorf("%s: update %d after %d: %w", m.funding, lu.st.ID, m.st.UpdateID, channel.ErrUpdateOrder)
	}

	switch lu.st.Kind {
	case UpdateCommitment:
		if m.st.Closed {
			return fmt.Errorf("%s: %w", m.funding, ErrChannelClosed)
		}
		if lu.st.Commitment <= m.st.Commitment {
			return fmt.Errorf("%w: commitment %d after %d", ErrInvalidUpdate, lu.st.Commitment, m.st.Commitment)
		}
		if lu.st.LocalMsat+lu.st.RemoteMsat != uint64(m.st.CapacitySat)*1000 {
			return fmt.Errorf("%w: balances do not sum to capacity", ErrInvalidUpdate)
		}
		m.st.Commitment = lu.st.Commitment
		m.st.LocalMsat = lu.st.LocalMsat
		m.st.RemoteMsat = lu.st.RemoteMsat
	case UpdatePreimage:
		if !slices.Contains(m.st.Preimages, lu.st.Preimage) {
			m.st.Preimages = append(m.st.Preimages, lu.st.Preimage)
			slices.Sort(m.st.Preimages)
		}
	case UpdateClose:
		if m.st.Closed {
			return fmt.Errorf("%s: %w", m.funding, ErrChannelClosed)
		}
		m.st.Closed = true
		m.st.ClosedHeight = m.best.Height
	default:
		return fmt.Errorf("%w: kind %q", ErrInvalidUpdate, lu.st.Kind)
	}

	m.st.UpdateID = lu.st.ID
	return nil
}

// Encode implements channel.Encoder.
func (m *Monitor) Encode() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return codec.Encode(m.st)
}

// Digest returns a fingerprint of the monitor state.
func (m *Monitor) Digest() (string, error) {
	b, err := m.Encode()
	if err != nil {
		return "", err
	}
	return codec.Digest(codec.DomainMonitor, b), nil
}

// Balances returns the local and remote balances in millisatoshis.
func (m *Monitor) Balances() (local, remote uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.LocalMsat, m.st.RemoteMsat
}

// CapacitySat returns the channel capacity.
func (m *Monitor) CapacitySat() int64 {
	return m.st.CapacitySat
}

// Commitment returns the current commitment number.
func (m *Monitor) Commitment() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Commitment
}

// Closed reports whether the channel has been closed.
func (m *Monitor) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Closed
}

// HasPreimage reports whether preimage has been recorded.
func (m *Monitor) HasPreimage(preimage events.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.st.Preimages, hex.EncodeToString(preimage[:]))
}

// takeSpendable returns the matured local output once. The caller
// persists the monitor afterwards so the output is not reported again.
func (m *Monitor) takeSpendable() (events.SpendableOutput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.st.Closed || m.st.Swept || m.best.Height < m.st.ClosedHeight+CloseMaturity {
		return events.SpendableOutput{}, false
	}
	m.st.Swept = true
	if m.st.LocalMsat < 1000 {
		return events.SpendableOutput{}, false
	}
	return events.SpendableOutput{Outpoint: m.funding, ValueSat: int64(m.st.LocalMsat / 1000)}, true
}

func parseBlockRef(hash string, height int32) (channel.BlockRef, error) {
	h, err := chainhash.NewHashFromStr(hash)
	if err != nil {
		return channel.BlockRef{}, fmt.Errorf("best block hash: %w", err)
	}
	return channel.BlockRef{Hash: *h, Height: height}, nil
}

func sortOutpoints(ops []channel.Outpoint) {
	slices.SortFunc(ops, func(a, b channel.Outpoint) int {
		return strings.Compare(a.String(), b.String())
	})
}
