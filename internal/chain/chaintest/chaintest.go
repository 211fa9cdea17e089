// Package chaintest provides a deterministic in-memory chain implementing
// chain.Backend.
package chaintest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/chain"
	"github.com/roach88/chanvault/internal/channel"
)

// ErrUnreachable is wrapped in a chain.TransientError while the chain is
// marked down.
var ErrUnreachable = errors.New("backend unreachable")

// Chain is an in-memory best chain starting at the network's genesis
// block. Mined blocks include every transaction broadcast since the
// previous block. Safe for concurrent use.
type Chain struct {
	mu        sync.Mutex
	net       *chaincfg.Params
	blocks    []*wire.MsgBlock
	heights   map[chainhash.Hash]int32
	mempool   []*wire.MsgTx
	broadcast []*wire.MsgTx
	fees      map[chain.Priority]uint32
	reject    error
	down      bool
	nextCoin  uint32
}

var _ chain.Backend = (*Chain)(nil)

// New creates a chain holding only the genesis block of net.
func New(net *chaincfg.Params) *Chain {
	genesis := net.GenesisBlock
	return &Chain{
		net:     net,
		blocks:  []*wire.MsgBlock{genesis},
		heights: map[chainhash.Hash]int32{genesis.BlockHash(): 0},
		fees:    make(map[chain.Priority]uint32),
	}
}

// Mine appends n blocks and returns the new tip.
func (c *Chain) Mine(n int) channel.BlockRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < n; i++ {
		prev := c.blocks[len(c.blocks)-1]
		height := int32(len(c.blocks))

		var root chainhash.Hash
		binary.BigEndian.PutUint32(root[:], uint32(height))
		blk := &wire.MsgBlock{
			Header: wire.BlockHeader{
				Version:    1,
				PrevBlock:  prev.BlockHash(),
				MerkleRoot: root,
				Timestamp:  prev.Header.Timestamp.Add(10 * time.Minute),
				Bits:       prev.Header.Bits,
				Nonce:      uint32(height),
			},
			Transactions: c.mempool,
		}
		c.mempool = nil
		c.blocks = append(c.blocks, blk)
		c.heights[blk.BlockHash()] = height
	}
	return c.tipLocked()
}

// Tip returns the current best block.
func (c *Chain) Tip() channel.BlockRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipLocked()
}

func (c *Chain) tipLocked() channel.BlockRef {
	top := c.blocks[len(c.blocks)-1]
	return channel.BlockRef{Hash: top.BlockHash(), Height: int32(len(c.blocks) - 1)}
}

// SetDown makes every block source call fail with a TransientError.
func (c *Chain) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// SetFee sets the estimate returned for p. Zero means "no estimate".
func (c *Chain) SetFee(p chain.Priority, satPerKW uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fees[p] = satPerKW
}

// RejectBroadcasts makes Broadcast behave as if the node returned err.
// Pass nil to accept again.
func (c *Chain) RejectBroadcasts(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reject = err
}

// Broadcasts returns every accepted transaction in order.
func (c *Chain) Broadcasts() []*wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.MsgTx(nil), c.broadcast...)
}

// GetHeader implements chain.BlockSource.
func (c *Chain) GetHeader(ctx context.Context, hash *chainhash.Hash) (*chain.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, &chain.TransientError{Op: "get header", Err: ErrUnreachable}
	}
	h, ok := c.heights[*hash]
	if !ok {
		return nil, &chain.TransientError{Op: "get header", Err: fmt.Errorf("unknown block %s", hash)}
	}
	return &chain.Header{Header: c.blocks[h].Header, Height: h}, nil
}

// GetBlock implements chain.BlockSource.
func (c *Chain) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, &chain.TransientError{Op: "get block", Err: ErrUnreachable}
	}
	h, ok := c.heights[*hash]
	if !ok {
		return nil, &chain.TransientError{Op: "get block", Err: fmt.Errorf("unknown block %s", hash)}
	}
	return c.blocks[h], nil
}

// GetBestBlock implements chain.BlockSource.
func (c *Chain) GetBestBlock(ctx context.Context) (channel.BlockRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return channel.BlockRef{}, &chain.TransientError{Op: "get best block", Err: ErrUnreachable}
	}
	return c.tipLocked(), nil
}

// EstimateFee implements chain.FeeEstimator.
func (c *Chain) EstimateFee(ctx context.Context, p chain.Priority) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	fee := c.fees[p]
	if c.down || fee < chain.FeeFloor {
		return chain.FeeFloor
	}
	return fee
}

// Broadcast implements chain.Broadcaster with the same benign-error
// filtering as the bitcoind backend.
func (c *Chain) Broadcast(ctx context.Context, tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject != nil {
		if chain.IsBenignBroadcastError(c.reject) {
			return nil
		}
		return &chain.BroadcastError{Txid: tx.TxHash(), Err: c.reject}
	}
	c.broadcast = append(c.broadcast, tx)
	c.mempool = append(c.mempool, tx)
	return nil
}

// FundTx implements chain.Wallet by spending one synthetic coin. No change
// output is added.
func (c *Chain) FundTx(ctx context.Context, tx *wire.MsgTx, feeRate uint32) (*wire.MsgTx, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCoin++
	var prev chainhash.Hash
	binary.BigEndian.PutUint32(prev[:], c.nextCoin)

	funded := tx.Copy()
	funded.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), nil, nil))
	return funded, -1, nil
}

// SignTx implements chain.Wallet. Every input gets a placeholder witness.
func (c *Chain) SignTx(ctx context.Context, tx *wire.MsgTx) (*wire.MsgTx, bool, error) {
	signed := tx.Copy()
	for _, in := range signed.TxIn {
		in.Witness = wire.TxWitness{{0x01}}
	}
	return signed, len(signed.TxIn) > 0, nil
}

// NewAddress implements chain.Wallet.
func (c *Chain) NewAddress(ctx context.Context) (btcutil.Address, error) {
	c.mu.Lock()
	c.nextCoin++
	n := c.nextCoin
	c.mu.Unlock()

	var hash [20]byte
	binary.BigEndian.PutUint32(hash[:], n)
	return btcutil.NewAddressWitnessPubKeyHash(hash[:], c.net)
}
