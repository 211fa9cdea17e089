package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/channel"
)

// ConnectFunc receives one block during a walk.
type ConnectFunc func(ctx context.Context, header *wire.BlockHeader, height int32) error

// Walk connects every block after from up to and including tip, in
// ascending height order. It follows PrevBlock links back from tip, so from
// must be an ancestor of tip; otherwise Walk returns ErrForked without
// calling fn. Returns the number of blocks connected.
func Walk(ctx context.Context, src BlockSource, from, tip channel.BlockRef, fn ConnectFunc) (int, error) {
	var path []*Header
	cur := tip.Hash
	for cur != from.Hash {
		h, err := src.GetHeader(ctx, &cur)
		if err != nil {
			return 0, err
		}
		if h.Height <= from.Height {
			return 0, fmt.Errorf("walk from %s to %s: %w", from, tip, ErrForked)
		}
		path = append(path, h)
		cur = h.Header.PrevBlock
	}

	for i := len(path) - 1; i >= 0; i-- {
		h := path[i]
		if err := fn(ctx, &h.Header, h.Height); err != nil {
			return len(path) - 1 - i, fmt.Errorf("connect block %d: %w", h.Height, err)
		}
	}
	return len(path), nil
}
