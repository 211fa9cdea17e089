package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/codec"
	"github.com/roach88/chanvault/internal/events"
)

// UpdateKind identifies what an Update changes.
type UpdateKind string

const (
	// UpdateCommitment advances the commitment and sets both balances.
	UpdateCommitment UpdateKind = "commitment"
	// UpdatePreimage records a payment preimage.
	UpdatePreimage UpdateKind = "preimage"
	// UpdateClose marks the channel closed.
	UpdateClose UpdateKind = "close"
)

type updateState struct {
	ID         uint64     `json:"update_id"`
	Kind       UpdateKind `json:"kind"`
	Commitment uint64     `json:"commitment_number,omitempty"`
	LocalMsat  uint64     `json:"to_local_msat,omitempty"`
	RemoteMsat uint64     `json:"to_remote_msat,omitempty"`
	Preimage   string     `json:"preimage,omitempty"`
}

// Update is one incremental monitor change.
type Update struct {
	st updateState
}

var _ channel.Update = (*Update)(nil)

// CommitmentUpdate returns an update moving to commitment number n with
// the given balances.
func CommitmentUpdate(id, n, localMsat, remoteMsat uint64) *Update {
	return &Update{st: updateState{ID: id, Kind: UpdateCommitment, Commitment: n, LocalMsat: localMsat, RemoteMsat: remoteMsat}}
}

// PreimageUpdate returns an update recording preimage.
func PreimageUpdate(id uint64, preimage events.Hash) *Update {
	return &Update{st: updateState{ID: id, Kind: UpdatePreimage, Preimage: hex.EncodeToString(preimage[:])}}
}

// CloseUpdate returns an update closing the channel.
func CloseUpdate(id uint64) *Update {
	return &Update{st: updateState{ID: id, Kind: UpdateClose}}
}

// ID implements channel.Update.
func (u *Update) ID() uint64 { return u.st.ID }

// Kind returns the update kind.
func (u *Update) Kind() UpdateKind { return u.st.Kind }

// Encode implements channel.Encoder.
func (u *Update) Encode() ([]byte, error) {
	return codec.Encode(u.st)
}

func decodeUpdate(blob []byte) (*Update, error) {
	var st updateState
	if err := codec.Decode(blob, &st); err != nil {
		return nil, err
	}
	switch st.Kind {
	case UpdateCommitment, UpdateClose:
	case UpdatePreimage:
		if b, err := hex.DecodeString(st.Preimage); err != nil || len(b) != 32 {
			return nil, fmt.Errorf("%w: bad preimage %q", ErrInvalidUpdate, st.Preimage)
		}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidUpdate, st.Kind)
	}
	return &Update{st: st}, nil
}
