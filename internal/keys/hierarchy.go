package keys

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/roach88/chanvault/internal/ids"
	"github.com/roach88/chanvault/internal/store"
)

// entropyBits is the mnemonic strength; 256 bits yields 24 words.
const entropyBits = 256

// Hierarchy derives node keys from the installation's master seed.
type Hierarchy struct {
	st      *store.Store
	net     *chaincfg.Params
	ids     ids.Generator
	entropy func() ([]byte, error)
	logger  *slog.Logger
}

// Option configures a Hierarchy.
type Option func(*Hierarchy)

// WithIDs sets the generator for seed and key record ids.
func WithIDs(g ids.Generator) Option {
	return func(h *Hierarchy) { h.ids = g }
}

// WithEntropy replaces the mnemonic entropy source. Tests use it to get a
// reproducible master seed.
func WithEntropy(f func() ([]byte, error)) Option {
	return func(h *Hierarchy) { h.entropy = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hierarchy) { h.logger = l }
}

// NewHierarchy creates a Hierarchy over st for the given network.
func NewHierarchy(st *store.Store, net *chaincfg.Params, opts ...Option) *Hierarchy {
	h := &Hierarchy{
		st:  st,
		net: net,
		ids: ids.UUIDv7{},
		entropy: func() ([]byte, error) {
			return bip39.NewEntropy(entropyBits)
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Network returns the chain parameters keys are derived for.
func (h *Hierarchy) Network() *chaincfg.Params {
	return h.net
}

// EnsureMasterSeed returns the master seed, generating and storing one
// from a fresh mnemonic if none exists yet. Idempotent.
func (h *Hierarchy) EnsureMasterSeed(ctx context.Context) (store.MasterSeed, error) {
	seed, err := h.st.FirstMasterSeed(ctx)
	if err == nil {
		return seed, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.MasterSeed{}, fmt.Errorf("load master seed: %w", err)
	}

	entropy, err := h.entropy()
	if err != nil {
		return store.MasterSeed{}, fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return store.MasterSeed{}, fmt.Errorf("generate mnemonic: %w", err)
	}

	seed = store.MasterSeed{
		ID:       h.ids.NewID(),
		Seed:     bip39.NewSeed(mnemonic, ""),
		Mnemonic: mnemonic,
	}
	if err := h.st.InsertMasterSeed(ctx, seed); err != nil {
		if store.IsInconsistent(err) {
			// Lost a race with another creator; theirs is authoritative.
			return h.st.FirstMasterSeed(ctx)
		}
		return store.MasterSeed{}, fmt.Errorf("store master seed: %w", err)
	}

	h.logger.Info("created master seed", "id", seed.ID)
	return seed, nil
}

// AllocateNodeKey creates a key record with the next unused child index
// under the master seed.
func (h *Hierarchy) AllocateNodeKey(ctx context.Context) (store.NodeKey, error) {
	seed, err := h.EnsureMasterSeed(ctx)
	if err != nil {
		return store.NodeKey{}, err
	}
	k, err := h.st.AllocateNodeKey(ctx, h.ids.NewID(), seed.ID)
	if err != nil {
		return store.NodeKey{}, fmt.Errorf("allocate node key: %w", err)
	}
	h.logger.Debug("allocated node key", "id", k.ID, "child_index", k.ChildIndex)
	return k, nil
}

// DeriveNodeKey regenerates the signing material for the key record with
// the given id. Any missing or inconsistent input is a KeyDerivationError.
func (h *Hierarchy) DeriveNodeKey(ctx context.Context, keyID string) (*SigningMaterial, error) {
	k, err := h.st.NodeKey(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &KeyDerivationError{KeyID: keyID, Reason: "key record missing"}
	}
	if err != nil {
		return nil, &KeyDerivationError{KeyID: keyID, Reason: "load key record", Err: err}
	}

	seed, err := h.st.MasterSeed(ctx, k.MasterSeedID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &KeyDerivationError{KeyID: keyID, Reason: "master seed missing"}
	}
	if err != nil {
		return nil, &KeyDerivationError{KeyID: keyID, Reason: "load master seed", Err: err}
	}

	regenerated, err := bip39.NewSeedWithErrorChecking(seed.Mnemonic, "")
	if err != nil {
		return nil, &KeyDerivationError{KeyID: keyID, Reason: "invalid mnemonic", Err: err}
	}
	if !bytes.Equal(regenerated, seed.Seed) {
		return nil, &KeyDerivationError{KeyID: keyID, Reason: "seed does not match mnemonic"}
	}

	m, err := Derive(seed.Seed, k.ChildIndex, h.net)
	if err != nil {
		return nil, &KeyDerivationError{KeyID: keyID, Reason: "derive child", Err: err}
	}
	m.KeyID = keyID
	return m, nil
}

// Derive computes the node signing material at m/index' from a raw seed.
// Pure and deterministic.
func Derive(seed []byte, index uint32, net *chaincfg.Params) (*SigningMaterial, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("child index %d out of range", index)
	}
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	child, err := master.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, fmt.Errorf("child %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("child %d private key: %w", index, err)
	}
	return &SigningMaterial{
		ChildIndex: index,
		ext:        child,
		priv:       priv,
		net:        net,
	}, nil
}
