package ledger

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/codec"
)

// GraphChannel is one public channel announcement.
type GraphChannel struct {
	ShortChannelID uint64 `json:"short_channel_id"`
	NodeA          string `json:"node_a"`
	NodeB          string `json:"node_b"`
	CapacitySat    int64  `json:"capacity_sat"`
}

type graphState struct {
	ChainHash string         `json:"chain_hash"`
	Channels  []GraphChannel `json:"channels"`
}

// Graph is a minimal routing graph keyed by short channel id.
type Graph struct {
	net *chaincfg.Params

	mu sync.Mutex
	st graphState
}

var _ channel.Graph = (*Graph)(nil)

func newGraph(net *chaincfg.Params) *Graph {
	return &Graph{net: net, st: graphState{ChainHash: net.GenesisHash.String(), Channels: []GraphChannel{}}}
}

func decodeGraph(blob []byte, net *chaincfg.Params) (*Graph, error) {
	var st graphState
	if err := codec.Decode(blob, &st); err != nil {
		return nil, err
	}
	if st.ChainHash != net.GenesisHash.String() {
		return nil, fmt.Errorf("graph for chain %s: %w", st.ChainHash, ErrForeignState)
	}
	if st.Channels == nil {
		st.Channels = []GraphChannel{}
	}
	return &Graph{net: net, st: st}, nil
}

// Network implements channel.Graph.
func (g *Graph) Network() *chaincfg.Params { return g.net }

// AddChannel records or replaces an announcement.
func (g *Graph) AddChannel(c GraphChannel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.st.Channels {
		if g.st.Channels[i].ShortChannelID == c.ShortChannelID {
			g.st.Channels[i] = c
			return
		}
	}
	g.st.Channels = append(g.st.Channels, c)
}

// Len returns the number of known channels.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.st.Channels)
}

// Encode implements channel.Encoder.
func (g *Graph) Encode() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return codec.Encode(g.st)
}

type scorerState struct {
	ChainHash string            `json:"chain_hash"`
	Penalties map[string]uint64 `json:"penalties_msat"`
}

// Scorer tracks per-channel routing penalties over a Graph.
type Scorer struct {
	graph *Graph

	mu sync.Mutex
	st scorerState
}

var _ channel.Scorer = (*Scorer)(nil)

func newScorer(g *Graph) *Scorer {
	return &Scorer{graph: g, st: scorerState{ChainHash: g.st.ChainHash, Penalties: map[string]uint64{}}}
}

func decodeScorer(blob []byte, g *Graph) (*Scorer, error) {
	var st scorerState
	if err := codec.Decode(blob, &st); err != nil {
		return nil, err
	}
	if st.ChainHash != g.net.GenesisHash.String() {
		return nil, fmt.Errorf("scorer for chain %s: %w", st.ChainHash, ErrForeignState)
	}
	if st.Penalties == nil {
		st.Penalties = map[string]uint64{}
	}
	return &Scorer{graph: g, st: st}, nil
}

// Penalize adds penaltyMsat to the channel's score.
func (s *Scorer) Penalize(shortChannelID uint64, penaltyMsat uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Penalties[fmt.Sprint(shortChannelID)] += penaltyMsat
}

// Penalty returns the accumulated penalty for a channel.
func (s *Scorer) Penalty(shortChannelID uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Penalties[fmt.Sprint(shortChannelID)]
}

// Encode implements channel.Encoder.
func (s *Scorer) Encode() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return codec.Encode(s.st)
}
