package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/codec"
	"github.com/roach88/chanvault/internal/events"
)

// ForwardDelay is the delay reported with PendingHTLCsForwardable.
const ForwardDelay = 100 * time.Millisecond

const domainTempChannel = "chanvault/temp-channel/v1"

type managerChannel struct {
	FundingTxid   string `json:"funding_txid"`
	FundingIndex  uint16 `json:"funding_index"`
	UserChannelID uint64 `json:"user_channel_id"`
	UpdateID      uint64 `json:"update_id"`
}

type pendingChannel struct {
	TempID        string `json:"temp_channel_id"`
	CapacitySat   int64  `json:"capacity_sat"`
	PushMsat      uint64 `json:"push_msat"`
	UserChannelID uint64 `json:"user_channel_id"`
}

type pendingHTLC struct {
	PaymentHash  string `json:"payment_hash"`
	FundingTxid  string `json:"funding_txid"`
	FundingIndex uint16 `json:"funding_index"`
	AmountMsat   uint64 `json:"amount_msat"`
	Claimable    bool   `json:"claimable"`
}

type managerState struct {
	NodeID     string            `json:"node_id"`
	ChainHash  string            `json:"chain_hash"`
	BestHash   string            `json:"best_hash"`
	BestHeight int32             `json:"best_height"`
	NextTempID uint64            `json:"next_temp_id"`
	Channels   []managerChannel  `json:"channels"`
	Pending    []pendingChannel  `json:"pending_channels"`
	HTLCs      []pendingHTLC     `json:"htlcs"`
	Invoices   map[string]string `json:"invoices"`
}

// ChannelInfo summarizes one funded channel.
type ChannelInfo struct {
	Outpoint      channel.Outpoint
	UserChannelID uint64
	CapacitySat   int64
	LocalMsat     uint64
	RemoteMsat    uint64
	UpdateID      uint64
	Closed        bool
}

// Manager is the node-wide channel manager: it opens channels, moves
// balances and claims payments, driving monitors through the Watcher.
type Manager struct {
	cfg    channel.ManagerConfig
	queue  *events.Queue
	logger *slog.Logger

	mu       sync.Mutex
	st       managerState
	best     channel.BlockRef
	monitors map[channel.Outpoint]*Monitor
	userIDs  map[channel.Outpoint]uint64
}

var (
	_ channel.Manager = (*Manager)(nil)
	_ events.Channels = (*Manager)(nil)
	_ events.Source   = (*Manager)(nil)
)

func newManager(cfg channel.ManagerConfig, tip channel.BlockRef, logger *slog.Logger) *Manager {
	id := cfg.Signer.NodeID()
	return &Manager{
		cfg:    cfg,
		queue:  events.NewQueue(),
		logger: logger,
		st: managerState{
			NodeID:     hex.EncodeToString(id[:]),
			ChainHash:  cfg.Network.GenesisHash.String(),
			BestHash:   tip.Hash.String(),
			BestHeight: tip.Height,
			Channels:   []managerChannel{},
			Pending:    []pendingChannel{},
			HTLCs:      []pendingHTLC{},
			Invoices:   map[string]string{},
		},
		best:     tip,
		monitors: make(map[channel.Outpoint]*Monitor),
		userIDs:  make(map[channel.Outpoint]uint64),
	}
}

func decodeManager(blob []byte, cfg channel.ManagerConfig, monitors []channel.Monitor, logger *slog.Logger) (*Manager, error) {
	var st managerState
	if err := codec.Decode(blob, &st); err != nil {
		return nil, err
	}
	id := cfg.Signer.NodeID()
	if st.NodeID != hex.EncodeToString(id[:]) || st.ChainHash != cfg.Network.GenesisHash.String() {
		return nil, fmt.Errorf("manager: %w", ErrForeignState)
	}
	best, err := parseBlockRef(st.BestHash, st.BestHeight)
	if err != nil {
		return nil, err
	}

	byOp := make(map[channel.Outpoint]*Monitor, len(monitors))
	for _, m := range monitors {
		lm, ok := m.(*Monitor)
		if !ok {
			return nil, fmt.Errorf("manager: unsupported monitor type %T", m)
		}
		byOp[lm.FundingOutpoint()] = lm
	}

	mgr := &Manager{
		cfg:      cfg,
		queue:    events.NewQueue(),
		logger:   logger,
		st:       st,
		best:     best,
		monitors: make(map[channel.Outpoint]*Monitor, len(monitors)),
		userIDs:  make(map[channel.Outpoint]uint64, len(st.Channels)),
	}
	if mgr.st.Invoices == nil {
		mgr.st.Invoices = map[string]string{}
	}

	for _, ch := range st.Channels {
		op, err := outpointOf(ch.FundingTxid, ch.FundingIndex)
		if err != nil {
			return nil, err
		}
		m, ok := byOp[op]
		if !ok {
			return nil, fmt.Errorf("manager: %s: %w", op, ErrMissingMonitor)
		}
		if m.LatestUpdateID() < ch.UpdateID {
			return nil, fmt.Errorf("manager: %s at update %d, monitor at %d: %w", op, ch.UpdateID, m.LatestUpdateID(), ErrStaleMonitor)
		}
		mgr.monitors[op] = m
		mgr.userIDs[op] = ch.UserChannelID
		delete(byOp, op)
	}

	// Monitors persisted after the manager's last write.
	for op, m := range byOp {
		logger.Warn("adopting channel unknown to manager", "channel", op)
		mgr.monitors[op] = m
		mgr.userIDs[op] = 0
	}
	mgr.syncChannelsLocked()
	return mgr, nil
}

// Events implements events.Source.
func (m *Manager) Events() *events.Queue {
	return m.queue
}

// BestBlock implements channel.Listener.
func (m *Manager) BestBlock() channel.BlockRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.best
}

// BlockConnected implements channel.Listener.
func (m *Manager) BlockConnected(_ context.Context, header *wire.BlockHeader, height int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height <= m.best.Height {
		return nil
	}
	m.best = channel.BlockRef{Hash: header.BlockHash(), Height: height}
	m.st.BestHash = m.best.Hash.String()
	m.st.BestHeight = height
	return nil
}

// Encode implements channel.Encoder.
func (m *Manager) Encode() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncChannelsLocked()
	return codec.Encode(m.st)
}

// Channels implements channel.Manager. Sorted by outpoint.
func (m *Manager) Channels() []channel.Outpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

// ListChannels returns a summary of every funded channel.
func (m *Manager) ListChannels() []ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops := m.sortedLocked()
	out := make([]ChannelInfo, len(ops))
	for i, op := range ops {
		mon := m.monitors[op]
		local, remote := mon.Balances()
		out[i] = ChannelInfo{
			Outpoint:      op,
			UserChannelID: m.userIDs[op],
			CapacitySat:   mon.CapacitySat(),
			LocalMsat:     local,
			RemoteMsat:    remote,
			UpdateID:      mon.LatestUpdateID(),
			Closed:        mon.Closed(),
		}
	}
	return out
}

// ChannelByUserID returns the funding outpoint of the channel opened with
// userChannelID.
func (m *Manager) ChannelByUserID(userChannelID uint64) (channel.Outpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for op, id := range m.userIDs {
		if id == userChannelID {
			return op, true
		}
	}
	return channel.Outpoint{}, false
}

// OpenChannel starts opening a channel of capacitySat, pushing pushMsat to
// the peer. The funding output is requested with a FundingGenerationReady
// event.
func (m *Manager) OpenChannel(_ context.Context, capacitySat int64, pushMsat uint64, userChannelID uint64) (events.Hash, error) {
	if capacitySat <= 0 || pushMsat > uint64(capacitySat)*1000 {
		return events.Hash{}, fmt.Errorf("open channel: invalid capacity %d sat with push %d msat", capacitySat, pushMsat)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Temporary ids mix in the session entropy and differ on every start.
	nid := m.cfg.Signer.NodeID()
	var buf [73]byte
	copy(buf[:33], nid[:])
	copy(buf[33:65], m.cfg.Session[:])
	binary.BigEndian.PutUint64(buf[65:], m.st.NextTempID)
	m.st.NextTempID++

	var temp events.Hash
	copy(temp[:], codec.Sum(domainTempChannel, buf[:]))

	m.st.Pending = append(m.st.Pending, pendingChannel{
		TempID:        hex.EncodeToString(temp[:]),
		CapacitySat:   capacitySat,
		PushMsat:      pushMsat,
		UserChannelID: userChannelID,
	})

	script, err := fundingScript(temp)
	if err != nil {
		return events.Hash{}, err
	}
	m.queue.Enqueue(events.FundingGenerationReady{
		TempChannelID: temp,
		ValueSat:      capacitySat,
		OutputScript:  script,
		UserChannelID: userChannelID,
	})
	return temp, nil
}

// FundingTransactionGenerated implements events.Channels. It creates the
// channel's monitor and hands it to the watcher.
func (m *Manager) FundingTransactionGenerated(ctx context.Context, temp events.Hash, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tempHex := hex.EncodeToString(temp[:])
	idx := -1
	for i, p := range m.st.Pending {
		if p.TempID == tempHex {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("funding %s: %w", tempHex, ErrUnknownChannel)
	}
	pending := m.st.Pending[idx]

	script, err := fundingScript(temp)
	if err != nil {
		return err
	}
	vout := -1
	for i, out := range tx.TxOut {
		if out.Value == pending.CapacitySat && string(out.PkScript) == string(script) {
			vout = i
			break
		}
	}
	if vout < 0 {
		return fmt.Errorf("funding %s: transaction %s has no matching output", tempHex, tx.TxHash())
	}

	op := channel.Outpoint{Txid: tx.TxHash(), Index: uint16(vout)}
	local := uint64(pending.CapacitySat)*1000 - pending.PushMsat
	mon, err := newMonitor(m.cfg.Signer, op, pending.CapacitySat, local, pending.PushMsat, m.best)
	if err != nil {
		return err
	}

	m.st.Pending = append(m.st.Pending[:idx], m.st.Pending[idx+1:]...)
	if err := m.cfg.Watcher.Watch(ctx, mon); err != nil {
		m.queue.Enqueue(events.DiscardFunding{TempChannelID: temp, Tx: tx})
		return fmt.Errorf("funding %s: %w", op, err)
	}

	m.monitors[op] = mon
	m.userIDs[op] = pending.UserChannelID
	m.syncChannelsLocked()
	m.logger.Info("channel funded", "channel", op, "capacity_sat", pending.CapacitySat)
	return nil
}

// Pay sends amountMsat over the channel at op. The peer reveals preimage
// on success.
func (m *Manager) Pay(ctx context.Context, op channel.Outpoint, amountMsat uint64, preimage events.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := events.Hash(sha256.Sum256(preimage[:]))
	mon, err := m.openMonitorLocked(op)
	if err != nil {
		m.queue.Enqueue(events.PaymentFailed{PaymentHash: hash, Reason: err.Error()})
		return err
	}
	local, remote := mon.Balances()
	if local < amountMsat {
		m.queue.Enqueue(events.PaymentFailed{PaymentHash: hash, Reason: ErrInsufficientBalance.Error()})
		return fmt.Errorf("pay %d msat over %s: %w", amountMsat, op, ErrInsufficientBalance)
	}

	u := CommitmentUpdate(mon.LatestUpdateID()+1, mon.Commitment()+1, local-amountMsat, remote+amountMsat)
	if err := m.cfg.Watcher.UpdateChannel(ctx, op, u); err != nil {
		m.queue.Enqueue(events.PaymentFailed{PaymentHash: hash, Reason: err.Error()})
		return err
	}
	m.queue.Enqueue(events.PaymentSent{PaymentHash: hash, Preimage: preimage, AmountMsat: amountMsat})
	return nil
}

// AddInvoice registers preimage so inbound payments to its hash can be
// claimed. Returns the payment hash.
func (m *Manager) AddInvoice(preimage events.Hash) events.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := events.Hash(sha256.Sum256(preimage[:]))
	m.st.Invoices[hex.EncodeToString(hash[:])] = hex.EncodeToString(preimage[:])
	return hash
}

// Receive accepts an inbound HTLC of amountMsat for paymentHash on the
// channel at op. It becomes claimable after ProcessPendingForwards.
func (m *Manager) Receive(ctx context.Context, op channel.Outpoint, amountMsat uint64, paymentHash events.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mon, err := m.openMonitorLocked(op)
	if err != nil {
		return err
	}
	if _, remote := mon.Balances(); remote < amountMsat {
		return fmt.Errorf("receive %d msat over %s: %w", amountMsat, op, ErrInsufficientBalance)
	}

	m.st.HTLCs = append(m.st.HTLCs, pendingHTLC{
		PaymentHash:  hex.EncodeToString(paymentHash[:]),
		FundingTxid:  op.Txid.String(),
		FundingIndex: op.Index,
		AmountMsat:   amountMsat,
	})
	m.queue.Enqueue(events.PendingHTLCsForwardable{Delay: ForwardDelay})
	return nil
}

// ProcessPendingForwards implements events.Channels.
func (m *Manager) ProcessPendingForwards(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.st.HTLCs {
		h := &m.st.HTLCs[i]
		if h.Claimable {
			continue
		}
		h.Claimable = true

		var hash events.Hash
		if err := decodeHash(h.PaymentHash, &hash); err != nil {
			return err
		}
		ev := events.PaymentReceived{PaymentHash: hash, AmountMsat: h.AmountMsat}
		if pre, ok := m.st.Invoices[h.PaymentHash]; ok {
			var preimage events.Hash
			if err := decodeHash(pre, &preimage); err != nil {
				return err
			}
			ev.Preimage = &preimage
		}
		m.queue.Enqueue(ev)
	}
	return nil
}

// ClaimFunds implements events.Channels. The preimage is recorded before
// the balance moves.
func (m *Manager) ClaimFunds(ctx context.Context, preimage events.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := sha256.Sum256(preimage[:])
	hashHex := hex.EncodeToString(hash[:])

	idx := -1
	for i, h := range m.st.HTLCs {
		if h.Claimable && h.PaymentHash == hashHex {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("claim %s: %w", hashHex, ErrUnknownHTLC)
	}
	htlc := m.st.HTLCs[idx]

	op, err := outpointOf(htlc.FundingTxid, htlc.FundingIndex)
	if err != nil {
		return err
	}
	mon, err := m.openMonitorLocked(op)
	if err != nil {
		return err
	}

	id := mon.LatestUpdateID() + 1
	if err := m.cfg.Watcher.UpdateChannel(ctx, op, PreimageUpdate(id, preimage)); err != nil {
		return err
	}
	local, remote := mon.Balances()
	if err := m.cfg.Watcher.UpdateChannel(ctx, op, CommitmentUpdate(id+1, mon.Commitment()+1, local+htlc.AmountMsat, remote-htlc.AmountMsat)); err != nil {
		return err
	}

	m.st.HTLCs = append(m.st.HTLCs[:idx], m.st.HTLCs[idx+1:]...)
	delete(m.st.Invoices, hashHex)
	return nil
}

// CloseChannel cooperatively closes the channel at op.
func (m *Manager) CloseChannel(ctx context.Context, op channel.Outpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mon, err := m.openMonitorLocked(op)
	if err != nil {
		return err
	}
	if err := m.cfg.Watcher.UpdateChannel(ctx, op, CloseUpdate(mon.LatestUpdateID()+1)); err != nil {
		return err
	}
	m.queue.Enqueue(events.ChannelClosed{Channel: op, UserChannelID: m.userIDs[op], Reason: "cooperative close"})
	return nil
}

// SpendOutputs implements events.Channels. It builds a transaction moving
// every output to script at feeRate sat/kw.
func (m *Manager) SpendOutputs(_ context.Context, outputs []events.SpendableOutput, script []byte, feeRate uint32) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(2)
	var total int64
	for _, out := range outputs {
		txid := out.Outpoint.Txid
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&txid, uint32(out.Outpoint.Index)), nil, nil))
		total += out.ValueSat
	}

	// Non-witness bytes count four weight units; each P2WPKH-style input
	// adds about 108 witness units.
	weight := int64(4*(10+31) + len(outputs)*(4*41+108))
	fee := int64(feeRate) * weight / 1000
	if total <= fee {
		return nil, fmt.Errorf("spend outputs: %d sat does not cover fee %d sat", total, fee)
	}
	tx.AddTxOut(wire.NewTxOut(total-fee, script))
	return tx, nil
}

// Digest returns a fingerprint of the manager state.
func (m *Manager) Digest() (string, error) {
	b, err := m.Encode()
	if err != nil {
		return "", err
	}
	return codec.Digest(codec.DomainManager, b), nil
}

func (m *Manager) openMonitorLocked(op channel.Outpoint) (*Monitor, error) {
	mon, ok := m.monitors[op]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrUnknownChannel)
	}
	if mon.Closed() {
		return nil, fmt.Errorf("%s: %w", op, ErrChannelClosed)
	}
	return mon, nil
}

func (m *Manager) sortedLocked() []channel.Outpoint {
	ops := make([]channel.Outpoint, 0, len(m.monitors))
	for op := range m.monitors {
		ops = append(ops, op)
	}
	sortOutpoints(ops)
	return ops
}

// syncChannelsLocked rebuilds the persisted channel list from live monitors.
func (m *Manager) syncChannelsLocked() {
	ops := m.sortedLocked()
	chans := make([]managerChannel, len(ops))
	for i, op := range ops {
		chans[i] = managerChannel{
			FundingTxid:   op.Txid.String(),
			FundingIndex:  op.Index,
			UserChannelID: m.userIDs[op],
			UpdateID:      m.monitors[op].LatestUpdateID(),
		}
	}
	m.st.Channels = chans
}

// fundingScript is the P2WSH output the counterparty expects for temp.
func fundingScript(temp events.Hash) ([]byte, error) {
	witness := sha256.Sum256(temp[:])
	return txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(witness[:]).Script()
}

func outpointOf(txid string, index uint16) (channel.Outpoint, error) {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return channel.Outpoint{}, fmt.Errorf("funding txid %q: %w", txid, err)
	}
	return channel.Outpoint{Txid: *h, Index: index}, nil
}

func decodeHash(s string, out *events.Hash) error {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return fmt.Errorf("bad hash %q", s)
	}
	copy(out[:], b)
	return nil
}
