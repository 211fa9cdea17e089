package harness

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/roach88/chanvault/internal/chain"
	"github.com/roach88/chanvault/internal/chain/chaintest"
	"github.com/roach88/chanvault/internal/channel"
	"github.com/roach88/chanvault/internal/events"
	"github.com/roach88/chanvault/internal/ids"
	"github.com/roach88/chanvault/internal/keys"
	"github.com/roach88/chanvault/internal/ledger"
	"github.com/roach88/chanvault/internal/node"
	"github.com/roach88/chanvault/internal/persist"
	"github.com/roach88/chanvault/internal/recovery"
	"github.com/roach88/chanvault/internal/store"
	"github.com/roach88/chanvault/internal/testutil"
)

// Network is the chain every scenario runs on.
var Network = &chaincfg.RegressionNetParams

// TraceEntry is one recorded step outcome. Mining adds one "sync" entry
// per running node after the "mine" entry.
type TraceEntry struct {
	Step    int            `json:"step"`
	Op      string         `json:"op"`
	Node    string         `json:"node,omitempty"`
	Channel string         `json:"channel,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is false when any assertion failed.
	Pass   bool         `json:"pass"`
	Trace  []TraceEntry `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
}

// NewResult returns a passing, empty result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEntry{}}
}

// AddError records a failed assertion.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// statusStopped is reported for provisioned nodes that are not running.
const statusStopped node.Status = "stopped"

type nodeState struct {
	alias  string
	id     string
	status node.Status
	stage  recovery.Stage
}

type channelRef struct {
	node   string
	userID uint64
	op     channel.Outpoint
}

// Harness executes one scenario.
type Harness struct {
	st     *store.Store
	chain  *chaintest.Chain
	svc    *node.Service
	logger *slog.Logger

	nodes       map[string]*nodeState
	order       []string
	channels    map[string]*channelRef
	checkpoints map[string][]recovery.StateDigest
	nextUserID  uint64
	result      *Result
}

// Run executes scenario against a fresh database and chain, then
// evaluates its assertions. A returned error means the scenario itself
// could not be executed; failed assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "chanvault-harness-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "harness.db"))
	if err != nil {
		return nil, fmt.Errorf("open scenario store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seed := sha256.Sum256([]byte(scenario.Name))
	kh := keys.NewHierarchy(st, Network,
		keys.WithIDs(ids.NewSequence("key")),
		keys.WithEntropy(func() ([]byte, error) { return seed[:], nil }),
		keys.WithLogger(logger),
	)
	c := chaintest.New(Network)
	svc := node.NewService(st, kh, ledger.New(logger),
		func(context.Context, store.Node) (chain.Backend, error) { return c, nil },
		node.NewRegistry(),
		node.WithLogger(logger),
		node.WithIDs(ids.NewSequence("node")),
		node.WithClock(testutil.NewDeterministicClock().Now),
		node.WithEventPump(false),
		node.WithIntervals(time.Hour, time.Hour, time.Hour),
	)
	defer svc.Close()

	hr := &Harness{
		st:          st,
		chain:       c,
		svc:         svc,
		logger:      logger,
		nodes:       make(map[string]*nodeState),
		channels:    make(map[string]*channelRef),
		checkpoints: make(map[string][]recovery.StateDigest),
		result:      NewResult(),
	}
	for i, step := range scenario.Steps {
		if err := hr.execute(ctx, i+1, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Op, err)
		}
	}
	for _, msg := range hr.evaluate(scenario.Assertions) {
		hr.result.AddError(msg)
	}
	return hr.result, nil
}

func (h *Harness) record(e TraceEntry) {
	h.result.Trace = append(h.result.Trace, e)
}

func (h *Harness) execute(ctx context.Context, n int, step Step) error {
	entry := TraceEntry{Step: n, Op: step.Op, Node: step.Node, Channel: step.Channel}

	switch step.Op {
	case OpProvision:
		if _, exists := h.nodes[step.Node]; exists {
			return fmt.Errorf("node %q already provisioned", step.Node)
		}
		created, err := h.svc.Provision(ctx)
		if err != nil {
			return err
		}
		key, err := h.st.NodeKey(ctx, created.KeyID)
		if err != nil {
			return err
		}
		h.nodes[step.Node] = &nodeState{alias: step.Node, id: created.ID, status: statusStopped}
		h.order = append(h.order, step.Node)
		entry.Detail = map[string]any{"child_index": key.ChildIndex}

	case OpStart:
		detail, err := h.start(ctx, step.Node)
		if err != nil {
			return err
		}
		entry.Detail = detail

	case OpStop:
		ns, err := h.node(step.Node)
		if err != nil {
			return err
		}
		if err := h.svc.Stop(ns.id); err != nil {
			return err
		}
		ns.status = statusStopped

	case OpOpen, OpPay, OpReceive, OpClose:
		detail, err := h.channelOp(ctx, step)
		if err != nil {
			return err
		}
		entry.Detail = detail

	case OpMine:
		tip := h.chain.Mine(step.Blocks)
		entry.Detail = map[string]any{"height": tip.Height}
		h.record(entry)
		return h.sync(ctx, n)

	case OpCheckpoint:
		d, err := h.digests(step.Node)
		if err != nil {
			return err
		}
		h.checkpoints[step.Node] = d
		entry.Detail = map[string]any{"digests": len(d)}

	case OpCorrupt:
		if err := h.corrupt(ctx, step); err != nil {
			return err
		}
		entry.Detail = map[string]any{"target": step.Target}

	case OpChain:
		h.chain.SetDown(step.Down)
		entry.Detail = map[string]any{"down": step.Down}

	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}

	h.record(entry)
	return nil
}

func (h *Harness) node(alias string) (*nodeState, error) {
	ns, ok := h.nodes[alias]
	if !ok {
		return nil, fmt.Errorf("unknown node %q", alias)
	}
	return ns, nil
}

// running returns the live handle for alias.
func (h *Harness) running(alias string) (*node.Handle, *ledger.Manager, error) {
	ns, err := h.node(alias)
	if err != nil {
		return nil, nil, err
	}
	nh, ok := h.svc.Registry().Get(ns.id)
	if !ok {
		return nil, nil, fmt.Errorf("node %q is not running", alias)
	}
	mgr, ok := nh.Manager.(*ledger.Manager)
	if !ok {
		return nil, nil, fmt.Errorf("node %q: unsupported manager %T", alias, nh.Manager)
	}
	return nh, mgr, nil
}

func (h *Harness) start(ctx context.Context, alias string) (map[string]any, error) {
	ns, err := h.node(alias)
	if err != nil {
		return nil, err
	}
	nh, err := h.svc.Start(ctx, ns.id)
	ns.status = node.Classify(err)
	ns.stage = ""
	detail := map[string]any{"status": string(ns.status)}

	switch ns.status {
	case node.StatusRunning:
		detail["path"] = string(nh.Report.Path)
		detail["channels"] = nh.Report.Channels
		detail["deltas"] = nh.Report.DeltasReplayed
		detail["blocks"] = nh.Report.BlocksConnected
		kinds, err := h.process(ctx, nh)
		if err != nil {
			return nil, err
		}
		if len(kinds) > 0 {
			detail["events"] = kinds
		}
	case node.StatusFatal:
		ns.stage, _ = recovery.StageOf(err)
		detail["stage"] = string(ns.stage)
	case node.StatusFailed:
		return nil, err
	}
	return detail, nil
}

func (h *Harness) channelOp(ctx context.Context, step Step) (map[string]any, error) {
	nh, mgr, err := h.running(step.Node)
	if err != nil {
		return nil, err
	}

	var opErr error
	if step.Op == OpOpen {
		if _, exists := h.channels[step.Channel]; exists {
			return nil, fmt.Errorf("channel %q already opened", step.Channel)
		}
		h.nextUserID++
		_, opErr = mgr.OpenChannel(ctx, step.CapacitySat, step.PushMsat, h.nextUserID)
	} else {
		ref, ok := h.channels[step.Channel]
		if !ok || ref.node != step.Node {
			return nil, fmt.Errorf("channel %q is not open on node %q", step.Channel, step.Node)
		}
		preimage := events.Hash(sha256.Sum256([]byte(step.Preimage)))
		switch step.Op {
		case OpPay:
			opErr = mgr.Pay(ctx, ref.op, step.AmountMsat, preimage)
		case OpReceive:
			if step.Invoice {
				mgr.AddInvoice(preimage)
			}
			opErr = mgr.Receive(ctx, ref.op, step.AmountMsat, events.Hash(sha256.Sum256(preimage[:])))
		case OpClose:
			opErr = mgr.CloseChannel(ctx, ref.op)
		}
	}

	kinds, err := h.process(ctx, nh)
	if err != nil {
		return nil, err
	}
	detail := map[string]any{"result": "ok"}
	if len(kinds) > 0 {
		detail["events"] = kinds
	}

	if step.Op == OpOpen {
		op, ok := mgr.ChannelByUserID(h.nextUserID)
		if ok {
			h.channels[step.Channel] = &channelRef{node: step.Node, userID: h.nextUserID, op: op}
		} else if opErr == nil {
			opErr = errors.New("channel was not funded")
		}
	}
	if opErr != nil {
		detail["result"] = "failed"
		detail["error"] = errorCode(opErr)
	}
	return detail, nil
}

// process handles every queued event on nh in order and returns their
// kinds. Event failures are logged and the event dropped, as the node's
// own pump does.
func (h *Harness) process(ctx context.Context, nh *node.Handle) ([]string, error) {
	var queues []*events.Queue
	for _, c := range []any{nh.Manager, nh.Watcher} {
		if src, ok := c.(events.Source); ok {
			queues = append(queues, src.Events())
		}
	}

	var kinds []string
	for {
		handled := 0
		for _, q := range queues {
			for {
				ev, ok := q.TryDequeue()
				if !ok {
					break
				}
				handled++
				kinds = append(kinds, ev.Kind())
				if err := nh.Dispatcher.Handle(ctx, ev); err != nil {
					h.logger.Warn("event failed", "node", nh.ID, "kind", ev.Kind(), "error", err)
				}
			}
		}
		if handled == 0 {
			break
		}
	}
	if len(kinds) > 0 {
		if err := persist.SaveManager(ctx, nh.Aux, nh.Manager); err != nil {
			return nil, err
		}
	}
	return kinds, nil
}

// sync polls the chain for every running node, in provisioning order.
func (h *Harness) sync(ctx context.Context, step int) error {
	for _, alias := range h.order {
		nh, ok := h.svc.Registry().Get(h.nodes[alias].id)
		if !ok {
			continue
		}
		blocks, err := nh.Poller.Poll(ctx)
		if err != nil {
			return fmt.Errorf("sync %s: %w", alias, err)
		}
		kinds, err := h.process(ctx, nh)
		if err != nil {
			return err
		}
		detail := map[string]any{"blocks": blocks}
		if len(kinds) > 0 {
			detail["events"] = kinds
		}
		h.record(TraceEntry{Step: step, Op: "sync", Node: alias, Detail: detail})
	}
	return nil
}

func (h *Harness) digests(alias string) ([]recovery.StateDigest, error) {
	nh, _, err := h.running(alias)
	if err != nil {
		return nil, err
	}
	res := recovery.Result{Manager: nh.Manager, Monitors: nh.Watcher.Monitors()}
	return res.Digests()
}

func (h *Harness) corrupt(ctx context.Context, step Step) error {
	ns, err := h.node(step.Node)
	if err != nil {
		return err
	}
	if _, running := h.svc.Registry().Get(ns.id); running {
		return fmt.Errorf("corrupt: node %q is running", step.Node)
	}

	if step.Target == TargetManager {
		return h.st.Aux(ns.id).Write(ctx, store.KeyManager, []byte("{}"))
	}
	ref, ok := h.channels[step.Channel]
	if !ok || ref.node != step.Node {
		return fmt.Errorf("channel %q is not open on node %q", step.Channel, step.Node)
	}
	cs := h.st.Channels(ns.id)
	switch step.Target {
	case TargetSnapshot:
		return cs.PersistSnapshot(ctx, ref.op, []byte("not a monitor"))
	case TargetDelta:
		deltas, err := cs.LoadAllDeltas(ctx)
		if err != nil {
			return err
		}
		seq := uint64(1)
		if ds := deltas[ref.op]; len(ds) > 0 {
			seq = ds[len(ds)-1].Sequence + 1
		}
		return cs.PersistDelta(ctx, ref.op, seq, []byte("not an update"))
	}
	return fmt.Errorf("corrupt: unknown target %q", step.Target)
}

// errorCode names an operation failure without outpoints or hashes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrChannelClosed):
		return "channel_closed"
	case errors.Is(err, ledger.ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, ledger.ErrPersistFailed):
		return "persist_failed"
	default:
		return "error"
	}
}
