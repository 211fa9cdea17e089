package harness

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/roach88/chanvault/internal/events"
	"github.com/roach88/chanvault/internal/ledger"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Index    int
	Type     string
	Expected any
	Actual   any
	Message  string
}

func (e *AssertionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("assertion[%d] %s: %s", e.Index, e.Type, e.Message)
	}
	return fmt.Sprintf("assertion[%d] %s: expected %v, got %v", e.Index, e.Type, e.Expected, e.Actual)
}

// evaluate checks every assertion against the final state and returns
// the failure messages.
func (h *Harness) evaluate(assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertChannel:
			err = h.assertChannel(a)
		case AssertNodeStatus:
			err = h.assertNodeStatus(a)
		case AssertPayment:
			err = h.assertPayment(a)
		case AssertBroadcasts:
			if got := len(h.chain.Broadcasts()); got != *a.Count {
				err = &AssertionError{Expected: *a.Count, Actual: got}
			}
		case AssertDigests:
			err = h.assertDigests(a)
		case AssertChannelCount:
			err = h.assertChannelCount(a)
		default:
			err = &AssertionError{Message: "unknown assertion type"}
		}
		if err == nil {
			continue
		}
		var ae *AssertionError
		if !errors.As(err, &ae) {
			ae = &AssertionError{Message: err.Error()}
		}
		ae.Index, ae.Type = i, a.Type
		failures = append(failures, ae.Error())
	}
	return failures
}

func (h *Harness) channelInfo(a Assertion) (ledger.ChannelInfo, error) {
	_, mgr, err := h.running(a.Node)
	if err != nil {
		return ledger.ChannelInfo{}, err
	}
	ref, ok := h.channels[a.Channel]
	if !ok {
		return ledger.ChannelInfo{}, fmt.Errorf("unknown channel %q", a.Channel)
	}
	for _, info := range mgr.ListChannels() {
		if info.Outpoint == ref.op {
			return info, nil
		}
	}
	return ledger.ChannelInfo{}, fmt.Errorf("channel %q not found on node %q", a.Channel, a.Node)
}

func (h *Harness) assertChannel(a Assertion) error {
	info, err := h.channelInfo(a)
	if err != nil {
		return err
	}
	if a.LocalMsat != nil && info.LocalMsat != *a.LocalMsat {
		return &AssertionError{Expected: fmt.Sprintf("local %d msat", *a.LocalMsat), Actual: info.LocalMsat}
	}
	if a.RemoteMsat != nil && info.RemoteMsat != *a.RemoteMsat {
		return &AssertionError{Expected: fmt.Sprintf("remote %d msat", *a.RemoteMsat), Actual: info.RemoteMsat}
	}
	if a.Closed != nil && info.Closed != *a.Closed {
		return &AssertionError{Expected: fmt.Sprintf("closed=%t", *a.Closed), Actual: info.Closed}
	}
	return nil
}

func (h *Harness) assertNodeStatus(a Assertion) error {
	ns, err := h.node(a.Node)
	if err != nil {
		return err
	}
	if string(ns.status) != a.Status {
		return &AssertionError{Expected: a.Status, Actual: ns.status}
	}
	if a.Stage != "" && string(ns.stage) != a.Stage {
		return &AssertionError{Expected: "stage " + a.Stage, Actual: ns.stage}
	}
	return nil
}

func (h *Harness) assertPayment(a Assertion) error {
	nh, _, err := h.running(a.Node)
	if err != nil {
		return err
	}
	preimage := sha256.Sum256([]byte(a.Preimage))
	p, ok := nh.Payments.Get(events.Hash(sha256.Sum256(preimage[:])))
	if !ok {
		return &AssertionError{Message: fmt.Sprintf("no payment recorded for preimage %q", a.Preimage)}
	}
	if string(p.Status) != a.Status {
		return &AssertionError{Expected: a.Status, Actual: p.Status}
	}
	return nil
}

func (h *Harness) assertDigests(a Assertion) error {
	want, ok := h.checkpoints[a.Node]
	if !ok {
		return fmt.Errorf("no checkpoint for node %q", a.Node)
	}
	got, err := h.digests(a.Node)
	if err != nil {
		return err
	}
	if len(got) != len(want) {
		return &AssertionError{Expected: fmt.Sprintf("%d digests", len(want)), Actual: len(got)}
	}
	for i := range want {
		if got[i] != want[i] {
			return &AssertionError{Message: fmt.Sprintf("%s changed: %s != %s", want[i].Name, got[i].Digest, want[i].Digest)}
		}
	}
	return nil
}

func (h *Harness) assertChannelCount(a Assertion) error {
	_, mgr, err := h.running(a.Node)
	if err != nil {
		return err
	}
	if got := len(mgr.ListChannels()); got != *a.Count {
		return &AssertionError{Expected: *a.Count, Actual: got}
	}
	return nil
}
