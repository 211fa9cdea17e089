package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one harness run.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Steps       []Step      `yaml:"steps"`
	Assertions  []Assertion `yaml:"assertions"`
}

// Step is one scenario operation. Which fields apply depends on Op.
type Step struct {
	Op          string `yaml:"op"`
	Node        string `yaml:"node,omitempty"`
	Channel     string `yaml:"channel,omitempty"`
	CapacitySat int64  `yaml:"capacity_sat,omitempty"`
	PushMsat    uint64 `yaml:"push_msat,omitempty"`
	AmountMsat  uint64 `yaml:"amount_msat,omitempty"`
	Preimage    string `yaml:"preimage,omitempty"`
	Invoice     bool   `yaml:"invoice,omitempty"`
	Blocks      int    `yaml:"blocks,omitempty"`
	Target      string `yaml:"target,omitempty"`
	Down        bool   `yaml:"down,omitempty"`
}

// Step operations.
const (
	OpProvision  = "provision"
	OpStart      = "start"
	OpStop       = "stop"
	OpOpen       = "open"
	OpPay        = "pay"
	OpReceive    = "receive"
	OpClose      = "close"
	OpMine       = "mine"
	OpCheckpoint = "checkpoint"
	OpCorrupt    = "corrupt"
	OpChain      = "chain"
)

// Corruption targets.
const (
	TargetSnapshot = "snapshot"
	TargetDelta    = "delta"
	TargetManager  = "manager"
)

// Assertion checks final state.
type Assertion struct {
	Type       string  `yaml:"type"`
	Node       string  `yaml:"node,omitempty"`
	Channel    string  `yaml:"channel,omitempty"`
	LocalMsat  *uint64 `yaml:"local_msat,omitempty"`
	RemoteMsat *uint64 `yaml:"remote_msat,omitempty"`
	Status     string  `yaml:"status,omitempty"`
	Stage      string  `yaml:"stage,omitempty"`
	Preimage   string  `yaml:"preimage,omitempty"`
	Count      *int    `yaml:"count,omitempty"`
	Closed     *bool   `yaml:"closed,omitempty"`
}

// Assertion types.
const (
	AssertChannel      = "channel"
	AssertNodeStatus   = "node_status"
	AssertPayment      = "payment"
	AssertBroadcasts   = "broadcasts"
	AssertDigests      = "digests_match"
	AssertChannelCount = "channel_count"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, st := range s.Steps {
		if err := validateStep(st); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(st Step) error {
	needNode := func() error {
		if st.Node == "" {
			return fmt.Errorf("%s: node is required", st.Op)
		}
		return nil
	}
	needChannel := func() error {
		if err := needNode(); err != nil {
			return err
		}
		if st.Channel == "" {
			return fmt.Errorf("%s: channel is required", st.Op)
		}
		return nil
	}

	switch st.Op {
	case OpProvision, OpStart, OpStop, OpCheckpoint:
		return needNode()
	case OpOpen:
		if st.CapacitySat <= 0 {
			return fmt.Errorf("open: capacity_sat must be positive")
		}
		return needChannel()
	case OpPay, OpReceive:
		if st.AmountMsat == 0 || st.Preimage == "" {
			return fmt.Errorf("%s: amount_msat and preimage are required", st.Op)
		}
		return needChannel()
	case OpClose:
		return needChannel()
	case OpMine:
		if st.Blocks <= 0 {
			return fmt.Errorf("mine: blocks must be positive")
		}
		return nil
	case OpCorrupt:
		switch st.Target {
		case TargetSnapshot, TargetDelta:
			return needChannel()
		case TargetManager:
			return needNode()
		default:
			return fmt.Errorf("corrupt: unknown target %q", st.Target)
		}
	case OpChain:
		return nil
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertChannel:
		if a.Node == "" || a.Channel == "" {
			return fmt.Errorf("channel: node and channel are required")
		}
	case AssertNodeStatus:
		if a.Node == "" || a.Status == "" {
			return fmt.Errorf("node_status: node and status are required")
		}
	case AssertPayment:
		if a.Node == "" || a.Preimage == "" || a.Status == "" {
			return fmt.Errorf("payment: node, preimage and status are required")
		}
	case AssertBroadcasts:
		if a.Count == nil {
			return fmt.Errorf("broadcasts: count is required")
		}
	case AssertDigests:
		if a.Node == "" {
			return fmt.Errorf("digests_match: node is required")
		}
	case AssertChannelCount:
		if a.Node == "" || a.Count == nil {
			return fmt.Errorf("channel_count: node and count are required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
