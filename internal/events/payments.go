package events

import (
	"encoding/hex"
	"sort"
	"sync"
)

// PaymentStatus is the state of a tracked payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailure   PaymentStatus = "failed"
)

// Direction distinguishes inbound from outbound payments.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Payment is one tracked payment.
type Payment struct {
	Hash       Hash
	Direction  Direction
	Status     PaymentStatus
	AmountMsat uint64
	Preimage   *Hash
	Reason     string
}

// HashHex returns the payment hash as hex.
func (p Payment) HashHex() string {
	return hex.EncodeToString(p.Hash[:])
}

// PaymentLedger records payment outcomes reported by events. In-memory
// only; the engine's persisted state is authoritative for balances.
type PaymentLedger struct {
	mu       sync.RWMutex
	payments map[Hash]Payment
}

// NewPaymentLedger creates an empty ledger.
func NewPaymentLedger() *PaymentLedger {
	return &PaymentLedger{payments: make(map[Hash]Payment)}
}

// Record stores p, replacing any previous entry for the same hash.
func (l *PaymentLedger) Record(p Payment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments[p.Hash] = p
}

// Get returns the payment with the given hash.
func (l *PaymentLedger) Get(h Hash) (Payment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.payments[h]
	return p, ok
}

// All returns every payment sorted by hash.
func (l *PaymentLedger) All() []Payment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Payment, 0, len(l.payments))
	for _, p := range l.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].HashHex() < out[j].HashHex()
	})
	return out
}
