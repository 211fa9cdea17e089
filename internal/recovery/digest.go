package recovery

import "fmt"

type digester interface {
	Digest() (string, error)
}

// StateDigest is the fingerprint of one reconciled object.
type StateDigest struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
}

// Digests fingerprints the manager and every monitor, in that order.
// Objects whose engine does not provide a Digest method are skipped.
func (r *Result) Digests() ([]StateDigest, error) {
	var out []StateDigest
	if d, ok := r.Manager.(digester); ok {
		s, err := d.Digest()
		if err != nil {
			return nil, fmt.Errorf("digest manager: %w", err)
		}
		out = append(out, StateDigest{Name: "manager", Digest: s})
	}
	for _, m := range r.Monitors {
		d, ok := m.(digester)
		if !ok {
			continue
		}
		s, err := d.Digest()
		if err != nil {
			return nil, fmt.Errorf("digest %s: %w", m.FundingOutpoint(), err)
		}
		out = append(out, StateDigest{Name: m.FundingOutpoint().String(), Digest: s})
	}
	return out, nil
}
