package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Digest domains. The version suffix allows the algorithm to change
// without colliding with stored fingerprints.
const (
	DomainMonitor = "chanvault/monitor/v1"
	DomainManager = "chanvault/manager/v1"
	DomainUpdate  = "chanvault/update/v1"
	DomainSession = "chanvault/session/v1"
	DomainChannel = "chanvault/channel-key/v1"
)

// Digest returns hex(SHA256(domain || 0x00 || data)).
func Digest(domain string, data []byte) string {
	return hex.EncodeToString(Sum(domain, data))
}

// Sum is Digest without the hex encoding.
func Sum(domain string, data []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return h.Sum(nil)
}

// DigestValue canonically encodes v and returns its Digest.
func DigestValue(domain string, v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", domain, err)
	}
	return Digest(domain, b), nil
}
