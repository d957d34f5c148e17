package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for fingerprints. The version suffix leaves room for
// changing the algorithm without colliding with stored hashes.
const (
	DomainArtifact = "pubengine/artifact/v1"
	DomainTree     = "pubengine/tree/v1"
	DomainPayload  = "pubengine/payload/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator keeps domain and data from running together.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash fingerprints artifact content for change detection.
func ContentHash(content string) string {
	return hashWithDomain(DomainArtifact, []byte(content))
}

// TreeHash fingerprints a configuration tree by its canonical form, so two
// trees that deep-equal hash identically regardless of prop key order.
func TreeHash(t Tree) (string, error) {
	canonical, err := t.Canonical()
	if err != nil {
		return "", fmt.Errorf("tree hash: %w", err)
	}
	return hashWithDomain(DomainTree, canonical), nil
}

// PayloadHash fingerprints an event payload. The dispatcher uses it to
// recognise an event that re-emits itself.
func PayloadHash(name string, payload Value) (string, error) {
	canonical, err := MarshalCanonical(Object{"name": String(name), "payload": orNull(payload)})
	if err != nil {
		return "", fmt.Errorf("payload hash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}

func orNull(v Value) Value {
	if v == nil {
		return Null{}
	}
	return v
}
