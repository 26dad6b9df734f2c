package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests.
// Version suffix enables future algorithm migration.
const (
	DomainState   = "constellation/state/v1"
	DomainPayload = "constellation/payload/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StateDigest returns the digest of an activity state of the given kind.
func StateDigest(kind string, state IRObject) (string, error) {
	obj := IRObject{
		"kind":  IRString(kind),
		"state": state,
	}
	if state == nil {
		obj["state"] = IRObject{}
	}
	data, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("state digest for %s: %w", kind, err)
	}
	return hashWithDomain(DomainState, data), nil
}

// PayloadDigest returns the digest of an encoded signal payload.
func PayloadDigest(encoded []byte) string {
	return hashWithDomain(DomainPayload, encoded)
}
