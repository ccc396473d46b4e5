package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for hashed identity.
// Version suffix enables future algorithm migration.
const (
	DomainToken       = "receipts/token/v1"
	DomainAttribution = "receipts/attribution/v1"
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

// TokenHash computes the stable cache key for a purchase token.
// The token is NFC normalized first so that visually identical tokens
// delivered through different transports hash identically.
func TokenHash(token string) string {
	return hashWithDomain(DomainToken, []byte(norm.NFC.String(token)))
}

// ShortHash truncates a hash for log output.
func ShortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}

// AttributionFingerprint computes the fingerprint of an attribution payload.
// Two payloads with the same content produce the same fingerprint regardless
// of key order.
func AttributionFingerprint(network string, data map[string]any) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"network": network,
		"data":    data,
	})
	if err != nil {
		return "", fmt.Errorf("AttributionFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAttribution, canonical), nil
}
