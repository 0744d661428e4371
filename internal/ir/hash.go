package ir

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Domain prefixes for content hashing.
// Version suffix enables future algorithm migration.
const (
	DomainContent = "commonplace/content/v1"
	DomainUpdate  = "commonplace/update/v1"
)

// hashWithDomain computes a BLAKE3 hash with domain separation.
// Format: BLAKE3(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := blake3.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash identifies materialized content. Used for echo suppression
// by reconciliation clients and for short commit ids in history output.
func ContentHash(content []byte) string {
	return hashWithDomain(DomainContent, content)
}

// UpdateHash identifies an update's bytes.
func UpdateHash(update []byte) string {
	return hashWithDomain(DomainUpdate, update)
}
