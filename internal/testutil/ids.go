package testutil

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SequenceGenerator generates deterministic UUID-shaped identifiers.
//
// The n-th identifier is a name-based (SHA-1) UUID of "label/n", so two
// generators with the same label produce the same sequence and generators
// with different labels never collide. Unlike ir.FixedGenerator it never
// runs out.
//
// Thread-safety: SequenceGenerator is safe for concurrent use via internal mutex.
type SequenceGenerator struct {
	mu    sync.Mutex
	label string
	n     int
}

// NewSequenceGenerator creates a generator for label.
func NewSequenceGenerator(label string) *SequenceGenerator {
	return &SequenceGenerator{label: label}
}

// Generate returns the next identifier in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return Nth(g.label, g.n)
}

// Nth returns the identifier a generator for label produces on its n-th call.
func Nth(label string, n int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s/%d", label, n)).String()
}
