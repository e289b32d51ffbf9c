package testfixtures

import (
	"fmt"
	"sync/atomic"
)

// IDGenerator hands out zero padded identifiers such as "id-0001", so lexical and creation
// order agree in listings under test.
type IDGenerator struct {
	prefix string
	seq    atomic.Uint64
}

// NewIDGenerator returns a generator for prefix, defaulting to "id".
func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &IDGenerator{prefix: prefix}
}

func (g *IDGenerator) Next() string {
	return fmt.Sprintf("%s-%04d", g.prefix, g.seq.Add(1))
}

// NextFunc returns Next for injection. A nil generator yields empty identifiers.
func (g *IDGenerator) NextFunc() func() string {
	if g == nil {
		return func() string { return "" }
	}
	return g.Next
}

// Issued reports how many identifiers have been handed out.
func (g *IDGenerator) Issued() uint64 {
	return g.seq.Load()
}

// Reset restarts the sequence.
func (g *IDGenerator) Reset() {
	g.seq.Store(0)
}
