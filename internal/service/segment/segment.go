package segment

import (
	"fmt"
	"sync/atomic"
)

// Generator hands out the segment IDs of one stream. IDs have the form
// "<prefix>-seg-<n>" with n starting at 1 and strictly increasing. n is
// zero-padded to six digits so IDs of one stream also sort as strings; past
// 999999 segments only Index orders them.
type Generator struct {
	prefix  string
	counter atomic.Uint64
}

// New creates a generator positioned on the first segment.
func New(prefix string) *Generator {
	g := &Generator{prefix: prefix}
	g.counter.Store(1)
	return g
}

// Current returns the ID of the open segment.
func (g *Generator) Current() string {
	return g.format(g.counter.Load())
}

// Next closes the open segment and returns the ID of the new one.
func (g *Generator) Next() string {
	return g.format(g.counter.Add(1))
}

// Index returns the 1-based number of the open segment.
func (g *Generator) Index() uint64 {
	return g.counter.Load()
}

func (g *Generator) format(n uint64) string {
	return ID(g.prefix, n)
}

// ID formats the n-th segment ID of the stream with the given prefix.
func ID(prefix string, n uint64) string {
	return fmt.Sprintf("%s-seg-%06d", prefix, n)
}
