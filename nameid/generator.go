// Package nameid mints container/file names of the shape
// <PREFIX>_YYYYMMDD_<12hex>_<2hex> (spec §4.5). It is only ever invoked by a
// caller (the packer) that has no name to assign to a claimed row already —
// see SPEC_FULL.md §9 for why the generator never runs on the writer's
// behalf.
package nameid

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/benbjohnson/clock"
)

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Generator mints names deterministically given (prefix, node_id, wrap_bits,
// clock). The only in-process state is a same-day counter, which is why two
// calls on the same (node_id, ms) can never collide: the counter
// distinguishes them.
type Generator struct {
	prefix   string
	nodeID   uint8
	wrapBits uint
	clock    clock.Clock

	mu      sync.Mutex
	day     string
	counter uint16
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock injects a clock.Clock, for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// New builds a Generator. wrapBits must leave room for the 8 low bits
// reserved for node_id within the 48-bit (12 hex digit) block, i.e.
// wrapBits <= 40.
func New(prefix string, nodeID uint8, wrapBits uint, opts ...Option) (*Generator, error) {
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("nameid: prefix %q must be ASCII letters/digits only", prefix)
	}
	if wrapBits == 0 || wrapBits > 40 {
		return nil, fmt.Errorf("nameid: wrap_bits %d out of range (1..40)", wrapBits)
	}
	g := &Generator{
		prefix:   prefix,
		nodeID:   nodeID,
		wrapBits: wrapBits,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Next mints the next name. It is safe for concurrent use.
func (g *Generator) Next() string {
	now := g.clock.Now().UTC()
	day := now.Format("20060102")
	epochMs := uint64(now.UnixMilli())

	wrapMask := uint64(1)<<g.wrapBits - 1
	combined := (epochMs & wrapMask) << 8
	combined |= uint64(g.nodeID)

	g.mu.Lock()
	if g.day != day {
		g.day = day
		g.counter = 0
	} else {
		g.counter++
	}
	counter := g.counter
	g.mu.Unlock()

	return fmt.Sprintf("%s_%s_%012x_%02x", g.prefix, day, combined&0xFFFFFFFFFFFF, counter&0xFF)
}

// Since the only mutable state is the per-day counter, a restart simply
// starts that counter at zero again; this is safe because epoch_ms is
// already embedded in the name (SPEC_FULL.md §9 resolves this explicitly).
