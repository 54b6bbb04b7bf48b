// Package targets produces the stream of public IPv4 candidates fed to the
// scan driver.
package targets

import (
	"encoding/binary"
	"math/rand/v2"
	"net/netip"
	"sync"
)

// DefaultExclusions are never emitted: loopback, link-local and the RFC 1918
// private blocks.
var DefaultExclusions = []netip.Prefix{
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// Generator draws addresses uniformly from the IPv4 space minus the
// exclusion set. Rejected draws are simply redrawn.
type Generator struct {
	mu         sync.Mutex
	rng        *rand.Rand
	exclusions []netip.Prefix
}

type Option func(*Generator)

// WithRand replaces the random source, e.g. with a seeded one in tests.
func WithRand(rng *rand.Rand) Option {
	return func(g *Generator) { g.rng = rng }
}

// WithExclusions adds prefixes to the default exclusion set.
func WithExclusions(prefixes ...netip.Prefix) Option {
	return func(g *Generator) {
		for _, p := range prefixes {
			g.exclusions = append(g.exclusions, p.Masked())
		}
	}
}

func New(opts ...Option) *Generator {
	g := &Generator{
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		exclusions: append([]netip.Prefix(nil), DefaultExclusions...),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns the next candidate. It never returns an excluded address or
// 0.0.0.0.
func (g *Generator) Next() netip.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()

	var buf [4]byte
	for {
		n := g.rng.Uint32()
		if n == 0 {
			continue
		}
		binary.BigEndian.PutUint32(buf[:], n)
		addr := netip.AddrFrom4(buf)
		if !g.Excluded(addr) {
			return addr
		}
	}
}

// Excluded reports whether addr falls in any exclusion prefix.
func (g *Generator) Excluded(addr netip.Addr) bool {
	for _, p := range g.exclusions {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
