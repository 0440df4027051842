// Package upstream holds the upstream descriptor registry, the live
// stats each upstream accrues, and the ranking/fallback selection
// logic the rule engine's Proxy/ProxyGroup actions drive (spec §4.8).
package upstream

import (
	"github.com/wiretun/wiretun/addr"
)

// ProtocolKind names the three ways an upstream can be reached (spec
// §3 "Upstream descriptor").
type ProtocolKind int

const (
	ProtocolDirect ProtocolKind = iota
	ProtocolTcpman
	ProtocolSocks5
)

// Protocol is the dial configuration for one upstream.
type Protocol struct {
	Kind     ProtocolKind
	Addr     addr.Address // Tcpman, Socks5
	Password string       // Tcpman only; source password, kept for diagnostics

	// MasterKey is Password already run through tcpman.MasterKey,
	// derived once at config-load time (via a tcpman.KDFPool) rather
	// than per dial, since Argon2id is deliberately expensive.
	MasterKey []byte // Tcpman only
}

// Descriptor is the static, config-loaded half of an upstream: name,
// how to reach it, whether it's eligible for selection, and the
// group tags ProxyGroup rules match against.
type Descriptor struct {
	Name     string
	Protocol Protocol
	Enabled  bool
	Groups   map[string]struct{}
}

// InGroup reports whether d is tagged with group.
func (d Descriptor) InGroup(group string) bool {
	_, ok := d.Groups[group]
	return ok
}

// Upstream pairs a Descriptor with its live Stats.
type Upstream struct {
	Descriptor Descriptor
	Stats      *Stats
}

// Registry is the full set of configured upstreams, keyed by name.
// Registry itself is never mutated after NewRegistry; config reload
// builds a new Registry inside a new server.Dispatcher, and the
// supervisor swaps its Dispatcher pointer under a write lock (spec §5
// "Shared resources").
type Registry struct {
	byName map[string]*Upstream
	all    []*Upstream
}

// NewRegistry builds a Registry from descriptors, giving each a fresh
// Stats.
func NewRegistry(descriptors []Descriptor) *Registry {
	r := &Registry{byName: make(map[string]*Upstream, len(descriptors))}
	for _, d := range descriptors {
		u := &Upstream{Descriptor: d, Stats: NewStats()}
		r.byName[d.Name] = u
		r.all = append(r.all, u)
	}
	return r
}

// ByName returns the named upstream, or ok=false if it's not
// registered — the Configuration error kind (spec §7) for a rule
// referencing an unknown upstream.
func (r *Registry) ByName(name string) (*Upstream, bool) {
	u, ok := r.byName[name]
	return u, ok
}

// InGroup returns every enabled upstream tagged with group, in
// registration order.
func (r *Registry) InGroup(group string) []*Upstream {
	var out []*Upstream
	for _, u := range r.all {
		if u.Descriptor.Enabled && u.Descriptor.InGroup(group) {
			out = append(out, u)
		}
	}
	return out
}
