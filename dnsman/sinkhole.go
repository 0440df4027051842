package dnsman

import (
	"net"
	"regexp"
	"sync"
)

// ParkedRecord is the synthesized answer for a sinkholed domain: a
// fixed A/AAAA pair served instead of ever forwarding the query.
type ParkedRecord struct {
	A    net.IP
	AAAA net.IP
	TTL  uint32
}

// Sinkhole matches query names against a set of regexes and, on a
// match, supplies a ParkedRecord to answer from instead of forwarding
// upstream. Adapted from the teacher's ParkedDomainsManager
// (proxy/parked_domains_manager.go), which paired a compiled regex
// list with an SOA-keyed-by-id map; here the match directly carries
// its answer, since a forwarding resolver has no SOA/zone concept to
// thread through.
type Sinkhole struct {
	mu      sync.RWMutex
	entries []sinkholeEntry
}

type sinkholeEntry struct {
	pattern *regexp.Regexp
	record  ParkedRecord
}

// NewSinkhole returns an empty Sinkhole.
func NewSinkhole() *Sinkhole {
	return &Sinkhole{}
}

// Add registers pattern (a regexp matched against the query name
// without its trailing dot) with the record it should resolve to. An
// invalid pattern is silently rejected, matching the teacher's
// best-effort load behavior.
func (s *Sinkhole) Add(pattern string, record ParkedRecord) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkholeEntry{pattern: re, record: record})
}

// Lookup reports the first registered pattern matching name, in
// registration order.
func (s *Sinkhole) Lookup(name string) (ParkedRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.pattern.MatchString(name) {
			return e.record, true
		}
	}
	return ParkedRecord{}, false
}

// Len reports how many patterns are registered.
func (s *Sinkhole) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
