package classify

import (
	"sort"
	"strings"

	"github.com/barweiss/go-tuple"
	set "github.com/golang-collections/collections/set"
	"golang.org/x/net/publicsuffix"
)

// DomainList is an immutable set of domain patterns — exact
// ("example.com") or wildcard ("*.example.com") — bucketed by their
// last label, mirroring the teacher's blocked-domains table
// (proxy/blocked_domains_manager.go): an exact-match map nested under
// a reversed-label bucket keeps lookups to one map hit plus a short
// per-label walk instead of a linear scan.
type DomainList struct {
	byLastLabel map[string]*set.Set
}

// NewDomainList builds a DomainList from a flat list of patterns.
func NewDomainList(patterns []string) *DomainList {
	d := &DomainList{byLastLabel: make(map[string]*set.Set)}
	for _, p := range patterns {
		d.add(p)
	}
	return d
}

func (d *DomainList) add(pattern string) {
	labels := strings.Split(pattern, ".")
	last := labels[len(labels)-1]
	if _, ok := d.byLastLabel[last]; !ok {
		d.byLastLabel[last] = set.New()
	}
	d.byLastLabel[last].Insert(pattern)
}

// Contains reports whether domain matches an exact or wildcard entry,
// walking from the full domain up through each parent suffix, per
// spec §4.7 "domain_in_list".
func (d *DomainList) Contains(domain string) bool {
	domain = strings.ToLower(domain)
	labels := strings.Split(domain, ".")
	bucket, ok := d.byLastLabel[labels[len(labels)-1]]
	if !ok {
		return false
	}
	if bucket.Has(domain) {
		return true
	}
	for i := 1; i < len(labels); i++ {
		suffix := strings.Join(labels[i:], ".")
		// A wildcard entry at or above a public suffix (e.g. "*.co.uk")
		// would match far more than its author intended; stop the walk
		// there rather than honoring it.
		if isPublicSuffix(suffix) {
			break
		}
		if bucket.Has("*." + suffix) {
			return true
		}
	}
	return false
}

// Registry maps list names (as referenced by the rule engine's
// domain_in_list condition) to their DomainList.
type Registry map[string]*DomainList

// Contains reports whether domain is in the named list; a missing list
// name is treated as an empty list rather than an error, so rule
// authors can reference a list that simply has zero entries loaded.
func (r Registry) Contains(listName, domain string) bool {
	list, ok := r[listName]
	if !ok {
		return false
	}
	return list.Contains(domain)
}

// domainCountryEntry is one row of an immutable, Domain-sorted SLD→CC
// table (spec §3 "Domain list is a sorted domain,cc\n table").
type domainCountryEntry struct {
	Domain string
	CC     CC
}

// DomainCountryTable answers country_of_domain by walking from the
// full domain up through each parent suffix until an entry matches or
// labels exhaust (spec §4.7).
type DomainCountryTable struct {
	entries []domainCountryEntry
}

// NewDomainCountryTable builds a table from domain/country pairs,
// sorting once so lookups are binary searches. Pairs come as an
// ordered slice rather than a map — config loading can feed the same
// domain from more than one geo source, and the last pair for a given
// domain in the slice wins, mirroring the teacher's own domain/source
// tuple.T2 lists (proxy/blocked_domains_manager.go's AddDomain) rather
// than collapsing duplicates silently the way a map would.
func NewDomainCountryTable(pairs []tuple.T2[string, CC]) *DomainCountryTable {
	byDomain := make(map[string]CC, len(pairs))
	for _, p := range pairs {
		byDomain[p.V1] = p.V2
	}
	t := &DomainCountryTable{entries: make([]domainCountryEntry, 0, len(byDomain))}
	for domain, cc := range byDomain {
		t.entries = append(t.entries, domainCountryEntry{Domain: domain, CC: cc})
	}
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].Domain < t.entries[j].Domain })
	return t
}

func (t *DomainCountryTable) lookupExact(domain string) (CC, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Domain >= domain })
	if i < len(t.entries) && t.entries[i].Domain == domain {
		return t.entries[i].CC, true
	}
	return CC{}, false
}

// CountryOfDomain recurses on parent domains (strip one leading label
// at a time) until a match is found or the walk reaches the public
// suffix, the same bound Contains applies: a table entry keyed on a
// bare public suffix (e.g. "co.uk") must not match every domain under
// it (spec §4.7 "until an SLD matches").
func (t *DomainCountryTable) CountryOfDomain(domain string) (CC, bool) {
	domain = strings.ToLower(domain)
	for {
		if isPublicSuffix(domain) {
			return CC{}, false
		}
		if cc, ok := t.lookupExact(domain); ok {
			return cc, true
		}
		idx := strings.IndexByte(domain, '.')
		if idx < 0 {
			return CC{}, false
		}
		domain = domain[idx+1:]
	}
}

// isPublicSuffix reports whether domain is itself a public suffix.
func isPublicSuffix(domain string) bool {
	ps, _ := publicsuffix.PublicSuffix(domain)
	return ps == domain
}
