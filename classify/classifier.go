package classify

import (
	"net"
	"strings"
	"time"

	"github.com/bluele/gcache"
)

// domainCountryCacheSize bounds the memoization cache for
// country_of_domain, the one query on the hot path whose cost scales
// with label count rather than O(log N).
const domainCountryCacheSize = 4096

// Classifier answers the three pure queries the rule engine conditions
// on (spec §4.7): country_of_ip, country_of_domain, domain_in_list.
// It holds no mutable state reachable from a query — reload (C13)
// builds a new Classifier and swaps the pointer rather than mutating
// one in place.
type Classifier struct {
	geo     *GeoDB
	domCC   *DomainCountryTable
	lists   Registry
	ccCache gcache.Cache
}

// New builds a Classifier over the given geo database, domain/country
// table, and named domain lists.
func New(geo *GeoDB, domCC *DomainCountryTable, lists Registry) *Classifier {
	c := &Classifier{geo: geo, domCC: domCC, lists: lists}
	c.ccCache = gcache.New(domainCountryCacheSize).LRU().
		LoaderFunc(func(key any) (any, error) {
			domain := key.(string)
			cc, ok := c.countryOfDomainUncached(domain)
			return countryResult{cc, ok}, nil
		}).
		Expiration(10 * time.Minute).
		Build()
	return c
}

type countryResult struct {
	cc CC
	ok bool
}

// CountryOfIP looks up ip's country.
func (c *Classifier) CountryOfIP(ip net.IP) (CC, bool) {
	return c.geo.CountryOfIP(ip)
}

// CountryOfDomain looks up domain's country, memoized since the same
// domain is classified repeatedly within a reload window.
func (c *Classifier) CountryOfDomain(domain string) (CC, bool) {
	v, err := c.ccCache.Get(strings.ToLower(domain))
	if err != nil {
		return CC{}, false
	}
	res := v.(countryResult)
	return res.cc, res.ok
}

// countryOfDomainUncached recurses on parent domains until a match is
// found, labels exhaust, or the walk reaches a public suffix (see
// DomainCountryTable.CountryOfDomain).
func (c *Classifier) countryOfDomainUncached(domain string) (CC, bool) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	return c.domCC.CountryOfDomain(domain)
}

// DomainInList reports whether domain is in the named list.
func (c *Classifier) DomainInList(listName, domain string) bool {
	return c.lists.Contains(listName, domain)
}
