package rule

import (
	"sync"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/classify"
)

// RequestFacts is the concrete Facts implementation the server
// dispatcher builds for each tunneled connection. Classifier lookups
// are memoized with sync.Once so a condition repeated across tables
// (or re-evaluated after a Jump) never redoes the work, and a
// condition that short-circuits evaluation before reaching
// country-of-ip/country-of-domain never triggers it at all.
type RequestFacts struct {
	Dst        addr.Address
	Transp     string
	Classifier *classify.Classifier

	domainOnce sync.Once
	domain     string
	hasDomain  bool

	ipCCOnce sync.Once
	ipCC     string
	hasIPCC  bool

	domainCCOnce sync.Once
	domainCC     string
	hasDomainCC  bool
}

func (f *RequestFacts) Host() string { return f.Dst.Host }

func (f *RequestFacts) Port() int { return int(f.Dst.Port) }

func (f *RequestFacts) Transport() string { return f.Transp }

// Domain reports Dst.Host if it is not a literal IP address.
func (f *RequestFacts) Domain() (string, bool) {
	f.domainOnce.Do(func() {
		if _, isIP := f.Dst.IP(); !isIP {
			f.domain, f.hasDomain = f.Dst.Host, true
		}
	})
	return f.domain, f.hasDomain
}

func (f *RequestFacts) CountryOfIP() (string, bool) {
	f.ipCCOnce.Do(func() {
		ip, isIP := f.Dst.IP()
		if !isIP || f.Classifier == nil {
			return
		}
		if cc, ok := f.Classifier.CountryOfIP(ip); ok {
			f.ipCC, f.hasIPCC = cc.String(), true
		}
	})
	return f.ipCC, f.hasIPCC
}

func (f *RequestFacts) CountryOfDomain() (string, bool) {
	f.domainCCOnce.Do(func() {
		domain, ok := f.Domain()
		if !ok || f.Classifier == nil {
			return
		}
		if cc, ok := f.Classifier.CountryOfDomain(domain); ok {
			f.domainCC, f.hasDomainCC = cc.String(), true
		}
	})
	return f.domainCC, f.hasDomainCC
}

var _ Facts = (*RequestFacts)(nil)
