// Package classify answers the three pure queries the rule engine
// conditions on: country_of_ip, country_of_domain, and domain_in_list
// (spec §4.7). All three are read-only binary searches or map lookups
// over immutable tables built at load time; no query takes a lock.
package classify

import (
	"bytes"
	"net"
	"sort"
)

// CC is a two-letter ISO country code, stored as exactly two non-null
// ASCII bytes per spec §3 "Country code invariant".
type CC [2]byte

func (c CC) String() string { return string(c[:]) }

// v4Record and v6Record are immutable, sorted-by-Start range entries
// (spec §3 "Geo/domain lists").
type v4Record struct {
	Start, End [4]byte
	CC         CC
}

type v6Record struct {
	Start, End [16]byte
	CC         CC
}

// GeoDB is an immutable IP-range-to-country table, queried by binary
// search over ranges sorted by Start.
type GeoDB struct {
	v4 []v4Record
	v6 []v6Record
}

// NewGeoDB builds a GeoDB from v4/v6 range tables. It copies both
// tables and sorts each copy by Start, so callers need not pre-sort.
func NewGeoDB(v4, v6 []struct {
	Start, End net.IP
	CC         CC
}) *GeoDB {
	db := &GeoDB{}
	for _, r := range v4 {
		rec := v4Record{CC: r.CC}
		copy(rec.Start[:], r.Start.To4())
		copy(rec.End[:], r.End.To4())
		db.v4 = append(db.v4, rec)
	}
	for _, r := range v6 {
		rec := v6Record{CC: r.CC}
		copy(rec.Start[:], r.Start.To16())
		copy(rec.End[:], r.End.To16())
		db.v6 = append(db.v6, rec)
	}
	sort.Slice(db.v4, func(i, j int) bool { return bytes.Compare(db.v4[i].Start[:], db.v4[j].Start[:]) < 0 })
	sort.Slice(db.v6, func(i, j int) bool { return bytes.Compare(db.v6[i].Start[:], db.v6[j].Start[:]) < 0 })
	return db
}

// CountryOfIP looks up ip's country by binary search over the
// appropriate range table. Returns ok=false if ip falls in no range.
func (db *GeoDB) CountryOfIP(ip net.IP) (cc CC, ok bool) {
	if v4 := ip.To4(); v4 != nil {
		return searchRanges(db.v4, v4, func(r v4Record) ([]byte, []byte, CC) {
			return r.Start[:], r.End[:], r.CC
		})
	}
	v6 := ip.To16()
	if v6 == nil {
		return CC{}, false
	}
	return searchRanges(db.v6, v6, func(r v6Record) ([]byte, []byte, CC) {
		return r.Start[:], r.End[:], r.CC
	})
}

func searchRanges[T any](recs []T, target []byte, extract func(T) (start, end []byte, cc CC)) (CC, bool) {
	// sort.Search finds the first record whose Start is > target; the
	// candidate range, if any, is the one just before it.
	i := sort.Search(len(recs), func(i int) bool {
		start, _, _ := extract(recs[i])
		return bytes.Compare(start, target) > 0
	})
	if i == 0 {
		return CC{}, false
	}
	start, end, cc := extract(recs[i-1])
	if bytes.Compare(target, start) >= 0 && bytes.Compare(target, end) <= 0 {
		return cc, true
	}
	return CC{}, false
}
