package classify

import (
	"fmt"
	"net"
)

// geoV4RecordSize and geoV6RecordSize are the packed on-disk record
// sizes (spec §6 "Geo blobs"): start+end addr plus a 2-byte country
// code, 4 or 16 bytes per address.
const (
	geoV4RecordSize = 4 + 4 + 2
	geoV6RecordSize = 16 + 16 + 2
)

// DecodeGeoBlob parses the two packed binary tables described in spec
// §6: each is a concatenation of fixed-size records (10 bytes for v4,
// 34 for v6), pre-sorted ascending by start address, with a two-ASCII-
// letter country code trailing each record. Either slice may be nil.
func DecodeGeoBlob(v4, v6 []byte) (*GeoDB, error) {
	if len(v4)%geoV4RecordSize != 0 {
		return nil, fmt.Errorf("classify: v4 geo blob length %d not a multiple of %d", len(v4), geoV4RecordSize)
	}
	if len(v6)%geoV6RecordSize != 0 {
		return nil, fmt.Errorf("classify: v6 geo blob length %d not a multiple of %d", len(v6), geoV6RecordSize)
	}

	v4Recs := make([]struct {
		Start, End net.IP
		CC         CC
	}, 0, len(v4)/geoV4RecordSize)
	for off := 0; off < len(v4); off += geoV4RecordSize {
		rec := v4[off : off+geoV4RecordSize]
		cc, err := decodeCC(rec[8:10])
		if err != nil {
			return nil, err
		}
		v4Recs = append(v4Recs, struct {
			Start, End net.IP
			CC         CC
		}{
			Start: net.IP(append([]byte(nil), rec[0:4]...)),
			End:   net.IP(append([]byte(nil), rec[4:8]...)),
			CC:    cc,
		})
	}

	v6Recs := make([]struct {
		Start, End net.IP
		CC         CC
	}, 0, len(v6)/geoV6RecordSize)
	for off := 0; off < len(v6); off += geoV6RecordSize {
		rec := v6[off : off+geoV6RecordSize]
		cc, err := decodeCC(rec[32:34])
		if err != nil {
			return nil, err
		}
		v6Recs = append(v6Recs, struct {
			Start, End net.IP
			CC         CC
		}{
			Start: net.IP(append([]byte(nil), rec[0:16]...)),
			End:   net.IP(append([]byte(nil), rec[16:32]...)),
			CC:    cc,
		})
	}

	return NewGeoDB(v4Recs, v6Recs), nil
}

func decodeCC(b []byte) (CC, error) {
	if (b[0] < 'A' || b[0] > 'Z') || (b[1] < 'A' || b[1] > 'Z') {
		return CC{}, fmt.Errorf("classify: invalid country code bytes %v", b)
	}
	return CC{b[0], b[1]}, nil
}
