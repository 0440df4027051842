package upstream

import (
	"context"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"gonum.org/v1/gonum/floats"
)

// connectDeadline bounds a single dial attempt (spec §5 "Timeouts").
const connectDeadline = 5 * time.Second

// ErrNoUpstreams is returned by SelectAndDial when there is no
// candidate to try. When every candidate fails to connect,
// SelectAndDial returns the last dial error instead.
var ErrNoUpstreams = errors.Error("upstream: no candidates available")

// Rank orders candidates ascending by rolling latency, with
// quarantined upstreams pushed to the end regardless of latency (spec
// §4.8 "Rank order"). An upstream with no latency sample yet ranks as
// if it had zero latency, giving freshly-registered upstreams first
// shot rather than last.
func Rank(candidates []*Upstream) []*Upstream {
	live := make([]*Upstream, 0, len(candidates))
	quarantined := make([]*Upstream, 0)
	latencies := make([]float64, 0, len(candidates))

	for _, u := range candidates {
		if u.Stats.Quarantined() {
			quarantined = append(quarantined, u)
			continue
		}
		ms, _ := u.Stats.Latency()
		live = append(live, u)
		latencies = append(latencies, ms)
	}

	indices := make([]int, len(live))
	for i := range indices {
		indices[i] = i
	}
	floats.ArgsortStable(latencies, indices)

	ranked := make([]*Upstream, 0, len(candidates))
	for _, i := range indices {
		ranked = append(ranked, live[i])
	}
	return append(ranked, quarantined...)
}

// Dialer opens a connection to u's destination; its concrete
// implementation (tcpman handshake, SOCKS5 CONNECT, or a plain net
// dial) lives in the server package, which knows the bridge's actual
// target.
type Dialer func(ctx context.Context, u *Upstream) (net.Conn, error)

// SelectAndDial ranks candidates and iterates down the list, attempting
// each with connectDeadline, committing stats on the first success
// (spec §4.8). On success it returns the live connection and the
// upstream that served it; on total failure it returns the last error
// seen.
func SelectAndDial(ctx context.Context, candidates []*Upstream, dial Dialer) (net.Conn, *Upstream, error) {
	var lastErr error
	for _, u := range Rank(candidates) {
		dialCtx, cancel := context.WithTimeout(ctx, connectDeadline)
		start := time.Now()
		conn, err := dial(dialCtx, u)
		cancel()

		if err != nil {
			u.Stats.RecordConnectFailure()
			lastErr = err
			continue
		}
		u.Stats.RecordConnectSuccess()
		u.Stats.ReportDelay(time.Since(start))
		return conn, u, nil
	}
	if lastErr == nil {
		lastErr = ErrNoUpstreams
	}
	return nil, nil, lastErr
}
