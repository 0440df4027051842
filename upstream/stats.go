package upstream

import (
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ewmaAlpha is the rolling-latency smoothing factor (spec §4.8,
// "EWMA with α = 0.2").
const ewmaAlpha = 0.2

// consecutiveFailureLimit is how many connect failures in a row
// quarantine an upstream.
const consecutiveFailureLimit = 3

// quarantineTTL is how long a quarantined upstream is skipped.
const quarantineTTL = 30 * time.Second

// quarantineKey is the single cache entry tracked per Stats; its
// presence (not its value) is what matters.
const quarantineKey = "q"

// Stats is the live, per-upstream counters the selection engine and
// the bridge both write to. Per spec §4.8: "Counters are
// eventually-consistent atomics: inc_tx/inc_rx use relaxed order,
// report_delay takes a mutex-guarded pair (total, samples)." Here
// relaxed-order atomics are sync/atomic adds and the EWMA state is
// guarded by a plain mutex, since Go has no relaxed/acquire-release
// distinction at the language level.
type Stats struct {
	rxBytes atomic.Uint64
	txBytes atomic.Uint64

	lastActivity atomic.Int64 // unix nanoseconds

	mu            sync.Mutex
	ewmaLatencyMs float64
	hasLatency    bool

	consecutiveFailures atomic.Int32

	// quarantine uses a TTL cache with a single key per Stats rather
	// than a timestamp+duration pair, mirroring the teacher's
	// ratelimitBuckets *gocache.Cache pattern (proxy/proxy.go) for
	// expiring per-entity state without a background sweep goroutine
	// of our own.
	quarantine *gocache.Cache
}

// NewStats returns a zeroed Stats ready for use.
func NewStats() *Stats {
	return &Stats{quarantine: gocache.New(quarantineTTL, quarantineTTL)}
}

// IncTx adds n to the transmitted-byte counter.
func (s *Stats) IncTx(n uint64) {
	s.txBytes.Add(n)
	s.touch()
}

// IncRx adds n to the received-byte counter.
func (s *Stats) IncRx(n uint64) {
	s.rxBytes.Add(n)
	s.touch()
}

// Tx and Rx return the current byte counters.
func (s *Stats) Tx() uint64 { return s.txBytes.Load() }
func (s *Stats) Rx() uint64 { return s.rxBytes.Load() }

func (s *Stats) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent IncTx/IncRx.
func (s *Stats) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// ReportDelay folds a fresh connect-latency sample into the rolling
// EWMA.
func (s *Stats) ReportDelay(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasLatency {
		s.ewmaLatencyMs = ms
		s.hasLatency = true
		return
	}
	s.ewmaLatencyMs = ewmaAlpha*ms + (1-ewmaAlpha)*s.ewmaLatencyMs
}

// Latency returns the current rolling latency estimate. ok is false
// until the first sample lands, and ms is 0 until then.
func (s *Stats) Latency() (ms float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ewmaLatencyMs, s.hasLatency
}

// RecordConnectSuccess clears the consecutive-failure count.
func (s *Stats) RecordConnectSuccess() {
	s.consecutiveFailures.Store(0)
}

// RecordConnectFailure bumps the consecutive-failure count and
// quarantines the upstream once it reaches consecutiveFailureLimit.
func (s *Stats) RecordConnectFailure() {
	n := s.consecutiveFailures.Add(1)
	if n >= consecutiveFailureLimit {
		s.quarantine.SetDefault(quarantineKey, struct{}{})
	}
}

// Quarantined reports whether this upstream is currently serving out
// its 30 s penalty.
func (s *Stats) Quarantined() bool {
	_, found := s.quarantine.Get(quarantineKey)
	return found
}
