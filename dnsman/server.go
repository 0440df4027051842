package dnsman

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// Servers bundles the UDP and TCP dns.Server instances that answer on
// the same address, the shape github.com/miekg/dns expects callers to
// run side by side (UDP for ordinary queries, TCP for oversized
// responses and zone transfers).
type Servers struct {
	udp *dns.Server
	tcp *dns.Server
}

// NewServers builds a Servers bound to addr (e.g. "127.0.0.1:53"),
// dispatching every query to resolver.
func NewServers(addr string, resolver *Resolver) *Servers {
	mux := dns.NewServeMux()
	mux.Handle(".", resolver)

	return &Servers{
		udp: &dns.Server{Addr: addr, Net: "udp", Handler: mux},
		tcp: &dns.Server{Addr: addr, Net: "tcp", Handler: mux},
	}
}

// Run starts both listeners and blocks until ctx is cancelled or
// either one fails.
func (s *Servers) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- s.udp.ListenAndServe() }()
	go func() { errCh <- s.tcp.ListenAndServe() }()

	select {
	case <-ctx.Done():
		_ = s.udp.ShutdownContext(ctx)
		_ = s.tcp.ShutdownContext(ctx)
		return nil
	case err := <-errCh:
		_ = s.udp.ShutdownContext(context.Background())
		_ = s.tcp.ShutdownContext(context.Background())
		return fmt.Errorf("dnsman: %w", err)
	}
}
