package server

import (
	"context"
	"net"
)

// Serve accepts connections on l until ctx is cancelled or Accept
// fails, handing each to d.HandleConn on its own goroutine. It
// mirrors the teacher's one-goroutine-per-listener loop shape
// (proxy/server.go's startListeners), generalized from a single
// packet-loop-per-protocol to a single stream-accept loop since
// tcpman has exactly one framing, not dnsproxy's five.
func (d *Dispatcher) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go d.HandleConn(ctx, conn)
	}
}

// ServeTcpman accepts tunnel connections on l, runs the tcpman server
// handshake, and dispatches the decoded destination through the same
// policy pipeline HandleConn uses for local ingress.
func (d *Dispatcher) ServeTcpman(ctx context.Context, l net.Listener, masterKey []byte, basicAuth string) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go d.handleTcpmanConn(ctx, conn, masterKey, basicAuth)
	}
}
