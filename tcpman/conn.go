package tcpman

import (
	"bufio"
	"net"
)

// bufferedConn layers a bufio.Reader in front of a net.Conn, mirroring
// ingress.bufferedConn: it lets Dial and Accept reuse the exact reader
// that parsed the HTTP upgrade handshake for the ciphered stream that
// follows, instead of resuming reads on the raw conn and losing
// whatever the handshake's bufio.Reader had already buffered.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
