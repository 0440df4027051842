// Package ingress accepts client connections on the local listener and
// turns them into a tunneled ProxyRequest, speaking either SOCKS5 or
// HTTP (CONNECT / absolute-form) depending on the first byte on the
// wire (spec §4.6, §6).
package ingress

import (
	"bufio"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/wiretun/wiretun/addr"
)

// socks5VersionByte is the first byte of every SOCKS5 client greeting;
// any other leading byte is assumed to be the start of an HTTP request
// line.
const socks5VersionByte = 0x05

// ErrUnsupportedProtocol is returned when the first byte identifies
// neither SOCKS5 nor a recognizable HTTP request line.
var ErrUnsupportedProtocol = errors.Error("ingress: unrecognized protocol")

// ErrUnauthorized is returned when httpBasicAuth is configured and an
// HTTP request's credential does not match (spec §6 "HTTP ingress":
// 407 on auth failure when basic auth is configured).
var ErrUnauthorized = errors.Error("ingress: unauthorized")

// Request is a parsed ingress handshake awaiting a policy decision.
// Grant and Reject are mutually exclusive and each may be called at
// most once; Conn must not be used for payload I/O before one of them
// is called.
type Request struct {
	Dst          addr.Address
	UDPAssociate bool

	// InitialData is already-buffered payload the handshake itself
	// consumed (e.g. a re-serialized absolute-form HTTP request line)
	// that must be replayed as the first tunneled bytes. Nil for
	// SOCKS5 and HTTP CONNECT, whose handshakes consume no payload.
	InitialData []byte

	conn   *bufferedConn
	grant  func(bound net.Addr) error
	reject func(failure bool) error
}

// Conn returns the underlying connection, including any bytes already
// buffered while parsing the handshake. Valid only after Grant.
func (r *Request) Conn() net.Conn { return r.conn }

// Grant replies with success, binding to bound if the protocol's reply
// format carries a bound address (SOCKS5 does, HTTP CONNECT does not).
func (r *Request) Grant(bound net.Addr) error { return r.grant(bound) }

// Reject replies with a policy failure (SOCKS5 0x01 / HTTP 502).
func (r *Request) Reject() error { return r.reject(true) }

// Accept reads the first byte of conn to classify the protocol, then
// delegates to the SOCKS5 or HTTP parser. httpBasicAuth, if non-empty,
// is the raw "Basic ..." credential HTTP ingress requests (CONNECT and
// absolute-form) must present via Proxy-Authorization or Authorization;
// SOCKS5 ignores it (spec §6 only requires basic auth on HTTP ingress).
func Accept(conn net.Conn, httpBasicAuth string) (*Request, error) {
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("ingress: reading first byte: %w", err)
	}

	bc := &bufferedConn{Conn: conn, r: br}
	if first[0] == socks5VersionByte {
		return acceptSOCKS5(bc)
	}
	return acceptHTTP(bc, httpBasicAuth)
}

// bufferedConn layers a bufio.Reader in front of a net.Conn so parsed
// handshake bytes are never re-read, while bytes buffered past the
// handshake (pipelined HTTP bodies, TCP segments that arrived early)
// are not lost once bridging begins.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
