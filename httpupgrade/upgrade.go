// Package httpupgrade implements the minimal HTTP/1.1 request/response
// framing tcpman uses to disguise its handshake as a WebSocket upgrade
// (spec §4.4). Once the 101 response is read, the connection carries
// raw, cipher-enciphered bytes; no WebSocket frame format is ever
// produced or expected.
package httpupgrade

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/AdguardTeam/golibs/errors"
)

// MaxHeaderSize is the buffering cap while looking for the CRLFCRLF
// terminator of a request or response. Exceeding it fails the upgrade
// with ErrHeaderTooLarge rather than reading unbounded attacker input.
const MaxHeaderSize = 64 * 1024

// fixedWebSocketKey is a constant Sec-WebSocket-Key. tcpman never
// completes a real WebSocket handshake, so the accept value derived
// from it is equally fixed (see acceptFor).
const fixedWebSocketKey = "dGhlIHNhbXBsZSBub25jZQ=="

// ErrHeaderTooLarge is returned when a request or response's header
// block exceeds MaxHeaderSize before a terminating blank line is seen.
var ErrHeaderTooLarge = errors.Error("http upgrade: header too large")

// ErrBadStatus is returned when a read response is not 101 Switching
// Protocols.
var ErrBadStatus = errors.Error("http upgrade: server did not switch protocols")

// ErrBadAccept is returned when a 101 response carries the wrong
// Sec-WebSocket-Accept value.
var ErrBadAccept = errors.Error("http upgrade: bad websocket accept")

// Request is the parsed form of the tcpman upgrade request line and
// headers (spec §4.4, §6 "Tcpman wire").
type Request struct {
	Path          string
	Host          string
	Authorization string // raw "Basic ..." value, empty if absent
	CacheKey      string // X-Cache-Key value: base64url-nopad ciphertext
}

// WriteRequest writes the upgrade request for path (already encoding
// key/iv/strategies/kind per tcpman's URL scheme) to w.
func WriteRequest(w io.Writer, host, path, authorization, cacheKey string) error {
	var b bufferedLineWriter
	b.requestLine("GET", path)
	b.header("Host", host)
	b.header("Upgrade", "Websocket")
	b.header("Connection", "Upgrade")
	b.header("Sec-WebSocket-Version", "13")
	b.header("Sec-WebSocket-Key", fixedWebSocketKey)
	if authorization != "" {
		b.header("Authorization", authorization)
	}
	if cacheKey != "" {
		b.header("X-Cache-Key", cacheKey)
	}
	b.end()
	_, err := w.Write(b.buf)
	return err
}

// ReadRequest parses an upgrade request read directly off r, enforcing
// MaxHeaderSize. r must be the single bufio.Reader the caller intends
// to keep using for the lifetime of the connection (see NewReader):
// wrapping it in a second, throwaway bufio.Reader here would silently
// drop any bytes the peer writes immediately after the header
// terminator, since that inner reader's own read-ahead buffer is
// discarded along with it.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	req, err := http.ReadRequest(r)
	if err != nil {
		if errors.Is(err, ErrHeaderTooLarge) {
			return nil, ErrHeaderTooLarge
		}
		return nil, fmt.Errorf("reading upgrade request: %w", err)
	}
	return &Request{
		Path:          req.URL.Path,
		Host:          req.Host,
		Authorization: req.Header.Get("Authorization"),
		CacheKey:      req.Header.Get("X-Cache-Key"),
	}, nil
}

// WriteSwitchingProtocols writes the fixed 101 response that completes
// the handshake on the server side.
func WriteSwitchingProtocols(w io.Writer) error {
	var b bufferedLineWriter
	b.statusLine(101, "Switching Protocols")
	b.header("Upgrade", "Websocket")
	b.header("Connection", "Upgrade")
	b.header("Sec-WebSocket-Accept", acceptFor(fixedWebSocketKey))
	b.end()
	_, err := w.Write(b.buf)
	return err
}

// WriteUnauthorized writes a bare 401 response closing the connection,
// the reply a tcpman server gives for a bad Authorization header
// (spec §7 "Authentication": reply 401 and close).
func WriteUnauthorized(w io.Writer) error {
	var b bufferedLineWriter
	b.statusLine(401, "Unauthorized")
	b.header("Connection", "close")
	b.end()
	_, err := w.Write(b.buf)
	return err
}

// ReadSwitchingProtocols reads and validates the server's 101 response
// directly off r, the same single bufio.Reader the caller keeps using
// afterward (see ReadRequest's doc comment for why a second wrapper
// reader would desync the ciphered stream that follows).
func ReadSwitchingProtocols(r *bufio.Reader) error {
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		if errors.Is(err, ErrHeaderTooLarge) {
			return ErrHeaderTooLarge
		}
		return fmt.Errorf("reading upgrade response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: got %d", ErrBadStatus, resp.StatusCode)
	}
	if accept := resp.Header.Get("Sec-WebSocket-Accept"); accept != acceptFor(fixedWebSocketKey) {
		return ErrBadAccept
	}
	return nil
}

// Dial upgrades an established TCP connection in place: it writes the
// upgrade request and validates the 101 response, returning the
// released reader from NewReader that the response was read through.
// Bytes the server sent right after its 101 response may already sit
// in that reader's buffer, so the stream that follows is read through
// it, not from conn directly. conn must already be connected to the
// server; this only performs the HTTP portion of the handshake.
func Dial(conn net.Conn, host, path, authorization, cacheKey string) (*bufio.Reader, error) {
	if err := WriteRequest(conn, host, path, authorization, cacheKey); err != nil {
		return nil, fmt.Errorf("writing upgrade request: %w", err)
	}
	br, release := NewReader(conn)
	if err := ReadSwitchingProtocols(br); err != nil {
		return nil, err
	}
	release()
	return br, nil
}

// boundedSource enforces MaxHeaderSize until release is called, after
// which reads pass straight through. It lets a single bufio.Reader
// serve both the upgrade handshake and everything read afterward,
// instead of bounding the handshake with a second bufio.Reader whose
// read-ahead buffer would otherwise be thrown away with it.
type boundedSource struct {
	io.Reader
	remaining int
	released  bool
}

func (b *boundedSource) Read(p []byte) (int, error) {
	if b.released {
		return b.Reader.Read(p)
	}
	if b.remaining <= 0 {
		return 0, ErrHeaderTooLarge
	}
	if len(p) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.Reader.Read(p)
	b.remaining -= n
	return n, err
}

// NewReader wraps r (typically a net.Conn) in the single bufio.Reader
// that should be used for the rest of the connection's life: pass it
// to ReadRequest or ReadSwitchingProtocols, call the returned release
// func once the handshake succeeds, then keep reading through the same
// *bufio.Reader (e.g. wrapped in a small net.Conn adapter) for the
// ciphered stream that follows, so bytes buffered past the header
// terminator are never dropped.
func NewReader(r io.Reader) (br *bufio.Reader, release func()) {
	bounded := &boundedSource{Reader: r, remaining: MaxHeaderSize}
	br = bufio.NewReader(bounded)
	return br, func() { bounded.released = true }
}
