package tcpman

import (
	"crypto/subtle"
	"fmt"
	"net"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/cipher"
	"github.com/wiretun/wiretun/httpupgrade"
)

// State names the server-side tcpman handshake state machine (spec
// §4.5). It exists purely for logging/diagnostics; transitions are
// driven directly by Accept's control flow, not by an explicit
// dispatch table.
type State int

const (
	StateAccepting State = iota
	StateHeaderParsing
	StateHeaderAuthed
	StateDialing
	StateBridging
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateHeaderParsing:
		return "header-parsing"
	case StateHeaderAuthed:
		return "header-authed"
	case StateDialing:
		return "dialing"
	case StateBridging:
		return "bridging"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrUnauthorized is returned when the upgrade request's Authorization
// header does not match the configured credential.
var ErrUnauthorized = errors.Error("tcpman: unauthorized")

// Accepted is the result of successfully running the server side of
// the handshake: a ciphered duplex stream plus the destination the
// client asked for and any initial data it peeked before connecting.
type Accepted struct {
	Stream      *cipher.Stream
	Dst         addr.Address
	InitialData []byte
	State       State
}

// ErrBlocked is returned when the connecting source is still serving a
// temporary block from a prior auth-failure burst (spec §7).
var ErrBlocked = errors.Error("tcpman: source temporarily blocked")

// Accept runs the server side of the tcpman handshake on conn, an
// already-accepted TCP connection. basicAuth, if non-empty, must equal
// the request's Authorization header verbatim (constant-time compare)
// or the handshake fails with ErrUnauthorized, a 401 response is
// written, and the failure is recorded against conn's remote address
// in limiter. limiter may be nil to skip all of this (e.g. in tests).
// If the source is already blocked, the handshake fails immediately
// with ErrBlocked and no bytes are read.
func Accept(conn net.Conn, masterKey []byte, basicAuth string, limiter *AuthLimiter) (*Accepted, error) {
	state := StateAccepting

	if limiter != nil && limiter.Blocked(sourceHost(conn.RemoteAddr())) {
		return nil, ErrBlocked
	}

	br, release := httpupgrade.NewReader(conn)
	state = StateHeaderParsing
	req, err := httpupgrade.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("tcpman: %v: %w", state, err)
	}
	release()

	if basicAuth != "" && !constantTimeEqual(req.Authorization, basicAuth) {
		if limiter != nil {
			limiter.RecordFailure(sourceHost(conn.RemoteAddr()))
		}
		_ = httpupgrade.WriteUnauthorized(conn)
		return nil, ErrUnauthorized
	}
	state = StateHeaderAuthed

	params, err := DecodeParams(req.Path, masterKey)
	if err != nil {
		return nil, fmt.Errorf("tcpman: %v: %w", state, err)
	}

	// The server's write direction uses the client's recv strategy and
	// vice versa (spec §4.2 "The server's send_strategy is the
	// client's recv_strategy and vice versa").
	writeCipher, err := cipher.NewStrategized(params.Kind, params.Key, params.IV, params.Recv)
	if err != nil {
		return nil, fmt.Errorf("tcpman: constructing send cipher: %w", err)
	}
	readCipher, err := cipher.NewStrategized(params.Kind, params.Key, params.IV, params.Send)
	if err != nil {
		return nil, fmt.Errorf("tcpman: constructing recv cipher: %w", err)
	}

	var initialData []byte
	if req.CacheKey != "" {
		ciphertext, decErr := b64.DecodeString(req.CacheKey)
		if decErr != nil {
			return nil, fmt.Errorf("tcpman: decoding X-Cache-Key: %w", decErr)
		}
		initialData = append([]byte(nil), ciphertext...)
		readCipher.Apply(initialData)
	}

	state = StateDialing
	if err := httpupgrade.WriteSwitchingProtocols(conn); err != nil {
		return nil, fmt.Errorf("tcpman: %v: writing 101 response: %w", state, err)
	}

	// The client may pipeline its first ciphertext right after the
	// upgrade request; route reads through br, not conn, so anything
	// httpupgrade's parse already buffered isn't lost.
	stream := cipher.NewStream(&bufferedConn{Conn: conn, r: br}, readCipher, writeCipher)
	state = StateBridging

	return &Accepted{
		Stream:      stream,
		Dst:         params.Dst,
		InitialData: initialData,
		State:       state,
	}, nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
