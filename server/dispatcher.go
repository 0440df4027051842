// Package server dispatches accepted connections through the policy
// pipeline: classify, evaluate rules, select an upstream, dial it, and
// bridge (spec §4.6-§4.11, "Server dispatcher" C12). It is grounded on
// the teacher's configureListeners/startListeners split (proxy/server.go):
// one accept loop per transport, a per-connection handler fanned out
// onto its own goroutine.
package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/errors"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/bridge"
	"github.com/wiretun/wiretun/classify"
	"github.com/wiretun/wiretun/ingress"
	"github.com/wiretun/wiretun/rule"
	"github.com/wiretun/wiretun/tcpman"
	"github.com/wiretun/wiretun/upstream"
)

// handshakeTimeout bounds how long the ingress handshake (SOCKS5
// negotiation / HTTP request line) may take (spec §5 "Timeouts").
const handshakeTimeout = 5 * time.Second

// ErrPolicyReject is returned when the rule engine's decision for a
// request is an explicit Reject.
var ErrPolicyReject = errors.Error("server: rejected by policy")

// Dispatcher wires together the classifier, rule engine and upstream
// registry behind a single entry point: HandleConn.
type Dispatcher struct {
	Logger     *slog.Logger
	Classifier *classify.Classifier
	Engine     *rule.Engine
	StartTable string
	Registry   *upstream.Registry

	// TcpmanBasicAuth is sent as the tcpman handshake's Authorization
	// header when dialing a Tcpman-protocol upstream.
	TcpmanBasicAuth string

	// HTTPBasicAuth, if non-empty, is the raw "Basic ..." credential
	// HTTP ingress (CONNECT/absolute-form) requests must present; a
	// mismatch gets a 407 reply (spec §6 "HTTP ingress"). SOCKS5
	// ingress is unaffected.
	HTTPBasicAuth string

	// BridgeLimiter caps concurrent bridge sessions; nil means
	// unbounded.
	BridgeLimiter *bridge.Limiter

	// AuthLimiter throttles tcpman handshake auth failures per source
	// address; nil disables throttling entirely.
	AuthLimiter *tcpman.AuthLimiter
}

// HandleConn drives one locally-accepted connection end to end: parse
// the ingress handshake, classify and evaluate the policy, select and
// dial an upstream (or dial directly), reply to the client, and
// bridge. It always closes conn before returning.
func (d *Dispatcher) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	req, err := ingress.Accept(conn, d.HTTPBasicAuth)
	if err != nil {
		d.Logger.Debug("ingress handshake failed", "err", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	if req.UDPAssociate {
		d.handleUDPAssociate(conn, req)
		return
	}

	facts := &rule.RequestFacts{Dst: req.Dst, Transp: "tcp", Classifier: d.Classifier}
	action, err := d.Engine.Evaluate(facts, d.StartTable)
	if err != nil {
		d.Logger.Warn("rule evaluation failed", "err", err, "dst", req.Dst)
		_ = req.Reject()
		return
	}

	remote, chosen, err := d.dial(ctx, action, req.Dst)
	if err != nil {
		d.Logger.Debug("dial failed", "err", err, "dst", req.Dst, "action", action.Kind)
		_ = req.Reject()
		return
	}

	if err := req.Grant(remote.LocalAddr()); err != nil {
		d.Logger.Warn("writing ingress reply failed", "err", err)
		remote.Close()
		return
	}

	client := req.Conn()
	if len(req.InitialData) > 0 {
		if _, err := remote.Write(req.InitialData); err != nil {
			d.Logger.Debug("writing buffered initial data upstream", "err", err)
			remote.Close()
			return
		}
	}

	var stats *upstream.Stats
	if chosen != nil {
		stats = chosen.Stats
	}
	if err := bridge.Run(ctx, d.Logger, client, remote, stats, d.BridgeLimiter); err != nil {
		d.Logger.Debug("bridge ended", "err", err, "dst", req.Dst)
	}
}

// handleUDPAssociate services a SOCKS5 UDP ASSOCIATE request: it opens
// a UDP relay, grants it immediately, and drops every datagram it
// receives with a debug log rather than wiring it to the tunnel (spec
// §9: "SOCKS5 UDP-ASSOCIATE is accepted and immediately replies success
// with a bound UDP relay address that is never actually wired to the
// tunnel"). The association lives only as long as conn, its TCP
// control connection, stays open (RFC 1928 §UDP ASSOCIATE); it never
// reaches the rule engine or dial/bridge pipeline, since there is
// nothing to dial or bridge.
func (d *Dispatcher) handleUDPAssociate(conn net.Conn, req *ingress.Request) {
	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: localUDPBindIP(conn)})
	if err != nil {
		d.Logger.Debug("udp associate: opening relay failed", "err", err)
		_ = req.Reject()
		return
	}
	defer relay.Close()

	if err := req.Grant(relay.LocalAddr()); err != nil {
		d.Logger.Warn("writing ingress reply failed", "err", err)
		return
	}

	go dropUDPDatagrams(d.Logger, relay)

	// Block until the client closes the control connection or it
	// errors; conn.Close (deferred in HandleConn) then tears down the
	// relay via the defer above.
	buf := make([]byte, 1)
	for {
		if _, err := req.Conn().Read(buf); err != nil {
			return
		}
	}
}

// localUDPBindIP picks the IP the UDP relay binds to: the same local
// IP as the TCP control connection when it's a real *net.TCPAddr,
// otherwise the wildcard (e.g. in tests using net.Pipe).
func localUDPBindIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return net.IPv4zero
}

func dropUDPDatagrams(logger *slog.Logger, relay *net.UDPConn) {
	buf := make([]byte, 65536)
	for {
		n, from, err := relay.ReadFrom(buf)
		if err != nil {
			return
		}
		logger.Debug("udp associate: dropping datagram", "from", from, "bytes", n)
	}
}

// dial resolves a rule decision into a live connection: Direct dials
// the destination's own address, Proxy/ProxyGroup select and dial an
// upstream, and Reject (or any other terminal action without a
// target) fails immediately.
func (d *Dispatcher) dial(ctx context.Context, action rule.Action, dst addr.Address) (net.Conn, *upstream.Upstream, error) {
	switch action.Kind {
	case rule.ActionDirect:
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", dst.String())
		return conn, nil, err

	case rule.ActionProxy:
		u, ok := d.Registry.ByName(action.Target)
		if !ok {
			return nil, nil, errors.Error("server: unknown upstream " + action.Target)
		}
		conn, _, err := upstream.SelectAndDial(ctx, []*upstream.Upstream{u}, d.dialUpstream(dst))
		return conn, u, err

	case rule.ActionProxyGroup:
		candidates := d.Registry.InGroup(action.Target)
		conn, chosen, err := upstream.SelectAndDial(ctx, candidates, d.dialUpstream(dst))
		return conn, chosen, err

	default:
		return nil, nil, ErrPolicyReject
	}
}

// dialUpstream returns an upstream.Dialer closed over the final
// destination, dispatching on the upstream's configured protocol.
func (d *Dispatcher) dialUpstream(dst addr.Address) upstream.Dialer {
	return func(ctx context.Context, u *upstream.Upstream) (net.Conn, error) {
		switch u.Descriptor.Protocol.Kind {
		case upstream.ProtocolDirect:
			return (&net.Dialer{}).DialContext(ctx, "tcp", dst.String())

		case upstream.ProtocolTcpman:
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", u.Descriptor.Protocol.Addr.String())
			if err != nil {
				return nil, err
			}
			stream, err := tcpman.Dial(conn, u.Descriptor.Protocol.MasterKey, u.Descriptor.Protocol.Addr.Host, d.TcpmanBasicAuth, dst, nil)
			if err != nil {
				conn.Close()
				return nil, err
			}
			return stream, nil

		case upstream.ProtocolSocks5:
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", u.Descriptor.Protocol.Addr.String())
			if err != nil {
				return nil, err
			}
			if err := socks5Connect(conn, dst); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil

		default:
			return nil, errors.Error("server: unknown upstream protocol")
		}
	}
}
