package server

import (
	"context"
	"net"
	"time"

	"github.com/wiretun/wiretun/bridge"
	"github.com/wiretun/wiretun/rule"
	"github.com/wiretun/wiretun/tcpman"
	"github.com/wiretun/wiretun/upstream"
)

// handleTcpmanConn is the server-side half of the tunnel: this
// process is itself a tcpman upstream being dialed by some other
// wiretun client. It runs the C6 handshake, then evaluates the same
// rule engine the local ingress path does before dialing the final
// destination directly (a tcpman endpoint never re-tunnels through
// another tcpman upstream for its own inbound traffic).
func (d *Dispatcher) handleTcpmanConn(ctx context.Context, conn net.Conn, masterKey []byte, basicAuth string) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	accepted, err := tcpman.Accept(conn, masterKey, basicAuth, d.AuthLimiter)
	if err != nil {
		d.Logger.Debug("tcpman handshake failed", "err", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	facts := &rule.RequestFacts{Dst: accepted.Dst, Transp: "tcpman", Classifier: d.Classifier}
	action, err := d.Engine.Evaluate(facts, d.StartTable)
	if err != nil {
		d.Logger.Warn("rule evaluation failed", "err", err, "dst", accepted.Dst)
		return
	}

	remote, chosen, err := d.dial(ctx, action, accepted.Dst)
	if err != nil {
		d.Logger.Debug("dial failed", "err", err, "dst", accepted.Dst, "action", action.Kind)
		return
	}
	defer remote.Close()

	if len(accepted.InitialData) > 0 {
		if _, err := remote.Write(accepted.InitialData); err != nil {
			d.Logger.Debug("writing buffered initial data upstream", "err", err)
			return
		}
	}

	var stats *upstream.Stats
	if chosen != nil {
		stats = chosen.Stats
	}
	if err := bridge.Run(ctx, d.Logger, accepted.Stream, remote, stats, d.BridgeLimiter); err != nil {
		d.Logger.Debug("bridge ended", "err", err, "dst", accepted.Dst)
	}
}
