package server

import (
	"context"
	"net"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/bridge"
	"github.com/wiretun/wiretun/rule"
	"github.com/wiretun/wiretun/upstream"
)

// HandleTransparentConn drives a connection that was already redirected
// to this process at the kernel level (iptables REDIRECT/TPROXY): dst
// is recovered out of band (SO_ORIGINAL_DST) by the transparent
// package rather than parsed off the wire, so there is no ingress
// handshake and no protocol reply to send — the kernel has already
// made conn look, from the client's perspective, like a direct
// connection to dst. Everything past that point (classify, evaluate,
// dial, bridge) is the same pipeline HandleConn runs.
func (d *Dispatcher) HandleTransparentConn(ctx context.Context, conn net.Conn, dst addr.Address) {
	defer conn.Close()

	facts := &rule.RequestFacts{Dst: dst, Transp: "transparent", Classifier: d.Classifier}
	action, err := d.Engine.Evaluate(facts, d.StartTable)
	if err != nil {
		d.Logger.Warn("rule evaluation failed", "err", err, "dst", dst)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	remote, chosen, err := d.dial(dialCtx, action, dst)
	cancel()
	if err != nil {
		d.Logger.Debug("dial failed", "err", err, "dst", dst, "action", action.Kind)
		return
	}

	var stats *upstream.Stats
	if chosen != nil {
		stats = chosen.Stats
	}
	if err := bridge.Run(ctx, d.Logger, conn, remote, stats, d.BridgeLimiter); err != nil {
		d.Logger.Debug("bridge ended", "err", err, "dst", dst)
	}
}
