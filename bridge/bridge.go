// Package bridge copies bytes between an ingress connection and its
// dialed upstream, accruing stats and tearing the session down on
// idle or EOF (spec §4.11 "Connection bridge").
package bridge

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/syncutil"

	"github.com/wiretun/wiretun/buf"
	"github.com/wiretun/wiretun/upstream"
)

// IdleTimeout tears a bridge down if neither side moves a byte for
// this long (spec §5 "Timeouts").
const IdleTimeout = 5 * time.Minute

// Limiter caps the number of bridge sessions running at once, the way
// the teacher's requestsSema bounds concurrent DNS workers
// (proxy/proxy.go). A nil *Limiter, or one built with MaxSessions 0,
// never blocks.
type Limiter struct {
	sem syncutil.Semaphore
}

// NewLimiter returns a Limiter allowing at most maxSessions concurrent
// bridges. maxSessions == 0 means unbounded.
func NewLimiter(maxSessions uint) *Limiter {
	if maxSessions == 0 {
		return &Limiter{sem: syncutil.EmptySemaphore{}}
	}
	return &Limiter{sem: syncutil.NewChanSemaphore(maxSessions)}
}

// Run pumps bytes in both directions between client and remote until
// one side closes, the idle timer fires, or ctx is cancelled. Byte
// counts are reported to stats as they're copied; stats may be nil
// for a protocol kind that doesn't track usage. limiter may be nil.
// Run always closes both conns before returning.
func Run(ctx context.Context, logger *slog.Logger, client, remote net.Conn, stats *upstream.Stats, limiter *Limiter) error {
	if limiter != nil {
		if err := limiter.sem.Acquire(ctx); err != nil {
			_ = client.Close()
			_ = remote.Close()
			return err
		}
		defer limiter.sem.Release()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	idle := time.NewTimer(IdleTimeout)
	defer idle.Stop()
	var idleMu sync.Mutex
	resetIdle := func() {
		idleMu.Lock()
		defer idleMu.Unlock()
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(IdleTimeout)
	}

	incTx, incRx := noopCount, noopCount
	if stats != nil {
		incTx, incRx = stats.IncTx, stats.IncRx
	}

	errs := make(chan error, 2)
	go func() { errs <- pump(client, remote, incTx, resetIdle) }()
	go func() { errs <- pump(remote, client, incRx, resetIdle) }()

	var first error
	done := 0
	for done < 2 {
		select {
		case err := <-errs:
			done++
			if first == nil && err != nil {
				first = err
			}
		case <-idle.C:
			logger.Debug("bridge idle timeout")
			_ = client.Close()
			_ = remote.Close()
		case <-ctx.Done():
			_ = client.Close()
			_ = remote.Close()
		}
	}

	_ = client.Close()
	_ = remote.Close()
	return first
}

// pump copies from src to dst using a pooled chunk buffer, reporting
// each chunk to count and resetting the idle timer on every read.
// Half-close: once src is drained, dst is closed for writes if it
// supports CloseWrite, propagating EOF to the remote side without
// killing the other direction's in-flight copy.
func pump(dst, src net.Conn, count func(uint64), touch func()) error {
	bp := buf.GetBridgeBuffer()
	defer buf.PutBridgeBuffer(bp)
	b := *bp

	for {
		n, rerr := src.Read(b)
		if n > 0 {
			touch()
			if _, werr := dst.Write(b[:n]); werr != nil {
				return werr
			}
			count(uint64(n))
		}
		if rerr != nil {
			if rerr == io.EOF {
				closeWrite(dst)
				return nil
			}
			return rerr
		}
	}
}

func noopCount(uint64) {}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}
