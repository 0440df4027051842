package tcpman

import (
	"context"

	"github.com/AdguardTeam/golibs/syncutil"

	"github.com/wiretun/wiretun/cipher"
)

// MasterKey stretches a shared password into the 32-byte secret used
// to authenticate the handshake and obfuscate the destination segment
// (spec §4.5). ctxLabel should be stable per deployment, e.g. the
// server's configured bind address, so the same password yields
// different secrets across independent servers.
func MasterKey(password, ctxLabel string) []byte {
	return cipher.DeriveMasterKey(password, ctxLabel)
}

// KDFPool bounds how many Argon2id derivations run at once. Each
// derivation pins cipher's kdfMemory (64 MiB) for its duration, so
// deriving every configured upstream's key in parallel at config load
// would otherwise spike memory in proportion to the upstream count —
// the same concern the teacher's requestsSema addresses for
// concurrent DNS workers, here applied to concurrent KDF derivations
// instead of concurrent requests.
type KDFPool struct {
	sem syncutil.Semaphore
}

// NewKDFPool returns a KDFPool allowing at most maxConcurrent
// simultaneous derivations. maxConcurrent == 0 means unbounded.
func NewKDFPool(maxConcurrent uint) *KDFPool {
	if maxConcurrent == 0 {
		return &KDFPool{sem: syncutil.EmptySemaphore{}}
	}
	return &KDFPool{sem: syncutil.NewChanSemaphore(maxConcurrent)}
}

// Derive runs MasterKey under the pool's concurrency limit, returning
// early if ctx is cancelled while waiting for a slot.
func (p *KDFPool) Derive(ctx context.Context, password, ctxLabel string) ([]byte, error) {
	if err := p.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer p.sem.Release()
	return MasterKey(password, ctxLabel), nil
}
