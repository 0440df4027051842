package bridge

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiretun/wiretun/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCopiesBothDirectionsAndReportsStats(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	remoteLocal, remoteRemote := net.Pipe()

	stats := upstream.NewStats()
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), discardLogger(), clientRemote, remoteRemote, stats, nil)
	}()

	go func() {
		_, _ = clientLocal.Write([]byte("hello remote"))
	}()
	buf := make([]byte, 32)
	n, err := remoteLocal.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello remote", string(buf[:n]))

	go func() {
		_, _ = remoteLocal.Write([]byte("hi client"))
	}()
	n, err = clientLocal.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi client", string(buf[:n]))

	_ = clientLocal.Close()
	_ = remoteLocal.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after both conns closed")
	}

	assert.True(t, stats.Tx() > 0)
	assert.True(t, stats.Rx() > 0)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	remoteLocal, remoteRemote := net.Pipe()
	defer clientLocal.Close()
	defer remoteLocal.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, discardLogger(), clientRemote, remoteRemote, nil, nil)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestLimiterBlocksBeyondCapacity(t *testing.T) {
	limiter := NewLimiter(1)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	aClientLocal, aClientRemote := net.Pipe()
	aRemoteLocal, aRemoteRemote := net.Pipe()
	defer aClientLocal.Close()
	defer aRemoteLocal.Close()

	firstStarted := make(chan struct{})
	go func() {
		close(firstStarted)
		_ = Run(firstCtx, discardLogger(), aClientRemote, aRemoteRemote, nil, limiter)
	}()
	<-firstStarted
	time.Sleep(50 * time.Millisecond) // let Run acquire the only slot

	bClientLocal, bClientRemote := net.Pipe()
	bRemoteLocal, bRemoteRemote := net.Pipe()
	defer bClientLocal.Close()
	defer bRemoteLocal.Close()

	secondCtx, cancelSecond := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelSecond()
	err := Run(secondCtx, discardLogger(), bClientRemote, bRemoteRemote, nil, limiter)
	assert.Error(t, err, "second Run should block on the single slot and time out")
}
