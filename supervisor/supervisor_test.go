package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiretun/wiretun/rule"
	"github.com/wiretun/wiretun/server"
	"github.com/wiretun/wiretun/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDispatcher(t *testing.T) *server.Dispatcher {
	t.Helper()
	tables, err := rule.Parse("table main {\nWHEN host ~= .* THEN reject\n}\n")
	require.NoError(t, err)
	return &server.Dispatcher{
		Logger:     discardLogger(),
		Engine:     rule.NewEngine(tables),
		StartTable: "main",
		Registry:   upstream.NewRegistry(nil),
	}
}

func TestSupervisorStartServesAndShutdownDrains(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	reloadCalls := 0
	sup := &Supervisor{
		Logger:    discardLogger(),
		Listeners: []Listener{{Listener: l}},
		Reload: func(ctx context.Context) (*server.Dispatcher, error) {
			reloadCalls++
			return newDispatcher(t), nil
		},
	}

	require.NoError(t, sup.Start(context.Background()))
	assert.Equal(t, 1, reloadCalls)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	conn.Close()

	assert.ErrorIs(t, sup.Start(context.Background()), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Shutdown(ctx))
	assert.ErrorIs(t, sup.Shutdown(ctx), ErrNotStarted)
}

func TestSupervisorReloadFailureAbortsStart(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	sup := &Supervisor{
		Logger:    discardLogger(),
		Listeners: []Listener{{Listener: l}},
		Reload: func(ctx context.Context) (*server.Dispatcher, error) {
			return nil, assertError{}
		},
	}

	err = sup.Start(context.Background())
	assert.Error(t, err)
}

type assertError struct{}

func (assertError) Error() string { return "reload failed" }
