// Package supervisor owns the set of listeners and the periodically
// refreshed classifier/rule state behind a single start/stop surface
// (spec §5 "Shared resources", §4.9's C13 supervisor).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/service"
	gocron "github.com/go-co-op/gocron"

	"github.com/wiretun/wiretun/server"
)

// shutdownGrace is how long Shutdown waits for the accept loops to
// return after cancellation before it closes their listeners itself
// (spec §5).
const shutdownGrace = 5 * time.Second

// ErrAlreadyStarted is returned by Start if the supervisor is already
// running.
var ErrAlreadyStarted = errors.Error("supervisor: already started")

// ErrNotStarted is returned by Shutdown if the supervisor was never
// started.
var ErrNotStarted = errors.Error("supervisor: not started")

// Listener is one accept loop the supervisor owns: a plain ingress
// listener (SOCKS5/HTTP) or a tcpman tunnel listener.
type Listener struct {
	net.Listener
	Tcpman   bool
	MasterKey []byte
	BasicAuth string
}

// ReloadFunc rebuilds the classifier, rule engine, and upstream
// registry from the live config source (disk, remote fetch, whatever
// Supervisor's caller wired up) and returns a replacement Dispatcher.
// It must not mutate the previous Dispatcher's fields.
type ReloadFunc func(ctx context.Context) (*server.Dispatcher, error)

// Supervisor runs a set of listeners against a swappable Dispatcher,
// refreshing it on a gocron schedule. Grounded on (*proxy.Proxy).Start
// /Shutdown (proxy/proxy.go) for the start-once/graceful-shutdown
// shape, and on internal/cmd/cmd.go's gocron.NewScheduler use for
// periodic reload.
type Supervisor struct {
	Logger    *slog.Logger
	Listeners []Listener
	Reload    ReloadFunc

	// ReloadInterval schedules Reload; zero disables periodic reload
	// (the dispatcher is still built once at Start).
	ReloadInterval time.Duration

	mu        sync.RWMutex
	started   bool
	dispatch  *server.Dispatcher
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ service.Interface = (*Supervisor)(nil)

// current returns the live Dispatcher under a read lock.
func (s *Supervisor) current() *server.Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatch
}

// Start implements service.Interface: builds the initial Dispatcher,
// starts every listener's accept loop on its own goroutine, and, if
// ReloadInterval is set, starts the gocron scheduler that rebuilds
// the Dispatcher on that cadence.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	dispatch, err := s.Reload(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: building initial dispatcher: %w", err)
	}
	s.dispatch = dispatch
	s.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	for _, l := range s.Listeners {
		s.wg.Add(1)
		go func(l Listener) {
			defer s.wg.Done()
			s.serve(runCtx, l)
		}(l)
	}

	if s.ReloadInterval > 0 {
		s.scheduler = gocron.NewScheduler(time.UTC)
		_, err := s.scheduler.Every(uint64(s.ReloadInterval.Seconds())).Seconds().Do(func() {
			s.reloadOnce(runCtx)
		})
		if err != nil {
			return fmt.Errorf("supervisor: scheduling reload: %w", err)
		}
		s.scheduler.StartAsync()
	}

	s.Logger.InfoContext(ctx, "supervisor started", "listeners", len(s.Listeners))
	return nil
}

func (s *Supervisor) serve(ctx context.Context, l Listener) {
	var err error
	if l.Tcpman {
		err = s.dispatchServeTcpman(ctx, l)
	} else {
		err = s.current().Serve(ctx, l.Listener)
	}
	if err != nil {
		select {
		case <-ctx.Done():
		default:
			s.Logger.ErrorContext(ctx, "listener stopped", "addr", l.Addr(), "err", err)
		}
	}
}

func (s *Supervisor) dispatchServeTcpman(ctx context.Context, l Listener) error {
	return s.current().ServeTcpman(ctx, l.Listener, l.MasterKey, l.BasicAuth)
}

func (s *Supervisor) reloadOnce(ctx context.Context) {
	dispatch, err := s.Reload(ctx)
	if err != nil {
		s.Logger.ErrorContext(ctx, "periodic reload failed", "err", err)
		return
	}
	s.mu.Lock()
	s.dispatch = dispatch
	s.mu.Unlock()
	s.Logger.InfoContext(ctx, "dispatcher reloaded")
}

// Shutdown implements service.Interface: stops the scheduler, cancels
// the run context shared by the accept loops and their bridges, and
// waits for every accept loop to return. If they have not returned
// after shutdownGrace, it closes the listeners and keeps waiting.
// In-flight bridges are not waited for.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	cancel := s.cancel
	scheduler := s.scheduler
	s.mu.Unlock()

	if scheduler != nil {
		scheduler.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.Logger.WarnContext(ctx, "shutdown grace period elapsed, forcing close")
		for _, l := range s.Listeners {
			_ = l.Close()
		}
		<-done
	}

	s.Logger.InfoContext(ctx, "supervisor stopped")
	return nil
}
