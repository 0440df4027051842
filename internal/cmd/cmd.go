// Package cmd is the wiretun CLI entry point: flag parsing, logger
// and dispatcher construction, and the signal-driven run loop. Grounded
// on the teacher's internal/cmd/cmd.go (Main/runProxy shape: parse,
// build a structured logger, start the service, block on a signal,
// shut down).
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/osutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/wiretun/wiretun/bridge"
	"github.com/wiretun/wiretun/config"
	"github.com/wiretun/wiretun/dnsman"
	"github.com/wiretun/wiretun/internal/version"
	"github.com/wiretun/wiretun/rule"
	"github.com/wiretun/wiretun/server"
	"github.com/wiretun/wiretun/supervisor"
	"github.com/wiretun/wiretun/tcpman"
	"github.com/wiretun/wiretun/upstream"
)

// exitCodeMissingEnv is returned when a required environment variable
// (TCPMAN_PASSWORD) is unset, spec §6's third CLI exit code; the other
// two are golibs/osutil's ExitCodeSuccess and ExitCodeFailure (bind or
// config errors).
const exitCodeMissingEnv = 2

// shutdownTimeout bounds how long runSupervisor waits for
// (*supervisor.Supervisor).Shutdown before reporting failure.
const shutdownTimeout = 10 * time.Second

// ServerOptions is the `server` subcommand: runs the tcpman tunnel
// endpoint that terminates client connections and dials the final
// destination.
type ServerOptions struct {
	Host        string `long:"host" description:"address to bind the tcpman listener to" default:"0.0.0.0"`
	TcpmanPort  int    `long:"tcpman-port" description:"tcpman listener port" required:"true"`
	BasicAuth   string `long:"basic-auth" description:"optional Authorization header value required of clients"`
	MaxSessions uint   `long:"max-sessions" description:"cap on concurrent bridged sessions, 0 for unbounded"`
	Verbose     bool   `long:"verbose" short:"v" description:"enable debug logging"`
}

// ClientOptions is the `client` subcommand: runs local SOCKS5/HTTP
// ingress, routing requests through the configured upstreams per the
// traffic-rules DSL.
type ClientOptions struct {
	ConfigPath      string `long:"config" description:"YAML or JSON configuration file" required:"true"`
	ControllerHost  string `long:"controller-host" description:"address to bind the SOCKS5/HTTP ingress listener to" default:"127.0.0.1"`
	ControllerPort  int    `long:"controller-port" description:"SOCKS5/HTTP ingress listener port" required:"true"`
	TcpmanBasicAuth string `long:"tcpman-basic-auth" description:"Authorization header value sent when dialing tcpman upstreams"`
	HTTPBasicAuth   string `long:"http-basic-auth" description:"raw 'Basic ...' credential required of local HTTP ingress clients, empty to disable"`
	ReloadIntervalS uint   `long:"reload-interval" description:"seconds between config reloads, 0 to disable"`
	DNSListen       string `long:"dns-listen" description:"address to bind the peripheral DNS sub-service to, empty to disable"`
	Verbose         bool   `long:"verbose" short:"v" description:"enable debug logging"`
}

// Options is the top-level set of CLI flags: exactly one of Server or
// Client is populated, selected by the subcommand name.
type Options struct {
	Server ServerOptions `command:"server" description:"run the tcpman tunnel endpoint"`
	Client ClientOptions `command:"client" description:"run the local SOCKS5/HTTP ingress"`
}

// Main is the wiretun CLI entrypoint.
func Main() {
	var opts Options
	parser := flags.NewParser(&opts, flags.Default)
	parser.ShortDescription = "wiretun"

	_, err := parser.Parse()
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(int(osutil.ExitCodeSuccess))
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(int(osutil.ExitCodeArgumentError))
	}

	switch parser.Active.Name {
	case "server":
		os.Exit(runServer(&opts.Server))
	case "client":
		os.Exit(runClient(&opts.Client))
	default:
		_, _ = fmt.Fprintln(os.Stderr, "a subcommand (server or client) is required")
		os.Exit(int(osutil.ExitCodeArgumentError))
	}
}

func newLogger(verbose bool) *slog.Logger {
	lvl := slog.LevelInfo
	if verbose {
		lvl = slog.LevelDebug
	}
	return slogutil.New(&slogutil.Config{
		Output: os.Stdout,
		Format: slogutil.FormatDefault,
		Level:  lvl,
	})
}

func listenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func secondsToDuration(s uint) time.Duration {
	return time.Duration(s) * time.Second
}

// runServer builds and runs the tcpman server endpoint, returning the
// process exit code.
func runServer(opts *ServerOptions) int {
	l := newLogger(opts.Verbose)
	ctx := context.Background()
	l.InfoContext(ctx, "wiretun server starting", "version", version.Version())

	password := os.Getenv("TCPMAN_PASSWORD")
	if password == "" {
		l.ErrorContext(ctx, "TCPMAN_PASSWORD is required and was not set")
		return exitCodeMissingEnv
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.TcpmanPort)
	masterKey := tcpman.MasterKey(password, addr)

	// A tcpman endpoint evaluates the same Dispatcher pipeline the
	// client ingress does, but its policy is trivial: always dial the
	// destination directly, since a server never re-tunnels through
	// another upstream for its own inbound traffic.
	tables, err := rule.Parse("table main {\nWHEN host ~= .* THEN direct\n}\n")
	if err != nil {
		l.ErrorContext(ctx, "building server dispatch policy", slogutil.KeyError, err)
		return int(osutil.ExitCodeFailure)
	}

	dispatch := &server.Dispatcher{
		Logger:        l,
		Engine:        rule.NewEngine(tables),
		StartTable:    "main",
		Registry:      upstream.NewRegistry(nil),
		BridgeLimiter: bridge.NewLimiter(opts.MaxSessions),
		AuthLimiter:   tcpman.NewAuthLimiter(),
	}

	sup := &supervisor.Supervisor{
		Logger: l,
		Reload: func(context.Context) (*server.Dispatcher, error) { return dispatch, nil },
	}

	listener, err := listenTCP(addr)
	if err != nil {
		l.ErrorContext(ctx, "binding tcpman listener", slogutil.KeyError, err, "addr", addr)
		return int(osutil.ExitCodeFailure)
	}
	sup.Listeners = []supervisor.Listener{{
		Listener:  listener,
		Tcpman:    true,
		MasterKey: masterKey,
		BasicAuth: opts.BasicAuth,
	}}

	return runSupervisor(ctx, l, sup)
}

// runClient builds and runs the local SOCKS5/HTTP ingress, returning
// the process exit code.
func runClient(opts *ClientOptions) int {
	l := newLogger(opts.Verbose)
	ctx := context.Background()
	l.InfoContext(ctx, "wiretun client starting", "version", version.Version())

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		l.ErrorContext(ctx, "loading config", slogutil.KeyError, err)
		return int(osutil.ExitCodeFailure)
	}

	kdf := tcpman.NewKDFPool(0)

	addr := fmt.Sprintf("%s:%d", opts.ControllerHost, opts.ControllerPort)
	sup := &supervisor.Supervisor{
		Logger: l,
		Reload: func(rctx context.Context) (*server.Dispatcher, error) {
			engine, startTable, berr := cfg.BuildEngine()
			if berr != nil {
				return nil, fmt.Errorf("building rule engine: %w", berr)
			}
			registry, berr := cfg.BuildRegistry(rctx, kdf)
			if berr != nil {
				return nil, fmt.Errorf("building upstream registry: %w", berr)
			}
			classifier, berr := cfg.BuildClassifier()
			if berr != nil {
				return nil, fmt.Errorf("building classifier: %w", berr)
			}
			return &server.Dispatcher{
				Logger:          l,
				Classifier:      classifier,
				Engine:          engine,
				StartTable:      startTable,
				Registry:        registry,
				TcpmanBasicAuth: opts.TcpmanBasicAuth,
				HTTPBasicAuth:   opts.HTTPBasicAuth,
				BridgeLimiter:   bridge.NewLimiter(0),
			}, nil
		},
	}
	if opts.ReloadIntervalS > 0 {
		sup.ReloadInterval = secondsToDuration(opts.ReloadIntervalS)
	}

	listener, err := listenTCP(addr)
	if err != nil {
		l.ErrorContext(ctx, "binding ingress listener", slogutil.KeyError, err, "addr", addr)
		return int(osutil.ExitCodeFailure)
	}
	sup.Listeners = []supervisor.Listener{{Listener: listener}}

	if opts.DNSListen != "" {
		go runDNS(ctx, l, opts.DNSListen)
	}

	return runSupervisor(ctx, l, sup)
}

// runDNS stands up the peripheral DNS sub-service, forwarding every
// query to a public default resolver. It does not share the client's
// rule engine in this minimal wiring (no DSL construct yet names a
// DNS-specific table), so every query takes the Direct path.
func runDNS(ctx context.Context, l *slog.Logger, listen string) {
	tables, err := rule.Parse("table main {\nWHEN host ~= .* THEN direct\n}\n")
	if err != nil {
		l.ErrorContext(ctx, "building dns dispatch policy", slogutil.KeyError, err)
		return
	}
	resolver := dnsman.NewResolver(l, rule.NewEngine(tables), "main", nil, nil, "1.1.1.1:53")
	srv := dnsman.NewServers(listen, resolver)
	if err := srv.Run(ctx); err != nil {
		l.ErrorContext(ctx, "dns sub-service stopped", slogutil.KeyError, err)
	}
}

// runSupervisor starts sup, blocks until SIGINT/SIGTERM, then shuts it
// down, returning the process exit code.
func runSupervisor(ctx context.Context, l *slog.Logger, sup *supervisor.Supervisor) int {
	if err := sup.Start(ctx); err != nil {
		l.ErrorContext(ctx, "starting supervisor", slogutil.KeyError, err)
		return int(osutil.ExitCodeFailure)
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh

	l.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		l.ErrorContext(ctx, "shutting down supervisor", slogutil.KeyError, err)
		return int(osutil.ExitCodeFailure)
	}

	return int(osutil.ExitCodeSuccess)
}
