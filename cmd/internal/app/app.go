// Package app wires the shopsync server runtime: config, logging, storage, HTTP routes
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"shopsync/cmd/internal/lists"
	listsapi "shopsync/cmd/internal/lists/api"
	"shopsync/cmd/internal/realtime"
)

// App is the shopsync server runtime: it owns the store, the hub actor and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	storeKind  storeKind
	closeStore func()

	registry *prometheus.Registry
	hub      *realtime.Hub
	handler  http.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}

	var (
		registry *prometheus.Registry
		reg      prometheus.Registerer
	)
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = registry
	}

	rtMetrics, err := realtime.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("realtime metrics: %w", err)
	}

	st, kind, closeStore, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log, rtMetrics)

	svc, err := lists.NewService(st,
		lists.WithLogger(log),
		lists.WithBroadcaster(realtime.NewEmitter(log, hub)),
		lists.WithMetrics(reg),
	)
	if err != nil {
		closeStore()
		return nil, err
	}

	ws, err := realtime.NewGateway(log, hub, verifier, svc, cfg.gatewayConfig(),
		realtime.WithUserDirectory(svc),
		realtime.WithGatewayMetrics(rtMetrics),
	)
	if err != nil {
		closeStore()
		return nil, err
	}

	api, err := listsapi.NewHandler(log, svc, verifier, listsapi.WithMaxBodyBytes(cfg.MaxBodyBytes))
	if err != nil {
		closeStore()
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		log:        log,
		storeKind:  kind,
		closeStore: closeStore,
		registry:   registry,
		hub:        hub,
	}
	a.handler = registerHTTP(routes{
		log:       log,
		cfg:       cfg,
		store:     st,
		storeKind: kind,
		registry:  registry,
		ws:        ws,
		lists:     api,
	})
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the hub actor and the HTTP server and blocks until ctx is cancelled or
// either of them fails. The store is closed before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStore()

	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", string(a.storeKind),
		"metrics", a.registry != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.hub.Run(gctx)
	})

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		a.log.Info("server.stopped")
	}
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard binds are reported as loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
