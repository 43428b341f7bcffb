package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nuetzliches/toolhub/internal/audit"
	"github.com/nuetzliches/toolhub/internal/config"
	"github.com/nuetzliches/toolhub/internal/dispatch"
	"github.com/nuetzliches/toolhub/internal/engine"
	"github.com/nuetzliches/toolhub/internal/hub"
	"github.com/nuetzliches/toolhub/internal/metrics"
	"github.com/nuetzliches/toolhub/internal/middleware"
	"github.com/nuetzliches/toolhub/internal/transport"
	"github.com/nuetzliches/toolhub/internal/websocket"
)

// errStdinClosed ends serve when the stdio client goes away.
var errStdinClosed = errors.New("stdin closed")

const hubDescription = "toolhub routes tool calls to the mounted engines. Tool names are <engine>.<tool>."

func newServeCmd(g *globalFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Mount the configured engines and serve the enabled transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g, watch, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "reconcile engines when the config file changes")
	return cmd
}

// hubRuntime is the assembled hub with its ambient services.
type hubRuntime struct {
	compiled config.Compiled
	logger   *slog.Logger
	metrics  *metrics.Registry
	hub      *hub.Hub
	closers  []func() error
}

func (rt *hubRuntime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("shutdown_step_failed", slog.Any("err", err))
		}
	}
}

// buildRuntime loads the config and assembles the hub with its sinks.
// Engines are mounted separately by mount.
func buildRuntime(ctx context.Context, g *globalFlags) (*hubRuntime, error) {
	compiled, err := loadConfig(g)
	if err != nil {
		return nil, usageError{err}
	}
	logger, logCloser, err := newHubLogger(compiled.Log, compiled.Transports.Stdio)
	if err != nil {
		return nil, usageError{err}
	}
	rt := &hubRuntime{compiled: compiled, logger: logger, metrics: metrics.New()}
	if logCloser != nil {
		rt.closers = append(rt.closers, logCloser.Close)
	}

	if compiled.Tracing.Enabled {
		shutdown, err := initTracing(ctx, compiled.Tracing, func(err error) {
			logger.Warn("tracing_error", slog.Any("err", err))
		})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		rt.closers = append(rt.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return shutdown(shutdownCtx)
		})
		rt.metrics.SetTracingEnabled(true)
	} else {
		installPropagators()
	}

	sink := audit.Nop()
	if compiled.Audit.Enabled {
		sink, err = audit.Open(ctx, audit.Options{
			Sink:      compiled.Audit.Sink,
			Path:      compiled.Audit.Path,
			DSN:       compiled.Audit.DSN,
			RedisAddr: compiled.Audit.RedisAddr,
			Stream:    compiled.Audit.Stream,
			MaxLen:    compiled.Audit.MaxLen,
		})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("open audit sink: %w", err)
		}
		logger.Info("audit_sink_selected", slog.String("sink", compiled.Audit.Sink))
	}
	rt.closers = append(rt.closers, sink.Close)

	replay := audit.NewReplay(compiled.ReplaySize)
	rt.hub = hub.New(hub.Options{
		Name:        "toolhub",
		Version:     version,
		Description: hubDescription,
		BasePath:    compiled.BasePath,
		Replay:      replay,
		Logger:      logger,
		Middlewares: middleware.Chain(middleware.TraceOptions{
			Logger:  logger,
			Metrics: rt.metrics,
			Audit:   sink,
			Replay:  replay,
			Policy:  middleware.SandboxPolicy{AllowSystem: compiled.Sandbox.AllowSystem},
		}),
	})
	rt.closers = append(rt.closers, rt.hub.Close)
	rt.metrics.SetEngineSource(rt.hub.StatusCounts)
	return rt, nil
}

// mount reconciles the hub with the compiled engines. Engines that fail to
// start stay mounted offline.
func (rt *hubRuntime) mount(ctx context.Context, compiled config.Compiled) error {
	exe, err := selfExecutable()
	if err != nil {
		return err
	}
	specs, err := engineSpecs(compiled, exe)
	if err != nil {
		return err
	}
	return rt.hub.Reconcile(ctx, specs)
}

func runServe(ctx context.Context, g *globalFlags, watch bool, stdin io.Reader, stdout io.Writer) error {
	rt, err := buildRuntime(ctx, g)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger
	compiled := rt.compiled
	started := time.Now()

	var hs *healthServer
	if compiled.Health.Enabled {
		hs = newHealthServer(logger)
		rt.hub.OnStatus(hs.observe)
	}

	hubDispatcher := dispatch.New(rt.hub, dispatch.WithLogger(logger))
	loader := dispatch.NewLoader(func(name string) (*dispatch.Dispatcher, error) {
		view, err := rt.hub.View(name)
		if err != nil {
			return nil, err
		}
		return dispatch.New(view, dispatch.WithLogger(logger)), nil
	}, logger)
	rt.hub.OnStatus(func(ev engine.StatusEvent) {
		if ev.To == engine.StatusOffline {
			loader.Forget(ev.Engine)
		}
	})

	if err := rt.mount(ctx, compiled); err != nil {
		logger.Error("engine_mount_failed", slog.Any("err", err))
	}

	listeners, err := openListeners(compiled)
	if err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)

	if ln := listeners.ws; ln != nil {
		ws := websocket.NewServer(hubDispatcher, websocket.Options{
			Path:           compiled.Transports.WebSocket.Path,
			MaxConnections: compiled.Transports.WebSocket.MaxConnections,
			RateLimit:      compiled.Transports.WebSocket.RateLimit,
			Burst:          compiled.Transports.WebSocket.Burst,
			IdleTimeout:    compiled.Transports.WebSocket.IdleTimeout,
			Logger:         logger,
			Metrics:        rt.metrics,
		})
		group.Go(func() error { return ws.Serve(gctx, ln) })
	}
	if ln := listeners.http; ln != nil {
		var h http.Handler = &transport.HTTPHandler{
			Path:    compiled.Transports.HTTP.Path,
			Hub:     hubDispatcher,
			Service: transport.ServiceLoader(loader),
			Logger:  logger,
		}
		h = wrapTracingHandler(compiled.Tracing.Enabled, "toolhub.rpc", withAccessLog(logger, h))
		srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
		group.Go(func() error { return serveHTTP(gctx, logger, "rpc", srv, ln) })
	}
	if ln := listeners.metrics; ln != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.metrics.Handler(version, started))
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		group.Go(func() error { return serveHTTP(gctx, logger, "metrics", srv, ln) })
	}
	if ln := listeners.health; ln != nil {
		group.Go(func() error { return hs.serve(gctx, ln) })
	}
	if compiled.Transports.Stdio {
		group.Go(func() error {
			if err := transport.ServeStdio(gctx, hubDispatcher, stdin, stdout, logger); err != nil {
				return err
			}
			if gctx.Err() != nil {
				return nil
			}
			return errStdinClosed
		})
	}

	var reloadMu sync.Mutex
	reload := func(trigger string) {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		next, err := loadConfig(g)
		if err != nil {
			logger.Error("config_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
			return
		}
		if err := rt.mount(gctx, next); err != nil {
			logger.Error("config_reload_failed", slog.String("trigger", trigger), slog.Any("err", err))
			return
		}
		logger.Info("config_reloaded", slog.String("trigger", trigger), slog.Int("engines", len(next.Engines)))
	}
	if watch {
		group.Go(func() error {
			watchConfig(gctx, g.configPath, logger, func() { reload("watch") })
			return nil
		})
	}
	group.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				reload("signal_sighup")
			}
		}
	})

	logger.Info("hub_started",
		slog.String("version", version),
		slog.Int("engines", len(compiled.Engines)),
		slog.Int("tools", len(rt.hub.Tools())),
	)
	err = group.Wait()
	logger.Info("hub_stopping")
	if errors.Is(err, errStdinClosed) {
		return nil
	}
	return err
}

type serveListeners struct {
	ws, http, metrics, health net.Listener
}

// openListeners binds every enabled endpoint up front so a port clash
// fails startup instead of one transport.
func openListeners(compiled config.Compiled) (serveListeners, error) {
	var out serveListeners
	var opened []net.Listener
	listen := func(enabled bool, addr string, dst *net.Listener) error {
		if !enabled {
			return nil
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		opened = append(opened, ln)
		*dst = ln
		return nil
	}
	steps := []error{
		listen(compiled.Transports.WebSocket.Enabled, compiled.Transports.WebSocket.Listen, &out.ws),
		listen(compiled.Transports.HTTP.Enabled, compiled.Transports.HTTP.Listen, &out.http),
		listen(compiled.Metrics.Enabled, compiled.Metrics.Listen, &out.metrics),
		listen(compiled.Health.Enabled, compiled.Health.Listen, &out.health),
	}
	if err := errors.Join(steps...); err != nil {
		for _, ln := range opened {
			_ = ln.Close()
		}
		return serveListeners{}, err
	}
	return out, nil
}
