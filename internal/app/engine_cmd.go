package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/toolhub/internal/dispatch"
	"github.com/nuetzliches/toolhub/internal/engine"
	"github.com/nuetzliches/toolhub/internal/middleware"
	"github.com/nuetzliches/toolhub/internal/toolkit"
	"github.com/nuetzliches/toolhub/internal/transport"
)

func newEngineCmd(g *globalFlags) *cobra.Command {
	var service string
	var allowSystem bool
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Serve one built-in service over stdio (spawned by the hub)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if service == "" {
				return usageError{fmt.Errorf("--service is required (one of %v)", builtinServices().Names())}
			}
			logger, closer, err := newLoggerToSink(g.logLevel, "stderr", "")
			if err != nil {
				return usageError{err}
			}
			if closer != nil {
				defer closer.Close()
			}
			return runEngine(cmd.Context(), service, allowSystem, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "built-in service to serve")
	cmd.Flags().BoolVar(&allowSystem, "allow-system", false, "allow tools that require system access")
	return cmd
}

// runEngine serves a single service until stdin closes. The hub owns
// tracing ids; the engine only continues them.
func runEngine(ctx context.Context, name string, allowSystem bool, in io.Reader, out io.Writer, logger *slog.Logger) error {
	svc, ok := builtinServices().Lookup(name)
	if !ok {
		return usageError{fmt.Errorf("unknown service %q", name)}
	}
	if engineName := os.Getenv(engine.EnvEngineName); engineName != "" {
		logger = logger.With(slog.String("engine", engineName))
	}
	installPropagators()

	mws := middleware.Chain(middleware.TraceOptions{
		Logger: logger,
		Policy: middleware.SandboxPolicy{AllowSystem: allowSystem},
	})
	reg, err := svc.Build(mws, toolkit.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build service %s: %w", name, err)
	}
	d := dispatch.New(dispatch.ServiceTarget(svc.Info(), reg), dispatch.WithLogger(logger))
	logger.Info("engine_serving", slog.String("service", name), slog.Int("tools", len(reg.Specs())))
	return transport.ServeStdio(ctx, d, in, out, logger)
}
