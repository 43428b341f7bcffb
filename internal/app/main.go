// Package app wires the toolhub command tree.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/toolhub/internal/config"
	"github.com/nuetzliches/toolhub/internal/services/contextsvc"
	"github.com/nuetzliches/toolhub/internal/toolkit"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	dotenv     string
}

func Main(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	root.SetArgs(args[1:])
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return 0
}

// usageError marks errors caused by bad invocation (exit code 2).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if _, ok := err.(usageError); ok {
		return 2
	}
	return 1
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "toolhub",
		Short:         "Multiplex tool engines behind one JSON-RPC endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.dotenv == "" {
				return nil
			}
			if _, err := loadDotenv(g.dotenv); err != nil {
				return fmt.Errorf("load dotenv: %w", err)
			}
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", config.DefaultPath, "path to the hub config file")
	pf.StringVar(&g.logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	pf.StringVar(&g.dotenv, "dotenv", "", "load environment variables from this file first (existing variables win)")

	root.AddCommand(
		newServeCmd(g),
		newEngineCmd(g),
		newToolsCmd(g),
		newProbeCmd(),
		newVersionCmd(),
	)
	return root
}

// builtinServices is the catalog `service:` engines and `toolhub engine`
// resolve against.
func builtinServices() *toolkit.Services {
	services := toolkit.NewServices()
	if err := services.Register(contextsvc.Name, contextsvc.Service()); err != nil {
		panic(err)
	}
	return services
}

func loadConfig(g *globalFlags) (config.Compiled, error) {
	compiled, err := config.Load(g.configPath, config.CompileOptions{
		Services:        builtinServices().Names(),
		SecretPreflight: true,
	})
	if err != nil {
		return config.Compiled{}, err
	}
	if g.logLevel != "" {
		compiled.Log.Level = g.logLevel
	}
	return compiled, nil
}
