// Package contextsvc is the built-in "context" service: it reports the
// environment an engine runs in and echoes arguments back.
package contextsvc

import (
	"context"
	"os"

	"github.com/nuetzliches/toolhub/internal/engine"
	"github.com/nuetzliches/toolhub/internal/toolkit"
)

const Name = "context"

// Version is overridden at build time together with the hub version.
var Version = "dev"

func Service() toolkit.Service {
	return toolkit.Service{Info: Info, Build: Build}
}

func Info() toolkit.ServerInfo {
	return toolkit.ServerInfo{
		Name:        Name,
		Version:     Version,
		Description: "Context service: echo arguments and describe the engine environment.",
	}
}

func Build(mws []toolkit.Middleware, opts ...toolkit.Option) (*toolkit.Registrar, error) {
	return toolkit.NewBuilder(Name).
		Use(mws...).
		With(opts...).
		Tool("echo", "Echo the arguments back").
		Param("msg", "string", "message to echo", true).
		Handle(echo).
		Tool("describe", "Report the engine name, base path and working directory").
		Output(map[string]any{
			"type":     "object",
			"required": []any{"engine", "base_path"},
		}).
		Handle(describe).
		Tool("relay", "Call echo through the middleware chain and return its result").
		Param("msg", "string", "message to relay", true).
		Handle(relay).
		Build()
}

func echo(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
	return args, nil
}

func describe(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
	wd, _ := os.Getwd()
	return map[string]any{
		"engine":    os.Getenv(engine.EnvEngineName),
		"base_path": os.Getenv(engine.EnvBasePath),
		"cwd":       wd,
		"pid":       os.Getpid(),
	}, nil
}

func relay(ctx context.Context, call *toolkit.Call, args map[string]any) (any, error) {
	out, err := call.Invoke(ctx, "echo", map[string]any{"msg": args["msg"]})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"echo":     out,
		"trace_id": call.TraceID(),
		"depth":    call.Depth,
	}, nil
}
