package config

import (
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nuetzliches/toolhub/internal/secrets"
)

const (
	defaultRPCTimeout      = 30 * time.Second
	defaultWSListen        = "127.0.0.1:8765"
	defaultWSPath          = "/"
	defaultMaxConnections  = 64
	defaultWSRateLimit     = 50
	defaultWSBurst         = 100
	defaultHTTPListen      = "127.0.0.1:8766"
	defaultHTTPPath        = "/rpc"
	defaultAuditStream     = "toolhub:audit"
	defaultAuditPath       = "toolhub-audit.jsonl"
	defaultReplaySize      = 100
	defaultTracingEndpoint = "localhost:4318"
)

// Compiled is the validated config with every default applied.
type Compiled struct {
	BasePath   string
	RPCTimeout time.Duration
	Log        LogConfig
	Engines    []EngineConfig
	Transports TransportsConfig
	Sandbox    SandboxConfig
	Audit      AuditConfig
	ReplaySize int
	Metrics    MetricsConfig
	Health     HealthConfig
	Tracing    TracingConfig
}

type LogConfig struct {
	Level  string
	Output string
	Path   string
}

type EngineConfig struct {
	Name string
	// Service names a built-in service; Command is empty then.
	Service string
	Command string
	Args    []string
	// Env values are literals or secret references.
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

// ResolvedEnv loads every secret reference in Env.
func (e EngineConfig) ResolvedEnv() ([]string, error) {
	env, err := secrets.ResolveEnv(e.Env)
	if err != nil {
		return nil, fmt.Errorf("engine %s env: %w", e.Name, err)
	}
	return env, nil
}

type TransportsConfig struct {
	Stdio     bool
	WebSocket WebSocketConfig
	HTTP      HTTPConfig
}

type WebSocketConfig struct {
	Enabled        bool
	Listen         string
	Path           string
	MaxConnections int
	RateLimit      float64
	Burst          int
	IdleTimeout    time.Duration
}

type HTTPConfig struct {
	Enabled bool
	Listen  string
	Path    string
}

type SandboxConfig struct {
	AllowSystem bool
}

type AuditConfig struct {
	Enabled   bool
	Sink      string
	Path      string
	DSN       string
	RedisAddr string
	Stream    string
	MaxLen    int64
}

type MetricsConfig struct {
	Enabled bool
	Listen  string
}

type HealthConfig struct {
	Enabled bool
	Listen  string
}

type TracingConfig struct {
	Enabled   bool
	Collector string
	Insecure  bool
}

type CompileOptions struct {
	// Services are the built-in service names `service:` may refer to.
	Services []string
	// SecretPreflight loads every engine env secret reference.
	SecretPreflight bool
}

// Compile applies defaults and validates cfg. Compiled is only meaningful
// when the result has no errors.
func Compile(cfg *Config, opts CompileOptions) (Compiled, ValidationResult) {
	var res ValidationResult
	if cfg == nil {
		cfg = &Config{}
	}

	out := Compiled{
		BasePath:   strings.TrimSpace(cfg.BasePath),
		RPCTimeout: compileDuration("rpc_timeout", cfg.RPCTimeout, defaultRPCTimeout, &res),
		ReplaySize: defaultReplaySize,
	}
	if out.BasePath == "" {
		out.BasePath = "."
	}
	if abs, err := filepath.Abs(out.BasePath); err == nil {
		out.BasePath = abs
	}

	out.Log = compileLog(cfg.Log, &res)

	engines, engineRes := compileEngines(cfg.Engines, opts)
	out.Engines = engines
	res.merge(engineRes)

	out.Transports = compileTransports(cfg.Transports, &res)

	if cfg.Sandbox != nil {
		out.Sandbox.AllowSystem = cfg.Sandbox.AllowSystem
	}
	out.Audit = compileAudit(cfg.Audit, &res)

	if cfg.Replay != nil && cfg.Replay.Size != nil {
		if *cfg.Replay.Size <= 0 {
			res.errorf("replay.size must be > 0")
		} else {
			out.ReplaySize = *cfg.Replay.Size
		}
	}

	if obs := cfg.Observability; obs != nil {
		if addr := strings.TrimSpace(obs.MetricsListen); addr != "" {
			checkListen("observability.metrics_listen", addr, &res)
			out.Metrics = MetricsConfig{Enabled: true, Listen: addr}
		}
		if addr := strings.TrimSpace(obs.HealthListen); addr != "" {
			checkListen("observability.health_listen", addr, &res)
			out.Health = HealthConfig{Enabled: true, Listen: addr}
		}
		if tr := obs.Tracing; tr != nil && tr.Enabled {
			out.Tracing = TracingConfig{Enabled: true, Collector: strings.TrimSpace(tr.Collector), Insecure: tr.Insecure}
			if out.Tracing.Collector == "" {
				out.Tracing.Collector = defaultTracingEndpoint
			}
		}
	}

	if !out.Transports.Stdio && !out.Transports.WebSocket.Enabled && !out.Transports.HTTP.Enabled {
		res.Warnings = append(res.Warnings, "no transport enabled; only the websocket default will be served")
	}

	res.OK = len(res.Errors) == 0
	return out, res
}

func compileEngines(in []EngineBlock, opts CompileOptions) ([]EngineConfig, ValidationResult) {
	var res ValidationResult
	known := make(map[string]bool, len(opts.Services))
	for _, s := range opts.Services {
		known[s] = true
	}

	seen := make(map[string]bool, len(in))
	out := make([]EngineConfig, 0, len(in))
	for i, b := range in {
		name := strings.TrimSpace(b.Name)
		where := fmt.Sprintf("engines[%d]", i)
		switch {
		case name == "":
			res.errorf("%s.name must not be empty", where)
		case strings.ContainsAny(name, "./ "):
			res.errorf("%s.name %q must not contain '.', '/' or spaces", where, name)
		case seen[name]:
			res.errorf("%s.name %q is duplicated", where, name)
		}
		seen[name] = true
		if name != "" {
			where = fmt.Sprintf("engine %q", name)
		}

		service := strings.TrimSpace(b.Service)
		command := strings.TrimSpace(b.Command)
		switch {
		case service == "" && command == "":
			res.errorf("%s needs either service or command", where)
		case service != "" && command != "":
			res.errorf("%s sets both service and command", where)
		case service != "" && len(known) > 0 && !known[service]:
			res.errorf("%s: unknown service %q", where, service)
		}

		for key, val := range b.Env {
			if strings.TrimSpace(key) == "" || strings.Contains(key, "=") {
				res.errorf("%s.env key %q is invalid", where, key)
				continue
			}
			if secrets.IsRef(val) {
				if err := secrets.ValidateRef(val); err != nil {
					res.errorf("%s.env %s: %v", where, key, err)
				}
			}
		}

		if b.Disabled {
			continue
		}
		ec := EngineConfig{
			Name:    name,
			Service: service,
			Command: command,
			Args:    append([]string(nil), b.Args...),
			Env:     copyEnv(b.Env),
			Dir:     strings.TrimSpace(b.Dir),
			Timeout: compileDuration(where+".timeout", b.Timeout, 0, &res),
		}
		out = append(out, ec)
	}

	if opts.SecretPreflight {
		res.Errors = append(res.Errors, secretPreflight(out)...)
	}
	return out, res
}

func compileLog(in *LogBlock, res *ValidationResult) LogConfig {
	out := LogConfig{Level: "info", Output: "stderr"}
	if in == nil {
		return out
	}
	if lvl := strings.ToLower(strings.TrimSpace(in.Level)); lvl != "" {
		switch lvl {
		case "debug", "info", "warn", "error":
			out.Level = lvl
		default:
			res.errorf("log.level %q must be one of debug, info, warn, error", in.Level)
		}
	}
	if o := strings.ToLower(strings.TrimSpace(in.Output)); o != "" {
		switch o {
		case "stderr", "stdout", "file":
			out.Output = o
		default:
			res.errorf("log.output %q must be one of stderr, stdout, file", in.Output)
		}
	}
	out.Path = strings.TrimSpace(in.Path)
	if out.Output == "file" && out.Path == "" {
		res.errorf("log.path is required when log.output is file")
	}
	return out
}

func compileTransports(in *TransportsBlock, res *ValidationResult) TransportsConfig {
	out := TransportsConfig{
		WebSocket: WebSocketConfig{
			Listen:         defaultWSListen,
			Path:           defaultWSPath,
			MaxConnections: defaultMaxConnections,
			RateLimit:      defaultWSRateLimit,
			Burst:          defaultWSBurst,
		},
		HTTP: HTTPConfig{Listen: defaultHTTPListen, Path: defaultHTTPPath},
	}
	if in == nil {
		out.WebSocket.Enabled = true
		return out
	}
	if in.Stdio != nil {
		out.Stdio = in.Stdio.Enabled
	}
	if ws := in.WebSocket; ws != nil {
		out.WebSocket.Enabled = true
		if v := strings.TrimSpace(ws.Listen); v != "" {
			out.WebSocket.Listen = v
		}
		checkListen("transports.websocket.listen", out.WebSocket.Listen, res)
		if v := strings.TrimSpace(ws.Path); v != "" {
			out.WebSocket.Path = v
		}
		checkPath("transports.websocket.path", out.WebSocket.Path, res)
		if ws.MaxConnections != nil {
			if *ws.MaxConnections <= 0 {
				res.errorf("transports.websocket.max_connections must be > 0")
			}
			out.WebSocket.MaxConnections = *ws.MaxConnections
		}
		if ws.RateLimit != nil {
			if *ws.RateLimit < 0 {
				res.errorf("transports.websocket.rate_limit must be >= 0")
			}
			out.WebSocket.RateLimit = *ws.RateLimit
		}
		if ws.Burst != nil {
			if *ws.Burst < 0 {
				res.errorf("transports.websocket.burst must be >= 0")
			}
			out.WebSocket.Burst = *ws.Burst
		}
		out.WebSocket.IdleTimeout = compileDuration("transports.websocket.idle_timeout", ws.IdleTimeout, 0, res)
	}
	if h := in.HTTP; h != nil {
		out.HTTP.Enabled = true
		if v := strings.TrimSpace(h.Listen); v != "" {
			out.HTTP.Listen = v
		}
		checkListen("transports.http.listen", out.HTTP.Listen, res)
		if v := strings.TrimSpace(h.Path); v != "" {
			out.HTTP.Path = strings.TrimRight(v, "/")
		}
		checkPath("transports.http.path", out.HTTP.Path, res)
	}
	return out
}

func compileAudit(in *AuditBlock, res *ValidationResult) AuditConfig {
	out := AuditConfig{Enabled: true, Sink: "jsonl", Path: defaultAuditPath, Stream: defaultAuditStream}
	if in == nil {
		return out
	}
	if in.Enabled != nil {
		out.Enabled = *in.Enabled
	}
	if s := strings.ToLower(strings.TrimSpace(in.Sink)); s != "" {
		out.Sink = s
	}
	if p := strings.TrimSpace(in.Path); p != "" {
		out.Path = p
	}
	out.DSN = strings.TrimSpace(in.DSN)
	out.RedisAddr = strings.TrimSpace(in.RedisAddr)
	if s := strings.TrimSpace(in.Stream); s != "" {
		out.Stream = s
	}
	out.MaxLen = in.MaxLen
	if out.MaxLen < 0 {
		res.errorf("audit.max_len must be >= 0")
	}
	if !out.Enabled {
		out.Sink = "none"
		return out
	}
	switch out.Sink {
	case "none", "jsonl", "sqlite":
	case "postgres":
		if out.DSN == "" {
			res.errorf("audit.dsn is required for the postgres sink")
		}
	case "redis":
		if out.RedisAddr == "" {
			res.errorf("audit.redis_addr is required for the redis sink")
		}
	default:
		res.errorf("audit.sink %q must be one of jsonl, sqlite, postgres, redis, none", in.Sink)
	}
	return out
}

func compileDuration(field, raw string, def time.Duration, res *ValidationResult) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		res.errorf("%s %q is not a duration", field, raw)
		return def
	}
	if d <= 0 {
		res.errorf("%s must be > 0", field)
		return def
	}
	return d
}

func checkListen(field, addr string, res *ValidationResult) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		res.errorf("%s %q: %v", field, addr, err)
	}
}

func checkPath(field, p string, res *ValidationResult) {
	if p != "" && !strings.HasPrefix(p, "/") {
		res.errorf("%s %q must start with /", field, p)
	}
}

func copyEnv(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func secretPreflight(engines []EngineConfig) []string {
	var errs []string
	for _, e := range engines {
		keys := make([]string, 0, len(e.Env))
		for k := range e.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ref := e.Env[k]
			if !secrets.IsRef(ref) {
				continue
			}
			if _, err := secrets.LoadRef(ref); err != nil {
				errs = append(errs, fmt.Sprintf("secret preflight %q used by engine %q env %s: %v", ref, e.Name, k, err))
			}
		}
	}
	return errs
}
