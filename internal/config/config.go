// Package config loads the hub configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "toolhub.yaml"

// Config is the parsed, user-authored configuration file. Optional blocks
// are pointers so "not set" (use defaults) can be told apart from "set but
// empty".
type Config struct {
	BasePath      string              `yaml:"base_path"`
	RPCTimeout    string              `yaml:"rpc_timeout"`
	Log           *LogBlock           `yaml:"log"`
	Engines       []EngineBlock       `yaml:"engines"`
	Transports    *TransportsBlock    `yaml:"transports"`
	Sandbox       *SandboxBlock       `yaml:"sandbox"`
	Audit         *AuditBlock         `yaml:"audit"`
	Replay        *ReplayBlock        `yaml:"replay"`
	Observability *ObservabilityBlock `yaml:"observability"`
}

type LogBlock struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	Path   string `yaml:"path"`
}

type EngineBlock struct {
	Name    string            `yaml:"name"`
	Service string            `yaml:"service"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`
	// Timeout overrides rpc_timeout for this engine.
	Timeout  string `yaml:"timeout"`
	Disabled bool   `yaml:"disabled"`
}

type TransportsBlock struct {
	Stdio     *StdioBlock     `yaml:"stdio"`
	WebSocket *WebSocketBlock `yaml:"websocket"`
	HTTP      *HTTPBlock      `yaml:"http"`
}

type StdioBlock struct {
	Enabled bool `yaml:"enabled"`
}

type WebSocketBlock struct {
	Listen         string   `yaml:"listen"`
	Path           string   `yaml:"path"`
	MaxConnections *int     `yaml:"max_connections"`
	RateLimit      *float64 `yaml:"rate_limit"`
	Burst          *int     `yaml:"burst"`
	IdleTimeout    string   `yaml:"idle_timeout"`
}

type HTTPBlock struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

type SandboxBlock struct {
	AllowSystem bool `yaml:"allow_system"`
}

type AuditBlock struct {
	Enabled   *bool  `yaml:"enabled"`
	Sink      string `yaml:"sink"`
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	Stream    string `yaml:"stream"`
	MaxLen    int64  `yaml:"max_len"`
}

type ReplayBlock struct {
	Size *int `yaml:"size"`
}

type ObservabilityBlock struct {
	MetricsListen string        `yaml:"metrics_listen"`
	HealthListen  string        `yaml:"health_listen"`
	Tracing       *TracingBlock `yaml:"tracing"`
}

type TracingBlock struct {
	Enabled   bool   `yaml:"enabled"`
	Collector string `yaml:"collector"`
	Insecure  bool   `yaml:"insecure"`
}

// ValidationResult lists every problem found, not just the first.
type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) merge(other ValidationResult) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Err joins the errors, or returns nil for a valid result.
func (r ValidationResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, errors.New(e))
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}

// Parse decodes YAML config bytes. Unknown keys are rejected. An empty
// document yields an empty Config.
func Parse(input []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(normalizeInput(input)))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ParseFile reads and parses path. A missing file at the default path is
// treated as an empty config.
func ParseFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Load parses and compiles path in one step.
func Load(path string, opts CompileOptions) (Compiled, error) {
	cfg, err := ParseFile(path)
	if err != nil {
		return Compiled{}, err
	}
	compiled, res := Compile(cfg, opts)
	if err := res.Err(); err != nil {
		return Compiled{}, err
	}
	return compiled, nil
}
