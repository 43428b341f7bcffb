package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nuetzliches/toolhub/internal/toolkit"
)

const (
	// EnvEngineName and EnvBasePath form the environment contract every
	// spawned engine receives.
	EnvEngineName = "TOOLHUB_ENGINE"
	EnvBasePath   = "TOOLHUB_BASE_PATH"

	ProtocolVersion = "2024-11-05"

	DefaultTimeout   = 30 * time.Second
	defaultStopGrace = 3 * time.Second
	maxLineBytes     = 16 << 20
	maxLoggedLine    = 512
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusBooting Status = "booting"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// StatusEvent is delivered to Options.OnStatusChange on every transition.
// Tools is populated for transitions into StatusOnline.
type StatusEvent struct {
	Engine string
	From   Status
	To     Status
	Reason string
	Tools  []toolkit.Spec
}

// Snapshot is a point-in-time view of an engine.
type Snapshot struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	ToolCount     int       `json:"tool_count"`
	Pending       int       `json:"pending"`
}

// ServerInfo is what the child reported in its initialize result.
type ServerInfo struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Instructions string `json:"instructions,omitempty"`
}

type Options struct {
	Name    string
	Command string
	Args    []string
	// Env entries are KEY=VALUE and are appended to the hub's environment.
	Env      []string
	BasePath string
	Dir      string

	// Timeout bounds every RPC. Zero means DefaultTimeout.
	Timeout time.Duration
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	ClientName    string
	ClientVersion string

	Logger *slog.Logger
	// OnStatusChange is called synchronously, in transition order. It must
	// not call back into Start, Stop or Restart of the same Process.
	OnStatusChange func(StatusEvent)
}

// Process supervises one engine subprocess and correlates JSON-RPC requests
// and responses over its stdio pipes.
type Process struct {
	opts   Options
	logger *slog.Logger

	// hookMu orders transitions together with their hook calls. It is always
	// taken before mu.
	hookMu sync.Mutex

	mu        sync.Mutex
	status    Status
	gen       uint64
	cur       *run
	pid       int
	startedAt time.Time
	lastErr   string
	info      ServerInfo
	tools     []toolkit.Spec

	nextID    atomic.Uint64
	heartbeat atomic.Int64
}

// run is one spawned child. Every Start creates a fresh run; a run's
// pending map only ever holds requests written to that child.
type run struct {
	gen    uint64
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	exited chan struct{}

	readers  sync.WaitGroup
	stopOnce sync.Once
	writeMu  sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan reply
	closed    bool
}

type reply struct {
	msg rpcMessage
	err error
}

func New(opts Options) *Process {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.ClientName == "" {
		opts.ClientName = "toolhub"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		opts:   opts,
		logger: logger.With(slog.String("engine", opts.Name)),
		status: StatusIdle,
	}
}

func (p *Process) Name() string { return p.opts.Name }

// Start spawns the child and performs the initialize and tools/list
// handshake. It is a no-op while the engine is booting or online.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running() {
		p.mu.Unlock()
		return nil
	}
	old := p.cur
	p.mu.Unlock()
	if old != nil {
		p.stopRun(old)
	}

	p.hookMu.Lock()
	p.mu.Lock()
	if p.running() {
		p.mu.Unlock()
		p.hookMu.Unlock()
		return nil
	}
	from := p.status
	r, err := p.spawnLocked()
	if err != nil {
		p.status = StatusOffline
		p.lastErr = err.Error()
		p.mu.Unlock()
		p.emit(StatusEvent{Engine: p.opts.Name, From: from, To: StatusOffline, Reason: err.Error()})
		p.hookMu.Unlock()
		return fmt.Errorf("start engine %s: %w", p.opts.Name, err)
	}
	p.status = StatusBooting
	p.mu.Unlock()
	p.emit(StatusEvent{Engine: p.opts.Name, From: from, To: StatusBooting, Reason: "spawned"})
	p.hookMu.Unlock()

	p.logger.Info("engine_started", slog.Int("pid", r.cmd.Process.Pid), slog.String("command", p.opts.Command))

	info, tools, err := p.handshake(ctx, r)
	if err != nil {
		p.transition(r.gen, StatusOffline, err.Error(), nil)
		p.stopRun(r)
		p.logger.Error("engine_handshake_failed", slog.Any("err", err))
		return fmt.Errorf("start engine %s: %w", p.opts.Name, err)
	}
	ok := p.transition(r.gen, StatusOnline, "handshake complete", func() {
		p.info = info
		p.tools = tools
	})
	if !ok {
		p.stopRun(r)
		return fmt.Errorf("start engine %s: %w: %s", p.opts.Name, ErrOffline, p.LastError())
	}
	p.logger.Info("engine_online", slog.Int("tools", len(tools)), slog.String("server", info.Name))
	return nil
}

// Stop closes the child's stdio, signals its process group and waits a
// bounded grace period for it to exit.
func (p *Process) Stop() error {
	p.hookMu.Lock()
	p.mu.Lock()
	r := p.cur
	from := p.status
	changed := from != StatusOffline
	p.status = StatusOffline
	p.pid = 0
	p.mu.Unlock()
	if changed {
		p.emit(StatusEvent{Engine: p.opts.Name, From: from, To: StatusOffline, Reason: "stopped"})
	}
	p.hookMu.Unlock()

	if r != nil {
		p.stopRun(r)
	}
	if changed {
		p.logger.Info("engine_stopped")
	}
	return nil
}

func (p *Process) Restart(ctx context.Context) error {
	if err := p.Stop(); err != nil {
		return err
	}
	return p.Start(ctx)
}

// CallTool issues tools/call and returns the decoded result. The trace id
// stored in ctx and the OpenTelemetry span context travel in params._meta.
func (p *Process) CallTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	if p.Status() != StatusOnline {
		return nil, fmt.Errorf("engine %s: %w", p.opts.Name, ErrOffline)
	}
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}
	if meta := traceMeta(ctx); len(meta) > 0 {
		params["_meta"] = meta
	}
	raw, err := p.rpcCall(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	return decodeToolResult(p.opts.Name, raw)
}

// Ping round-trips a ping request.
func (p *Process) Ping(ctx context.Context) error {
	_, err := p.rpcCall(ctx, "ping", nil)
	return err
}

func traceMeta(ctx context.Context) map[string]any {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	meta := make(map[string]any, len(carrier)+1)
	for k, v := range carrier {
		meta[k] = v
	}
	if id := toolkit.TraceIDFromContext(ctx); id != "" {
		meta[toolkit.TraceMetaKey] = id
	}
	return meta
}

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Tools returns a deep copy of the catalog cached at the last handshake.
func (p *Process) Tools() []toolkit.Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return toolkit.CloneSpecs(p.tools)
}

func (p *Process) Info() ServerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *Process) Snapshot() Snapshot {
	p.mu.Lock()
	s := Snapshot{
		Name:      p.opts.Name,
		Status:    p.status,
		PID:       p.pid,
		StartedAt: p.startedAt,
		LastError: p.lastErr,
		ToolCount: len(p.tools),
	}
	r := p.cur
	p.mu.Unlock()
	if hb := p.heartbeat.Load(); hb > 0 {
		s.LastHeartbeat = time.Unix(0, hb).UTC()
	}
	if r != nil {
		s.Pending = r.pendingLen()
	}
	return s
}

// PendingCount reports outstanding requests of the current child.
func (p *Process) PendingCount() int {
	p.mu.Lock()
	r := p.cur
	p.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.pendingLen()
}

func (p *Process) running() bool {
	return p.status == StatusBooting || p.status == StatusOnline
}

func (p *Process) spawnLocked() (*run, error) {
	if strings.TrimSpace(p.opts.Command) == "" {
		return nil, errors.New("command is empty")
	}
	cmd := exec.Command(p.opts.Command, p.opts.Args...)
	cmd.Dir = p.opts.Dir
	cmd.Env = append(os.Environ(), p.opts.Env...)
	cmd.Env = append(cmd.Env,
		EnvEngineName+"="+p.opts.Name,
		EnvBasePath+"="+p.opts.BasePath,
	)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}

	p.gen++
	r := &run{
		gen:     p.gen,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		exited:  make(chan struct{}),
		pending: make(map[uint64]chan reply),
	}
	p.cur = r
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now().UTC()
	p.lastErr = ""
	p.info = ServerInfo{}
	p.tools = nil
	p.heartbeat.Store(0)

	r.readers.Add(2)
	go p.readStdout(r)
	go p.readStderr(r)
	go p.watchExit(r)
	return r, nil
}

func (p *Process) handshake(ctx context.Context, r *run) (ServerInfo, []toolkit.Spec, error) {
	raw, err := p.rpcCallOn(ctx, r, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    p.opts.ClientName,
			"version": p.opts.ClientVersion,
		},
	})
	if err != nil {
		return ServerInfo{}, nil, fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return ServerInfo{}, nil, fmt.Errorf("decode initialize result: %w", err)
	}
	info := ServerInfo{
		Name:         init.ServerInfo.Name,
		Version:      init.ServerInfo.Version,
		Instructions: init.Instructions,
	}

	if err := p.notify(r, "notifications/initialized", nil); err != nil {
		return ServerInfo{}, nil, fmt.Errorf("initialized notification: %w", err)
	}

	raw, err = p.rpcCallOn(ctx, r, "tools/list", map[string]any{})
	if err != nil {
		return ServerInfo{}, nil, fmt.Errorf("tools/list: %w", err)
	}
	var list struct {
		Tools []toolkit.Spec `json:"tools"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return ServerInfo{}, nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	tools := make([]toolkit.Spec, 0, len(list.Tools))
	for _, spec := range list.Tools {
		if strings.TrimSpace(spec.Name) == "" {
			continue
		}
		tools = append(tools, spec.Clone())
	}
	toolkit.SortSpecs(tools)
	return info, tools, nil
}

// transition moves run gen to state to. It returns false when gen is no
// longer current or the move is not allowed from the present state.
func (p *Process) transition(gen uint64, to Status, reason string, apply func()) bool {
	p.hookMu.Lock()
	defer p.hookMu.Unlock()

	p.mu.Lock()
	if p.cur == nil || p.cur.gen != gen {
		p.mu.Unlock()
		return false
	}
	from := p.status
	switch to {
	case StatusOnline:
		if from != StatusBooting {
			p.mu.Unlock()
			return false
		}
	case StatusOffline:
		if from == StatusOffline {
			p.mu.Unlock()
			return false
		}
		p.lastErr = reason
		p.pid = 0
	}
	p.status = to
	if apply != nil {
		apply()
	}
	ev := StatusEvent{Engine: p.opts.Name, From: from, To: to, Reason: reason}
	if to == StatusOnline {
		ev.Tools = toolkit.CloneSpecs(p.tools)
	}
	p.mu.Unlock()

	p.emit(ev)
	return true
}

func (p *Process) emit(ev StatusEvent) {
	p.logger.Debug("engine_status", slog.String("from", string(ev.From)), slog.String("to", string(ev.To)), slog.String("reason", ev.Reason))
	if p.opts.OnStatusChange != nil {
		p.opts.OnStatusChange(ev)
	}
}

// rpcCall sends one request to the current child and waits for the
// correlated response.
func (p *Process) rpcCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	r := p.cur
	up := p.running()
	p.mu.Unlock()
	if r == nil || !up {
		return nil, fmt.Errorf("engine %s: %w", p.opts.Name, ErrOffline)
	}
	return p.rpcCallOn(ctx, r, method, params)
}

func (p *Process) rpcCallOn(ctx context.Context, r *run, method string, params any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := p.nextID.Add(1)
	slot := make(chan reply, 1)
	if !r.addPending(id, slot) {
		return nil, fmt.Errorf("engine %s: %w", p.opts.Name, ErrOffline)
	}

	if err := p.send(r, rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		if r.removePending(id) {
			return nil, fmt.Errorf("engine %s: %w: write %s: %v", p.opts.Name, ErrOffline, method, err)
		}
		return p.result(method, <-slot)
	}

	timer := time.NewTimer(p.opts.Timeout)
	defer timer.Stop()

	select {
	case rep := <-slot:
		return p.result(method, rep)
	case <-timer.C:
		if !r.removePending(id) {
			return p.result(method, <-slot)
		}
		p.cancel(r, id, "timeout")
		p.logger.Warn("engine_rpc_timeout", slog.String("method", method), slog.Uint64("id", id), slog.Duration("timeout", p.opts.Timeout))
		return nil, fmt.Errorf("engine %s: %w: %s after %s", p.opts.Name, ErrTimeout, method, p.opts.Timeout)
	case <-ctx.Done():
		if !r.removePending(id) {
			return p.result(method, <-slot)
		}
		p.cancel(r, id, "cancelled")
		return nil, ctx.Err()
	}
}

func (p *Process) result(method string, rep reply) (json.RawMessage, error) {
	if rep.err != nil {
		return nil, rep.err
	}
	if rep.msg.Error != nil {
		return nil, &RPCError{
			Engine:  p.opts.Name,
			Method:  method,
			Code:    rep.msg.Error.Code,
			Message: rep.msg.Error.Message,
		}
	}
	return rep.msg.Result, nil
}

// cancel tells the child an abandoned request has no listener anymore.
// Delivery is best-effort.
func (p *Process) cancel(r *run, id uint64, reason string) {
	err := p.notify(r, "notifications/cancelled", map[string]any{
		"requestId": id,
		"reason":    reason,
	})
	if err != nil {
		p.logger.Debug("engine_cancel_failed", slog.Uint64("id", id), slog.Any("err", err))
	}
}

func (p *Process) notify(r *run, method string, params any) error {
	return p.send(r, rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (p *Process) send(r *run, req rpcRequest) error {
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Method, err)
	}
	line = append(line, '\n')
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err = r.stdin.Write(line)
	return err
}

func (p *Process) readStdout(r *run) {
	defer r.readers.Done()
	defer r.stdout.Close()

	br := bufio.NewReaderSize(r.stdout, 64<<10)
	for {
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			p.handleLine(r, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("engine_stdout_closed", slog.Any("err", err))
			}
			return
		}
	}
}

func (p *Process) handleLine(r *run, line []byte) {
	if len(line) > maxLineBytes {
		p.logger.Warn("engine_stdout_malformed", slog.String("reason", "line too long"), slog.Int("bytes", len(line)))
		return
	}
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		p.logger.Warn("engine_stdout_malformed", slog.String("line", truncate(line)), slog.Any("err", err))
		return
	}
	p.heartbeat.Store(time.Now().UnixNano())

	if msg.Method != "" {
		p.logger.Debug("engine_notification", slog.String("method", msg.Method))
		return
	}
	id, ok := msg.responseID()
	if !ok {
		p.logger.Warn("engine_stdout_malformed", slog.String("reason", "response without id"), slog.String("line", truncate(line)))
		return
	}
	slot := r.takePending(id)
	if slot == nil {
		p.logger.Debug("engine_response_unmatched", slog.Uint64("id", id))
		return
	}
	slot <- reply{msg: msg}
}

func (p *Process) readStderr(r *run) {
	defer r.readers.Done()
	defer r.stderr.Close()

	br := bufio.NewReaderSize(r.stderr, 16<<10)
	for {
		line, err := br.ReadString('\n')
		if text := strings.TrimRight(line, "\r\n"); text != "" {
			p.logger.Info("engine_stderr", slog.String("line", text))
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) watchExit(r *run) {
	state, err := r.cmd.Process.Wait()
	close(r.exited)

	reason := "process exited"
	switch {
	case err != nil:
		reason += ": " + err.Error()
	case state != nil:
		reason += ": " + state.String()
	}
	r.failPending(fmt.Errorf("engine %s: %w: %s", p.opts.Name, ErrOffline, reason))
	if p.transition(r.gen, StatusOffline, reason, nil) {
		p.logger.Warn("engine_exited", slog.String("reason", reason))
	}
}

// stopRun terminates one child. It is safe to call more than once.
func (p *Process) stopRun(r *run) {
	r.stopOnce.Do(func() {
		_ = r.stdin.Close()
		select {
		case <-r.exited:
		default:
			if err := terminate(r.cmd.Process); err != nil {
				p.logger.Debug("engine_terminate_failed", slog.Any("err", err))
			}
			select {
			case <-r.exited:
			case <-time.After(p.opts.StopGrace):
				p.logger.Warn("engine_kill", slog.Duration("grace", p.opts.StopGrace))
				_ = kill(r.cmd.Process)
				select {
				case <-r.exited:
				case <-time.After(p.opts.StopGrace):
				}
			}
		}
		_ = r.stdout.Close()
		_ = r.stderr.Close()
		r.readers.Wait()
		r.failPending(fmt.Errorf("engine %s: %w: stopped", p.opts.Name, ErrOffline))
	})
}

func (r *run) addPending(id uint64, slot chan reply) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.closed {
		return false
	}
	r.pending[id] = slot
	return true
}

// removePending evicts id and reports whether this caller removed it. A
// false result means a response or failPending got there first and the
// slot already holds a reply.
func (r *run) removePending(id uint64) bool {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}

func (r *run) takePending(id uint64) chan reply {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	slot, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return slot
}

func (r *run) failPending(err error) {
	r.pendingMu.Lock()
	slots := r.pending
	r.pending = make(map[uint64]chan reply)
	r.closed = true
	r.pendingMu.Unlock()

	for _, slot := range slots {
		slot <- reply{err: err}
	}
}

func (r *run) pendingLen() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

func truncate(line []byte) string {
	s := strings.TrimSpace(string(line))
	if len(s) > maxLoggedLine {
		return s[:maxLoggedLine] + "..."
	}
	return s
}
