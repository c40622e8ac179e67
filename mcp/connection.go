package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/plural-tools/logger"
	"github.com/zhubert/plural-tools/process"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrNotRunning is returned when a request arrives and no server
	// process is up.
	ErrNotRunning = errors.New("server not running")
	// ErrConnectionClosed is returned for requests in flight when the
	// connection is stopped or closed, and for any use after Close.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrProcessExited is returned for requests in flight when the
	// server process dies before answering.
	ErrProcessExited = errors.New("process exited")
	// ErrRequestTimeout is returned when a response does not arrive
	// within the request timeout.
	ErrRequestTimeout = errors.New("request timed out")
)

// Defaults applied when Config leaves the corresponding knob zero.
const (
	DefaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultShutdownGrace    = 2 * time.Second
)

// Status describes a connection's lifecycle state.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusError      Status = "error"
)

// Config describes how to run and supervise one tool server.
type Config struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// RequestTimeout bounds each request; DefaultRequestTimeout if zero.
	RequestTimeout time.Duration
	// HandshakeTimeout bounds the whole initialize exchange.
	HandshakeTimeout time.Duration
	// ShutdownGrace is the SIGTERM to SIGKILL escalation window.
	ShutdownGrace time.Duration
}

// Callbacks are invoked on lifecycle transitions. All fields are
// optional. They run outside connection locks but on internal
// goroutines, so they must not block.
type Callbacks struct {
	// OnReady fires when the handshake completes and tools are known.
	OnReady func(tools []ToolDefinition)
	// OnError fires when a start attempt fails to spawn or handshake.
	OnError func(err error)
	// OnClosed fires whenever the server process goes away: with the
	// exit error for an unexpected exit, nil for an intentional stop.
	OnClosed func(err error)
	// OnToolsChanged fires after the tool list is refreshed following a
	// list_changed notification.
	OnToolsChanged func(tools []ToolDefinition)
}

// Connection supervises one tool server process and speaks
// line-delimited JSON-RPC 2.0 with it over stdio. Responses are
// correlated to requests strictly by id.
type Connection struct {
	config    Config
	callbacks Callbacks
	log       *slog.Logger
	spawner   process.Spawner

	// nextID is never reset, so request ids stay unique across
	// restarts and a response from a previous process can never match
	// a current pending request.
	nextID atomic.Int64

	// opMu serializes lifecycle operations (Start, Stop, Restart,
	// Close, StopIfIdle). Request traffic takes only mu.
	opMu sync.Mutex

	mu         sync.Mutex
	status     Status
	closed     bool
	handle     process.Handle
	generation int
	pending    map[int64]*pendingCall
	tools      []ToolDefinition
	serverInfo ServerInfo
	instanceID string
	startedAt  time.Time
	lastUsed   time.Time
	restarts   int
	lastErr    error
}

// pendingCall tracks one in-flight request. Whoever removes the entry
// from the pending map delivers on ch; the channel is buffered so the
// winner never blocks on a caller that already gave up.
type pendingCall struct {
	ch    chan callResult
	timer *time.Timer
}

type callResult struct {
	msg *Message
	err error
}

// NewConnection creates a Connection for one server. A nil logger
// defaults to the package logger tagged with the server name.
func NewConnection(cfg Config, callbacks Callbacks, log *slog.Logger) *Connection {
	if log == nil {
		log = logger.WithServer(cfg.Name)
	}
	return &Connection{
		config:    cfg,
		callbacks: callbacks,
		log:       log,
		spawner:   process.NewSpawner(),
		status:    StatusStopped,
		pending:   make(map[int64]*pendingCall),
	}
}

// SetSpawner replaces the process spawner. Call before Start; tests
// substitute a process.FakeSpawner.
func (c *Connection) SetSpawner(s process.Spawner) {
	c.spawner = s
}

func (c *Connection) requestTimeout() time.Duration {
	if c.config.RequestTimeout > 0 {
		return c.config.RequestTimeout
	}
	return DefaultRequestTimeout
}

func (c *Connection) handshakeTimeout() time.Duration {
	if c.config.HandshakeTimeout > 0 {
		return c.config.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (c *Connection) shutdownGrace() time.Duration {
	if c.config.ShutdownGrace > 0 {
		return c.config.ShutdownGrace
	}
	return defaultShutdownGrace
}

// Start spawns the server process and performs the initialize
// handshake. Starting a running connection is a no-op. On failure the
// connection lands in StatusError.
func (c *Connection) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startLocked(ctx)
}

// startLocked does the actual spawn and handshake. Caller holds opMu.
func (c *Connection) startLocked(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.status == StatusRunning {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusStarting
	c.mu.Unlock()

	c.log.Info("starting server", "command", c.config.Command)
	handle, err := c.spawner.Spawn(process.Spec{
		Name:    c.config.Name,
		Command: c.config.Command,
		Args:    c.config.Args,
		Env:     c.config.Env,
		Dir:     c.config.Dir,
	})
	if err != nil {
		err = fmt.Errorf("failed to spawn %s: %w", c.config.Name, err)
		c.failStart(err)
		return err
	}

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.handle = handle
	c.instanceID = uuid.NewString()
	c.startedAt = time.Now()
	c.lastErr = nil
	c.mu.Unlock()

	go c.readLoop(handle)
	go c.drainStderr(handle)
	go c.monitorExit(gen, handle)

	tools, info, err := c.handshake(ctx)
	if err != nil {
		c.stopLocked(StatusError)
		err = fmt.Errorf("handshake with %s failed: %w", c.config.Name, err)
		c.failStart(err)
		return err
	}

	c.mu.Lock()
	if c.generation != gen || c.handle == nil {
		// The process died between the handshake and here; the exit
		// monitor already tore everything down.
		c.mu.Unlock()
		err = fmt.Errorf("server %s: %w", c.config.Name, ErrProcessExited)
		c.failStart(err)
		return err
	}
	c.status = StatusRunning
	c.tools = tools
	c.serverInfo = info
	instanceID := c.instanceID
	c.mu.Unlock()

	c.log.Info("server ready", "pid", handle.PID(), "instance", instanceID, "tools", len(tools))
	if c.callbacks.OnReady != nil {
		c.callbacks.OnReady(tools)
	}
	return nil
}

// failStart records a failed start attempt. Caller holds opMu.
func (c *Connection) failStart(err error) {
	c.mu.Lock()
	c.status = StatusError
	c.lastErr = err
	c.mu.Unlock()

	c.log.Error("server failed to start", "error", err)
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

// handshake runs initialize, the initialized notification, and the
// first tools/list against the current handle.
func (c *Connection) handshake(ctx context.Context) ([]ToolDefinition, ServerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout())
	defer cancel()

	raw, err := c.call(ctx, methodInitialize, InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    Capability{},
		ClientInfo:      ClientInfo{Name: clientName, Version: clientVersion},
	}, c.handshakeTimeout())
	if err != nil {
		return nil, ServerInfo{}, fmt.Errorf("initialize: %w", err)
	}
	var init InitializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, ServerInfo{}, fmt.Errorf("initialize: invalid result: %w", err)
	}
	if init.ProtocolVersion != protocolVersion {
		c.log.Warn("server speaks a different protocol version",
			"server", init.ProtocolVersion, "client", protocolVersion)
	}

	if err := c.notify(methodInitialized, nil); err != nil {
		return nil, ServerInfo{}, fmt.Errorf("initialized notification: %w", err)
	}

	raw, err = c.call(ctx, methodToolsList, nil, c.handshakeTimeout())
	if err != nil {
		return nil, ServerInfo{}, fmt.Errorf("tools/list: %w", err)
	}
	var list ToolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, ServerInfo{}, fmt.Errorf("tools/list: invalid result: %w", err)
	}

	return list.Tools, init.ServerInfo, nil
}

// CallTool invokes one tool and returns the raw result JSON. The
// contract is lazy: a connection that is not running is started first,
// and a failed start is the call's error. The result is passed through
// untouched; interpreting content is the caller's business.
func (c *Connection) CallTool(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	if err := c.ensureRunning(ctx); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, methodToolsCall, ToolCallParams{Name: tool, Arguments: args}, c.requestTimeout())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
	return raw, nil
}

// ListTools fetches a fresh tool list, lazily starting the server if
// needed. The cache is replaced wholesale and OnToolsChanged fires.
func (c *Connection) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := c.ensureRunning(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	tools, err := c.fetchTools(ctx)
	if err != nil {
		return nil, err
	}
	c.installTools(gen, tools)
	return tools, nil
}

// ensureRunning implements the lazy-start contract shared by CallTool
// and ListTools.
func (c *Connection) ensureRunning(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	running := c.status == StatusRunning
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	if running {
		return nil
	}
	return c.Start(ctx)
}

// call sends one request and waits for the response, the timeout, the
// caller's context, or teardown, whichever comes first. The pending
// entry is removed exactly once on every path, and its timer is
// stopped on every removal.
func (c *Connection) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	data, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.handle == nil {
		c.mu.Unlock()
		return nil, ErrNotRunning
	}
	handle := c.handle
	pc := &pendingCall{ch: make(chan callResult, 1)}
	c.pending[id] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		if c.completePending(id, nil, ErrRequestTimeout) {
			c.log.Warn("request timed out", "method", method, "id", id, "timeout", timeout)
		}
	})
	c.mu.Unlock()

	if err := handle.WriteLine(data); err != nil {
		c.abandonPending(id)
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case res := <-pc.ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", method, res.err)
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		c.abandonPending(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// notify sends a fire-and-forget notification (no id, no response).
func (c *Connection) notify(method string, params any) error {
	data, err := json.Marshal(newNotification(method, params))
	if err != nil {
		return fmt.Errorf("failed to marshal %s notification: %w", method, err)
	}

	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle == nil {
		return ErrNotRunning
	}
	return handle.WriteLine(data)
}

// completePending removes the pending entry for id, stops its timer,
// and delivers the result. Exactly one caller wins; the rest get false.
func (c *Connection) completePending(id int64, msg *Message, err error) bool {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	c.mu.Unlock()

	if pc.timer != nil {
		pc.timer.Stop()
	}
	pc.ch <- callResult{msg: msg, err: err}
	return true
}

// abandonPending removes the entry without delivering anything, for a
// caller that stopped waiting. A result that races in anyway sits in
// the buffered channel and is collected with it.
func (c *Connection) abandonPending(id int64) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok && pc.timer != nil {
		pc.timer.Stop()
	}
}

// takePendingLocked empties the pending table, stopping all timers.
// Caller holds mu and delivers the rejections after unlocking.
func (c *Connection) takePendingLocked() []*pendingCall {
	if len(c.pending) == 0 {
		return nil
	}
	taken := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		delete(c.pending, id)
		if pc.timer != nil {
			pc.timer.Stop()
		}
		taken = append(taken, pc)
	}
	return taken
}

// readLoop consumes stdout lines until the pipe closes.
func (c *Connection) readLoop(h process.Handle) {
	for line := range h.Lines() {
		c.handleLine(h, line)
	}
}

func (c *Connection) handleLine(h process.Handle, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		c.log.Debug("ignoring unparseable line", "error", err, "line", truncate(line, 200))
		return
	}

	switch {
	case msg.ID != nil && msg.Method == "":
		// Response. A miss means the request already timed out, was
		// abandoned, or belonged to a previous process: drop it.
		if !c.completePending(*msg.ID, &msg, nil) {
			c.log.Debug("dropping response with no pending request", "id", *msg.ID)
		}
	case msg.ID == nil && msg.Method != "":
		c.handleNotification(msg.Method)
	case msg.ID != nil && msg.Method != "":
		// Server-initiated request; nothing is served from this side.
		c.log.Debug("rejecting server-initiated request", "method", msg.Method, "id", *msg.ID)
		c.respondError(h, *msg.ID, codeMethodNotFound, "method not supported")
	default:
		c.log.Debug("ignoring message with neither id nor method")
	}
}

func (c *Connection) handleNotification(method string) {
	switch method {
	case notificationToolsChanged:
		c.mu.Lock()
		gen := c.generation
		running := c.status == StatusRunning
		c.mu.Unlock()
		if running {
			go c.refreshTools(gen)
		}
	default:
		c.log.Debug("ignoring notification", "method", method)
	}
}

func (c *Connection) respondError(h process.Handle, id int64, code int, message string) {
	data, err := json.Marshal(response{
		JSONRPC: "2.0",
		ID:      &id,
		Error:   &RPCError{Code: code, Message: message},
	})
	if err != nil {
		return
	}
	// Best effort; the server may already be gone.
	_ = h.WriteLine(data)
}

// refreshTools refetches tools/list after a list_changed notification.
func (c *Connection) refreshTools(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout())
	defer cancel()

	tools, err := c.fetchTools(ctx)
	if err != nil {
		// A server on its way down is not worth a warning.
		if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrNotRunning) || errors.Is(err, ErrProcessExited) {
			c.log.Debug("tool list refresh skipped", "error", err)
		} else {
			c.log.Warn("failed to refresh tool list", "error", err)
		}
		return
	}
	c.installTools(gen, tools)
}

func (c *Connection) fetchTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.call(ctx, methodToolsList, nil, c.requestTimeout())
	if err != nil {
		return nil, err
	}
	var list ToolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("tools/list: invalid result: %w", err)
	}
	return list.Tools, nil
}

// installTools replaces the cache, provided the connection still runs
// the process the list came from, and fires OnToolsChanged. A stale
// generation means the list describes a dead process; drop it.
func (c *Connection) installTools(gen int, tools []ToolDefinition) {
	c.mu.Lock()
	if c.generation != gen || c.status != StatusRunning {
		c.mu.Unlock()
		return
	}
	c.tools = tools
	c.mu.Unlock()

	c.log.Info("tool list refreshed", "tools", len(tools))
	if c.callbacks.OnToolsChanged != nil {
		c.callbacks.OnToolsChanged(tools)
	}
}

// drainStderr logs each stderr line until the pipe closes.
func (c *Connection) drainStderr(h process.Handle) {
	for line := range h.Stderr() {
		c.log.Debug("server stderr", "line", line)
	}
}

// monitorExit fires once the child is reaped. Intentional stops bump
// the generation before terminating, so only unexpected exits get past
// the generation check.
func (c *Connection) monitorExit(gen int, h process.Handle) {
	<-h.Done()
	exitErr := h.Err()

	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		return
	}
	wasRunning := c.status == StatusRunning
	c.generation++
	c.handle = nil
	rejected := c.takePendingLocked()
	if wasRunning {
		c.status = StatusStopped
		c.lastErr = exitErr
	}
	c.mu.Unlock()

	for _, pc := range rejected {
		pc.ch <- callResult{err: ErrProcessExited}
	}

	// During a start attempt the handshake call sees ErrProcessExited
	// and Start reports the failure; the warning here would be noise.
	if wasRunning {
		c.log.Warn("server exited unexpectedly", "error", exitErr)
	}
	if c.callbacks.OnClosed != nil {
		c.callbacks.OnClosed(exitErr)
	}
}

// Stop terminates the server process. In-flight requests are rejected
// with ErrConnectionClosed. Stopping a stopped connection is a no-op.
func (c *Connection) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked(StatusStopped)
}

// stopLocked tears the current process down and moves the connection
// to next. Caller holds opMu.
func (c *Connection) stopLocked(next Status) {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.generation++
	rejected := c.takePendingLocked()
	c.tools = nil
	c.status = next
	c.mu.Unlock()

	for _, pc := range rejected {
		pc.ch <- callResult{err: ErrConnectionClosed}
	}
	if h != nil {
		c.log.Info("stopping server")
		process.Terminate(h, c.shutdownGrace())
		if c.callbacks.OnClosed != nil {
			c.callbacks.OnClosed(nil)
		}
	}
}

// StopIfIdle stops the server only if nothing is using it: no pending
// requests, and no successful call within idleFor (zero means recency
// does not matter). It reports whether it stopped. A request that
// lands between the check and the teardown is rejected like any other
// in-flight request; callers that retry will start the server again.
func (c *Connection) StopIfIdle(idleFor time.Duration) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	busy := c.closed || c.status != StatusRunning || len(c.pending) > 0
	if !busy && idleFor > 0 && !c.lastUsed.IsZero() && time.Since(c.lastUsed) < idleFor {
		busy = true
	}
	c.mu.Unlock()
	if busy {
		return false
	}

	c.log.Info("stopping idle server")
	c.stopLocked(StatusStopped)
	return true
}

// Restart stops the server if needed and starts it fresh. Request ids
// keep counting up, so a response from the old process can never be
// mistaken for one from the new.
func (c *Connection) Restart(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	c.log.Info("restarting server")
	c.stopLocked(StatusRestarting)

	c.mu.Lock()
	c.restarts++
	c.mu.Unlock()

	return c.startLocked(ctx)
}

// Close stops the server and makes the connection permanently
// unusable. Safe to call more than once.
func (c *Connection) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.stopLocked(StatusStopped)
}

// Name returns the configured server name.
func (c *Connection) Name() string { return c.config.Name }

// Status returns the current lifecycle status.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Tools returns the last known tool list.
func (c *Connection) Tools() []ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolDefinition(nil), c.tools...)
}

// ServerInfo returns the identity the server reported at initialize.
func (c *Connection) ServerInfo() ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// PID returns the child's pid, or zero when no process is running.
func (c *Connection) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return 0
	}
	return c.handle.PID()
}

// InstanceID returns the uuid assigned to the current (or most
// recent) process instance, empty if never started.
func (c *Connection) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// StartedAt returns when the current (or most recent) process was
// spawned, zero if never started.
func (c *Connection) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// LastUsed returns when the last successful tool call completed, zero
// if none has.
func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// RestartCount returns how many times Restart has run.
func (c *Connection) RestartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

// LastError returns the most recent start failure or exit error.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Pending returns how many requests are awaiting responses.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
