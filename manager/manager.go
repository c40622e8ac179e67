// Package manager supervises the fleet of configured tool servers. It
// creates at most one mcp.Connection per server name, starts servers
// lazily on first use (or eagerly when configured), enforces per-server
// allowed-tool filters, retries a tool call once after a crash, evicts
// idle servers, and publishes lifecycle events to an EventSink.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/zhubert/plural-tools/config"
	"github.com/zhubert/plural-tools/logger"
	"github.com/zhubert/plural-tools/mcp"
	"github.com/zhubert/plural-tools/process"
)

var (
	// ErrUnknownServer is returned for names absent from the configuration.
	ErrUnknownServer = errors.New("unknown server")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("manager is shut down")
	// ErrToolNotAllowed is returned when a tool fails the server's
	// allowedTools filter. The check happens before any process work.
	ErrToolNotAllowed = errors.New("tool not allowed")
)

// Manager routes tool calls to their servers and owns every server's
// lifecycle. All methods are safe for concurrent use.
type Manager struct {
	settings config.Settings
	sink     EventSink
	log      *slog.Logger
	spawner  process.Spawner

	mu          sync.RWMutex
	closed      bool
	configs     map[string]config.ServerConfig
	connections map[string]*mcp.Connection
	idleTimers  map[string]*time.Timer
	totalCalls  int64
}

// New creates an empty Manager. A nil sink drops events; a nil logger
// defaults to the package logger.
func New(settings config.Settings, sink EventSink, log *slog.Logger) *Manager {
	if log == nil {
		log = logger.WithComponent("manager")
	}
	return &Manager{
		settings:    settings,
		sink:        sink,
		log:         log,
		configs:     make(map[string]config.ServerConfig),
		connections: make(map[string]*mcp.Connection),
		idleTimers:  make(map[string]*time.Timer),
	}
}

// SetSpawner replaces the spawner handed to every connection created
// after this call. Call before LoadConfig; tests substitute a
// process.FakeSpawner.
func (m *Manager) SetSpawner(s process.Spawner) {
	m.spawner = s
}

func (m *Manager) emit(ev Event) {
	if m.sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.sink.Publish(ev)
}

// LoadConfig registers every server in cfg. Servers marked eager are
// started in the background; everything else waits for its first call.
func (m *Manager) LoadConfig(cfg *config.Config) {
	var eager []string

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for _, sc := range cfg.Servers {
		m.configs[sc.Name] = sc
		if sc.Eager {
			eager = append(eager, sc.Name)
		}
	}
	total := len(m.configs)
	m.mu.Unlock()

	m.log.Info("configuration loaded", "servers", total, "eager", len(eager))
	for _, name := range eager {
		go m.startEager(name)
	}
}

func (m *Manager) startEager(name string) {
	if _, err := m.getOrCreateConnection(context.Background(), name); err != nil {
		m.log.Warn("eager start failed", "server", name, "error", err)
	}
}

// getOrCreateConnection returns the connection for name, creating and
// starting one if the server has never been used. On a start failure
// the connection is still returned so callers can inspect its status.
func (m *Manager) getOrCreateConnection(ctx context.Context, name string) (*mcp.Connection, error) {
	// Fast path: the connection already exists. It may be stopped; tool
	// calls start it lazily.
	m.mu.RLock()
	conn, ok := m.connections[name]
	m.mu.RUnlock()
	if ok {
		return conn, nil
	}

	// Slow path: create one under the write lock, rechecking in case
	// another caller won the race.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sc, known := m.configs[name]
	if !known {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	conn, ok = m.connections[name]
	if !ok {
		conn = m.newConnection(sc)
		m.connections[name] = conn
	}
	m.mu.Unlock()

	if err := conn.Start(ctx); err != nil {
		return conn, err
	}
	return conn, nil
}

// newConnection wires a connection for one server. Callbacks feed the
// event sink and the idle timer; they run on connection goroutines and
// must stay non-blocking.
func (m *Manager) newConnection(sc config.ServerConfig) *mcp.Connection {
	name := sc.Name
	cfg := mcp.Config{
		Name:             name,
		Command:          sc.Command,
		Args:             sc.Args,
		Env:              sc.Env,
		RequestTimeout:   m.settings.RequestTimeout,
		HandshakeTimeout: m.settings.HandshakeTimeout,
		ShutdownGrace:    m.settings.ShutdownGrace,
	}
	if sc.RequestTimeout.Duration > 0 {
		cfg.RequestTimeout = sc.RequestTimeout.Duration
	}
	callbacks := mcp.Callbacks{
		OnReady: func(tools []mcp.ToolDefinition) {
			m.resetIdleTimer(name)
			m.emit(Event{Kind: EventServerStarted, Server: name})
		},
		OnError: func(err error) {
			m.emit(Event{Kind: EventServerError, Server: name, Err: err})
		},
		OnClosed: func(err error) {
			m.stopIdleTimer(name)
			m.emit(Event{Kind: EventServerStopped, Server: name, Err: err})
		},
		OnToolsChanged: func(tools []mcp.ToolDefinition) {
			m.emit(Event{Kind: EventToolsChanged, Server: name})
		},
	}
	conn := mcp.NewConnection(cfg, callbacks, logger.WithServer(name))
	if m.spawner != nil {
		conn.SetSpawner(m.spawner)
	}
	return conn
}

// CallTool routes one tool call to its server, starting the server if
// needed. If the call fails because the process is gone, the server is
// restarted once and the call retried once; failures that leave the
// server running (timeouts, tool errors) are returned as-is.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (json.RawMessage, error) {
	m.mu.RLock()
	closed := m.closed
	sc, known := m.configs[server]
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	if !sc.ToolAllowed(tool) {
		return nil, fmt.Errorf("%w: %s on %s", ErrToolNotAllowed, tool, server)
	}

	conn, err := m.getOrCreateConnection(ctx, server)
	if err == nil {
		start := time.Now()
		var result json.RawMessage
		result, err = conn.CallTool(ctx, tool, args)
		if err == nil {
			m.recordCall(server, tool, time.Since(start))
			return result, nil
		}
	}
	if conn == nil {
		return nil, err
	}

	// Retry only when the process itself is gone. Exactly one restart
	// and one retried call; the second failure propagates.
	if status := conn.Status(); status != mcp.StatusStopped && status != mcp.StatusError {
		return nil, err
	}
	m.log.Warn("tool call failed, restarting server once",
		"server", server, "tool", tool, "error", err)
	if err := conn.Restart(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	result, err := conn.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	m.recordCall(server, tool, time.Since(start))
	return result, nil
}

func (m *Manager) recordCall(server, tool string, took time.Duration) {
	m.mu.Lock()
	m.totalCalls++
	m.mu.Unlock()
	m.resetIdleTimer(server)
	m.emit(Event{Kind: EventToolCalled, Server: server, Tool: tool, Duration: took})
}

// ListTools returns the server's tools filtered by its allowedTools
// patterns, starting the server if needed.
func (m *Manager) ListTools(ctx context.Context, server string) ([]mcp.ToolDefinition, error) {
	m.mu.RLock()
	closed := m.closed
	sc, known := m.configs[server]
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}

	conn, err := m.getOrCreateConnection(ctx, server)
	if err != nil {
		return nil, err
	}
	tools, err := conn.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	filtered := make([]mcp.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		if sc.ToolAllowed(tool.Name) {
			filtered = append(filtered, tool)
		}
	}
	return filtered, nil
}

// RestartServer restarts a server by name. A server that has never
// been used is simply started.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	m.mu.RLock()
	closed := m.closed
	_, known := m.configs[name]
	conn := m.connections[name]
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if conn == nil {
		_, err := m.getOrCreateConnection(ctx, name)
		return err
	}
	return conn.Restart(ctx)
}

// resetIdleTimer arms (or re-arms) the eviction timer for name. Servers
// without an idleTimeout never get a timer.
func (m *Manager) resetIdleTimer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	sc, ok := m.configs[name]
	if !ok || sc.IdleTimeout.Duration <= 0 {
		return
	}
	if t := m.idleTimers[name]; t != nil {
		t.Stop()
	}
	m.idleTimers[name] = time.AfterFunc(sc.IdleTimeout.Duration, func() {
		m.evictIdle(name)
	})
}

func (m *Manager) stopIdleTimer(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.idleTimers[name]; t != nil {
		t.Stop()
		delete(m.idleTimers, name)
	}
}

// evictIdle stops the named server if it has been unused for its
// idleTimeout. A server that turns out to be busy keeps running and the
// timer is re-armed.
func (m *Manager) evictIdle(name string) {
	m.mu.RLock()
	conn := m.connections[name]
	sc, known := m.configs[name]
	closed := m.closed
	m.mu.RUnlock()
	if closed || conn == nil || !known || sc.IdleTimeout.Duration <= 0 {
		return
	}

	if conn.StopIfIdle(sc.IdleTimeout.Duration) {
		m.log.Info("evicted idle server", "server", name, "idle_timeout", sc.IdleTimeout.Duration)
		return
	}
	if conn.Status() == mcp.StatusRunning {
		m.resetIdleTimer(name)
	}
}

// ApplyConfig replaces the configuration. Servers that were removed or
// whose definition changed are torn down; their next use (or an eager
// flag) brings them back under the new definition.
func (m *Manager) ApplyConfig(cfg *config.Config) {
	next := make(map[string]config.ServerConfig, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		next[sc.Name] = sc
	}

	var toClose []*mcp.Connection
	var eager []string

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for name, old := range m.configs {
		sc, keep := next[name]
		if keep && reflect.DeepEqual(old, sc) {
			continue
		}
		if conn := m.connections[name]; conn != nil {
			toClose = append(toClose, conn)
			delete(m.connections, name)
		}
		if t := m.idleTimers[name]; t != nil {
			t.Stop()
			delete(m.idleTimers, name)
		}
		if keep {
			m.log.Info("server configuration changed", "server", name)
		} else {
			m.log.Info("server removed from configuration", "server", name)
		}
	}
	for name, sc := range next {
		old, existed := m.configs[name]
		if sc.Eager && (!existed || !reflect.DeepEqual(old, sc)) {
			eager = append(eager, name)
		}
	}
	m.configs = next
	m.mu.Unlock()

	// Old processes must be gone before eager starts so a renamed or
	// changed server never runs twice.
	for _, conn := range toClose {
		conn.Close()
	}
	for _, name := range eager {
		go m.startEager(name)
	}
}

// Shutdown stops every server and rejects further use. Safe to call
// more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for name, t := range m.idleTimers {
		t.Stop()
		delete(m.idleTimers, name)
	}
	conns := m.connections
	m.connections = make(map[string]*mcp.Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	m.log.Info("shutdown complete", "servers", len(conns))
}
