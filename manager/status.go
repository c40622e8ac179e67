package manager

import (
	"maps"
	"sort"
	"time"

	"github.com/zhubert/plural-tools/config"
	"github.com/zhubert/plural-tools/mcp"
)

// GatewayStatus is a point-in-time snapshot of every configured
// server. It serializes cleanly for status endpoints and CLIs.
type GatewayStatus struct {
	Timestamp time.Time      `json:"timestamp"`
	Servers   []ServerStatus `json:"servers"`
	Stats     Stats          `json:"stats"`
}

// ServerStatus describes one server within a snapshot. Servers that
// have never been used report stopped with no tools.
type ServerStatus struct {
	Name         string     `json:"name"`
	Status       mcp.Status `json:"status"`
	Tools        []string   `json:"tools"`
	PID          int        `json:"pid,omitempty"`
	InstanceID   string     `json:"instanceId,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	LastUsed     *time.Time `json:"lastUsed,omitempty"`
	RestartCount int        `json:"restartCount"`
	Error        string     `json:"error,omitempty"`
}

// Stats aggregates totals across every configured server.
type Stats struct {
	TotalServers int   `json:"totalServers"`
	Running      int   `json:"running"`
	Stopped      int   `json:"stopped"`
	Errors       int   `json:"errors"`
	TotalTools   int   `json:"totalTools"`
	TotalCalls   int64 `json:"totalCalls"`
}

// GetStatus merges every configured server with its live connection
// state, if any. Tool names pass through the server's allowedTools
// filter so the snapshot only advertises what callers may invoke.
func (m *Manager) GetStatus() GatewayStatus {
	m.mu.RLock()
	configs := make(map[string]config.ServerConfig, len(m.configs))
	maps.Copy(configs, m.configs)
	conns := make(map[string]*mcp.Connection, len(m.connections))
	maps.Copy(conns, m.connections)
	totalCalls := m.totalCalls
	m.mu.RUnlock()

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	status := GatewayStatus{
		Timestamp: time.Now(),
		Servers:   make([]ServerStatus, 0, len(names)),
	}
	status.Stats.TotalServers = len(names)
	status.Stats.TotalCalls = totalCalls

	for _, name := range names {
		ss := ServerStatus{Name: name, Status: mcp.StatusStopped, Tools: []string{}}
		if conn := conns[name]; conn != nil {
			sc := configs[name]
			ss.Status = conn.Status()
			for _, tool := range conn.Tools() {
				if sc.ToolAllowed(tool.Name) {
					ss.Tools = append(ss.Tools, tool.Name)
				}
			}
			ss.PID = conn.PID()
			ss.InstanceID = conn.InstanceID()
			if t := conn.StartedAt(); !t.IsZero() {
				ss.StartedAt = &t
			}
			if t := conn.LastUsed(); !t.IsZero() {
				ss.LastUsed = &t
			}
			ss.RestartCount = conn.RestartCount()
			if err := conn.LastError(); err != nil {
				ss.Error = err.Error()
			}
		}

		switch ss.Status {
		case mcp.StatusRunning:
			status.Stats.Running++
		case mcp.StatusError:
			status.Stats.Errors++
		default:
			status.Stats.Stopped++
		}
		status.Stats.TotalTools += len(ss.Tools)
		status.Servers = append(status.Servers, ss)
	}
	return status
}

// ListServers returns the per-server rows of GetStatus.
func (m *Manager) ListServers() []ServerStatus {
	return m.GetStatus().Servers
}
