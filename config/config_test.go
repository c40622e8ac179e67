package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/plural-tools/paths"
)

func TestParse(t *testing.T) {
	data := []byte(`
servers:
  web-search:
    command: npx
    args: ["-y", "@example/search"]
    env:
      API_KEY: secret
    eager: true
    idleTimeout: 5m
    requestTimeout: 45s
    allowedTools:
      - "search*"
  filesystem:
    command: /usr/local/bin/fs-server
`)

	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(cfg.Servers) != 2 {
		t.Fatalf("Expected 2 servers, got %d", len(cfg.Servers))
	}

	// Entries are sorted by name regardless of file order
	if cfg.Servers[0].Name != "filesystem" {
		t.Errorf("Expected first server filesystem, got %q", cfg.Servers[0].Name)
	}
	if cfg.Servers[1].Name != "web-search" {
		t.Errorf("Expected second server web-search, got %q", cfg.Servers[1].Name)
	}

	ws := cfg.Servers[1]
	if ws.Command != "npx" {
		t.Errorf("Expected command npx, got %q", ws.Command)
	}
	if len(ws.Args) != 2 || ws.Args[0] != "-y" {
		t.Errorf("Unexpected args: %v", ws.Args)
	}
	if ws.Env["API_KEY"] != "secret" {
		t.Errorf("Expected env API_KEY=secret, got %v", ws.Env)
	}
	if !ws.Eager {
		t.Error("Expected eager to be true")
	}
	if ws.IdleTimeout.Duration != 5*time.Minute {
		t.Errorf("Expected idleTimeout 5m, got %v", ws.IdleTimeout.Duration)
	}
	if ws.RequestTimeout.Duration != 45*time.Second {
		t.Errorf("Expected requestTimeout 45s, got %v", ws.RequestTimeout.Duration)
	}

	fs := cfg.Servers[0]
	if fs.Eager {
		t.Error("Expected eager to default to false")
	}
	if fs.IdleTimeout.Duration != 0 {
		t.Errorf("Expected idleTimeout to default to 0, got %v", fs.IdleTimeout.Duration)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("servers: [not a mapping")); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	data := []byte(`
servers:
  bad:
    command: cat
    idleTimeout: soon
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("Expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "soon") {
		t.Errorf("Expected error to mention the bad value, got: %v", err)
	}
}

func TestParse_MissingCommand(t *testing.T) {
	data := []byte(`
servers:
  broken:
    args: ["--port", "8080"]
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("Expected error for missing command")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected error to name the server, got: %v", err)
	}
}

func TestParse_NegativeTimeout(t *testing.T) {
	data := []byte(`
servers:
  bad:
    command: cat
    requestTimeout: -5s
`)
	if _, err := Parse(data); err == nil {
		t.Error("Expected error for negative timeout")
	}
}

func TestParse_InvalidToolPattern(t *testing.T) {
	data := []byte(`
servers:
  bad:
    command: cat
    allowedTools: ["[oops"]
`)
	if _, err := Parse(data); err == nil {
		t.Error("Expected error for invalid glob pattern")
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	data := []byte(`
servers:
  first:
    args: ["--help"]
  second:
    command: cat
    idleTimeout: -1m
`)
	_, err := Parse(data)
	if err == nil {
		t.Fatal("Expected validation errors")
	}
	// Both broken entries show up in one pass, not just the first
	if !strings.Contains(err.Error(), "first") {
		t.Errorf("Expected error to mention server first, got: %v", err)
	}
	if !strings.Contains(err.Error(), "second") {
		t.Errorf("Expected error to mention server second, got: %v", err)
	}
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse failed on empty input: %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("Expected no servers, got %d", len(cfg.Servers))
	}
}

func TestToolAllowed(t *testing.T) {
	// No filter allows everything
	open := &ServerConfig{Name: "open", Command: "cat"}
	if !open.ToolAllowed("anything") {
		t.Error("Empty filter should allow all tools")
	}

	filtered := &ServerConfig{
		Name:         "filtered",
		Command:      "cat",
		AllowedTools: []string{"search*", "read_file", "fs.*"},
	}

	cases := []struct {
		tool string
		want bool
	}{
		{"search", true},
		{"search_web", true},
		{"read_file", true},
		{"write_file", false},
		{"fs.read", true},
		{"fsx", false},
		{"delete_everything", false},
	}
	for _, tc := range cases {
		if got := filtered.ToolAllowed(tc.tool); got != tc.want {
			t.Errorf("ToolAllowed(%q) = %v, want %v", tc.tool, got, tc.want)
		}
	}
}

func TestLoadFile_Missing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFile should not fail for missing file: %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("Expected empty config, got %d servers", len(cfg.Servers))
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	data := []byte("servers:\n  echo:\n    command: cat\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "echo" {
		t.Errorf("Unexpected config: %+v", cfg.Servers)
	}
}

func TestLoad_DefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	// XDG must be set explicitly: with no XDG vars and no legacy dir
	// the resolver picks ~/.plural-tools, not ~/.config.
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)

	dir := filepath.Join(home, ".config", "plural-tools")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	data := []byte("servers:\n  echo:\n    command: cat\n")
	if err := os.WriteFile(filepath.Join(dir, "servers.yaml"), data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "echo" {
		t.Errorf("Unexpected config: %+v", cfg.Servers)
	}
}

func TestLoad_LegacyLayout(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)

	// Flat legacy layout: servers.yaml sits directly in ~/.plural-tools
	dir := filepath.Join(home, ".plural-tools")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	data := []byte("servers:\n  echo:\n    command: cat\n")
	if err := os.WriteFile(filepath.Join(dir, "servers.yaml"), data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "echo" {
		t.Errorf("Unexpected config: %+v", cfg.Servers)
	}
}

func TestDuration_MarshalYAML(t *testing.T) {
	d := Duration{90 * time.Second}
	v, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML failed: %v", err)
	}
	if v != "1m30s" {
		t.Errorf("Expected 1m30s, got %v", v)
	}
}
