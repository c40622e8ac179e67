package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-tools/paths"
)

// Duration wraps time.Duration to support human-readable YAML values
// like "30s", "5m", or "1h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// ServerConfig describes one external tool server: the command that
// speaks the protocol over stdio, plus supervision policy.
type ServerConfig struct {
	Name           string            `yaml:"-"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Eager          bool              `yaml:"eager,omitempty"`
	IdleTimeout    Duration          `yaml:"idleTimeout,omitempty"`
	RequestTimeout Duration          `yaml:"requestTimeout,omitempty"`
	AllowedTools   []string          `yaml:"allowedTools,omitempty"`
}

// ToolAllowed reports whether the named tool passes the server's
// allowedTools filter. An empty filter allows everything. Patterns are
// doublestar globs; a pattern that fails to compile falls back to an
// exact match.
func (s *ServerConfig) ToolAllowed(tool string) bool {
	if len(s.AllowedTools) == 0 {
		return true
	}
	for _, pattern := range s.AllowedTools {
		if ok, err := doublestar.Match(pattern, tool); err == nil && ok {
			return true
		}
		if pattern == tool {
			return true
		}
	}
	return false
}

// Config holds the set of configured tool servers.
type Config struct {
	Servers []ServerConfig `yaml:"-"`
}

// file is the on-disk shape: a mapping of server name to config.
type file struct {
	Servers map[string]ServerConfig `yaml:"servers"`
}

// Parse decodes a YAML document into a Config. Server names come from
// the mapping keys, so the result is sorted by name for determinism.
func Parse(data []byte) (*Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{Servers: make([]ServerConfig, 0, len(f.Servers))}
	for name, sc := range f.Servers {
		sc.Name = name
		cfg.Servers = append(cfg.Servers, sc)
	}
	sort.Slice(cfg.Servers, func(i, j int) bool {
		return cfg.Servers[i].Name < cfg.Servers[j].Name
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and parses the config at path. A missing file is not
// an error: it yields an empty config, matching a fresh install.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Load reads the config from the default location (see paths.ConfigFilePath).
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// Validate checks every server entry for the mistakes that would
// otherwise surface as confusing spawn failures later.
func (c *Config) Validate() error {
	var errs []error
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("server %d: name must not be empty", i))
			continue
		}
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("server %q: command must not be empty", s.Name))
		}
		if s.IdleTimeout.Duration < 0 {
			errs = append(errs, fmt.Errorf("server %q: idleTimeout must not be negative", s.Name))
		}
		if s.RequestTimeout.Duration < 0 {
			errs = append(errs, fmt.Errorf("server %q: requestTimeout must not be negative", s.Name))
		}
		for _, pattern := range s.AllowedTools {
			if !doublestar.ValidatePattern(pattern) {
				errs = append(errs, fmt.Errorf("server %q: invalid allowedTools pattern %q", s.Name, pattern))
			}
		}
	}
	return errors.Join(errs...)
}
