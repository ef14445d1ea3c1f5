// Package config loads the node configuration from a YAML file in the
// configuration directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshuafuller/Reticulum/rns/iface"
)

// FileName is the configuration file inside the configuration directory.
const FileName = "config.yaml"

// Interface types understood by the node.
const (
	TypeUDP       = "udp"
	TypeTCPServer = "tcp_server"
	TypeTCPClient = "tcp_client"
	TypeQUIC      = "quic"
	TypeWSServer  = "ws_server"
	TypeWSClient  = "ws_client"
)

var (
	// ErrCreated is returned by Load when no configuration existed and a
	// default one was written. The caller should ask the operator to edit it.
	ErrCreated = errors.New("config: default configuration created")
	ErrInvalid = errors.New("config: invalid configuration")
)

// Config is the top-level configuration file.
type Config struct {
	Node       Node        `yaml:"node"`
	Interfaces []Interface `yaml:"interfaces"`
	Status     Status      `yaml:"status"`
	Discovery  Discovery   `yaml:"discovery"`
}

type Node struct {
	// Identity is the path of the identity file, relative to the
	// configuration directory unless absolute.
	Identity  string `yaml:"identity"`
	Transport bool   `yaml:"transport"`
	MaxHops   int    `yaml:"max_hops"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Interface configures one medium.
type Interface struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Mode    string   `yaml:"mode,omitempty"`
	Listen  string   `yaml:"listen,omitempty"`
	Peers   []string `yaml:"peers,omitempty"`
	Path    string   `yaml:"path,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the interface should be brought up. Interfaces
// are enabled unless explicitly disabled.
func (i Interface) IsEnabled() bool { return i.Enabled == nil || *i.Enabled }

type Status struct {
	Listen string `yaml:"listen"`
}

type Discovery struct {
	// Redis, when set, persists learned identities in Redis so several
	// nodes share them.
	Redis string        `yaml:"redis"`
	TTL   time.Duration `yaml:"ttl"`
}

// Default returns the configuration written on first run: a UDP interface
// on the default port, transport disabled.
func Default() *Config {
	return &Config{
		Node: Node{
			Identity:  "identity",
			MaxHops:   128,
			LogLevel:  "info",
			LogFormat: "console",
		},
		Interfaces: []Interface{
			{Name: "default", Type: TypeUDP, Listen: "0.0.0.0:4242"},
		},
		Status: Status{Listen: "127.0.0.1:4280"},
	}
}

// DefaultDir returns ~/.rns, falling back to ./.rns when the home directory
// is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rns"
	}
	return filepath.Join(home, ".rns")
}

// Load reads dir/config.yaml. If the file does not exist the default
// configuration is written there and returned together with ErrCreated.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := cfg.Save(dir); err != nil {
			return nil, err
		}
		return cfg, fmt.Errorf("%w at %s", ErrCreated, path)
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document. Missing node fields
// take their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Interfaces = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to dir/config.yaml, creating dir.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", dir, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}

// IdentityPath resolves the identity file against dir.
func (c *Config) IdentityPath(dir string) string {
	if filepath.IsAbs(c.Node.Identity) {
		return c.Node.Identity
	}
	return filepath.Join(dir, c.Node.Identity)
}

func (c *Config) Validate() error {
	if c.Node.MaxHops < 1 || c.Node.MaxHops > 254 {
		return fmt.Errorf("%w: max_hops %d out of range 1..254", ErrInvalid, c.Node.MaxHops)
	}
	if c.Node.Identity == "" {
		return fmt.Errorf("%w: node.identity is empty", ErrInvalid)
	}
	names := make(map[string]bool, len(c.Interfaces))
	for n, i := range c.Interfaces {
		if i.Name == "" {
			return fmt.Errorf("%w: interface #%d has no name", ErrInvalid, n)
		}
		if names[i.Name] {
			return fmt.Errorf("%w: duplicate interface %q", ErrInvalid, i.Name)
		}
		names[i.Name] = true
		if _, err := iface.ParseMode(i.Mode); err != nil {
			return fmt.Errorf("%w: interface %q: %v", ErrInvalid, i.Name, err)
		}
		if err := i.validate(); err != nil {
			return fmt.Errorf("%w: interface %q: %v", ErrInvalid, i.Name, err)
		}
	}
	return nil
}

func (i Interface) validate() error {
	switch strings.ToLower(i.Type) {
	case TypeQUIC:
		if i.Listen == "" && len(i.Peers) == 0 {
			return errors.New("needs listen or peers")
		}
	case TypeUDP, TypeTCPServer, TypeWSServer:
		if i.Listen == "" {
			return errors.New("needs listen")
		}
	case TypeWSClient:
		if len(i.Peers) == 0 {
			return errors.New("needs peers")
		}
	case TypeTCPClient:
		if len(i.Peers) != 1 {
			return errors.New("needs exactly one peer")
		}
	default:
		return fmt.Errorf("unknown type %q", i.Type)
	}
	return nil
}
