// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Daemon configuration: YAML model, defaults and validation. Validation runs
// before any socket is created so that a bad file never leaves half-opened
// listeners behind.

package control

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/srp-ioloop/api"
)

// Config is the top-level daemon configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Loop       LoopConfig       `yaml:"loop"`
	Listeners  []ListenerConfig `yaml:"listeners"`
	TLS        TLSConfig        `yaml:"tls"`
	Interfaces InterfacesConfig `yaml:"interfaces"`
}

// LogConfig selects logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// LoopConfig tunes the event loop.
type LoopConfig struct {
	MaxEvents      int           `yaml:"max_events"`
	MaxMessageSize int           `yaml:"max_message_size"`
	DumpInterval   time.Duration `yaml:"dump_interval"`
}

// ListenerConfig describes one listening transport.
type ListenerConfig struct {
	Name      string `yaml:"name"`
	Family    string `yaml:"family"`   // ipv4 or ipv6
	Protocol  string `yaml:"protocol"` // udp or tcp
	TLS       bool   `yaml:"tls"`
	Port      uint16 `yaml:"port"`
	Bind      string `yaml:"bind"`
	Multicast string `yaml:"multicast"`
}

// TLSConfig points at the server certificate used by TLS listeners.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// InterfacesConfig controls the interface-address monitor.
type InterfacesConfig struct {
	Monitor      bool          `yaml:"monitor"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// ChangeHook is an argv run through the subprocess supervisor on every
	// address change; the event is appended as name, address, index, change.
	ChangeHook []string `yaml:"change_hook"`
}

// Default returns the configuration used when no file is given: the mDNS
// IPv4 multicast listener plus a DNS stream listener on localhost.
func Default() *Config {
	return &Config{
		Log:  LogConfig{Level: "info", Format: "text"},
		Loop: LoopConfig{MaxEvents: 128, MaxMessageSize: 9000},
		Listeners: []ListenerConfig{
			{Name: "mdns-v4", Family: "ipv4", Protocol: "udp", Port: 5353, Multicast: "224.0.0.251"},
			{Name: "dns-tcp", Family: "ipv4", Protocol: "tcp", Port: 8053, Bind: "127.0.0.1"},
		},
		Interfaces: InterfacesConfig{Monitor: true},
	}
}

// Load reads and validates a YAML file. Missing keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Listeners = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return api.Wrap(api.ErrCodeInvalidArgument, "config", fmt.Errorf(format, args...))
}

// Validate checks every field that can be checked without touching the OS.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return invalid("log.format %q: want text or json", c.Log.Format)
	}
	if c.Loop.MaxEvents < 0 {
		return invalid("loop.max_events must not be negative")
	}
	if c.Loop.MaxMessageSize < 0 || c.Loop.MaxMessageSize > 0xFFFF {
		return invalid("loop.max_message_size %d out of range", c.Loop.MaxMessageSize)
	}
	if c.Interfaces.PollInterval < 0 {
		return invalid("interfaces.poll_interval must not be negative")
	}

	seen := make(map[string]bool, len(c.Listeners))
	needTLS := false
	for i, l := range c.Listeners {
		if l.Name == "" {
			return invalid("listeners[%d]: name is required", i)
		}
		if seen[l.Name] {
			return invalid("listeners[%d]: duplicate name %q", i, l.Name)
		}
		seen[l.Name] = true
		if err := l.validate(); err != nil {
			return invalid("listener %q: %v", l.Name, err)
		}
		needTLS = needTLS || l.TLS
	}
	if needTLS && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return invalid("tls.cert_file and tls.key_file are required by TLS listeners")
	}
	return nil
}

// AddressFamily maps the family name.
func (l ListenerConfig) AddressFamily() api.Family {
	switch strings.ToLower(l.Family) {
	case "ipv4", "inet", "4":
		return api.FamilyIPv4
	case "ipv6", "inet6", "6":
		return api.FamilyIPv6
	}
	return api.FamilyUnspec
}

func (l ListenerConfig) validate() error {
	fam := l.AddressFamily()
	if fam == api.FamilyUnspec {
		return fmt.Errorf("unknown family %q", l.Family)
	}
	proto := strings.ToLower(l.Protocol)
	if proto != "udp" && proto != "tcp" {
		return fmt.Errorf("unknown protocol %q", l.Protocol)
	}
	if l.TLS && proto != "tcp" {
		return fmt.Errorf("tls requires tcp")
	}
	if l.Multicast != "" {
		if proto != "udp" {
			return fmt.Errorf("multicast requires udp")
		}
		if err := checkAddr(l.Multicast, fam); err != nil {
			return fmt.Errorf("multicast: %w", err)
		}
	}
	if l.Bind != "" {
		if err := checkAddr(l.Bind, fam); err != nil {
			return fmt.Errorf("bind: %w", err)
		}
	}
	return nil
}

func checkAddr(s string, fam api.Family) error {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return err
	}
	if (fam == api.FamilyIPv4) != ip.Unmap().Is4() {
		return fmt.Errorf("%s is not an %s address", s, fam)
	}
	return nil
}
