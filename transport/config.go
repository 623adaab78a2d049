// File: transport/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener construction parameters and their validation.

package transport

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/momentics/srp-ioloop/api"
	"github.com/momentics/srp-ioloop/control"
)

// Protocol selects datagram or stream sockets.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolUDP
	ProtocolTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	}
	return "unknown"
}

// ParseProtocol maps "udp" and "tcp".
func ParseProtocol(s string) Protocol {
	switch strings.ToLower(s) {
	case "udp":
		return ProtocolUDP
	case "tcp":
		return ProtocolTCP
	}
	return ProtocolUnknown
}

// ListenerConfig describes a listening Comm.
type ListenerConfig struct {
	Name     string
	Family   api.Family
	Protocol Protocol
	Port     uint16

	// BindAddress is a literal address; empty binds the wildcard.
	BindAddress string
	// MulticastGroup makes a UDP listener join the group on every
	// multicast-capable interface.
	MulticastGroup string

	TLS       bool
	TLSConfig *tls.Config

	// MaxMessageSize overrides the loop's message capacity for this
	// listener and the connections it accepts.
	MaxMessageSize int
}

// ListenerConfigFrom converts a configuration file entry. tlsConfig is
// attached only when the entry asks for TLS.
func ListenerConfigFrom(c control.ListenerConfig, tlsConfig *tls.Config, maxMessage int) ListenerConfig {
	lc := ListenerConfig{
		Name:           c.Name,
		Family:         c.AddressFamily(),
		Protocol:       ParseProtocol(c.Protocol),
		Port:           c.Port,
		BindAddress:    c.Bind,
		MulticastGroup: c.Multicast,
		TLS:            c.TLS,
		MaxMessageSize: maxMessage,
	}
	if c.TLS {
		lc.TLSConfig = tlsConfig
	}
	return lc
}

// resolved holds the addresses a validated config binds to.
type resolved struct {
	bind  api.Address
	group api.Address
}

func invalidListener(name, format string, args ...any) error {
	return api.Wrap(api.ErrCodeInvalidArgument, "listener setup", fmt.Errorf(format, args...)).
		WithContext("listener", name)
}

func (cfg *ListenerConfig) validate() (resolved, error) {
	var r resolved
	if cfg.Name == "" {
		return r, invalidListener(cfg.Name, "name is required")
	}
	if cfg.Family != api.FamilyIPv4 && cfg.Family != api.FamilyIPv6 {
		return r, invalidListener(cfg.Name, "unknown address family %d", cfg.Family)
	}
	if cfg.Protocol != ProtocolUDP && cfg.Protocol != ProtocolTCP {
		return r, invalidListener(cfg.Name, "unknown protocol %d", cfg.Protocol)
	}
	if cfg.TLS {
		if cfg.Protocol != ProtocolTCP {
			return r, invalidListener(cfg.Name, "tls requires tcp")
		}
		if cfg.TLSConfig == nil || (len(cfg.TLSConfig.Certificates) == 0 && cfg.TLSConfig.GetCertificate == nil) {
			return r, api.Wrap(api.ErrCodeTLSSetup, "listener setup", fmt.Errorf("no server certificate")).
				WithContext("listener", cfg.Name)
		}
	}
	if cfg.MaxMessageSize < 0 || cfg.MaxMessageSize > 0xFFFF {
		return r, invalidListener(cfg.Name, "message size %d out of range", cfg.MaxMessageSize)
	}

	if cfg.BindAddress != "" {
		a, err := api.ParseAddress(cfg.BindAddress)
		if err != nil {
			return r, invalidListener(cfg.Name, "bind address %q: %v", cfg.BindAddress, err)
		}
		if a.Family != cfg.Family {
			return r, invalidListener(cfg.Name, "bind address %s is not %s", a, cfg.Family)
		}
		r.bind = a
	}
	if cfg.MulticastGroup != "" {
		if cfg.Protocol != ProtocolUDP {
			return r, invalidListener(cfg.Name, "multicast requires udp")
		}
		g, err := api.ParseAddress(cfg.MulticastGroup)
		if err != nil {
			return r, invalidListener(cfg.Name, "multicast group %q: %v", cfg.MulticastGroup, err)
		}
		if g.Family != cfg.Family {
			return r, invalidListener(cfg.Name, "multicast group %s is not %s", g, cfg.Family)
		}
		if !g.IP.IsMulticast() {
			return r, invalidListener(cfg.Name, "%s is not a multicast address", g)
		}
		r.group = g.WithPort(cfg.Port)
	}
	return r, nil
}
