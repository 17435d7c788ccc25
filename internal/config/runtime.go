// Package config loads and validates the control plane's environment-derived
// runtime configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

// RuntimeConfig is the configuration the control plane actually uses. It is
// derived once at startup from environment variables (spec.md §6) and never
// mutated afterwards.
type RuntimeConfig struct {
	// DatabaseURL is opaque to this package; the registry store decides how
	// to interpret it (the in-memory memdb store ignores it beyond logging
	// that it was set, but a future durable backend would dial it here).
	DatabaseURL string

	// OverlayNetwork is the fixed IPv4 /24 the IP allocator leases from.
	OverlayNetwork *net.IPNet

	HubPublicKey string
	HubEndpoint  string

	// AdminSecret gates the Admin API via the X-Admin-Token header.
	AdminSecret string

	// HubAgentAPIKey gates the hub command channel's connect handshake.
	HubAgentAPIKey string

	// HTTPAddr is the bind address for the Admin + agent-facing HTTP API.
	HTTPAddr string

	// PingInterval is how often the hub agent is expected to ping the hub
	// command channel; the channel is considered dead after 2x this.
	PingInterval time.Duration

	// CommandTimeout is the default hub command response deadline.
	CommandTimeout time.Duration

	// HubSyncInterval is how often the control plane recomputes the active
	// peer set and pushes it to the hub as an authoritative sync_peers
	// command, the registry-driven backstop for missed/dropped add_peer
	// and remove_peer dispatches (spec.md §4.6).
	HubSyncInterval time.Duration

	// IPPoolLowWatermark triggers IPPoolLow once this many or fewer
	// addresses remain free.
	IPPoolLowWatermark int

	// AllowedIPs is advertised to agents as the overlay ranges a tunnel
	// should route (spec.md §6's register response), independent of any
	// single node's /32 lease.
	AllowedIPs []string

	// DNSServers is advertised to agents for tunnel-interface DNS
	// configuration. Empty means the agent keeps its existing resolver.
	DNSServers []string
}

// LoadFromEnv reads the variables named in spec.md §6, applying the same
// defaults the reference agent ships with, and validates the result.
func LoadFromEnv() (*RuntimeConfig, error) {
	_, overlay, err := net.ParseCIDR(getenv("OVERLAY_NETWORK", "10.0.0.0/24"))
	if err != nil {
		return nil, fmt.Errorf("OVERLAY_NETWORK: %w", err)
	}
	hubSyncInterval, err := time.ParseDuration(getenv("HUB_SYNC_INTERVAL", "60s"))
	if err != nil {
		return nil, fmt.Errorf("HUB_SYNC_INTERVAL: %w", err)
	}

	cfg := &RuntimeConfig{
		DatabaseURL:        getenv("DATABASE_URL", "memdb://local"),
		OverlayNetwork:     overlay,
		HubPublicKey:       os.Getenv("HUB_PUBLIC_KEY"),
		HubEndpoint:        os.Getenv("HUB_ENDPOINT"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		HubAgentAPIKey:     os.Getenv("HUB_AGENT_API_KEY"),
		HTTPAddr:           getenv("HTTP_ADDR", ":8080"),
		PingInterval:       30 * time.Second,
		CommandTimeout:     30 * time.Second,
		HubSyncInterval:    hubSyncInterval,
		IPPoolLowWatermark: 10,
		AllowedIPs:         splitCSV(getenv("ALLOWED_IPS", overlay.String())),
		DNSServers:         splitCSV(os.Getenv("DNS_SERVERS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate aggregates every configuration defect into a single
// *multierror.Error, the way agent/config validation in the teacher repo
// reports all problems at once instead of failing on the first.
func (c *RuntimeConfig) Validate() error {
	var result *multierror.Error

	if c.OverlayNetwork == nil {
		result = multierror.Append(result, fmt.Errorf("OVERLAY_NETWORK must be set"))
	} else {
		ones, bits := c.OverlayNetwork.Mask.Size()
		if bits != 32 || ones != 24 {
			result = multierror.Append(result, fmt.Errorf("OVERLAY_NETWORK must be a /24 IPv4 CIDR, got %s", c.OverlayNetwork))
		}
	}
	if c.AdminSecret == "" {
		result = multierror.Append(result, fmt.Errorf("ADMIN_SECRET must be set"))
	}
	if c.HubAgentAPIKey == "" {
		result = multierror.Append(result, fmt.Errorf("HUB_AGENT_API_KEY must be set"))
	}
	if c.PingInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("PingInterval must be positive"))
	}

	return result.ErrorOrNil()
}

// Sanitized returns a copy of the config with secrets redacted, suitable for
// startup logging.
func (c *RuntimeConfig) Sanitized() map[string]interface{} {
	redact := func(s string) string {
		if s == "" {
			return ""
		}
		return "<redacted>"
	}
	return map[string]interface{}{
		"database_url":      c.DatabaseURL,
		"overlay_network":   c.OverlayNetwork.String(),
		"hub_public_key":    c.HubPublicKey,
		"hub_endpoint":      c.HubEndpoint,
		"admin_secret":      redact(c.AdminSecret),
		"hub_agent_apikey":  redact(c.HubAgentAPIKey),
		"http_addr":         c.HTTPAddr,
		"ping_interval":     c.PingInterval.String(),
		"command_timeout":   c.CommandTimeout.String(),
		"hub_sync_interval": c.HubSyncInterval.String(),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
