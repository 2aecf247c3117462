// Package config holds the agent's runtime configuration, populated from
// command-line flags defaulted from environment variables.
package config

import (
	"os"
	"os/user"
	"runtime"
	"time"

	"github.com/streamspace-dev/proxyfabric/internal/agent/apperrors"
)

// Config holds the agent's configuration.
type Config struct {
	// AgentID identifies this agent to the hub. Must start with "agent_";
	// the hub's init handshake rejects anything else.
	AgentID string

	// HubURL is the WebSocket URL of the hub's agent-connect endpoint.
	// Format: ws://hub.example.com:9000/api/v1/agents/connect or wss://...
	HubURL string

	// CountryCode is the agent's reported ISO country code, consulted by
	// the hub's country_XX selector.
	CountryCode string

	// Region, City, ASN, ASNOrg are reported host metadata; none gate any
	// protocol behavior.
	Region string
	City   string
	ASN    string
	ASNOrg string

	// IP and RemoteHost are the agent's reported public address and
	// reverse-DNS hostname. Deriving these requires a geo/IP lookup
	// (ifconfig.co-style bootstrap), which is out of scope per spec.md
	// §1; an operator supplies them directly instead.
	IP         string
	RemoteHost string

	// OSVersion and KernelVersion require platform-specific introspection
	// (uname, registry queries) this repo does not attempt; an operator
	// supplies them directly.
	OSVersion     string
	KernelVersion string

	// OSType, Hostname, and Username are trivially available from the
	// standard library and are defaulted in Validate if left empty.
	OSType   string
	Hostname string
	Username string

	// HeartbeatInterval controls how often the agent pings the hub to
	// detect a silently dead TCP connection. It is a liveness signal only;
	// the wire protocol has no heartbeat message and no timeout depends on
	// it.
	HeartbeatInterval time.Duration

	// LogLevel is a zerolog level name ("debug", "info", "warn", "error").
	LogLevel string

	// LogPretty selects console-formatted logs instead of JSON.
	LogPretty bool
}

// Validate fills in defaults and rejects configurations the agent cannot
// run with.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return apperrors.ErrMissingAgentID
	}
	if c.HubURL == "" {
		return apperrors.ErrMissingHubURL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.OSType == "" {
		c.OSType = runtime.GOOS
	}
	if c.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			c.Hostname = h
		}
	}
	if c.Username == "" {
		if u, err := user.Current(); err == nil {
			c.Username = u.Username
		}
	}

	return nil
}
