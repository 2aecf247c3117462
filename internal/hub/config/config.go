// Package config holds the hub's runtime configuration, populated from
// command-line flags defaulted from environment variables.
package config

import (
	"time"

	"github.com/streamspace-dev/proxyfabric/internal/hub/apperrors"
)

// Config holds the hub's configuration.
//
// Keys consumed by the tunneling core: WebsocketPort, Socks5Port,
// BindAddress, ConnectTimeout. The rest support the ambient HTTP/command
// surface and are not part of the core protocol.
type Config struct {
	// BindAddress is the interface the WebSocket and SOCKS5 listeners bind to.
	BindAddress string

	// WebsocketPort is the TCP port the agent control-plane WebSocket listens on.
	WebsocketPort uint16

	// Socks5Port is the TCP port the SOCKS5 frontend listens on.
	Socks5Port uint16

	// HTTPPort serves the command-streaming SSE endpoint. Fixed at 8080 per
	// spec, but kept configurable for tests.
	HTTPPort uint16

	// ConnectTimeout bounds how long the SOCKS5 frontend waits for a
	// ConnectResponse before failing the client.
	ConnectTimeout time.Duration

	// LogLevel is a zerolog level name ("debug", "info", "warn", "error").
	LogLevel string

	// LogPretty selects console-formatted logs instead of JSON.
	LogPretty bool

	// JWTSecret signs and verifies the admin bearer tokens accepted by the
	// command-streaming endpoint.
	JWTSecret string

	// TokenDBDSN is the Postgres DSN for the bearer-token store. Schema and
	// CRUD for it are out of scope for this repo; only a token lookup and a
	// points deduction are used.
	TokenDBDSN string

	// TokenCacheRedisURL optionally fronts the token store with a
	// cache-aside Redis layer. Empty disables the cache.
	TokenCacheRedisURL string
}

// Validate fills in defaults and rejects configurations the core cannot run
// with.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return apperrors.ErrMissingBindAddress
	}
	if c.WebsocketPort == 0 {
		return apperrors.ErrMissingWebsocketPort
	}
	if c.Socks5Port == 0 {
		return apperrors.ErrMissingSocks5Port
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.JWTSecret == "" {
		return apperrors.ErrMissingJWTSecret
	}
	return nil
}
