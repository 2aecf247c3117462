// Package apperrors collects the agent's sentinel errors, grouped by concern.
package apperrors

import stderrors "errors"

// Configuration errors
var (
	ErrMissingAgentID = stderrors.New("agent_id is required")
	ErrMissingHubURL  = stderrors.New("hub_url is required")
)

// Connection errors
var (
	ErrNotConnected    = stderrors.New("not connected to hub")
	ErrHandshakeFailed = stderrors.New("agent init handshake rejected by hub")
)

// Tunnel errors
var (
	ErrUnsupportedAddressType = stderrors.New("unsupported connect-request address type")
	ErrDNSResolutionFailed    = stderrors.New("dns resolution returned no addresses")
	ErrSSRFBlocked            = stderrors.New("target address is blocked by the ssrf guard")
)

// Command errors
var (
	ErrCommandSpawnFailed = stderrors.New("failed to spawn command subprocess")
)
