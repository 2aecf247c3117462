// Package apperrors collects the hub's sentinel errors, grouped by concern.
package apperrors

import stderrors "errors"

// Configuration errors
var (
	ErrMissingBindAddress   = stderrors.New("bind address is required")
	ErrMissingWebsocketPort = stderrors.New("websocket port is required")
	ErrMissingSocks5Port    = stderrors.New("socks5 port is required")
	ErrMissingJWTSecret     = stderrors.New("jwt secret is required")
)

// Agent registry errors
var (
	ErrAgentIDEmpty       = stderrors.New("agent_id cannot be empty")
	ErrAgentIDBadPrefix   = stderrors.New("agent ID must start with 'agent_'")
	ErrAgentNotConnected  = stderrors.New("agent is not connected")
	ErrNoAgentsRegistered = stderrors.New("no agents are registered")
)

// Pending-request / command-router errors
var (
	ErrPendingSlotExists    = stderrors.New("pending slot already exists for request")
	ErrPendingSlotNotFound  = stderrors.New("no pending slot for request")
	ErrPendingSlotWrongKind = stderrors.New("pending slot is not of the expected kind")
	ErrConnectTimeout       = stderrors.New("timed out waiting for connect response")
)

// SOCKS5 frontend errors
var (
	ErrUnsupportedAuthMethod = stderrors.New("client does not offer username/password auth")
	ErrUnsupportedCommand    = stderrors.New("only the CONNECT command is supported")
	ErrUnsupportedAddrType   = stderrors.New("unsupported SOCKS5 address type")
	ErrInvalidSelector       = stderrors.New("invalid agent selector")
	ErrTokenInvalid          = stderrors.New("token is unknown or expired")
	ErrInsufficientPoints    = stderrors.New("user does not have enough points")
)

// Command-stream errors
var (
	ErrForbidden       = stderrors.New("admin role required")
	ErrUnauthorized    = stderrors.New("missing or invalid bearer token")
	ErrAgentIDRequired = stderrors.New("agent_id is required")
)
