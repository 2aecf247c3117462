// Package protocol defines the wire messages exchanged between the hub and
// its agents over the control WebSocket.
//
// Every frame is a JSON object carrying a discriminant "type" field and a
// type-specific payload. Encode wraps outbound messages in an Envelope and Decode
// recovers the discriminant so callers can dispatch before unmarshaling the
// full payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the wire discriminant carried by every control-plane frame.
type MessageType string

const (
	TypeInitRequest                    MessageType = "init-request"
	TypeInitResponse                   MessageType = "init-response"
	TypeInitError                      MessageType = "init-error"
	TypeConnectRequest                 MessageType = "connect-request"
	TypeConnectResponse                MessageType = "connect-response"
	TypeDataRequestChunk                MessageType = "data-chunk-request"
	TypeDataResponseChunk               MessageType = "data-chunk-response"
	TypeDataResponseTransferComplete    MessageType = "data-response-transfer-complete"
	TypeDataRequestTransferComplete     MessageType = "data-request-transfer-complete"
	TypeClientDisconnect                MessageType = "client-disconnect"
	TypeCommandRequest                  MessageType = "command-request"
	TypeCommandResponseChunk            MessageType = "command-response-chunk"
	TypeCommandResponseTransferComplete MessageType = "command-response-transfer-complete"
)

// AddressType is the SOCKS5 ATYP value carried on a ConnectRequest.
type AddressType uint8

const (
	AddressTypeIPv4   AddressType = 0x01
	AddressTypeDomain AddressType = 0x03
	AddressTypeIPv6   AddressType = 0x04
)

// StreamType distinguishes stdout from stderr in command output chunks.
type StreamType int

const (
	StreamStdout StreamType = 1
	StreamStderr StreamType = 2
)

// Envelope is the outer JSON shape of every control-plane frame.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode peeks the discriminant out of a raw frame without unmarshaling the
// payload, so a dispatcher can pick the right concrete type.
func Decode(raw []byte) (MessageType, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("protocol: missing type field")
	}
	return env.Type, env.Payload, nil
}

// Encode wraps a typed payload in an Envelope and marshals it to the wire
// format a frame is sent in.
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// InitRequest is sent once by an agent immediately after the WebSocket
// connects, carrying its identity and host metadata.
type InitRequest struct {
	AgentID       string `json:"agent_id"`
	IP            string `json:"ip"`
	RemoteHost    string `json:"remote_host"`
	CountryCode   string `json:"country_code"`
	City          string `json:"city"`
	Region        string `json:"region"`
	ASN           string `json:"asn"`
	ASNOrg        string `json:"asn_org"`
	OSType        string `json:"os_type"`
	OSVersion     string `json:"os_version"`
	Hostname      string `json:"hostname"`
	KernelVersion string `json:"kernel_version"`
	Username      string `json:"username"`
}

// InitResponse is the hub's reply to an InitRequest.
type InitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// InitError is sent in place of InitResponse when the hub rejects the init
// handshake for a reason other than a bad agent_id prefix.
type InitError struct {
	ErrorMessage string `json:"error_message"`
}

// ConnectRequest asks the agent to open an upstream TCP connection.
type ConnectRequest struct {
	RequestID   string      `json:"request_id"`
	TargetAddr  string      `json:"target_addr"`
	TargetPort  uint16      `json:"target_port"`
	AgentID     string      `json:"agent_id,omitempty"`
	AddressType AddressType `json:"address_type"`
}

// ConnectResponse is the agent's answer to a ConnectRequest.
type ConnectResponse struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
}

// DataRequestChunk carries client-to-agent tunneled bytes.
type DataRequestChunk struct {
	RequestID string `json:"request_id"`
	ChunkID   uint32 `json:"chunk_id"`
	Data      string `json:"data"`
}

// DataResponseChunk carries agent-to-client tunneled bytes.
type DataResponseChunk struct {
	RequestID string `json:"request_id"`
	ChunkID   uint32 `json:"chunk_id"`
	Data      string `json:"data"`
}

// DataResponseTransferComplete ends the agent-to-client half of a tunnel.
type DataResponseTransferComplete struct {
	RequestID    string `json:"request_id"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// DataRequestTransferComplete ends the client-to-agent half of a tunnel.
type DataRequestTransferComplete struct {
	RequestID    string `json:"request_id"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ClientDisconnect tells the agent the SOCKS5 client hung up.
type ClientDisconnect struct {
	RequestID string `json:"request_id"`
}

// CommandRequest asks the agent to run a shell command.
type CommandRequest struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
}

// CommandResponseChunk carries one chunk of subprocess stdout/stderr.
type CommandResponseChunk struct {
	RequestID  string     `json:"request_id"`
	ChunkID    uint32     `json:"chunk_id"`
	StreamType StreamType `json:"stream_type"`
	Data       string     `json:"data"`
}

// CommandResponseTransferComplete ends a command invocation.
type CommandResponseTransferComplete struct {
	RequestID    string `json:"request_id"`
	Success      bool   `json:"success"`
	ExitCode     *int32 `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}
