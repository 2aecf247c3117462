// Package wsserver implements the hub's WebSocket Server: the gin-wrapped
// upgrade endpoint agents dial into, the init handshake, and demultiplexing
// of inbound control-plane frames to the pending-request and
// command-response routers.
package wsserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/proxyfabric/internal/hub/cmdrouter"
	"github.com/streamspace-dev/proxyfabric/internal/hub/pending"
	"github.com/streamspace-dev/proxyfabric/internal/hub/registry"
	"github.com/streamspace-dev/proxyfabric/internal/protocol"
)

// decodePayload unmarshals a raw envelope payload into a concrete message
// type.
func decodePayload(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// agentIDPrefix is the only identifier shape the hub accepts from an agent.
const agentIDPrefix = "agent_"

// Server accepts agent WebSocket connections and dispatches their traffic.
type Server struct {
	registry *registry.Registry
	pending  *pending.Table
	commands *cmdrouter.Router
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New constructs a Server wired to the hub's shared registry and routers.
func New(reg *registry.Registry, pend *pending.Table, cmds *cmdrouter.Router, log zerolog.Logger) *Server {
	return &Server{
		registry: reg,
		pending:  pend,
		commands: cmds,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are our own fleet, not browsers; origin checks aren't
			// meaningful for a control-plane socket dialed programmatically.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle is the gin handler for the agent-connect endpoint.
func (s *Server) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	agentID, ok := s.handshake(conn)
	if !ok {
		conn.Close()
		return
	}

	s.log.Info().Str("agent_id", agentID).Msg("agent connected")
	s.readLoop(agentID, conn)
}

// handshake reads the first frame, requires it to be a well-formed
// InitRequest with an agent_-prefixed identifier, registers the agent, and
// replies. It returns the negotiated agent identifier and whether the
// handshake succeeded.
func (s *Server) handshake(conn *websocket.Conn) (string, bool) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read init handshake")
		return "", false
	}

	msgType, payload, err := protocol.Decode(raw)
	if err != nil || msgType != protocol.TypeInitRequest {
		s.writeInitError(conn, "first message must be init-request")
		return "", false
	}

	var req protocol.InitRequest
	if err := decodePayload(payload, &req); err != nil {
		s.writeInitError(conn, "malformed init-request")
		return "", false
	}

	if !strings.HasPrefix(req.AgentID, agentIDPrefix) {
		data, _ := protocol.Encode(protocol.TypeInitResponse, protocol.InitResponse{
			Success: false,
			Message: "Agent ID must start with 'agent_'",
		})
		conn.WriteMessage(websocket.TextMessage, data)
		return "", false
	}

	meta := registry.Metadata{
		PublicIP:      req.IP,
		CountryCode:   req.CountryCode,
		Region:        req.Region,
		City:          req.City,
		ASN:           req.ASN,
		ASNOrg:        req.ASNOrg,
		OSType:        req.OSType,
		OSVersion:     req.OSVersion,
		Hostname:      req.Hostname,
		KernelVersion: req.KernelVersion,
		Username:      req.Username,
	}

	old, err := s.registry.Register(req.AgentID, conn, meta)
	if err != nil {
		s.writeInitError(conn, err.Error())
		return "", false
	}
	if old != nil {
		// The replaced connection's own I/O will now fail and its read
		// loop will try to Unregister itself; that call is a no-op since
		// the registry already holds the newer connection.
		old.Close()
	}

	data, err := protocol.Encode(protocol.TypeInitResponse, protocol.InitResponse{Success: true})
	if err != nil {
		return "", false
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", false
	}

	return req.AgentID, true
}

func (s *Server) writeInitError(conn *websocket.Conn, message string) {
	data, err := protocol.Encode(protocol.TypeInitError, protocol.InitError{ErrorMessage: message})
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop consumes frames for one agent connection until it closes,
// dispatching each to an independent goroutine so a slow handler never
// stalls the reader.
func (s *Server) readLoop(agentID string, conn *websocket.Conn) {
	defer s.registry.Unregister(agentID, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Info().Str("agent_id", agentID).Err(err).Msg("agent connection closed")
			return
		}

		msgType, payload, err := protocol.Decode(raw)
		if err != nil {
			s.log.Debug().Str("agent_id", agentID).Err(err).Msg("dropping malformed frame")
			continue
		}

		go s.dispatch(agentID, msgType, payload)
	}
}

// dispatch routes one decoded frame to the appropriate router. It runs as
// its own fire-and-forget task per §4.2/§9's cooperative-tasks design note.
func (s *Server) dispatch(agentID string, msgType protocol.MessageType, payload []byte) {
	switch msgType {
	case protocol.TypeConnectResponse:
		var resp protocol.ConnectResponse
		if err := decodePayload(payload, &resp); err != nil {
			return
		}
		// A late reply after the SOCKS5 frontend's connect-timeout cleanup
		// is expected and silently dropped, not logged, per design note §9.
		s.pending.DeliverOneShot(resp.RequestID, &resp)

	case protocol.TypeDataResponseChunk:
		var chunk protocol.DataResponseChunk
		if err := decodePayload(payload, &chunk); err != nil {
			return
		}
		if !s.pending.DeliverStream(chunk.RequestID, &chunk) {
			s.log.Debug().Str("request_id", chunk.RequestID).Msg("no pending slot for data-chunk-response")
		}

	case protocol.TypeDataResponseTransferComplete:
		var done protocol.DataResponseTransferComplete
		if err := decodePayload(payload, &done); err != nil {
			return
		}
		if !s.pending.DeliverStream(done.RequestID, &done) {
			s.log.Debug().Str("request_id", done.RequestID).Msg("no pending slot for transfer-complete")
		}

	case protocol.TypeCommandResponseChunk:
		var chunk protocol.CommandResponseChunk
		if err := decodePayload(payload, &chunk); err != nil {
			return
		}
		if !s.commands.Deliver(chunk.RequestID, &chunk) {
			s.log.Debug().Str("request_id", chunk.RequestID).Msg("no command-response slot; dropping chunk")
		}

	case protocol.TypeCommandResponseTransferComplete:
		var done protocol.CommandResponseTransferComplete
		if err := decodePayload(payload, &done); err != nil {
			return
		}
		s.commands.DeliverCompletion(done.RequestID, &done)

	default:
		s.log.Debug().Str("agent_id", agentID).Str("type", string(msgType)).Msg("ignoring unhandled message type")
	}
}

// Registry exposes the server's agent registry for wiring into the SOCKS5
// frontend and command-stream handler.
func (s *Server) Registry() *registry.Registry { return s.registry }
