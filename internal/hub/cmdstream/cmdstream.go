// Package cmdstream implements the hub's Command Streaming Endpoint: an
// admin-only HTTP handler that dispatches a CommandRequest to an agent and
// relays its output back to the caller as Server-Sent Events.
package cmdstream

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/japanese"

	"github.com/streamspace-dev/proxyfabric/internal/hub/apperrors"
	"github.com/streamspace-dev/proxyfabric/internal/hub/cmdrouter"
	"github.com/streamspace-dev/proxyfabric/internal/hub/registry"
	"github.com/streamspace-dev/proxyfabric/internal/protocol"
)

// Handler serves the command-streaming endpoint.
type Handler struct {
	registry *registry.Registry
	commands *cmdrouter.Router
	log      zerolog.Logger
}

// New constructs a Handler wired to the hub's shared registry and
// command-response router.
func New(reg *registry.Registry, cmds *cmdrouter.Router, log zerolog.Logger) *Handler {
	return &Handler{registry: reg, commands: cmds, log: log}
}

type streamRequest struct {
	Command string `json:"command" binding:"required"`
}

// Stream is the gin handler for POST /api/v1/commands/:agentId/stream.
// Authorization (admin role) is enforced by authjwt.Manager.RequireAdmin
// mounted ahead of this handler in the route chain.
func (h *Handler) Stream(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrAgentIDRequired.Error()})
		return
	}

	var req streamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, ok := h.registry.Get(agentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": apperrors.ErrAgentNotConnected.Error()})
		return
	}

	requestID := uuid.Must(uuid.NewV7()).String()
	ch, err := h.commands.Insert(requestID, c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := agent.Send(protocol.TypeCommandRequest, protocol.CommandRequest{
		RequestID: requestID,
		Command:   req.Command,
	}); err != nil {
		h.commands.Remove(requestID)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to dispatch command to agent"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msg := <-ch:
			if h.writeEvent(c.Writer, requestID, msg) {
				if flusher != nil {
					flusher.Flush()
				}
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// writeEvent renders one inbound router message as SSE events and reports
// whether the command invocation is finished.
func (h *Handler) writeEvent(w http.ResponseWriter, requestID string, msg interface{}) bool {
	switch v := msg.(type) {
	case *protocol.CommandResponseChunk:
		data, err := base64.StdEncoding.DecodeString(v.Data)
		if err != nil {
			writeSSE(w, "error", fmt.Sprintf("decode error: %v", err))
			return false
		}
		event := "stdout"
		if v.StreamType == protocol.StreamStderr {
			event = "stderr"
		}
		for _, line := range splitLines(decodeOutput(data)) {
			writeSSE(w, event, line)
		}
		return false

	case *protocol.CommandResponseTransferComplete:
		if !v.Success {
			for _, line := range splitLines(v.ErrorMessage) {
				writeSSE(w, "error", line)
			}
		}
		writeSSE(w, "done", formatExitCode(v.ExitCode))
		return true

	default:
		h.log.Warn().Str("request_id", requestID).Msg("unexpected message on command stream")
		return false
	}
}

func writeSSE(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// formatExitCode preserves the literal wire text an admin client expects to
// see for a completed command's exit status.
func formatExitCode(code *int32) string {
	if code == nil {
		return "ExitCode: None"
	}
	return fmt.Sprintf("ExitCode: Some(%d)", *code)
}

// splitLines breaks command output into lines on \n or \r\n, dropping a
// trailing empty segment produced by a final newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// decodeOutput applies the UTF-8 -> Shift_JIS -> lossy-UTF-8 fallback chain
// to one chunk of subprocess output.
func decodeOutput(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	if decoded, err := japanese.ShiftJIS.NewDecoder().Bytes(raw); err == nil && utf8.Valid(decoded) {
		return string(decoded)
	}
	return strings.ToValidUTF8(string(raw), "�")
}
