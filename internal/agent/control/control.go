// Package control implements the agent's Control Loop: the single
// WebSocket connection to the hub, its init handshake, and dispatch of
// inbound frames to the tunnel and command executors.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/proxyfabric/internal/agent/command"
	"github.com/streamspace-dev/proxyfabric/internal/agent/config"
	"github.com/streamspace-dev/proxyfabric/internal/agent/tcptable"
	"github.com/streamspace-dev/proxyfabric/internal/agent/tunnel"
	"github.com/streamspace-dev/proxyfabric/internal/protocol"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// Loop owns the agent's single WebSocket connection and the executors
// that handle frames received on it.
type Loop struct {
	cfg  config.Config
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	conns    *tcptable.Table
	tunnels  *tunnel.Executor
	commands *command.Executor
}

// Send implements tunnel.Sink and command.Sink: it serializes payload,
// wraps it in an Envelope, and writes it to the single shared connection
// under a write mutex, matching the per-agent write mutex the hub's
// registry.Record uses.
func (l *Loop) Send(t protocol.MessageType, payload interface{}) error {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Dial connects to the hub, performs the init handshake, and returns a
// Loop ready to Run.
func Dial(cfg config.Config, log zerolog.Logger) (*Loop, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(cfg.HubURL, nil)
	if err != nil {
		return nil, fmt.Errorf("control: dial hub: %w", err)
	}

	l := &Loop{
		cfg:   cfg,
		conn:  conn,
		log:   log,
		conns: tcptable.New(),
	}
	l.tunnels = tunnel.New(l.conns, l, log)
	l.commands = command.New(l, log)

	if err := l.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	return l, nil
}

// handshake sends InitRequest and waits for InitResponse/InitError.
func (l *Loop) handshake() error {
	if err := l.Send(protocol.TypeInitRequest, protocol.InitRequest{
		AgentID:       l.cfg.AgentID,
		IP:            l.cfg.IP,
		RemoteHost:    l.cfg.RemoteHost,
		CountryCode:   l.cfg.CountryCode,
		Region:        l.cfg.Region,
		City:          l.cfg.City,
		ASN:           l.cfg.ASN,
		ASNOrg:        l.cfg.ASNOrg,
		OSType:        l.cfg.OSType,
		OSVersion:     l.cfg.OSVersion,
		Hostname:      l.cfg.Hostname,
		KernelVersion: l.cfg.KernelVersion,
		Username:      l.cfg.Username,
	}); err != nil {
		return fmt.Errorf("control: send init-request: %w", err)
	}

	_, raw, err := l.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("control: read init reply: %w", err)
	}

	msgType, payload, err := protocol.Decode(raw)
	if err != nil {
		return fmt.Errorf("control: decode init reply: %w", err)
	}

	switch msgType {
	case protocol.TypeInitResponse:
		var resp protocol.InitResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("control: unmarshal init-response: %w", err)
		}
		if !resp.Success {
			return fmt.Errorf("control: hub rejected init: %s", resp.Message)
		}
		l.log.Info().Str("agent_id", l.cfg.AgentID).Msg("connected to hub")
		return nil
	case protocol.TypeInitError:
		var errResp protocol.InitError
		json.Unmarshal(payload, &errResp)
		return fmt.Errorf("control: hub rejected init: %s", errResp.ErrorMessage)
	default:
		return fmt.Errorf("control: unexpected reply to init-request: %s", msgType)
	}
}

// Run drives the read loop until the connection closes. Each inbound
// frame is dispatched in its own goroutine so a slow tunnel or command
// handler never stalls the reader, mirroring the hub's dispatch model.
//
// A ticker sends WebSocket-level ping control frames at the configured
// heartbeat interval. This is transport liveness only: the wire protocol
// defines no heartbeat message type, and a missed pong never gates any
// protocol behavior.
func (l *Loop) Run() {
	defer l.teardown()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go l.pingLoop(stopPing)

	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			l.log.Info().Err(err).Msg("control loop connection closed")
			return
		}

		msgType, payload, err := protocol.Decode(raw)
		if err != nil {
			l.log.Warn().Err(err).Msg("malformed control frame")
			continue
		}
		go l.dispatch(msgType, payload)
	}
}

// pingLoop sends a WebSocket ping control frame every heartbeat interval
// until stop is closed.
func (l *Loop) pingLoop(stop <-chan struct{}) {
	interval := l.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := l.conn.WriteMessage(websocket.PingMessage, nil)
			l.writeMu.Unlock()
			if err != nil {
				l.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (l *Loop) dispatch(msgType protocol.MessageType, payload json.RawMessage) {
	switch msgType {
	case protocol.TypeConnectRequest:
		var req protocol.ConnectRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			l.log.Warn().Err(err).Msg("malformed connect-request")
			return
		}
		l.tunnels.HandleConnectRequest(context.Background(), req)

	case protocol.TypeDataRequestChunk:
		var req protocol.DataRequestChunk
		if err := json.Unmarshal(payload, &req); err != nil {
			l.log.Warn().Err(err).Msg("malformed data-chunk-request")
			return
		}
		l.tunnels.HandleDataChunk(req)

	case protocol.TypeDataRequestTransferComplete:
		var req protocol.DataRequestTransferComplete
		if err := json.Unmarshal(payload, &req); err != nil {
			l.log.Warn().Err(err).Msg("malformed data-request-transfer-complete")
			return
		}
		l.tunnels.HandleTransferComplete(req.RequestID)

	case protocol.TypeClientDisconnect:
		var req protocol.ClientDisconnect
		if err := json.Unmarshal(payload, &req); err != nil {
			l.log.Warn().Err(err).Msg("malformed client-disconnect")
			return
		}
		l.tunnels.HandleClientDisconnect(req.RequestID)

	case protocol.TypeCommandRequest:
		var req protocol.CommandRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			l.log.Warn().Err(err).Msg("malformed command-request")
			return
		}
		l.commands.Handle(req)

	default:
		l.log.Debug().Str("type", string(msgType)).Msg("unhandled control frame")
	}
}

// teardown closes every open tunnel and the WebSocket connection, run
// once the read loop exits for any reason.
func (l *Loop) teardown() {
	for _, conn := range l.conns.RemoveAll() {
		conn.Close()
	}
	l.conn.Close()
}
