package tunnel

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/streamspace-dev/proxyfabric/internal/agent/apperrors"
	"github.com/streamspace-dev/proxyfabric/internal/agent/tcptable"
	"github.com/streamspace-dev/proxyfabric/internal/protocol"
)

// maxChunkBytes caps a single read-pump read, matching the hub's relay
// chunking.
const maxChunkBytes = 1024

// Sink is the control-loop's outbound channel to the hub; the tunnel
// executor uses it to send ConnectResponse and DataResponseChunk/Complete
// messages without needing to know about the WebSocket itself.
type Sink interface {
	Send(t protocol.MessageType, payload interface{}) error
}

// Executor drives ConnectRequest handling and the per-connection read pump.
type Executor struct {
	conns *tcptable.Table
	sink  Sink
	log   zerolog.Logger

	// resolver is overridable in tests; defaults to net.DefaultResolver.
	resolver interface {
		LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	}

	// dial is overridable in tests; defaults to net.Dial.
	dial func(network, address string) (net.Conn, error)
}

// New constructs an Executor.
func New(conns *tcptable.Table, sink Sink, log zerolog.Logger) *Executor {
	return &Executor{
		conns:    conns,
		sink:     sink,
		log:      log,
		resolver: net.DefaultResolver,
		dial:     net.Dial,
	}
}

// HandleConnectRequest implements §4.5: resolve, SSRF-check, connect, and on
// success spawn the read pump.
func (e *Executor) HandleConnectRequest(ctx context.Context, req protocol.ConnectRequest) {
	host, err := e.resolveHost(ctx, req.TargetAddr, req.AddressType)
	if err != nil {
		e.respondFailure(req.RequestID, err)
		return
	}

	if isBlocked(host) {
		e.respondFailure(req.RequestID, apperrors.ErrSSRFBlocked)
		return
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", req.TargetPort))
	conn, err := e.dial("tcp", addr)
	if err != nil {
		e.respondFailure(req.RequestID, err)
		return
	}

	e.conns.Insert(req.RequestID, conn)
	go e.readPump(req.RequestID, conn)

	e.sink.Send(protocol.TypeConnectResponse, protocol.ConnectResponse{
		RequestID: req.RequestID,
		Success:   true,
	})
}

func (e *Executor) respondFailure(requestID string, err error) {
	e.log.Warn().Str("request_id", requestID).Err(err).Msg("connect-request failed")
	e.sink.Send(protocol.TypeConnectResponse, protocol.ConnectResponse{
		RequestID: requestID,
		Success:   false,
	})
}

// resolveHost implements step 1 of §4.5.
func (e *Executor) resolveHost(ctx context.Context, targetAddr string, addrType protocol.AddressType) (string, error) {
	switch addrType {
	case protocol.AddressTypeIPv4, protocol.AddressTypeIPv6:
		return targetAddr, nil
	case protocol.AddressTypeDomain:
		addrs, err := e.resolver.LookupIPAddr(ctx, targetAddr)
		if err != nil {
			return "", fmt.Errorf("dns resolve %s: %w", targetAddr, err)
		}
		return firstPreferIPv4(addrs)
	default:
		return "", apperrors.ErrUnsupportedAddressType
	}
}

// firstPreferIPv4 picks the first IPv4 result, falling back to the first
// result of any family.
func firstPreferIPv4(addrs []net.IPAddr) (string, error) {
	if len(addrs) == 0 {
		return "", apperrors.ErrDNSResolutionFailed
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}

// readPump implements step 4 of §4.5: repeatedly read up to maxChunkBytes,
// base64-encode, and emit DataResponseChunk until EOF or error.
func (e *Executor) readPump(requestID string, conn net.Conn) {
	buf := make([]byte, maxChunkBytes)
	var chunkID uint32

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunkID++
			e.sink.Send(protocol.TypeDataResponseChunk, protocol.DataResponseChunk{
				RequestID: requestID,
				ChunkID:   chunkID,
				Data:      base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err != nil {
			if err.Error() == "EOF" {
				e.sink.Send(protocol.TypeDataResponseTransferComplete, protocol.DataResponseTransferComplete{
					RequestID: requestID,
					Success:   true,
				})
			} else {
				e.sink.Send(protocol.TypeDataResponseTransferComplete, protocol.DataResponseTransferComplete{
					RequestID:    requestID,
					Success:      false,
					ErrorMessage: err.Error(),
				})
			}
			return
		}
	}
}

// HandleDataChunk implements §4.4's data-chunk-request dispatch: look up
// the connection, decode, and write.
func (e *Executor) HandleDataChunk(req protocol.DataRequestChunk) {
	conn, ok := e.conns.Get(req.RequestID)
	if !ok {
		e.log.Warn().Str("request_id", req.RequestID).Msg("data-chunk-request for unknown connection")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		e.log.Warn().Str("request_id", req.RequestID).Err(err).Msg("malformed data-chunk-request")
		return
	}
	if _, err := conn.Write(data); err != nil {
		e.log.Warn().Str("request_id", req.RequestID).Err(err).Msg("write to upstream failed")
	}
}

// HandleTransferComplete and HandleClientDisconnect both remove the TCP
// entry and shut down the write half cleanly, per §4.4.
func (e *Executor) HandleTransferComplete(requestID string) {
	e.closeEntry(requestID)
}

func (e *Executor) HandleClientDisconnect(requestID string) {
	e.closeEntry(requestID)
}

func (e *Executor) closeEntry(requestID string) {
	conn, ok := e.conns.Remove(requestID)
	if !ok {
		return
	}
	if closer, ok := conn.(interface{ CloseWrite() error }); ok {
		closer.CloseWrite()
		return
	}
	conn.Close()
}
