// Package socks5 implements the hub's SOCKS5 Frontend: the client-facing
// TCP listener that authenticates a bearer token, selects an agent, and
// bridges the client's byte stream to that agent's tunneled upstream
// connection over the control WebSocket.
package socks5

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/proxyfabric/internal/hub/apperrors"
	"github.com/streamspace-dev/proxyfabric/internal/hub/pending"
	"github.com/streamspace-dev/proxyfabric/internal/hub/registry"
	"github.com/streamspace-dev/proxyfabric/internal/hub/tokens"
	"github.com/streamspace-dev/proxyfabric/internal/protocol"
)

const (
	socksVersion5 = 0x05

	// authNoneRequired is RFC 1928's no-auth method; the hub never offers
	// or accepts it, only authUserPass.
	authNoneRequired = 0x00
	authUserPass     = 0x02
	authNoAcceptable = 0xFF

	userPassVersion = 0x01

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess        = 0x00
	repGeneralFailure = 0x01

	// maxChunkBytes caps a single relay read, matching the agent's tunnel
	// executor and command executor chunk size.
	maxChunkBytes = 1024

	// requiredPoints is the single point-accounting rule in scope here: a
	// relay may only start if the authenticated user has at least this
	// many points.
	requiredPoints = 10
)

// Frontend is the hub's SOCKS5 listener.
type Frontend struct {
	registry       *registry.Registry
	pending        *pending.Table
	tokens         tokens.Store
	connectTimeout time.Duration
	log            zerolog.Logger
}

// New constructs a Frontend.
func New(reg *registry.Registry, pend *pending.Table, tokenStore tokens.Store, connectTimeout time.Duration, log zerolog.Logger) *Frontend {
	return &Frontend{
		registry:       reg,
		pending:        pend,
		tokens:         tokenStore,
		connectTimeout: connectTimeout,
		log:            log,
	}
}

// Serve accepts connections on listener until ctx is canceled or Accept
// fails.
func (f *Frontend) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socks5: accept: %w", err)
		}
		go f.handleConn(ctx, conn)
	}
}

func (f *Frontend) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := f.greet(conn); err != nil {
		f.log.Debug().Err(err).Msg("socks5 greeting failed")
		return
	}

	selector, token, err := f.authenticate(conn)
	if err != nil {
		f.log.Debug().Err(err).Msg("socks5 auth sub-negotiation failed")
		return
	}

	targetAddr, targetPort, addrType, err := f.readRequest(conn)
	if err != nil {
		f.log.Debug().Err(err).Msg("socks5 request parse failed")
		return
	}

	info, err := f.tokens.Lookup(ctx, token)
	if err != nil || info.Expired(time.Now()) || info.Points < requiredPoints {
		f.replyFailure(conn)
		return
	}

	agent, err := f.selectAgent(selector)
	if err != nil {
		f.replyFailure(conn)
		return
	}

	f.relay(ctx, conn, agent, info.UserID, targetAddr, targetPort, addrType)
}

func (f *Frontend) greet(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read greeting header: %w", err)
	}
	if header[0] != socksVersion5 {
		return fmt.Errorf("unsupported socks version %d", header[0])
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	offered := false
	for _, m := range methods {
		if m == authUserPass {
			offered = true
			break
		}
	}
	if !offered {
		conn.Write([]byte{socksVersion5, authNoAcceptable})
		return apperrors.ErrUnsupportedAuthMethod
	}

	_, err := conn.Write([]byte{socksVersion5, authUserPass})
	return err
}

func (f *Frontend) authenticate(conn net.Conn) (selector, token string, err error) {
	verAndLen := make([]byte, 2)
	if _, err := io.ReadFull(conn, verAndLen); err != nil {
		return "", "", fmt.Errorf("read auth header: %w", err)
	}

	uname := make([]byte, verAndLen[1])
	if _, err := io.ReadFull(conn, uname); err != nil {
		return "", "", fmt.Errorf("read username: %w", err)
	}

	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return "", "", fmt.Errorf("read password length: %w", err)
	}
	passwd := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, passwd); err != nil {
		return "", "", fmt.Errorf("read password: %w", err)
	}

	if _, err := conn.Write([]byte{userPassVersion, 0x00}); err != nil {
		return "", "", fmt.Errorf("write auth reply: %w", err)
	}

	return string(uname), string(passwd), nil
}

func (f *Frontend) readRequest(conn net.Conn) (addr string, port uint16, addrType protocol.AddressType, err error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", 0, 0, fmt.Errorf("read request header: %w", err)
	}
	if header[0] != socksVersion5 {
		return "", 0, 0, fmt.Errorf("unsupported socks version %d", header[0])
	}
	if header[1] != cmdConnect {
		return "", 0, 0, apperrors.ErrUnsupportedCommand
	}

	switch header[3] {
	case atypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", 0, 0, err
		}
		addr = net.IP(b).String()
		addrType = protocol.AddressTypeIPv4
	case atypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return "", 0, 0, err
		}
		b := make([]byte, l[0])
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", 0, 0, err
		}
		addr = string(b)
		addrType = protocol.AddressTypeDomain
	case atypIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", 0, 0, err
		}
		addr = net.IP(b).String()
		addrType = protocol.AddressTypeIPv6
	default:
		return "", 0, 0, apperrors.ErrUnsupportedAddrType
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBytes); err != nil {
		return "", 0, 0, err
	}
	port = uint16(portBytes[0])<<8 | uint16(portBytes[1])

	return addr, port, addrType, nil
}

// selectAgent implements §4.1's agent-selector grammar.
func (f *Frontend) selectAgent(selector string) (*registry.Record, error) {
	switch {
	case strings.HasPrefix(selector, "agent_"):
		rec, ok := f.registry.Get(selector)
		if !ok {
			return nil, apperrors.ErrAgentNotConnected
		}
		return rec, nil

	case selector == "all" || selector == "":
		all := f.registry.All()
		if len(all) == 0 {
			return nil, apperrors.ErrNoAgentsRegistered
		}
		return all[rand.Intn(len(all))], nil

	case strings.HasPrefix(selector, "country_"):
		codes := parseCountryCodes(strings.TrimPrefix(selector, "country_"))
		if len(codes) == 0 {
			return nil, apperrors.ErrInvalidSelector
		}
		matches := f.registry.WithCountryCodes(codes)
		if len(matches) == 0 {
			return nil, apperrors.ErrNoAgentsRegistered
		}
		return matches[rand.Intn(len(matches))], nil

	default:
		return nil, apperrors.ErrInvalidSelector
	}
}

// parseCountryCodes splits a concatenation of 2-letter ISO codes, e.g.
// "JPUS" -> {"JP", "US"}. A malformed (odd-length) selector yields an empty
// set, which the caller treats as ErrInvalidSelector.
func parseCountryCodes(s string) map[string]struct{} {
	out := make(map[string]struct{})
	if len(s) == 0 || len(s)%2 != 0 {
		return out
	}
	for i := 0; i+2 <= len(s); i += 2 {
		out[s[i:i+2]] = struct{}{}
	}
	return out
}

func (f *Frontend) replyFailure(conn net.Conn) {
	conn.Write(buildReply(repGeneralFailure))
}

func buildReply(rep byte) []byte {
	return []byte{socksVersion5, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
}

// relay drives the RELAY state: send a ConnectRequest, wait for its ack,
// reply to the client, then bridge bytes until either direction ends.
func (f *Frontend) relay(ctx context.Context, clientConn net.Conn, agent *registry.Record, userID, targetAddr string, targetPort uint16, addrType protocol.AddressType) {
	requestID := uuid.Must(uuid.NewV7()).String()

	ackCh, err := f.pending.InsertOneShot(requestID)
	if err != nil {
		f.replyFailure(clientConn)
		return
	}

	if err := agent.Send(protocol.TypeConnectRequest, protocol.ConnectRequest{
		RequestID:   requestID,
		TargetAddr:  targetAddr,
		TargetPort:  targetPort,
		AddressType: addrType,
	}); err != nil {
		f.pending.Remove(requestID)
		f.replyFailure(clientConn)
		return
	}

	var ack *protocol.ConnectResponse
	select {
	case msg := <-ackCh:
		resp, ok := msg.(*protocol.ConnectResponse)
		if ok {
			ack = resp
		}
	case <-time.After(f.connectTimeout):
		f.pending.Remove(requestID)
		f.replyFailure(clientConn)
		return
	}

	if ack == nil || !ack.Success {
		f.pending.Remove(requestID)
		f.replyFailure(clientConn)
		return
	}

	streamCh, err := f.pending.InsertStream(requestID)
	if err != nil {
		f.replyFailure(clientConn)
		return
	}

	if _, err := clientConn.Write(buildReply(repSuccess)); err != nil {
		f.pending.Remove(requestID)
		return
	}

	success := f.runRelayLoop(clientConn, agent, requestID, streamCh)
	f.pending.Remove(requestID)

	if success {
		if err := f.tokens.DeductPoints(ctx, userID, requiredPoints); err != nil {
			f.log.Warn().Err(err).Str("user_id", userID).Msg("failed to deduct points after successful relay")
		}
	}
}

// runRelayLoop bridges bytes in both directions for one tunneled
// connection, returning whether the relay completed without error.
func (f *Frontend) runRelayLoop(clientConn net.Conn, agent *registry.Record, requestID string, streamCh <-chan interface{}) bool {
	var wg sync.WaitGroup
	var failed atomic.Bool
	done := make(chan struct{}, 2)

	quit := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		f.clientToAgent(clientConn, agent, requestID, &failed)
		done <- struct{}{}
	}()
	go func() {
		defer wg.Done()
		f.agentToClient(clientConn, requestID, streamCh, quit, &failed)
		done <- struct{}{}
	}()

	<-done
	// Either half finishing ends the tunnel; unblock the other. Closing the
	// client socket surfaces a read/write error to clientToAgent; closing
	// quit unblocks agentToClient if it is parked waiting on streamCh with
	// no message pending.
	clientConn.Close()
	close(quit)
	wg.Wait()

	return !failed.Load()
}

func (f *Frontend) clientToAgent(clientConn net.Conn, agent *registry.Record, requestID string, failed *atomic.Bool) {
	buf := make([]byte, maxChunkBytes)
	var chunkID uint32

	for {
		n, err := clientConn.Read(buf)
		if n > 0 {
			chunkID++
			data := base64.StdEncoding.EncodeToString(buf[:n])
			if sendErr := agent.Send(protocol.TypeDataRequestChunk, protocol.DataRequestChunk{
				RequestID: requestID,
				ChunkID:   chunkID,
				Data:      data,
			}); sendErr != nil {
				failed.Store(true)
				return
			}
		}
		if err != nil {
			switch {
			case err == io.EOF:
				agent.Send(protocol.TypeClientDisconnect, protocol.ClientDisconnect{RequestID: requestID})
			case errors.Is(err, net.ErrClosed):
				// The agent-to-client half finished first and the relay
				// loop closed the client socket to unblock this read; that
				// is a clean shutdown, not a transport failure.
			default:
				failed.Store(true)
			}
			return
		}
	}
}

func (f *Frontend) agentToClient(clientConn net.Conn, requestID string, streamCh <-chan interface{}, quit <-chan struct{}, failed *atomic.Bool) {
	for {
		var msg interface{}
		select {
		case msg = <-streamCh:
		case <-quit:
			return
		}

		switch v := msg.(type) {
		case *protocol.DataResponseChunk:
			data, err := base64.StdEncoding.DecodeString(v.Data)
			if err != nil {
				f.log.Warn().Str("request_id", requestID).Err(err).Msg("failed to decode data-chunk-response")
				failed.Store(true)
				return
			}
			if _, err := clientConn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					failed.Store(true)
				}
				return
			}
		case *protocol.DataResponseTransferComplete:
			if !v.Success {
				failed.Store(true)
			}
			return
		default:
			f.log.Warn().Str("request_id", requestID).Msg("unexpected message on data stream slot")
		}
	}
}
