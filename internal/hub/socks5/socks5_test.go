package socks5

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace-dev/proxyfabric/internal/hub/pending"
	"github.com/streamspace-dev/proxyfabric/internal/hub/registry"
	"github.com/streamspace-dev/proxyfabric/internal/hub/tokens"
	"github.com/streamspace-dev/proxyfabric/internal/protocol"
)

// fakeTokenStore is an in-memory tokens.Store for frontend tests.
type fakeTokenStore struct {
	byToken map[string]tokens.Info
	deduct  []int
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{byToken: make(map[string]tokens.Info)}
}

func (f *fakeTokenStore) Lookup(ctx context.Context, token string) (tokens.Info, error) {
	info, ok := f.byToken[token]
	if !ok {
		return tokens.Info{}, assert.AnError
	}
	return info, nil
}

func (f *fakeTokenStore) DeductPoints(ctx context.Context, userID string, amount int) error {
	f.deduct = append(f.deduct, amount)
	return nil
}

// testAgent is a fake agent: a websocket server that the frontend's
// registry.Record writes to, with a programmable responder.
type testAgent struct {
	id   string
	conn *websocket.Conn
	srv  *httptest.Server
}

func newTestAgent(t *testing.T, id string, reg *registry.Registry, pend *pending.Table, meta registry.Metadata) *testAgent {
	t.Helper()

	var upgrader websocket.Upgrader
	var serverSide *websocket.Conn
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverSide = conn
		close(ready)
		// Keep the handler alive; the test drives serverSide directly.
		select {}
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	clientSide, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	<-ready

	_, err = reg.Register(id, clientSide, meta)
	require.NoError(t, err)

	// Nothing in this package reads the hub side of the socket, so route the
	// fake agent's replies into pend in arrival order, as the hub's
	// WebSocket server does.
	go func() {
		for {
			_, raw, err := clientSide.ReadMessage()
			if err != nil {
				return
			}
			msgType, payload, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			switch msgType {
			case protocol.TypeConnectResponse:
				var resp protocol.ConnectResponse
				if decodeJSON(payload, &resp) == nil {
					pend.DeliverOneShot(resp.RequestID, &resp)
				}
			case protocol.TypeDataResponseChunk:
				var chunk protocol.DataResponseChunk
				if decodeJSON(payload, &chunk) == nil {
					pend.DeliverStream(chunk.RequestID, &chunk)
				}
			case protocol.TypeDataResponseTransferComplete:
				var done protocol.DataResponseTransferComplete
				if decodeJSON(payload, &done) == nil {
					pend.DeliverStream(done.RequestID, &done)
				}
			}
		}
	}()

	return &testAgent{id: id, conn: serverSide, srv: srv}
}

func (a *testAgent) close() {
	a.conn.Close()
	a.srv.Close()
}

// readConnectRequest reads the next frame from the agent's side, expecting
// a connect-request, and returns it.
func (a *testAgent) readConnectRequest(t *testing.T) protocol.ConnectRequest {
	t.Helper()
	_, raw, err := a.conn.ReadMessage()
	require.NoError(t, err)
	msgType, payload, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeConnectRequest, msgType)

	var req protocol.ConnectRequest
	require.NoError(t, decodeJSON(payload, &req))
	return req
}

func (a *testAgent) sendConnectResponse(t *testing.T, requestID string, success bool) {
	t.Helper()
	data, err := protocol.Encode(protocol.TypeConnectResponse, protocol.ConnectResponse{
		RequestID: requestID,
		Success:   success,
	})
	require.NoError(t, err)
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, data))
}

func (a *testAgent) sendDataChunk(t *testing.T, requestID string, payload []byte) {
	t.Helper()
	data, err := protocol.Encode(protocol.TypeDataResponseChunk, protocol.DataResponseChunk{
		RequestID: requestID,
		ChunkID:   1,
		Data:      base64.StdEncoding.EncodeToString(payload),
	})
	require.NoError(t, err)
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, data))
}

func (a *testAgent) sendTransferComplete(t *testing.T, requestID string, success bool) {
	t.Helper()
	data, err := protocol.Encode(protocol.TypeDataResponseTransferComplete, protocol.DataResponseTransferComplete{
		RequestID: requestID,
		Success:   success,
	})
	require.NoError(t, err)
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, data))
}

func decodeJSON(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

func startFrontend(t *testing.T, f *Frontend) (net.Listener, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Serve(ctx, ln)

	return ln, func() {
		cancel()
		ln.Close()
	}
}

// dialSocks5AndHandshake performs GREETING, AUTH, and sends a domain
// CONNECT request, returning the raw reply bytes.
func dialSocks5AndHandshake(t *testing.T, addr, username, password, targetDomain string, targetPort uint16) (net.Conn, []byte) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	// GREETING
	_, err = conn.Write([]byte{0x05, 0x01, 0x02})
	require.NoError(t, err)
	greetReply := make([]byte, 2)
	_, err = conn.Read(greetReply)
	require.NoError(t, err)
	require.Equal(t, byte(0x02), greetReply[1])

	// AUTH
	req := []byte{0x01, byte(len(username))}
	req = append(req, username...)
	req = append(req, byte(len(password)))
	req = append(req, password...)
	_, err = conn.Write(req)
	require.NoError(t, err)
	authReply := make([]byte, 2)
	_, err = conn.Read(authReply)
	require.NoError(t, err)

	// REQUEST (domain ATYP)
	reqBytes := []byte{0x05, 0x01, 0x00, 0x03, byte(len(targetDomain))}
	reqBytes = append(reqBytes, targetDomain...)
	reqBytes = append(reqBytes, byte(targetPort>>8), byte(targetPort))
	_, err = conn.Write(reqBytes)
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = conn.Read(reply)
	require.NoError(t, err)

	return conn, reply
}

func TestHappyPathConnectViaDomain(t *testing.T) {
	reg := registry.New()
	pend := pending.New()
	store := newFakeTokenStore()
	store.byToken["validtoken"] = tokens.Info{UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour), Points: 100}

	f := New(reg, pend, store, time.Second, zerolog.Nop())
	ln, cleanup := startFrontend(t, f)
	defer cleanup()

	agent := newTestAgent(t, "agent_abc", reg, pend, registry.Metadata{CountryCode: "US"})
	defer agent.close()

	var reply []byte
	var conn net.Conn
	done := make(chan struct{})
	go func() {
		conn, reply = dialSocks5AndHandshake(t, ln.Addr().String(), "agent_abc", "validtoken", "example.com", 80)
		close(done)
	}()

	req := agent.readConnectRequest(t)
	assert.Equal(t, "example.com", req.TargetAddr)
	assert.Equal(t, uint16(80), req.TargetPort)
	assert.Equal(t, protocol.AddressTypeDomain, req.AddressType)

	agent.sendConnectResponse(t, req.RequestID, true)

	<-done
	defer conn.Close()
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, reply)
	// The one-shot slot is gone; the relay's stream slot lives until the
	// tunnel ends.
	assert.Equal(t, 1, pend.Len())
}

func TestConnectTimeoutReturnsFailureAndDropsLateReply(t *testing.T) {
	reg := registry.New()
	pend := pending.New()
	store := newFakeTokenStore()
	store.byToken["validtoken"] = tokens.Info{UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour), Points: 100}

	f := New(reg, pend, store, 100*time.Millisecond, zerolog.Nop())
	ln, cleanup := startFrontend(t, f)
	defer cleanup()

	agent := newTestAgent(t, "agent_abc", reg, pend, registry.Metadata{})
	defer agent.close()

	var reply []byte
	done := make(chan struct{})
	go func() {
		_, reply = dialSocks5AndHandshake(t, ln.Addr().String(), "agent_abc", "validtoken", "example.com", 80)
		close(done)
	}()

	req := agent.readConnectRequest(t)
	<-done

	assert.Equal(t, []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, reply)
	assert.Equal(t, 0, pend.Len())

	// Late reply after timeout must be silently dropped, not crash anything.
	agent.sendConnectResponse(t, req.RequestID, true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, pend.Len())
}

func TestInsufficientPointsRejectsBeforeConnectRequest(t *testing.T) {
	reg := registry.New()
	pend := pending.New()
	store := newFakeTokenStore()
	store.byToken["validtoken"] = tokens.Info{UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour), Points: 5}

	f := New(reg, pend, store, time.Second, zerolog.Nop())
	ln, cleanup := startFrontend(t, f)
	defer cleanup()

	agent := newTestAgent(t, "agent_abc", reg, pend, registry.Metadata{})
	defer agent.close()

	_, reply := dialSocks5AndHandshake(t, ln.Addr().String(), "agent_abc", "validtoken", "example.com", 80)
	assert.Equal(t, []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, reply)

	// No connect-request ever reaches the agent.
	agent.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := agent.conn.ReadMessage()
	assert.Error(t, err)
}

func TestCountrySelectorOnlyPicksMatchingAgents(t *testing.T) {
	reg := registry.New()
	pend := pending.New()
	store := newFakeTokenStore()
	store.byToken["validtoken"] = tokens.Info{UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour), Points: 100}

	f := New(reg, pend, store, time.Second, zerolog.Nop())

	jpAgent := newTestAgent(t, "agent_jp", reg, pend, registry.Metadata{CountryCode: "JP"})
	defer jpAgent.close()
	usAgent := newTestAgent(t, "agent_us", reg, pend, registry.Metadata{CountryCode: "US"})
	defer usAgent.close()

	for i := 0; i < 20; i++ {
		rec, err := f.selectAgent("country_JP")
		require.NoError(t, err)
		assert.Equal(t, "agent_jp", rec.ID)
	}
}

func TestRelayBridgesBytesBothDirections(t *testing.T) {
	reg := registry.New()
	pend := pending.New()
	store := newFakeTokenStore()
	store.byToken["validtoken"] = tokens.Info{UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour), Points: 100}

	f := New(reg, pend, store, time.Second, zerolog.Nop())
	ln, cleanup := startFrontend(t, f)
	defer cleanup()

	agent := newTestAgent(t, "agent_abc", reg, pend, registry.Metadata{})
	defer agent.close()

	var conn net.Conn
	done := make(chan struct{})
	go func() {
		conn, _ = dialSocks5AndHandshake(t, ln.Addr().String(), "agent_abc", "validtoken", "example.com", 80)
		close(done)
	}()

	req := agent.readConnectRequest(t)
	agent.sendConnectResponse(t, req.RequestID, true)
	<-done
	defer conn.Close()

	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	_, raw, err := agent.conn.ReadMessage()
	require.NoError(t, err)
	msgType, payload, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeDataRequestChunk, msgType)
	var chunk protocol.DataRequestChunk
	require.NoError(t, decodeJSON(payload, &chunk))
	decoded, err := base64.StdEncoding.DecodeString(chunk.Data)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(decoded))
	assert.Equal(t, uint32(1), chunk.ChunkID)

	agent.sendDataChunk(t, req.RequestID, []byte("pong"))
	reply := make([]byte, 4)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))

	agent.sendTransferComplete(t, req.RequestID, true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, len(store.deduct))
	assert.Equal(t, requiredPoints, store.deduct[0])
}

func TestParseCountryCodes(t *testing.T) {
	assert.Equal(t, map[string]struct{}{"JP": {}, "US": {}}, parseCountryCodes("JPUS"))
	assert.Empty(t, parseCountryCodes("J"))
	assert.Empty(t, parseCountryCodes(""))
}
