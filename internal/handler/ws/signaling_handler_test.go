package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/service/broadcast"
	"callrelay-backend/internal/service/registry"
	"callrelay-backend/internal/service/signaling"
)

const testOrigin = "http://app.test"

// MockSubscriber is a mock implementation of Subscriber
type MockSubscriber struct {
	mock.Mock
}

func (m *MockSubscriber) Subscribe(ctx context.Context, connID uuid.UUID, channel string) error {
	args := m.Called(ctx, connID, channel)
	return args.Error(0)
}

func (m *MockSubscriber) Unsubscribe(ctx context.Context, connID uuid.UUID, channel string) {
	m.Called(ctx, connID, channel)
}

func (m *MockSubscriber) Typing(ctx context.Context, in *broadcast.TypingInput) (registry.DeliveryResult, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(registry.DeliveryResult), args.Error(1)
}

// MockRelayer is a mock implementation of Relayer
type MockRelayer struct {
	mock.Mock
}

func (m *MockRelayer) Relay(ctx context.Context, in *signaling.RelayInput) (*signaling.RelayResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*signaling.RelayResult), args.Error(1)
}

type testEnv struct {
	reg    *registry.Registry
	events *MockSubscriber
	router *MockRelayer
	server *httptest.Server
	url    string
}

func newTestEnv(t *testing.T, cfg HubConfig) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		reg:    registry.New(4),
		events: new(MockSubscriber),
		router: new(MockRelayer),
	}
	if cfg.AllowedOrigins == nil {
		cfg.AllowedOrigins = []string{testOrigin}
	}
	hub := NewSignalingHub(env.reg, env.events, env.router, cfg)

	r := gin.New()
	r.GET("/v1/ws", func(c *gin.Context) {
		if raw := c.Query("user"); raw != "" {
			c.Set(middleware.ContextUserID, uuid.MustParse(raw))
		}
		c.Next()
	}, hub.ServeWS)

	env.server = httptest.NewServer(r)
	t.Cleanup(env.server.Close)
	env.url = "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/ws"
	return env
}

func (e *testEnv) dial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	conn, resp, err := websocket.DefaultDialer.Dial(e.url+"?user="+userID.String(), header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return e.reg.IsOnline(userID) }, time.Second, 10*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestServeWS_RegistersAndUnregisters(t *testing.T) {
	env := newTestEnv(t, HubConfig{})
	userID := uuid.New()

	conn := env.dial(t, userID)
	assert.Len(t, env.reg.ConnectionsFor(userID), 1)

	conn.Close()

	assert.Eventually(t, func() bool { return !env.reg.IsOnline(userID) }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWS_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, HubConfig{})

	resp, err := http.Get(env.server.URL + "/v1/ws")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_RejectsUnknownOrigin(t *testing.T) {
	env := newTestEnv(t, HubConfig{})

	header := http.Header{}
	header.Set("Origin", "http://evil.test")
	_, resp, err := websocket.DefaultDialer.Dial(env.url+"?user="+uuid.NewString(), header)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServeWS_CapacityReleasedOnDisconnect(t *testing.T) {
	env := newTestEnv(t, HubConfig{MaxConnections: 1})
	first := uuid.New()

	conn := env.dial(t, first)

	header := http.Header{}
	header.Set("Origin", testOrigin)
	_, resp, err := websocket.DefaultDialer.Dial(env.url+"?user="+uuid.NewString(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	conn.Close()
	require.Eventually(t, func() bool { return !env.reg.IsOnline(first) }, 2*time.Second, 10*time.Millisecond)

	// The slot is free again
	env.dial(t, uuid.New())
}

func TestServeWS_Subscribe(t *testing.T) {
	env := newTestEnv(t, HubConfig{})
	userID := uuid.New()
	allowed := domain.CallChannel(uuid.New())
	denied := domain.ConversationChannel(uuid.New())

	// Setup expectations
	env.events.On("Subscribe", mock.Anything, mock.Anything, allowed).Return(nil)
	env.events.On("Subscribe", mock.Anything, mock.Anything, denied).Return(domain.ErrForbidden)

	conn := env.dial(t, userID)

	// Execute
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "ref": "1", "channel": allowed}))
	ack := readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "ref": "2", "channel": denied}))
	rejected := readFrame(t, conn)

	// Assert
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "1", ack["ref"])
	assert.Equal(t, "error", rejected["type"])
	assert.Equal(t, "2", rejected["ref"])
	assert.Equal(t, "FORBIDDEN", rejected["code"])
	env.events.AssertExpectations(t)
}

func TestServeWS_SignalWithoutReachablePeer(t *testing.T) {
	env := newTestEnv(t, HubConfig{})
	userID := uuid.New()
	callID := uuid.New()

	// Setup expectations
	env.router.On("Relay", mock.Anything, mock.MatchedBy(func(in *signaling.RelayInput) bool {
		return in.CallID == callID && in.SenderID == userID && in.Kind == domain.SignalOffer
	})).Return(&signaling.RelayResult{Seq: 1, Recipients: 1}, domain.ErrNoReachablePeer)

	conn := env.dial(t, userID)

	// Execute
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "signal",
		"ref":     "offer-1",
		"call_id": callID,
		"kind":    "offer",
		"payload": map[string]string{"sdp": "v=0"},
	}))
	frame := readFrame(t, conn)

	// Assert
	assert.Equal(t, "ack", frame["type"])
	assert.Equal(t, "NO_REACHABLE_PEER", frame["warning"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, float64(1), data["seq"])
	env.router.AssertExpectations(t)
}

func TestServeWS_SignalErrorsAreReported(t *testing.T) {
	env := newTestEnv(t, HubConfig{})
	userID := uuid.New()

	env.router.On("Relay", mock.Anything, mock.Anything).Return(nil, domain.ErrNotParticipant)

	conn := env.dial(t, userID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "signal", "call_id": uuid.New(), "kind": "answer"}))
	frame := readFrame(t, conn)

	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "NOT_PARTICIPANT", frame["code"])
}

func TestServeWS_Typing(t *testing.T) {
	env := newTestEnv(t, HubConfig{})
	userID := uuid.New()
	conversationID := uuid.New()

	env.events.On("Typing", mock.Anything, mock.MatchedBy(func(in *broadcast.TypingInput) bool {
		return in.ConversationID == conversationID && in.UserID == userID && in.Typing && in.SenderConn != uuid.Nil
	})).Return(registry.DeliveryResult{Delivered: 2}, nil)

	conn := env.dial(t, userID)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "typing", "conversation_id": conversationID, "typing": true}))
	frame := readFrame(t, conn)

	assert.Equal(t, "ack", frame["type"])
	env.events.AssertExpectations(t)
}

func TestServeWS_PingAndMalformedFrames(t *testing.T) {
	env := newTestEnv(t, HubConfig{})
	conn := env.dial(t, uuid.New())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "ref": "p"}))
	pong := readFrame(t, conn)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "p", pong["ref"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	bad := readFrame(t, conn)
	assert.Equal(t, "error", bad["type"])
	assert.Equal(t, "INVALID_SIGNAL", bad["code"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance"}))
	unknown := readFrame(t, conn)
	assert.Equal(t, "VALIDATION_ERROR", unknown["code"])
}

func TestServeWS_RegistryDeliversToSocket(t *testing.T) {
	env := newTestEnv(t, HubConfig{})
	userID := uuid.New()
	conn := env.dial(t, userID)

	res := env.reg.SendToUser(userID, []byte(`{"type":"call.incoming"}`))
	require.Equal(t, 1, res.Delivered)

	frame := readFrame(t, conn)
	assert.Equal(t, "call.incoming", frame["type"])
}

func TestServeWS_CloseAllDisconnects(t *testing.T) {
	env := newTestEnv(t, HubConfig{})
	userID := uuid.New()
	conn := env.dial(t, userID)

	env.reg.CloseAll()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Eventually(t, func() bool { return !env.reg.IsOnline(userID) }, 2*time.Second, 10*time.Millisecond)
}

func TestWSConn_Backpressure(t *testing.T) {
	conn := newWSConn(1)

	require.NoError(t, conn.Send([]byte("a")))
	assert.ErrorIs(t, conn.Send([]byte("b")), domain.ErrSendQueueFull)

	conn.Close()
	conn.Close()
	assert.ErrorIs(t, conn.Send([]byte("c")), domain.ErrConnectionClosed)
}
