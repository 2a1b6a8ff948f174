package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/service/broadcast"
	"callrelay-backend/internal/service/registry"
	"callrelay-backend/internal/service/signaling"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/response"
)

// Client frame types
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSignal      = "signal"
	FrameTyping      = "typing"
	FramePing        = "ping"
)

// Server frame types that are not events
const (
	FrameAck   = "ack"
	FrameError = "error"
	FramePong  = "pong"
)

// Subscriber is the part of the broadcaster a connection drives
type Subscriber interface {
	Subscribe(ctx context.Context, connID uuid.UUID, channel string) error
	Unsubscribe(ctx context.Context, connID uuid.UUID, channel string)
	Typing(ctx context.Context, in *broadcast.TypingInput) (registry.DeliveryResult, error)
}

// Relayer forwards negotiation messages between call participants
type Relayer interface {
	Relay(ctx context.Context, in *signaling.RelayInput) (*signaling.RelayResult, error)
}

// Limiter throttles signal frames per user
type Limiter interface {
	Allow(ctx context.Context, endpoint, identifier string) (bool, int, int64, error)
}

// PresenceToucher refreshes a user's presence record while the socket is healthy
type PresenceToucher interface {
	Touch(userID uuid.UUID)
}

// HubConfig holds per-connection limits
type HubConfig struct {
	SendQueueSize  int
	MaxConnections int
	ReadLimit      int64
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
	Metrics        *metrics.Metrics
}

func (c *HubConfig) applyDefaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 128 * 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
}

// SignalingHub upgrades authenticated requests to WebSocket connections and
// registers each one in the session registry
type SignalingHub struct {
	reg      *registry.Registry
	events   Subscriber
	router   Relayer
	limiter  Limiter
	presence PresenceToucher
	cfg      HubConfig
	metrics  *metrics.Metrics

	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
	upgrader  websocket.Upgrader
}

// NewSignalingHub creates a new signaling hub
func NewSignalingHub(reg *registry.Registry, events Subscriber, router Relayer, cfg HubConfig) *SignalingHub {
	cfg.applyDefaults()
	h := &SignalingHub{
		reg:       reg,
		events:    events,
		router:    router,
		cfg:       cfg,
		metrics:   cfg.Metrics,
		semaphore: make(chan struct{}, cfg.MaxConnections),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetLimiter throttles signal frames through l
func (h *SignalingHub) SetLimiter(l Limiter) {
	h.limiter = l
}

// SetPresence refreshes presence through p on every pong
func (h *SignalingHub) SetPresence(p PresenceToucher) {
	h.presence = p
}

func (h *SignalingHub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		// Reject empty origins unless every origin is allowed
		if origin != "" && origin == allowed {
			return true
		}
	}
	return false
}

// wsConn is the registry.Connection backed by one socket. Frames are queued
// on send and written by writePump; a full queue drops the frame.
type wsConn struct {
	send chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newWSConn(queueSize int) *wsConn {
	return &wsConn{
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// Send implements registry.Connection
func (w *wsConn) Send(data []byte) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return domain.ErrConnectionClosed
	}
	select {
	case w.send <- data:
		return nil
	default:
		return domain.ErrSendQueueFull
	}
}

// Close implements registry.Connection. It is safe to call more than once.
func (w *wsConn) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.done)
}

// ClientFrame is any frame a client sends
type ClientFrame struct {
	Type           string            `json:"type"`
	Ref            string            `json:"ref,omitempty"`
	Channel        string            `json:"channel,omitempty"`
	CallID         *uuid.UUID        `json:"call_id,omitempty"`
	Kind           domain.SignalKind `json:"kind,omitempty"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	TargetID       *uuid.UUID        `json:"target_id,omitempty"`
	ConversationID *uuid.UUID        `json:"conversation_id,omitempty"`
	Typing         bool              `json:"typing,omitempty"`
}

type ackFrame struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Warning string `json:"warning,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type errorFrame struct {
	Type    string              `json:"type"`
	Ref     string              `json:"ref,omitempty"`
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// client is the per-socket state shared by the two pumps
type client struct {
	hub    *SignalingHub
	socket *websocket.Conn
	conn   *wsConn
	id     uuid.UUID
	userID uuid.UUID
}

// ServeWS handles GET /v1/ws. The auth middleware must run first.
func (h *SignalingHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		h.metrics.RecordWebSocketError("capacity")
		response.Error(c, http.StatusServiceUnavailable, string(apperrors.ErrCodeServiceUnavail), "Server at capacity, please try again later")
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		<-h.semaphore
		response.Unauthorized(c, "Authentication required")
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.metrics.RecordWebSocketError("upgrade")
		logger.Warn("WebSocket upgrade failed", logger.UserID(userID), zap.Error(err))
		return
	}

	conn := newWSConn(h.cfg.SendQueueSize)
	cl := &client{
		hub:    h,
		socket: socket,
		conn:   conn,
		userID: userID,
	}
	cl.id = h.reg.Register(userID, conn)
	h.metrics.SetWebSocketConnections(h.reg.Stats().Connections)

	logger.Debug("WebSocket connected", logger.UserID(userID), logger.ConnID(cl.id))

	go cl.writePump()
	go cl.readPump()
}

// readPump owns the connection lifetime: when it returns the connection is
// unregistered and its slot released
func (cl *client) readPump() {
	h := cl.hub
	defer func() {
		h.reg.Unregister(cl.id)
		cl.conn.Close()
		cl.socket.Close()
		<-h.semaphore
		h.metrics.SetWebSocketConnections(h.reg.Stats().Connections)
		logger.Debug("WebSocket disconnected", logger.UserID(cl.userID), logger.ConnID(cl.id))
	}()

	cl.socket.SetReadLimit(h.cfg.ReadLimit)
	cl.socket.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	cl.socket.SetPongHandler(func(string) error {
		if h.presence != nil {
			h.presence.Touch(cl.userID)
		}
		return cl.socket.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, message, err := cl.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.metrics.RecordWebSocketError("read")
				logger.Debug("WebSocket connection closed",
					logger.UserID(cl.userID),
					logger.ConnID(cl.id),
					zap.Error(err))
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.metrics.RecordWebSocketError("decode")
			cl.replyError("", domain.ErrInvalidSignal)
			continue
		}
		h.metrics.RecordWebSocketMessage(frame.Type, "in")
		cl.dispatch(&frame)
	}
}

func (cl *client) dispatch(frame *ClientFrame) {
	h := cl.hub
	ctx := context.Background()

	switch frame.Type {
	case FrameSubscribe:
		if err := h.events.Subscribe(ctx, cl.id, frame.Channel); err != nil {
			cl.replyError(frame.Ref, err)
			return
		}
		cl.ack(frame.Ref, "", nil)

	case FrameUnsubscribe:
		h.events.Unsubscribe(ctx, cl.id, frame.Channel)
		cl.ack(frame.Ref, "", nil)

	case FrameSignal:
		cl.signal(ctx, frame)

	case FrameTyping:
		if frame.ConversationID == nil {
			cl.replyError(frame.Ref, apperrors.ValidationError("conversation_id is required"))
			return
		}
		_, err := h.events.Typing(ctx, &broadcast.TypingInput{
			ConversationID: *frame.ConversationID,
			UserID:         cl.userID,
			Typing:         frame.Typing,
			SenderConn:     cl.id,
		})
		if err != nil {
			cl.replyError(frame.Ref, err)
			return
		}
		cl.ack(frame.Ref, "", nil)

	case FramePing:
		if h.presence != nil {
			h.presence.Touch(cl.userID)
		}
		cl.write(&ackFrame{Type: FramePong, Ref: frame.Ref})

	default:
		cl.replyError(frame.Ref, apperrors.ValidationError("unknown frame type"))
	}
}

func (cl *client) signal(ctx context.Context, frame *ClientFrame) {
	h := cl.hub
	if frame.CallID == nil {
		cl.replyError(frame.Ref, domain.ErrInvalidSignal)
		return
	}

	if h.limiter != nil {
		allowed, _, _, err := h.limiter.Allow(ctx, "ws_signal", cl.userID.String())
		if err == nil && !allowed {
			cl.replyError(frame.Ref, apperrors.RateLimitExceededError())
			return
		}
	}

	result, err := h.router.Relay(ctx, &signaling.RelayInput{
		CallID:   *frame.CallID,
		SenderID: cl.userID,
		Kind:     frame.Kind,
		Payload:  frame.Payload,
		TargetID: frame.TargetID,
	})
	switch {
	case err == nil:
		cl.ack(frame.Ref, "", result)
	case apperrors.HasCode(err, apperrors.ErrCodeNoReachablePeer):
		cl.ack(frame.Ref, string(apperrors.ErrCodeNoReachablePeer), result)
	default:
		cl.replyError(frame.Ref, err)
	}
}

func (cl *client) ack(ref, warning string, data any) {
	cl.write(&ackFrame{Type: FrameAck, Ref: ref, Warning: warning, Data: data})
}

func (cl *client) replyError(ref string, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr.StatusCode >= http.StatusInternalServerError {
		logger.Error("WebSocket frame failed",
			logger.UserID(cl.userID),
			logger.ConnID(cl.id),
			zap.Error(err))
	}
	cl.hub.metrics.RecordWebSocketError(string(appErr.Code))
	cl.write(&errorFrame{Type: FrameError, Ref: ref, Code: appErr.Code, Message: appErr.Message})
}

// write queues a reply on this connection only
func (cl *client) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to encode frame", logger.ConnID(cl.id), zap.Error(err))
		return
	}
	if err := cl.conn.Send(data); err != nil {
		cl.hub.metrics.RecordWebSocketError("reply_dropped")
	}
}

// writePump writes queued frames and pings to the socket
func (cl *client) writePump() {
	h := cl.hub
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		cl.socket.Close()
	}()

	for {
		select {
		case message := <-cl.conn.send:
			cl.socket.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := cl.socket.WriteMessage(websocket.TextMessage, message); err != nil {
				h.metrics.RecordWebSocketError("write")
				return
			}
			h.metrics.RecordWebSocketMessage("frame", "out")

		case <-ticker.C:
			cl.socket.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := cl.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-cl.conn.done:
			cl.socket.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			cl.socket.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		}
	}
}
