package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-realtime/internal/auth"
	"chat-realtime/internal/observability"
)

// Options tunes socket behaviour.
type Options struct {
	SendBuffer     int
	PingInterval   time.Duration
	WriteDeadline  time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	return o
}

// Handler upgrades authenticated requests to realtime connections.
type Handler struct {
	hub        *Hub
	dispatcher *Dispatcher
	verifier   *auth.Verifier
	events     *observability.Events
	logger     *zap.Logger
	opts       Options
}

func NewHandler(hub *Hub, dispatcher *Dispatcher, verifier *auth.Verifier, events *observability.Events, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:        hub,
		dispatcher: dispatcher,
		verifier:   verifier,
		events:     events,
		logger:     logger,
		opts:       opts.withDefaults(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle verifies the token, upgrades the connection and starts its pumps.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-realtime/ws").Start(c.Request.Context(), "ws.handshake",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	claims, err := h.verifier.Verify(auth.TokenFromRequest(c.Request))
	if err != nil {
		span.SetStatus(codes.Error, "invalid token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      claims.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	conn := newConn(info, socket, h.opts.SendBuffer)
	h.hub.Register(conn)

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publish(info, "ws_connect", "")
	h.logger.Info("websocket connected", zap.String("conn_id", info.ConnID), zap.String("user_id", info.UserID))

	go conn.writePump(h.opts.PingInterval, h.opts.WriteDeadline)
	// realtime work outlives the upgrade request
	go h.readPump(context.Background(), conn)
}

func (h *Handler) readPump(ctx context.Context, conn *Conn) {
	socket := conn.socket
	pongWait := h.opts.PingInterval * 2
	socket.SetReadLimit(h.opts.MaxMessageSize)
	_ = socket.SetReadDeadline(time.Now().Add(pongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	var readErr error
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = socket.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatcher.Dispatch(ctx, conn, data)
	}

	reason := readErr.Error()
	conn.Close(reason)
	if r := conn.reason(); r != "" {
		reason = r
	}
	h.dispatcher.Disconnect(ctx, conn)

	observability.DecWSActive()
	observability.IncWSEvent("ws_disconnect")
	if !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		observability.IncWSEvent("ws_error")
		h.publish(conn.info, "ws_error", reason)
	}
	h.publish(conn.info, "ws_disconnect", reason)
	h.logger.Info("websocket disconnected",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", conn.AuthUserID()),
		zap.String("reason", reason))
}

func (h *Handler) publish(info ConnInfo, event, reason string) {
	h.events.Publish(context.Background(), observability.RoutingWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": info.identity(),
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
