package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chat-realtime/internal/calls"
	"chat-realtime/internal/conversations"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
)

var (
	errInvalidPayload = errors.New("invalid payload")
	errHandlerPanic   = errors.New("handler panic")
)

// ConversationService is the part of the sync engine reachable from sockets.
type ConversationService interface {
	SendMessage(ctx context.Context, in conversations.SendInput) (models.Message, error)
	MarkSeen(ctx context.Context, viewerID, messageID string) (models.Message, error)
	Authorize(ctx context.Context, userID, conversationID string) error
}

type handlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) (any, error)

// Dispatcher routes inbound frames of one connection to their handlers. Each
// connection calls Dispatch from its own read loop, so a connection's events
// run one at a time and in order.
type Dispatcher struct {
	hub           *Hub
	presence      *presence.Registry
	calls         *calls.Signaling
	conversations ConversationService
	logger        *zap.Logger
	eventTimeout  time.Duration
	handlers      map[string]handlerFunc
}

func NewDispatcher(hub *Hub, registry *presence.Registry, signaling *calls.Signaling, convs ConversationService, logger *zap.Logger, eventTimeout time.Duration) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eventTimeout <= 0 {
		eventTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		hub:           hub,
		presence:      registry,
		calls:         signaling,
		conversations: convs,
		logger:        logger,
		eventTimeout:  eventTimeout,
	}
	d.handlers = map[string]handlerFunc{
		models.EventRegisterUser:      d.registerUser,
		models.EventCheckStatus:       d.checkStatus,
		models.EventLogout:            d.logout,
		models.EventUserJoin:          d.userJoin,
		models.EventConversationJoin:  d.conversationJoin,
		models.EventConversationLeave: d.conversationLeave,
		models.EventSendMessage:       d.sendMessage,
		models.EventMarkSeen:          d.markSeen,
		models.EventTyping:            d.typing(models.EventTyping),
		models.EventTypingStop:        d.typing(models.EventTypingStop),
		models.EventCall:              d.call,
		models.EventCallAccept:        d.accept,
		models.EventCallReject:        d.reject,
		models.EventHangup:            d.hangup,
		models.EventOffer:             d.relay(models.EventOffer),
		models.EventAnswer:            d.relay(models.EventAnswer),
		models.EventICECandidate:      d.relay(models.EventICECandidate),
	}
	return d
}

// Dispatch decodes one frame and runs its handler. Handler failures never
// propagate: they are answered with an error event, logged, or both.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		d.sendError(c, "", "malformed frame")
		return
	}
	observability.IncWSEvent(env.Event)

	handler, ok := d.handlers[env.Event]
	if !ok {
		d.sendError(c, env.Event, "unknown event")
		return
	}

	result, err := d.run(ctx, c, env, handler)
	if err != nil {
		d.handleError(c, env.Event, err)
		return
	}
	if env.Ack != nil {
		frame, encErr := encodeAck(*env.Ack, result)
		if encErr != nil {
			d.logger.Error("encode ack failed", zap.String("event", env.Event), zap.Error(encErr))
			return
		}
		c.Send(frame)
	}
}

func (d *Dispatcher) run(ctx context.Context, c *Conn, env models.Envelope, handler handlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.IncHandlerPanic(env.Event)
			d.logger.Error("socket handler panic",
				zap.String("event", env.Event),
				zap.String("conn_id", c.ID()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result, err = nil, errHandlerPanic
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.eventTimeout)
	defer cancel()
	return handler(ctx, c, env.Data)
}

func (d *Dispatcher) handleError(c *Conn, event string, err error) {
	switch {
	case isClientError(err):
		d.sendError(c, event, err.Error())
	case errors.Is(err, conversations.ErrConversationNotFound), errors.Is(err, conversations.ErrMessageNotFound):
		d.logger.Debug("socket event target not found",
			zap.String("event", event),
			zap.String("conn_id", c.ID()),
			zap.Error(err))
	case errors.Is(err, errHandlerPanic):
		// logged by run
	default:
		d.logger.Warn("socket event failed",
			zap.String("event", event),
			zap.String("conn_id", c.ID()),
			zap.String("user_id", c.AuthUserID()),
			zap.Error(err))
	}
}

func isClientError(err error) bool {
	return errors.Is(err, errInvalidPayload) ||
		errors.Is(err, conversations.ErrInvalidInput) ||
		errors.Is(err, conversations.ErrForbidden) ||
		errors.Is(err, conversations.ErrNotFriends) ||
		errors.Is(err, calls.ErrInvalidSignal)
}

func (d *Dispatcher) sendError(c *Conn, event, message string) {
	frame, err := encodeFrame(models.EventError, models.SocketError{Event: event, Message: message})
	if err != nil {
		return
	}
	c.Send(frame)
}

// Disconnect runs the cleanup for a closed connection. A connection that never
// registered is cleaned up as its verified identity. The user's calls end unless
// another live connection now holds the user's presence binding.
func (d *Dispatcher) Disconnect(ctx context.Context, c *Conn) {
	d.hub.Unregister(c)
	userID := c.UserID()
	if userID == "" {
		userID = c.AuthUserID()
	}
	if userID == "" {
		return
	}
	d.presence.Release(ctx, userID, c.ID())
	if connID, ok := d.presence.Lookup(userID); ok && connID != c.ID() {
		return
	}
	d.dropCalls(ctx, userID, "disconnect")
}

func (d *Dispatcher) dropCalls(ctx context.Context, userID, cause string) {
	if n := d.calls.DropUser(ctx, userID); n > 0 {
		d.logger.Info("calls ended", zap.String("user_id", userID), zap.String("cause", cause), zap.Int("calls", n))
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", errInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

// decodeUserID accepts either a bare string or {"userId": "..."}.
func decodeUserID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return id, nil
	}
	var ref models.UserRef
	if err := decode(data, &ref); err != nil {
		return "", err
	}
	if ref.UserID == "" {
		return "", fmt.Errorf("%w: userId is required", errInvalidPayload)
	}
	return ref.UserID, nil
}

func requireSelf(c *Conn, userID string) error {
	if userID != c.AuthUserID() {
		return fmt.Errorf("%w: userId does not match the authenticated user", errInvalidPayload)
	}
	return nil
}

func (d *Dispatcher) registerUser(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	userID, err := decodeUserID(data)
	if err != nil {
		return nil, err
	}
	if err := requireSelf(c, userID); err != nil {
		return nil, err
	}
	c.bind(userID)
	if previous := d.presence.Register(ctx, userID, c.ID()); previous != "" && previous != c.ID() {
		d.logger.Debug("presence binding superseded",
			zap.String("user_id", userID),
			zap.String("previous_conn_id", previous),
			zap.String("conn_id", c.ID()))
	}
	return nil, nil
}

func (d *Dispatcher) checkStatus(_ context.Context, _ *Conn, data json.RawMessage) (any, error) {
	userID, err := decodeUserID(data)
	if err != nil {
		return nil, err
	}
	return d.presence.IsOnline(userID), nil
}

func (d *Dispatcher) logout(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	userID, err := decodeUserID(data)
	if err != nil {
		return nil, err
	}
	if err := requireSelf(c, userID); err != nil {
		return nil, err
	}
	d.presence.Logout(ctx, userID)
	c.bind("")
	d.dropCalls(ctx, userID, "logout")
	return nil, nil
}

func (d *Dispatcher) userJoin(_ context.Context, c *Conn, data json.RawMessage) (any, error) {
	userID, err := decodeUserID(data)
	if err != nil {
		return nil, err
	}
	if err := requireSelf(c, userID); err != nil {
		return nil, err
	}
	d.hub.Join(c, userID)
	return nil, nil
}

func decodeConversationRef(data json.RawMessage) (string, error) {
	var ref models.ConversationRef
	if err := decode(data, &ref); err != nil {
		return "", err
	}
	if ref.ConversationID == "" {
		return "", fmt.Errorf("%w: conversationId is required", errInvalidPayload)
	}
	return ref.ConversationID, nil
}

func (d *Dispatcher) conversationJoin(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	conversationID, err := decodeConversationRef(data)
	if err != nil {
		return nil, err
	}
	if err := d.conversations.Authorize(ctx, c.AuthUserID(), conversationID); err != nil {
		return nil, err
	}
	d.hub.Join(c, conversationID)
	return nil, nil
}

func (d *Dispatcher) conversationLeave(_ context.Context, c *Conn, data json.RawMessage) (any, error) {
	conversationID, err := decodeConversationRef(data)
	if err != nil {
		return nil, err
	}
	d.hub.Leave(c, conversationID)
	return nil, nil
}

func (d *Dispatcher) sendMessage(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	var p models.SendMessagePayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.Sender != "" && p.Sender != c.AuthUserID() {
		return nil, fmt.Errorf("%w: sender does not match the authenticated user", errInvalidPayload)
	}
	if p.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", errInvalidPayload)
	}
	return d.conversations.SendMessage(ctx, conversations.SendInput{
		ConversationID: p.ConversationID,
		SenderID:       c.AuthUserID(),
		ReceiverID:     p.Receiver,
		Message:        p.Message,
		MediaURL:       p.MediaURL,
	})
}

func (d *Dispatcher) markSeen(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	var p models.MarkSeenPayload
	if err := decode(data, &p); err != nil {
		return nil, err
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("%w: messageId is required", errInvalidPayload)
	}
	msg, err := d.conversations.MarkSeen(ctx, c.AuthUserID(), p.MessageID)
	if err != nil {
		return nil, err
	}
	return models.MessageSeen{MessageID: msg.ID, Status: msg.Status}, nil
}

func (d *Dispatcher) typing(event string) handlerFunc {
	return func(_ context.Context, c *Conn, data json.RawMessage) (any, error) {
		var p models.TypingPayload
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, fmt.Errorf("%w: conversationId is required", errInvalidPayload)
		}
		if !d.hub.IsMember(p.ConversationID, c.ID()) {
			return nil, fmt.Errorf("%w: join the conversation first", conversations.ErrForbidden)
		}
		d.hub.BroadcastExcept(p.ConversationID, c.ID(), event, models.Typing{SenderID: c.AuthUserID()})
		return nil, nil
	}
}

func decodeSignal(c *Conn, data json.RawMessage) (models.CallSignal, error) {
	var s models.CallSignal
	if err := decode(data, &s); err != nil {
		return s, err
	}
	if s.From != "" && s.From != c.AuthUserID() {
		return s, fmt.Errorf("%w: from does not match the authenticated user", errInvalidPayload)
	}
	return s, nil
}

func (d *Dispatcher) call(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	s, err := decodeSignal(c, data)
	if err != nil {
		return nil, err
	}
	return nil, d.calls.Call(ctx, c.AuthUserID(), s.To, s.CallerName)
}

func (d *Dispatcher) accept(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	s, err := decodeSignal(c, data)
	if err != nil {
		return nil, err
	}
	return nil, d.calls.Accept(ctx, c.AuthUserID(), s.To)
}

func (d *Dispatcher) reject(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	s, err := decodeSignal(c, data)
	if err != nil {
		return nil, err
	}
	return nil, d.calls.Reject(ctx, c.AuthUserID(), s.To)
}

func (d *Dispatcher) hangup(ctx context.Context, c *Conn, data json.RawMessage) (any, error) {
	s, err := decodeSignal(c, data)
	if err != nil {
		return nil, err
	}
	return nil, d.calls.Hangup(ctx, c.AuthUserID(), s.To)
}

func (d *Dispatcher) relay(event string) handlerFunc {
	return func(_ context.Context, c *Conn, data json.RawMessage) (any, error) {
		s, err := decodeSignal(c, data)
		if err != nil {
			return nil, err
		}
		return nil, d.calls.Relay(event, c.AuthUserID(), s.To, s)
	}
}
