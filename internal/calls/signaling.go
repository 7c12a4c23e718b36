package calls

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
)

// Call-status values sent to participants.
const (
	StatusCalling    = "calling"
	StatusRinging    = "ringing"
	StatusBusy       = "busy"
	StatusInCall     = "in-call"
	StatusRejected   = "rejected"
	StatusConnecting = "connecting"
	StatusEnded      = "ended"
	StatusMissed     = "missed"
)

const reasonDisconnected = "disconnected"

var ErrInvalidSignal = errors.New("calls: from and to must be set and differ")

// Emitter delivers an event to the user's bound connection, dropping it when the
// user is offline.
type Emitter interface {
	EmitToUser(userID, event string, payload any) bool
}

// Presence answers whether a user currently has a bound connection.
type Presence interface {
	IsOnline(userID string) bool
}

type record struct {
	models.CallRecord
	gen   uint64
	timer *time.Timer
}

type emission struct {
	userID  string
	event   string
	payload any
}

// Signaling owns the per-pair call records. All mutations of a pair happen in a
// single critical section; notifications are sent after the lock is released.
type Signaling struct {
	mu          sync.Mutex
	records     map[string]*record
	gen         uint64
	emitter     Emitter
	presence    Presence
	events      *observability.Events
	ringTimeout time.Duration
	logger      *zap.Logger
}

type Option func(*Signaling)

// WithRingTimeout removes calls still ringing after d. Zero disables the timer.
func WithRingTimeout(d time.Duration) Option {
	return func(s *Signaling) { s.ringTimeout = d }
}

// WithEvents publishes call lifecycle events.
func WithEvents(events *observability.Events) Option {
	return func(s *Signaling) { s.events = events }
}

func NewSignaling(emitter Emitter, presence Presence, logger *zap.Logger, opts ...Option) *Signaling {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Signaling{
		records:  make(map[string]*record),
		emitter:  emitter,
		presence: presence,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key is the order-independent record key of a pair.
func Key(a, b string) string {
	return models.PairKey(a, b)
}

func validPair(from, to string) error {
	if from == "" || to == "" || from == to {
		return ErrInvalidSignal
	}
	return nil
}

// Call opens a ringing record for the pair. A pair that already has a record is
// busy and keeps its state.
func (s *Signaling) Call(ctx context.Context, from, to, callerName string) error {
	if err := validPair(from, to); err != nil {
		return err
	}
	key := Key(from, to)

	s.mu.Lock()
	if _, exists := s.records[key]; exists {
		s.mu.Unlock()
		observability.IncCallTransition(StatusBusy)
		s.emit([]emission{status(from, StatusBusy, to)})
		return nil
	}
	s.gen++
	rec := &record{
		CallRecord: models.CallRecord{
			CallerID:  from,
			CalleeID:  to,
			Status:    models.CallRinging,
			StartedAt: time.Now().UTC(),
		},
		gen: s.gen,
	}
	if s.ringTimeout > 0 {
		gen := rec.gen
		rec.timer = time.AfterFunc(s.ringTimeout, func() { s.expire(key, gen) })
	}
	s.records[key] = rec
	active := len(s.records)
	s.mu.Unlock()

	observability.IncCallTransition(StatusRinging)
	observability.SetActiveCalls(active)
	s.publish(ctx, StatusRinging, rec.CallRecord)

	// an offline callee gets nothing; the caller's client owns its own timeout UX
	if s.presence != nil && !s.presence.IsOnline(to) {
		return nil
	}
	s.emit([]emission{
		{userID: to, event: models.EventIncomingCall, payload: models.CallSignal{From: from, CallerName: callerName}},
		status(from, StatusCalling, to),
		status(to, StatusRinging, from),
	})
	return nil
}

// Accept moves a ringing record to in-call. from is the callee, to the caller.
// Without a ringing record it does nothing.
func (s *Signaling) Accept(ctx context.Context, from, to string) error {
	if err := validPair(from, to); err != nil {
		return err
	}
	key := Key(from, to)

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok || rec.Status != models.CallRinging {
		s.mu.Unlock()
		return nil
	}
	rec.Status = models.CallInCall
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	snapshot := rec.CallRecord
	s.mu.Unlock()

	observability.IncCallTransition(StatusInCall)
	s.publish(ctx, StatusInCall, snapshot)
	s.emit([]emission{
		{userID: to, event: models.EventCallAccepted, payload: models.CallSignal{From: from}},
		status(to, StatusInCall, from),
		status(from, StatusInCall, to),
	})
	return nil
}

// Reject removes the pair's record whether or not one exists.
func (s *Signaling) Reject(ctx context.Context, from, to string) error {
	if err := validPair(from, to); err != nil {
		return err
	}
	rec, active := s.remove(Key(from, to))
	observability.IncCallTransition(StatusRejected)
	observability.SetActiveCalls(active)
	if rec != nil {
		s.publish(ctx, StatusRejected, *rec)
	}
	s.emit([]emission{
		{userID: to, event: models.EventCallRejected, payload: models.CallSignal{From: from}},
		status(to, StatusRejected, from),
		status(from, StatusRejected, to),
	})
	return nil
}

// Hangup ends the pair's call and tells the peer.
func (s *Signaling) Hangup(ctx context.Context, from, to string) error {
	if err := validPair(from, to); err != nil {
		return err
	}
	rec, active := s.remove(Key(from, to))
	observability.IncCallTransition(StatusEnded)
	observability.SetActiveCalls(active)
	if rec != nil {
		s.publish(ctx, StatusEnded, *rec)
	}
	s.emit([]emission{
		{userID: to, event: models.EventHangup, payload: models.CallSignal{From: from}},
		status(to, StatusEnded, from),
		status(from, StatusEnded, to),
	})
	return nil
}

// Relay forwards an offer, answer or ICE candidate to the target. The sender is
// always stamped from the bound identity.
func (s *Signaling) Relay(event, from, to string, signal models.CallSignal) error {
	if err := validPair(from, to); err != nil {
		return err
	}
	signal.From = from
	out := []emission{{userID: to, event: event, payload: signal}}
	if event == models.EventOffer || event == models.EventAnswer {
		out = append(out, status(to, StatusConnecting, from))
	}
	s.emit(out)
	return nil
}

// DropUser ends every call involving userID, used when its connection goes away.
func (s *Signaling) DropUser(ctx context.Context, userID string) int {
	if userID == "" {
		return 0
	}
	s.mu.Lock()
	var dropped []models.CallRecord
	for key, rec := range s.records {
		if rec.CallerID != userID && rec.CalleeID != userID {
			continue
		}
		if rec.timer != nil {
			rec.timer.Stop()
		}
		dropped = append(dropped, rec.CallRecord)
		delete(s.records, key)
	}
	active := len(s.records)
	s.mu.Unlock()

	if len(dropped) == 0 {
		return 0
	}
	observability.SetActiveCalls(active)
	out := make([]emission, 0, 2*len(dropped))
	for _, rec := range dropped {
		peer := rec.CallerID
		if peer == userID {
			peer = rec.CalleeID
		}
		observability.IncCallTransition(reasonDisconnected)
		s.publish(ctx, reasonDisconnected, rec)
		out = append(out,
			emission{userID: peer, event: models.EventHangup, payload: models.CallSignal{From: userID, Reason: reasonDisconnected}},
			status(peer, StatusEnded, userID),
		)
	}
	s.emit(out)
	return len(dropped)
}

// Status returns the record for the pair, if any.
func (s *Signaling) Status(a, b string) (models.CallRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[Key(a, b)]
	if !ok {
		return models.CallRecord{}, false
	}
	return rec.CallRecord, true
}

// Active reports how many pairs currently have a record.
func (s *Signaling) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close stops pending ring timers.
func (s *Signaling) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
	}
}

func (s *Signaling) expire(key string, gen uint64) {
	s.mu.Lock()
	rec, ok := s.records[key]
	// a newer record for the same pair carries a different generation
	if !ok || rec.gen != gen || rec.Status != models.CallRinging {
		s.mu.Unlock()
		return
	}
	delete(s.records, key)
	snapshot := rec.CallRecord
	active := len(s.records)
	s.mu.Unlock()

	observability.IncCallTransition(StatusMissed)
	observability.SetActiveCalls(active)
	s.publish(context.Background(), StatusMissed, snapshot)
	s.logger.Debug("call ring timeout",
		zap.String("caller_id", snapshot.CallerID),
		zap.String("callee_id", snapshot.CalleeID))
	s.emit([]emission{
		status(snapshot.CallerID, StatusMissed, snapshot.CalleeID),
		status(snapshot.CalleeID, StatusMissed, snapshot.CallerID),
	})
}

func (s *Signaling) remove(key string) (*models.CallRecord, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, len(s.records)
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(s.records, key)
	snapshot := rec.CallRecord
	return &snapshot, len(s.records)
}

func (s *Signaling) emit(out []emission) {
	if s.emitter == nil {
		return
	}
	for _, e := range out {
		s.emitter.EmitToUser(e.userID, e.event, e.payload)
	}
}

func (s *Signaling) publish(ctx context.Context, transition string, rec models.CallRecord) {
	s.events.Publish(ctx, observability.RoutingCallEvents, observability.EventEnvelope{
		EventType: "call_events",
		EventName: transition,
		Payload: map[string]interface{}{
			"caller_id":  rec.CallerID,
			"callee_id":  rec.CalleeID,
			"status":     rec.Status,
			"started_at": rec.StartedAt,
		},
	}, nil)
}

func status(userID, value, with string) emission {
	return emission{
		userID:  userID,
		event:   models.EventCallStatus,
		payload: models.CallStatus{Status: value, With: with},
	}
}
