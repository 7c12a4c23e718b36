package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"chat-realtime/internal/mocks"
)

func TestAuditEmitterPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.chat", "chat-realtime", "test", zap.NewNop())

	pub.On("Publish", mock.Anything, "audit.chat", mock.MatchedBy(func(env AuditEnvelope) bool {
		return env.EventType == "audit_log" &&
			env.UserID == "u1" &&
			env.Payload.Action == "message.unsend" &&
			env.Payload.Details["message_id"] == "m1"
	}), map[string]string(nil)).Return(nil).Once()

	emitter.Emit(context.Background(), "u1", "message.unsend", "message", map[string]string{"message_id": "m1"})
	pub.AssertExpectations(t)
}

func TestAuditEmitterSwallowsPublishErrors(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.chat", "chat-realtime", "test", zap.NewNop())
	pub.On("Publish", mock.Anything, "audit.chat", mock.Anything, map[string]string(nil)).Return(assert.AnError).Once()

	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "u1", "conversation.cleanup", "conversation", nil)
	})
	pub.AssertExpectations(t)
}

func TestNilAuditEmitter(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "u1", "x", "y", nil)
	})
}
