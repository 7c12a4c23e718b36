package conversations

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/telemetry"
)

type broadcast struct {
	room    string
	event   string
	payload any
}

type fixture struct {
	svc      *Service
	messages *mocks.MessageRepositoryMock
	convs    *mocks.ConversationRepositoryMock
	users    *mocks.UserRepositoryMock
	rooms    *mocks.RoomEmitterMock
	pub      *mocks.PublisherMock

	mu   sync.Mutex
	sent []broadcast
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		messages: new(mocks.MessageRepositoryMock),
		convs:    new(mocks.ConversationRepositoryMock),
		users:    new(mocks.UserRepositoryMock),
		rooms:    new(mocks.RoomEmitterMock),
		pub:      new(mocks.PublisherMock),
	}
	f.rooms.On("Broadcast", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sent = append(f.sent, broadcast{room: args.String(0), event: args.String(1), payload: args.Get(2)})
	}).Maybe()
	f.pub.On("Publish", mock.Anything, "audit.chat", mock.Anything, mock.Anything).Return(nil).Maybe()
	audit := telemetry.NewAuditEmitter(f.pub, "audit.chat", "chat-realtime", "test", zap.NewNop())
	f.svc = NewService(f.messages, f.convs, f.users, f.rooms, audit, zap.NewNop(), 2)
	return f
}

func (f *fixture) to(room, event string) []broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcast
	for _, b := range f.sent {
		if b.room == room && b.event == event {
			out = append(out, b)
		}
	}
	return out
}

func (f *fixture) assertExpectations(t *testing.T) {
	f.messages.AssertExpectations(t)
	f.convs.AssertExpectations(t)
	f.users.AssertExpectations(t)
}

var (
	alice = models.UserProfile{ID: "alice", Username: "alice"}
	bob   = models.UserProfile{ID: "bob", Username: "bob"}
	carol = models.UserProfile{ID: "carol", Username: "carol"}
)

func TestSendMessageNewConversationUpdatesReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}
	stored := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Message: "hi", Status: models.StatusSent}

	f.users.On("AreFriends", ctx, "alice", "bob").Return(true, nil).Once()
	f.convs.On("FindOrCreate", ctx, "alice", "bob").Return(conv, true, nil).Once()
	f.messages.On("Create", ctx, mock.AnythingOfType("*models.Message")).Run(func(args mock.Arguments) {
		msg := args.Get(1).(*models.Message)
		msg.ID = "m1"
		msg.CreatedAt = time.Now().UTC()
	}).Return(nil).Once()
	f.convs.On("SetLatestMessage", ctx, "c1", "m1", mock.Anything).Return(nil).Once()

	withLatest := conv
	withLatest.LatestMessageID = "m1"
	f.convs.On("Get", ctx, "c1").Return(withLatest, nil).Once()
	f.messages.On("Get", ctx, "m1").Return(stored, nil).Once()
	f.messages.On("CountUnreadByReceiver", ctx, "c1").Return(map[string]int{"bob": 1}, nil).Once()
	f.users.On("Profiles", ctx, []string{"alice", "bob"}).Return([]models.UserProfile{alice, bob}, nil).Once()

	msg, err := f.svc.SendMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "c1", msg.ConversationID)
	assert.Equal(t, models.StatusSent, msg.Status)

	received := f.to("c1", models.EventReceiveMessage)
	require.Len(t, received, 1)
	assert.Equal(t, "m1", received[0].payload.(models.Message).ID)

	forBob := f.to("bob", models.EventConversationUpdate)
	require.Len(t, forBob, 1)
	update := forBob[0].payload.(models.ConversationUpdate)
	require.Len(t, update.Conversations, 1)
	assert.Equal(t, 1, update.Conversations[0].NewMessagesCount)
	assert.Equal(t, []models.UserProfile{alice}, update.Conversations[0].Participants)
	assert.Equal(t, "m1", update.Conversations[0].LatestMessage.ID)

	forAlice := f.to("alice", models.EventConversationUpdate)
	require.Len(t, forAlice, 1)
	assert.Equal(t, 0, forAlice[0].payload.(models.ConversationUpdate).Conversations[0].NewMessagesCount)
	f.assertExpectations(t)
}

func TestSendMessageRefreshFailureDoesNotFailSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}

	f.convs.On("Get", ctx, "c1").Return(conv, nil).Once()
	f.messages.On("Create", ctx, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(1).(*models.Message).ID = "m2"
	}).Return(nil).Once()
	f.convs.On("SetLatestMessage", ctx, "c1", "m2", mock.Anything).Return(nil).Once()
	f.convs.On("Get", ctx, "c1").Return(models.Conversation{}, assert.AnError).Once()

	msg, err := f.svc.SendMessage(ctx, SendInput{ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Message: "hey"})
	require.NoError(t, err)
	assert.Equal(t, "m2", msg.ID)
	assert.Len(t, f.to("c1", models.EventReceiveMessage), 1)
	assert.Empty(t, f.to("bob", models.EventConversationUpdate))
	f.assertExpectations(t)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, SendInput{SenderID: "alice", Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.SendMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Message: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.SendMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "alice", Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, f.sent)
	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSendMessageRequiresFriendship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.users.On("AreFriends", ctx, "alice", "carol").Return(false, nil).Once()

	_, err := f.svc.SendMessage(ctx, SendInput{SenderID: "alice", ReceiverID: "carol", Message: "hi"})
	assert.ErrorIs(t, err, ErrNotFriends)
	f.convs.AssertNotCalled(t, "FindOrCreate", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageRequiresFriendshipForKnownConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.users.On("AreFriends", ctx, "alice", "bob").Return(false, nil).Once()

	_, err := f.svc.SendMessage(ctx, SendInput{ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Message: "hi", RequireFriends: true})
	assert.ErrorIs(t, err, ErrNotFriends)
	f.convs.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	f.messages.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	assert.Empty(t, f.to("c1", models.EventReceiveMessage))
}

func TestSendMessageOutsiderForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.convs.On("Get", ctx, "c1").Return(models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}, nil).Once()

	_, err := f.svc.SendMessage(ctx, SendInput{ConversationID: "c1", SenderID: "carol", ReceiverID: "bob", Message: "hi"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestMarkSeenByReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob", Status: models.StatusSent}
	conv := models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}

	f.messages.On("Get", ctx, "m1").Return(msg, nil).Once()
	f.messages.On("MarkSeen", ctx, "m1", "bob", mock.Anything).Return(true, nil).Once()
	f.convs.On("Get", ctx, "c1").Return(conv, nil).Once()
	f.messages.On("CountUnreadByReceiver", ctx, "c1").Return(map[string]int{}, nil).Once()
	f.users.On("Profiles", ctx, []string{"alice", "bob"}).Return([]models.UserProfile{alice, bob}, nil).Once()

	seen, err := f.svc.MarkSeen(ctx, "bob", "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSeen, seen.Status)
	require.NotNil(t, seen.SeenAt)

	fanout := f.to("c1", models.EventMessageSeen)
	require.Len(t, fanout, 1)
	assert.Equal(t, models.MessageSeen{MessageID: "m1", Status: models.StatusSeen}, fanout[0].payload)

	forBob := f.to("bob", models.EventConversationUpdate)
	require.Len(t, forBob, 1)
	assert.Equal(t, 0, forBob[0].payload.(models.ConversationUpdate).Conversations[0].NewMessagesCount)
	f.assertExpectations(t)
}

func TestMarkSeenBySenderForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.messages.On("Get", ctx, "m1").Return(models.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob"}, nil).Once()

	_, err := f.svc.MarkSeen(ctx, "alice", "m1")
	assert.ErrorIs(t, err, ErrForbidden)
	f.messages.AssertNotCalled(t, "MarkSeen", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkSeenUnknownMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.messages.On("Get", ctx, "missing").Return(nil, ErrMessageNotFound).Once()

	_, err := f.svc.MarkSeen(ctx, "bob", "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestMessagesMarksSeenAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	newestFirst := []models.Message{
		{ID: "m3", CreatedAt: t0.Add(3 * time.Minute)},
		{ID: "m2", CreatedAt: t0.Add(2 * time.Minute)},
	}

	f.convs.On("Get", ctx, "c1").Return(conv, nil).Twice()
	f.messages.On("MarkConversationSeen", ctx, "c1", "bob", mock.Anything).Return(int64(2), nil).Once()
	f.messages.On("ListBefore", ctx, "c1", (*time.Time)(nil), 2).Return(newestFirst, nil).Once()
	f.messages.On("CountUnreadByReceiver", ctx, "c1").Return(map[string]int{}, nil).Once()
	f.users.On("Profiles", ctx, []string{"alice", "bob"}).Return([]models.UserProfile{alice, bob}, nil).Once()

	page, err := f.svc.Messages(ctx, "bob", "c1", nil, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m2", page.Messages[0].ID)
	assert.Equal(t, "m3", page.Messages[1].ID)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, t0.Add(2*time.Minute), *page.NextCursor)

	forBob := f.to("bob", models.EventConversationUpdate)
	require.Len(t, forBob, 1)
	assert.Equal(t, 0, forBob[0].payload.(models.ConversationUpdate).Conversations[0].NewMessagesCount)
	f.assertExpectations(t)
}

func TestMessagesEmptyPage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}

	f.convs.On("Get", ctx, "c1").Return(conv, nil)
	f.messages.On("MarkConversationSeen", ctx, "c1", "alice", mock.Anything).Return(int64(0), nil).Once()
	f.messages.On("ListBefore", ctx, "c1", (*time.Time)(nil), DefaultPageSize).Return([]models.Message{}, nil).Once()
	f.messages.On("CountUnreadByReceiver", ctx, "c1").Return(map[string]int{}, nil)
	f.users.On("Profiles", ctx, mock.Anything).Return([]models.UserProfile{alice, bob}, nil)

	page, err := f.svc.Messages(ctx, "alice", "c1", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.NotNil(t, page.Messages)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
	assert.Equal(t, DefaultPageSize, page.Limit)
}

func TestMessagesNonParticipantForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.convs.On("Get", ctx, "c1").Return(models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}, nil).Once()

	_, err := f.svc.Messages(ctx, "carol", "c1", nil, 10)
	assert.ErrorIs(t, err, ErrForbidden)
	f.messages.AssertNotCalled(t, "MarkConversationSeen", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUnsendRepointsLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := models.Message{ID: "m2", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob"}
	previous := &models.Message{ID: "m1", ConversationID: "c1"}

	f.messages.On("Get", ctx, "m2").Return(msg, nil).Once()
	f.messages.On("Delete", ctx, "m2").Return(nil).Once()
	f.messages.On("Latest", ctx, "c1").Return(previous, nil).Once()
	f.convs.On("SetLatestMessage", ctx, "c1", "m1", mock.Anything).Return(nil).Once()
	f.convs.On("Get", ctx, "c1").Return(models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}, LatestMessageID: "m1"}, nil).Once()
	f.messages.On("Get", ctx, "m1").Return(*previous, nil).Once()
	f.messages.On("CountUnreadByReceiver", ctx, "c1").Return(map[string]int{"bob": 0}, nil).Once()
	f.users.On("Profiles", ctx, []string{"alice", "bob"}).Return([]models.UserProfile{alice, bob}, nil).Once()

	require.NoError(t, f.svc.Unsend(ctx, "alice", "m2"))

	unsent := f.to("c1", models.EventMessageUnsend)
	require.Len(t, unsent, 1)
	assert.Equal(t, models.MessageUnsend{MessageID: "m2"}, unsent[0].payload)
	f.pub.AssertCalled(t, "Publish", mock.Anything, "audit.chat", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestUnsendLastMessageClearsLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", ReceiverID: "bob"}

	f.messages.On("Get", ctx, "m1").Return(msg, nil).Once()
	f.messages.On("Delete", ctx, "m1").Return(nil).Once()
	f.messages.On("Latest", ctx, "c1").Return(nil, nil).Once()
	f.convs.On("SetLatestMessage", ctx, "c1", "", mock.Anything).Return(nil).Once()
	f.convs.On("Get", ctx, "c1").Return(models.Conversation{}, ErrConversationNotFound).Once()

	require.NoError(t, f.svc.Unsend(ctx, "alice", "m1"))
	f.assertExpectations(t)
}

func TestUnsendByOtherUserForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.messages.On("Get", ctx, "m1").Return(models.Message{ID: "m1", SenderID: "alice"}, nil).Once()

	assert.ErrorIs(t, f.svc.Unsend(ctx, "bob", "m1"), ErrForbidden)
	f.messages.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestStartConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := models.Conversation{ID: "c9", Participants: []string{"alice", "bob"}}

	f.users.On("AreFriends", ctx, "alice", "bob").Return(true, nil).Once()
	f.convs.On("FindOrCreate", ctx, "alice", "bob").Return(conv, true, nil).Once()

	got, created, err := f.svc.StartConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "c9", got.ID)

	f.users.On("AreFriends", ctx, "alice", "carol").Return(false, nil).Once()
	_, _, err = f.svc.StartConversation(ctx, "alice", "carol")
	assert.ErrorIs(t, err, ErrNotFriends)

	_, _, err = f.svc.StartConversation(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	f.assertExpectations(t)
}

func TestListForUserDeletesStaleConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	withBob := models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}, LatestMessageID: "m1"}
	withCarol := models.Conversation{ID: "c2", Participants: []string{"carol", "alice"}}
	latest := models.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", ReceiverID: "alice"}

	f.users.On("FriendIDs", ctx, "alice").Return([]string{"bob", "dave"}, nil).Once()
	f.convs.On("ListForUser", ctx, "alice").Return([]models.Conversation{withBob, withCarol}, nil).Once()
	f.convs.On("Delete", mock.Anything, "c2").Return(nil).Once()
	f.messages.On("DeleteByConversation", mock.Anything, "c2").Return(int64(4), nil).Once()
	f.messages.On("CountUnreadForReceiver", ctx, "alice", []string{"c1"}).Return(map[string]int{"c1": 3}, nil).Once()
	f.messages.On("GetMany", ctx, []string{"m1"}).Return(map[string]models.Message{"m1": latest}, nil).Once()
	f.users.On("Profiles", ctx, []string{"bob", "dave"}).Return([]models.UserProfile{bob, {ID: "dave", Username: "dave"}}, nil).Once()
	f.users.On("CountFriendRequests", ctx, "alice").Return(2, nil).Once()

	list, err := f.svc.ListForUser(ctx, "alice")
	require.NoError(t, err)

	require.Len(t, list.Conversations, 1)
	summary := list.Conversations[0]
	assert.Equal(t, "c1", summary.ID)
	assert.Equal(t, 3, summary.NewMessagesCount)
	assert.Equal(t, []models.UserProfile{bob}, summary.Participants)
	assert.Equal(t, "m1", summary.LatestMessage.ID)
	assert.Equal(t, []models.UserProfile{{ID: "dave", Username: "dave"}}, list.FriendsWithoutConversation)
	assert.Equal(t, 2, list.TotalFriendRequests)

	pushed := f.to("alice", models.EventConversationUpdate)
	require.Len(t, pushed, 1)
	update := pushed[0].payload.(models.ConversationUpdate)
	require.NotNil(t, update.TotalFriendRequests)
	assert.Equal(t, 2, *update.TotalFriendRequests)
	f.pub.AssertCalled(t, "Publish", mock.Anything, "audit.chat", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestListForUserCleanupFailureStillLists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := models.Conversation{ID: "c2", Participants: []string{"alice", "carol"}}

	f.users.On("FriendIDs", ctx, "alice").Return([]string{}, nil).Once()
	f.convs.On("ListForUser", ctx, "alice").Return([]models.Conversation{stale}, nil).Once()
	f.convs.On("Delete", mock.Anything, "c2").Return(assert.AnError).Once()
	f.users.On("CountFriendRequests", ctx, "alice").Return(0, nil).Once()

	list, err := f.svc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list.Conversations)
	assert.Empty(t, list.FriendsWithoutConversation)
	f.messages.AssertNotCalled(t, "DeleteByConversation", mock.Anything, mock.Anything)
	f.assertExpectations(t)
}

func TestListForUserFriendLookupError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.users.On("FriendIDs", ctx, "alice").Return(nil, assert.AnError).Once()

	_, err := f.svc.ListForUser(ctx, "alice")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, f.to("alice", models.EventConversationUpdate))
}

func TestRefreshCountsPerParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}

	f.convs.On("Get", ctx, "c1").Return(conv, nil).Once()
	f.messages.On("CountUnreadByReceiver", ctx, "c1").Return(map[string]int{"alice": 2, "bob": 5}, nil).Once()
	f.users.On("Profiles", ctx, []string{"alice", "bob"}).Return([]models.UserProfile{alice}, nil).Once()

	require.NoError(t, f.svc.Refresh(ctx, "c1"))

	aliceUpdate := f.to("alice", models.EventConversationUpdate)[0].payload.(models.ConversationUpdate)
	bobUpdate := f.to("bob", models.EventConversationUpdate)[0].payload.(models.ConversationUpdate)
	assert.Equal(t, 2, aliceUpdate.Conversations[0].NewMessagesCount)
	assert.Equal(t, 5, bobUpdate.Conversations[0].NewMessagesCount)
	// missing profiles fall back to the bare id
	assert.Equal(t, []models.UserProfile{{ID: "bob"}}, aliceUpdate.Conversations[0].Participants)
	assert.Nil(t, aliceUpdate.Conversations[0].LatestMessage)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := models.Conversation{ID: "c1", Participants: []string{"alice", "bob"}}
	f.convs.On("Get", ctx, "c1").Return(conv, nil)
	f.convs.On("Get", ctx, "gone").Return(models.Conversation{}, ErrConversationNotFound)

	assert.NoError(t, f.svc.Authorize(ctx, "bob", "c1"))
	assert.ErrorIs(t, f.svc.Authorize(ctx, "carol", "c1"), ErrForbidden)
	assert.ErrorIs(t, f.svc.Authorize(ctx, "bob", "gone"), ErrConversationNotFound)
	assert.ErrorIs(t, f.svc.Authorize(ctx, "bob", ""), ErrInvalidInput)
}
