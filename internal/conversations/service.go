package conversations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/telemetry"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrConversationNotFound = repositories.ErrConversationNotFound
	ErrMessageNotFound      = repositories.ErrMessageNotFound
	ErrNotFriends           = errors.New("users are not friends")
	ErrForbidden            = errors.New("forbidden")
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// RoomEmitter fans an event out to the members of a room. Personal rooms are
// named by user id, conversation rooms by conversation id.
type RoomEmitter interface {
	Broadcast(room, event string, payload any)
}

// Service persists direct messages and keeps every participant's conversation
// summary in sync after each mutation.
type Service struct {
	messages      repositories.MessageRepository
	conversations repositories.ConversationRepository
	users         repositories.UserRepository
	rooms         RoomEmitter
	audit         *telemetry.AuditEmitter
	logger        *zap.Logger
	maxParallel   int
	now           func() time.Time
}

func NewService(
	messages repositories.MessageRepository,
	conversations repositories.ConversationRepository,
	users repositories.UserRepository,
	rooms RoomEmitter,
	audit *telemetry.AuditEmitter,
	logger *zap.Logger,
	maxParallel int,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Service{
		messages:      messages,
		conversations: conversations,
		users:         users,
		rooms:         rooms,
		audit:         audit,
		logger:        logger,
		maxParallel:   maxParallel,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SendInput carries a new message. Without a conversation id the conversation
// is resolved from the pair, which requires the two users to be friends.
// RequireFriends enforces the friendship check even when a conversation id is
// given.
type SendInput struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Message        string
	MediaURL       string
	FileName       string
	FileSize       int64
	FileType       string
	RequireFriends bool
}

func (in SendInput) validate() error {
	if in.SenderID == "" || in.ReceiverID == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalidInput)
	}
	if in.SenderID == in.ReceiverID {
		return fmt.Errorf("%w: cannot message yourself", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Message) == "" && in.MediaURL == "" {
		return fmt.Errorf("%w: message or media is required", ErrInvalidInput)
	}
	return nil
}

// SendMessage stores the message, points the conversation at it, fans it out to
// the conversation room and refreshes both participants' summaries.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (models.Message, error) {
	if err := in.validate(); err != nil {
		return models.Message{}, err
	}

	conv, err := s.resolveConversation(ctx, in)
	if err != nil {
		return models.Message{}, err
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Message:        in.Message,
		MediaURL:       in.MediaURL,
		FileName:       in.FileName,
		FileSize:       in.FileSize,
		FileType:       in.FileType,
		Status:         models.StatusSent,
	}
	if msg.MediaURL != "" && msg.FileType == "" {
		msg.FileType = "doc"
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return models.Message{}, fmt.Errorf("create message: %w", err)
	}

	if err := s.conversations.SetLatestMessage(ctx, conv.ID, msg.ID, msg.CreatedAt); err != nil {
		observability.IncSyncFailure("latest_message")
		s.logger.Warn("set latest message failed",
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}

	s.rooms.Broadcast(conv.ID, models.EventReceiveMessage, *msg)
	s.refreshLogged(ctx, conv.ID, "send")
	return *msg, nil
}

func (s *Service) resolveConversation(ctx context.Context, in SendInput) (models.Conversation, error) {
	if in.ConversationID == "" || in.RequireFriends {
		if err := s.requireFriends(ctx, in.SenderID, in.ReceiverID); err != nil {
			return models.Conversation{}, err
		}
	}
	if in.ConversationID == "" {
		conv, _, err := s.conversations.FindOrCreate(ctx, in.SenderID, in.ReceiverID)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("find or create conversation: %w", err)
		}
		return conv, nil
	}

	conv, err := s.conversations.Get(ctx, in.ConversationID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("get conversation %s: %w", in.ConversationID, err)
	}
	if !conv.HasParticipant(in.SenderID) || !conv.HasParticipant(in.ReceiverID) {
		return models.Conversation{}, ErrForbidden
	}
	return conv, nil
}

func (s *Service) requireFriends(ctx context.Context, userID, friendID string) error {
	ok, err := s.users.AreFriends(ctx, userID, friendID)
	if err != nil {
		return fmt.Errorf("check friendship: %w", err)
	}
	if !ok {
		return ErrNotFriends
	}
	return nil
}

// MarkSeen marks a single message seen by its receiver.
func (s *Service) MarkSeen(ctx context.Context, viewerID, messageID string) (models.Message, error) {
	if viewerID == "" || messageID == "" {
		return models.Message{}, fmt.Errorf("%w: messageId is required", ErrInvalidInput)
	}
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return models.Message{}, fmt.Errorf("get message %s: %w", messageID, err)
	}
	if msg.ReceiverID != viewerID {
		return models.Message{}, ErrForbidden
	}

	at := s.now()
	if _, err := s.messages.MarkSeen(ctx, messageID, viewerID, at); err != nil {
		return models.Message{}, fmt.Errorf("mark seen: %w", err)
	}
	msg.Status = models.StatusSeen
	msg.SeenAt = &at

	s.rooms.Broadcast(msg.ConversationID, models.EventMessageSeen, models.MessageSeen{
		MessageID: msg.ID,
		Status:    models.StatusSeen,
	})
	s.refreshLogged(ctx, msg.ConversationID, "mark_seen")
	return msg, nil
}

// Messages returns one page of history for a participant, oldest first. Every
// message addressed to the viewer in the conversation is marked seen first.
func (s *Service) Messages(ctx context.Context, viewerID, conversationID string, before *time.Time, limit int) (models.MessagePage, error) {
	if viewerID == "" || conversationID == "" {
		return models.MessagePage{}, fmt.Errorf("%w: conversationId is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return models.MessagePage{}, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	if !conv.HasParticipant(viewerID) {
		return models.MessagePage{}, ErrForbidden
	}

	if _, err := s.messages.MarkConversationSeen(ctx, conversationID, viewerID, s.now()); err != nil {
		return models.MessagePage{}, fmt.Errorf("mark conversation seen: %w", err)
	}

	msgs, err := s.messages.ListBefore(ctx, conversationID, before, limit)
	if err != nil {
		return models.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}

	page := models.MessagePage{Messages: make([]models.Message, 0, len(msgs)), Limit: limit}
	if len(msgs) > 0 {
		page.HasMore = len(msgs) == limit
		cursor := msgs[len(msgs)-1].CreatedAt
		page.NextCursor = &cursor
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, msgs[i])
	}

	s.refreshLogged(ctx, conversationID, "messages")
	return page, nil
}

// Unsend deletes a message on behalf of its sender.
func (s *Service) Unsend(ctx context.Context, userID, messageID string) error {
	if userID == "" || messageID == "" {
		return fmt.Errorf("%w: messageId is required", ErrInvalidInput)
	}
	msg, err := s.messages.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("get message %s: %w", messageID, err)
	}
	if msg.SenderID != userID {
		return ErrForbidden
	}
	if err := s.messages.Delete(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	latestID := ""
	latest, err := s.messages.Latest(ctx, msg.ConversationID)
	if err != nil {
		observability.IncSyncFailure("latest_message")
		s.logger.Warn("latest message lookup failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	} else {
		if latest != nil {
			latestID = latest.ID
		}
		if err := s.conversations.SetLatestMessage(ctx, msg.ConversationID, latestID, s.now()); err != nil {
			observability.IncSyncFailure("latest_message")
			s.logger.Warn("repoint latest message failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		}
	}

	s.rooms.Broadcast(msg.ConversationID, models.EventMessageUnsend, models.MessageUnsend{MessageID: messageID})
	s.audit.Emit(ctx, userID, "message.unsend", "message", map[string]string{
		"message_id":      messageID,
		"conversation_id": msg.ConversationID,
	})
	s.refreshLogged(ctx, msg.ConversationID, "unsend")
	return nil
}

// Authorize checks that userID takes part in the conversation.
func (s *Service) Authorize(ctx context.Context, userID, conversationID string) error {
	if userID == "" || conversationID == "" {
		return fmt.Errorf("%w: conversationId is required", ErrInvalidInput)
	}
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	if !conv.HasParticipant(userID) {
		return ErrForbidden
	}
	return nil
}

// StartConversation returns the pair's conversation, creating it when missing.
func (s *Service) StartConversation(ctx context.Context, userID, receiverID string) (models.Conversation, bool, error) {
	if userID == "" || receiverID == "" {
		return models.Conversation{}, false, fmt.Errorf("%w: receiverId is required", ErrInvalidInput)
	}
	if userID == receiverID {
		return models.Conversation{}, false, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidInput)
	}
	if err := s.requireFriends(ctx, userID, receiverID); err != nil {
		return models.Conversation{}, false, err
	}
	conv, created, err := s.conversations.FindOrCreate(ctx, userID, receiverID)
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("find or create conversation: %w", err)
	}
	return conv, created, nil
}

// Refresh recomputes the conversation summary and pushes it to each participant's
// personal room with that participant's own unread count.
func (s *Service) Refresh(ctx context.Context, conversationID string) error {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("get conversation %s: %w", conversationID, err)
	}

	var latest *models.Message
	if conv.LatestMessageID != "" {
		msg, err := s.messages.Get(ctx, conv.LatestMessageID)
		switch {
		case err == nil:
			latest = &msg
		case !errors.Is(err, repositories.ErrMessageNotFound):
			return fmt.Errorf("get latest message: %w", err)
		}
	}

	counts, err := s.messages.CountUnreadByReceiver(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("count unread: %w", err)
	}

	profiles, err := s.profileIndex(ctx, conv.Participants)
	if err != nil {
		return err
	}

	for _, participant := range conv.Participants {
		summary := buildSummary(conv, participant, profiles, latest, counts[participant])
		s.rooms.Broadcast(participant, models.EventConversationUpdate, models.ConversationUpdate{
			Conversations: []models.ConversationSummary{summary},
		})
	}
	return nil
}

func (s *Service) refreshLogged(ctx context.Context, conversationID, op string) {
	if err := s.Refresh(ctx, conversationID); err != nil {
		observability.IncSyncFailure(op)
		s.logger.Warn("conversation refresh failed",
			zap.String("conversation_id", conversationID),
			zap.String("op", op),
			zap.Error(err))
	}
}

// ListForUser builds the viewer's conversation overview. Conversations with
// users who are no longer friends are deleted together with their messages.
func (s *Service) ListForUser(ctx context.Context, userID string) (models.ConversationList, error) {
	if userID == "" {
		return models.ConversationList{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}

	friendIDs, err := s.users.FriendIDs(ctx, userID)
	if err != nil {
		return models.ConversationList{}, fmt.Errorf("list friends: %w", err)
	}
	friends := make(map[string]struct{}, len(friendIDs))
	for _, id := range friendIDs {
		friends[id] = struct{}{}
	}

	convs, err := s.conversations.ListForUser(ctx, userID)
	if err != nil {
		return models.ConversationList{}, fmt.Errorf("list conversations: %w", err)
	}

	var valid, stale []models.Conversation
	for _, conv := range convs {
		if _, ok := friends[conv.Other(userID)]; ok {
			valid = append(valid, conv)
		} else {
			stale = append(stale, conv)
		}
	}
	s.cleanup(ctx, userID, stale)

	ids := make([]string, 0, len(valid))
	latestIDs := make([]string, 0, len(valid))
	for _, conv := range valid {
		ids = append(ids, conv.ID)
		if conv.LatestMessageID != "" {
			latestIDs = append(latestIDs, conv.LatestMessageID)
		}
	}

	counts := map[string]int{}
	latest := map[string]models.Message{}
	if len(valid) > 0 {
		if counts, err = s.messages.CountUnreadForReceiver(ctx, userID, ids); err != nil {
			return models.ConversationList{}, fmt.Errorf("count unread: %w", err)
		}
		if len(latestIDs) > 0 {
			if latest, err = s.messages.GetMany(ctx, latestIDs); err != nil {
				return models.ConversationList{}, fmt.Errorf("get latest messages: %w", err)
			}
		}
	}

	withConversation := make(map[string]struct{}, len(valid))
	for _, conv := range valid {
		withConversation[conv.Other(userID)] = struct{}{}
	}
	// every remaining counterpart is a friend, so one lookup covers both lists
	profiles, err := s.profileIndex(ctx, friendIDs)
	if err != nil {
		return models.ConversationList{}, err
	}

	list := models.ConversationList{
		Conversations:              make([]models.ConversationSummary, 0, len(valid)),
		FriendsWithoutConversation: []models.UserProfile{},
	}
	for _, conv := range valid {
		var last *models.Message
		if msg, ok := latest[conv.LatestMessageID]; ok {
			last = &msg
		}
		list.Conversations = append(list.Conversations, buildSummary(conv, userID, profiles, last, counts[conv.ID]))
	}
	for _, id := range friendIDs {
		if _, ok := withConversation[id]; ok {
			continue
		}
		list.FriendsWithoutConversation = append(list.FriendsWithoutConversation, profileOf(profiles, id))
	}

	if list.TotalFriendRequests, err = s.users.CountFriendRequests(ctx, userID); err != nil {
		return models.ConversationList{}, fmt.Errorf("count friend requests: %w", err)
	}

	total := list.TotalFriendRequests
	s.rooms.Broadcast(userID, models.EventConversationUpdate, models.ConversationUpdate{
		Conversations:              list.Conversations,
		FriendsWithoutConversation: list.FriendsWithoutConversation,
		TotalFriendRequests:        &total,
	})
	return list, nil
}

func (s *Service) cleanup(ctx context.Context, userID string, stale []models.Conversation) {
	if len(stale) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for _, conv := range stale {
		conv := conv
		g.Go(func() error {
			if err := s.conversations.Delete(gctx, conv.ID); err != nil {
				return fmt.Errorf("delete conversation %s: %w", conv.ID, err)
			}
			removed, err := s.messages.DeleteByConversation(gctx, conv.ID)
			if err != nil {
				return fmt.Errorf("delete messages of %s: %w", conv.ID, err)
			}
			s.audit.Emit(ctx, userID, "conversation.cleanup", "conversation", map[string]string{
				"conversation_id":  conv.ID,
				"other_user_id":    conv.Other(userID),
				"messages_deleted": fmt.Sprintf("%d", removed),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		observability.IncSyncFailure("cleanup")
		s.logger.Warn("stale conversation cleanup failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) profileIndex(ctx context.Context, userIDs []string) (map[string]models.UserProfile, error) {
	index := make(map[string]models.UserProfile, len(userIDs))
	if len(userIDs) == 0 {
		return index, nil
	}
	profiles, err := s.users.Profiles(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for _, p := range profiles {
		index[p.ID] = p
	}
	return index, nil
}

func profileOf(index map[string]models.UserProfile, id string) models.UserProfile {
	if p, ok := index[id]; ok {
		return p
	}
	return models.UserProfile{ID: id}
}

// buildSummary personalizes a conversation for viewer: participants lists the
// other side only, the count is the viewer's own unread count.
func buildSummary(conv models.Conversation, viewer string, profiles map[string]models.UserProfile, latest *models.Message, unread int) models.ConversationSummary {
	participants := make([]models.UserProfile, 0, len(conv.Participants))
	for _, id := range conv.Participants {
		if id == viewer {
			continue
		}
		participants = append(participants, profileOf(profiles, id))
	}
	return models.ConversationSummary{
		ID:               conv.ID,
		Participants:     participants,
		LatestMessage:    latest,
		UpdatedAt:        conv.UpdatedAt,
		NewMessagesCount: unread,
	}
}
