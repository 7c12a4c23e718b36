package models

import "time"

// Conversation is a direct conversation between two users.
type Conversation struct {
	ID              string    `bson:"_id" json:"_id"`
	Participants    []string  `bson:"participants" json:"participants"`
	ParticipantsKey string    `bson:"participantsKey" json:"-"`
	LatestMessageID string    `bson:"latestMessage,omitempty" json:"latestMessage,omitempty"`
	CreatedAt       time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ConversationSummary is a conversation personalized for one viewer.
type ConversationSummary struct {
	ID               string        `json:"_id"`
	Participants     []UserProfile `json:"participants"`
	LatestMessage    *Message      `json:"latestMessage"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	NewMessagesCount int           `json:"newMessagesCount"`
}

// ConversationList is the viewer's full conversation overview.
type ConversationList struct {
	Conversations              []ConversationSummary `json:"conversations"`
	FriendsWithoutConversation []UserProfile         `json:"friendsWithoutConversation"`
	TotalFriendRequests        int                   `json:"totalFriendRequests"`
}
