package models

import "time"

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusSeen      = "seen"
)

// Message is a direct message between the two participants of a conversation.
type Message struct {
	ID             string     `bson:"_id" json:"_id"`
	ConversationID string     `bson:"conversation" json:"conversation"`
	SenderID       string     `bson:"sender" json:"sender"`
	ReceiverID     string     `bson:"receiver" json:"receiver"`
	Message        string     `bson:"message" json:"message"`
	FileName       string     `bson:"fileName,omitempty" json:"fileName,omitempty"`
	FileSize       int64      `bson:"fileSize,omitempty" json:"fileSize,omitempty"`
	MediaURL       string     `bson:"mediaUrl" json:"mediaUrl"`
	FileType       string     `bson:"fileType,omitempty" json:"fileType,omitempty"`
	Status         string     `bson:"status" json:"status"`
	SeenAt         *time.Time `bson:"seenAt" json:"seenAt"`
	CreatedAt      time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// MessagePage is one page of a conversation's history, oldest first.
type MessagePage struct {
	Messages   []Message  `json:"messages"`
	Limit      int        `json:"limit"`
	HasMore    bool       `json:"hasMore"`
	NextCursor *time.Time `json:"nextCursor"`
}
