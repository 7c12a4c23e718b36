package models

import "encoding/json"

// Inbound socket events.
const (
	EventRegisterUser      = "register-user"
	EventCheckStatus       = "user:check-status"
	EventLogout            = "user:logout"
	EventUserJoin          = "user:join"
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventSendMessage       = "sendMessage"
	EventMarkSeen          = "markSeen"
	EventTyping            = "typing"
	EventTypingStop        = "typing_stop"
	EventCall              = "webrtc:call"
	EventCallAccept        = "webrtc:accept"
	EventCallReject        = "webrtc:reject"
	EventOffer             = "webrtc:offer"
	EventAnswer            = "webrtc:answer"
	EventICECandidate      = "webrtc:ice-candidate"
	EventHangup            = "webrtc:hangup"
)

// Outbound socket events.
const (
	EventUserStatus         = "user:status"
	EventReceiveMessage     = "receiveMessage"
	EventMessageSeen        = "messageSeen"
	EventMessageUnsend      = "message:unsend"
	EventConversationUpdate = "conversation:update"
	EventIncomingCall       = "webrtc:incoming-call"
	EventCallAccepted       = "webrtc:call-accepted"
	EventCallRejected       = "webrtc:call-rejected"
	EventCallStatus         = "call-status"
	EventAck                = "ack"
	EventError              = "error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
}

type UserStatus struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type UserRef struct {
	UserID string `json:"userId"`
}

type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	MediaURL       string `json:"mediaUrl"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
}

type MarkSeenPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type MessageSeen struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type MessageUnsend struct {
	MessageID string `json:"messageId"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

type Typing struct {
	SenderID string `json:"senderId"`
}

type ConversationUpdate struct {
	Conversations              []ConversationSummary `json:"conversations"`
	FriendsWithoutConversation []UserProfile         `json:"friendsWithoutConversation,omitempty"`
	TotalFriendRequests        *int                  `json:"totalFriendRequests,omitempty"`
}

// CallSignal covers every webrtc:* payload; unused fields stay empty.
type CallSignal struct {
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	CallerName string          `json:"callerName,omitempty"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type CallStatus struct {
	Status string `json:"status"`
	With   string `json:"with"`
}

type SocketError struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
