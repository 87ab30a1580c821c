package domain

import "time"

type (
	MessageID      string
	ConversationID string
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVoice MessageType = "voice"
	MessageGift  MessageType = "gift"
)

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       UserID         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	ReceiverID     UserID         `json:"receiverId"`
	Content        string         `json:"content,omitempty"`
	Type           MessageType    `json:"message_type"`
	MediaURL       string         `json:"media_url,omitempty"`
	GiftID         string         `json:"gift_id,omitempty"`
	Status         MessageStatus  `json:"status,omitempty"`
	CreatedAt      time.Time      `json:"timestamp"`
}

// CallRecord is the persisted history row of one call attempt.
type CallRecord struct {
	CallID    CallID    `json:"call_id"`
	RoomID    RoomID    `json:"room_id"`
	CallerID  UserID    `json:"caller_id"`
	CalleeID  UserID    `json:"callee_id"`
	Type      CallType  `json:"call_type"`
	Status    string    `json:"call_status"`
	StartTime time.Time `json:"start_time"`
	Duration  int       `json:"duration,omitempty"`
}

const (
	CallRecordInitiated = "initiated"
	CallRecordConnected = "connected"
	CallRecordEnded     = "ended"
	CallRecordRejected  = "rejected"
	CallRecordFailed    = "failed"
)
