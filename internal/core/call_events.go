package core

import (
	"time"

	"github.com/dkeye/Duet/internal/domain"
)

// InitPayload announces the identity bound to a realtime connection.
type InitPayload struct {
	UserID   domain.UserID `json:"userId"`
	UserName string        `json:"userName"`
}

type CallOffer struct {
	CallID         domain.CallID         `json:"callId"`
	RoomID         domain.RoomID         `json:"roomId"`
	CallerID       domain.UserID         `json:"callerId"`
	CallerName     string                `json:"callerName"`
	CalleeID       domain.UserID         `json:"calleeId"`
	CalleeName     string                `json:"calleeName,omitempty"`
	CallType       domain.CallType       `json:"callType"`
	ConversationID domain.ConversationID `json:"conversationId,omitempty"`
}

const (
	ResponseAccepted = "accepted"
	ResponseRejected = "rejected"
)

// CallResponse is carried by callResponse, callAccepted and callRejected.
type CallResponse struct {
	CallID     domain.CallID `json:"callId"`
	RoomID     domain.RoomID `json:"roomId,omitempty"`
	Response   string        `json:"response,omitempty"`
	CallerID   domain.UserID `json:"callerId,omitempty"`
	CalleeID   domain.UserID `json:"calleeId,omitempty"`
	CalleeName string        `json:"calleeName,omitempty"`
	Reason     domain.Reason `json:"reason,omitempty"`
}

// CallEnd is carried by callEnded and callFailed.
type CallEnd struct {
	CallID domain.CallID `json:"callId"`
	RoomID domain.RoomID `json:"roomId,omitempty"`
	UserID domain.UserID `json:"userId,omitempty"`
	Reason domain.Reason `json:"reason,omitempty"`
}

type TypingPayload struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	SenderID       domain.UserID         `json:"senderId"`
	ReceiverID     domain.UserID         `json:"receiverId"`
	IsTyping       bool                  `json:"isTyping"`
}

type MessageStatusPayload struct {
	MessageID      domain.MessageID      `json:"messageId,omitempty"`
	ConversationID domain.ConversationID `json:"conversationId"`
	SenderID       domain.UserID         `json:"senderId"`
	ReaderID       domain.UserID         `json:"readerId,omitempty"`
	Status         domain.MessageStatus  `json:"status"`
}

// ConversationPayload opens or closes a conversation for one session.
type ConversationPayload struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	UserID         domain.UserID         `json:"userId,omitempty"`
}

// MessageNotification tells a session that does not have the
// conversation open about a new message in it.
type MessageNotification struct {
	ConversationID domain.ConversationID `json:"conversationId"`
	MessageID      domain.MessageID      `json:"messageId"`
	SenderID       domain.UserID         `json:"senderId"`
	SenderName     string                `json:"senderName"`
	Content        string                `json:"content,omitempty"`
	Type           domain.MessageType    `json:"message_type"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Event string `json:"event,omitempty"`
}

type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// ConnectionStatus is the payload of the local connection event.
type ConnectionStatus struct {
	State   ConnState              `json:"state"`
	Attempt int                    `json:"attempt,omitempty"`
	Delay   time.Duration          `json:"delay,omitempty"`
	Reason  domain.TransportReason `json:"reason,omitempty"`
	Error   string                 `json:"error,omitempty"`
}
