package core

import "encoding/json"

// Frame is a raw encoded message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Envelope is the wire shape of every realtime event.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload into an envelope frame. A nil payload leaves data out.
func Encode(event string, payload any) (Frame, error) {
	env := Envelope{Type: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Handler receives the payload of one inbound realtime event.
type Handler func(data json.RawMessage)

// Channel is the client-side realtime surface the call and presence
// components depend on.
type Channel interface {
	Send(event string, payload any) error
	On(event string, h Handler) (off func())
}

// Realtime event names shared by the hub and the client.
const (
	EventInit                = "init"
	EventOnlineUsers         = "onlineUsers"
	EventCallOffer           = "callOffer"
	EventCallResponse        = "callResponse"
	EventCallAccepted        = "callAccepted"
	EventCallRejected        = "callRejected"
	EventCallEnded           = "callEnded"
	EventCallFailed          = "callFailed"
	EventTyping              = "typing"
	EventSendMessage         = "sendMessage"
	EventNewMessage          = "newMessage"
	EventUpdateMessageStatus = "updateMessageStatus"
	EventMessageStatusUpdate = "messageStatusUpdate"
	EventJoinConversation    = "joinConversation"
	EventLeaveConversation   = "leaveConversation"
	EventMessageNotification = "messageNotification"
	EventPing                = "ping"
	EventPong                = "pong"
	EventError               = "error"

	// EventConnection is synthesised locally by the client adapter to
	// report its own connectivity; it never crosses the wire.
	EventConnection = "connection"
)
