package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Duet/internal/adapters/content"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/google/uuid"
)

// ContentAPI is the part of the content client the composition root uses.
type ContentAPI interface {
	Peers(ctx context.Context) ([]content.Profile, error)
	SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	MarkRead(ctx context.Context, conv domain.ConversationID) error
	Conversations(ctx context.Context) ([]content.Conversation, error)
	CreateConversation(ctx context.Context, peer domain.UserID) (content.Conversation, error)
	TouchConversation(ctx context.Context, id domain.ConversationID, preview string) error
}

var ErrEmptyMessage = errors.New("empty message")

// SendMessage stores a text message, when a content API is configured, and
// relays it to the receiver. A message the API refused is not relayed.
func (c *Client) SendMessage(ctx context.Context, conv domain.ConversationID, to domain.UserID, text string) (domain.Message, error) {
	if text == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	m := domain.Message{
		ID:             domain.MessageID("temp_" + uuid.NewString()),
		ConversationID: conv,
		SenderID:       c.self.ID,
		SenderName:     c.self.Username,
		ReceiverID:     to,
		Content:        text,
		Type:           domain.MessageText,
		Status:         domain.MessageSent,
		CreatedAt:      time.Now().UTC(),
	}
	if c.content != nil {
		saved, err := c.content.SaveMessage(ctx, m)
		if err != nil {
			return domain.Message{}, fmt.Errorf("save message: %w", err)
		}
		m = saved
		if err := c.content.TouchConversation(ctx, conv, text); err != nil {
			c.logger.Warn().Err(err).Str("conversation", string(conv)).Msg("conversation preview not updated")
		}
	}
	if err := c.ch.Send(core.EventSendMessage, m); err != nil {
		return m, err
	}
	return m, nil
}

// MarkRead marks conv read in storage and tells the sender.
func (c *Client) MarkRead(ctx context.Context, conv domain.ConversationID, sender domain.UserID) error {
	if c.content != nil {
		if err := c.content.MarkRead(ctx, conv); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
	}
	return c.ch.Send(core.EventUpdateMessageStatus, core.MessageStatusPayload{
		ConversationID: conv,
		SenderID:       sender,
		Status:         domain.MessageRead,
	})
}

func (c *Client) SetTyping(conv domain.ConversationID, to domain.UserID, typing bool) error {
	return c.ch.Send(core.EventTyping, core.TypingPayload{
		ConversationID: conv,
		SenderID:       c.self.ID,
		ReceiverID:     to,
		IsTyping:       typing,
	})
}

// OnMessage calls fn for every inbound newMessage, including echoes of
// messages this user sent from other sessions.
func (c *Client) OnMessage(fn func(domain.Message)) (off func()) {
	return c.ch.On(core.EventNewMessage, func(data json.RawMessage) {
		var m domain.Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.logger.Error().Err(err).Msg("bad newMessage payload")
			return
		}
		fn(m)
	})
}
