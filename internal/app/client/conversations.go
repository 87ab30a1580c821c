package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

// Conversation returns the thread with peer, creating it when storage has
// none. Without a content API the id is derived from both user ids.
func (c *Client) Conversation(ctx context.Context, peer domain.UserID) (domain.ConversationID, error) {
	if c.content == nil {
		return domain.ConversationID("temp-" + string(c.self.ID) + "-" + string(peer)), nil
	}
	list, err := c.content.Conversations(ctx)
	if err != nil {
		return "", fmt.Errorf("conversations: %w", err)
	}
	for _, conv := range list {
		if (conv.User1ID == c.self.ID || conv.User2ID == c.self.ID) && conv.Other(c.self.ID) == peer {
			return conv.ID, nil
		}
	}
	created, err := c.content.CreateConversation(ctx, peer)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return created.ID, nil
}

// OpenConversation tells the hub which conversation this session shows,
// leaving the previously open one. Messages elsewhere arrive as
// notifications.
func (c *Client) OpenConversation(conv domain.ConversationID) error {
	c.mu.Lock()
	prev := c.open
	c.open = conv
	c.mu.Unlock()
	if prev != "" && prev != conv {
		if err := c.ch.Send(core.EventLeaveConversation, core.ConversationPayload{ConversationID: prev, UserID: c.self.ID}); err != nil {
			return err
		}
	}
	return c.ch.Send(core.EventJoinConversation, core.ConversationPayload{ConversationID: conv, UserID: c.self.ID})
}

func (c *Client) CloseConversation() error {
	c.mu.Lock()
	prev := c.open
	c.open = ""
	c.mu.Unlock()
	if prev == "" {
		return nil
	}
	return c.ch.Send(core.EventLeaveConversation, core.ConversationPayload{ConversationID: prev, UserID: c.self.ID})
}

// OnNotification calls fn for messages in conversations this session does
// not have open.
func (c *Client) OnNotification(fn func(core.MessageNotification)) (off func()) {
	return c.ch.On(core.EventMessageNotification, func(data json.RawMessage) {
		var n core.MessageNotification
		if err := json.Unmarshal(data, &n); err != nil {
			c.logger.Error().Err(err).Msg("bad messageNotification payload")
			return
		}
		fn(n)
	})
}

// onConnection reopens the current conversation on a fresh hub session.
func (c *Client) onConnection(data json.RawMessage) {
	var st core.ConnectionStatus
	if err := json.Unmarshal(data, &st); err != nil || st.State != core.ConnConnected {
		return
	}
	c.mu.Lock()
	conv := c.open
	c.mu.Unlock()
	if conv == "" {
		return
	}
	if err := c.ch.Send(core.EventJoinConversation, core.ConversationPayload{ConversationID: conv, UserID: c.self.ID}); err != nil {
		c.logger.Warn().Err(err).Str("conversation", string(conv)).Msg("reopen conversation")
	}
}
