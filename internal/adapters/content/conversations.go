package content

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/Duet/internal/domain"
)

// Conversation is one two-party thread with its last message preview.
type Conversation struct {
	ID              domain.ConversationID `json:"id,omitempty"`
	User1ID         domain.UserID         `json:"user1_id"`
	User2ID         domain.UserID         `json:"user2_id"`
	LastMessage     string                `json:"last_message"`
	LastMessageTime time.Time             `json:"last_message_time"`
}

// Other is the participant that is not self.
func (c Conversation) Other(self domain.UserID) domain.UserID {
	if c.User1ID == self {
		return c.User2ID
	}
	return c.User1ID
}

// Conversations lists threads self takes part in, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	q := url.Values{}
	q.Set("filter[_or][0][user1_id][_eq]", string(c.self.User.ID))
	q.Set("filter[_or][1][user2_id][_eq]", string(c.self.User.ID))
	q.Set("sort", "-last_message_time")
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/items/conversations", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation stores a new empty thread between self and peer.
func (c *Client) CreateConversation(ctx context.Context, peer domain.UserID) (Conversation, error) {
	conv := Conversation{User1ID: c.self.User.ID, User2ID: peer, LastMessageTime: time.Now().UTC()}
	var out Conversation
	if err := c.do(ctx, http.MethodPost, "/items/conversations", nil, conv, &out); err != nil {
		return Conversation{}, err
	}
	return out, nil
}

// TouchConversation records preview as the latest message of id.
func (c *Client) TouchConversation(ctx context.Context, id domain.ConversationID, preview string) error {
	body := map[string]any{
		"last_message":      preview,
		"last_message_time": time.Now().UTC(),
	}
	return c.do(ctx, http.MethodPatch, "/items/conversations/"+url.PathEscape(string(id)), nil, body, nil)
}

// Gift is one entry of the gift catalogue.
type Gift struct {
	ID    string `json:"id"`
	Name  string `json:"name_gift"`
	Image string `json:"gift_image"`
	Coins int    `json:"coins_gift"`
}

func (c *Client) Gifts(ctx context.Context) ([]Gift, error) {
	q := url.Values{}
	q.Set("fields", "*")
	var out []Gift
	if err := c.do(ctx, http.MethodGet, "/items/gifts", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
