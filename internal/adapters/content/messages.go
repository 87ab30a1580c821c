package content

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dkeye/Duet/internal/domain"
)

// messageRow is the stored shape of a chat message.
type messageRow struct {
	ID             domain.MessageID      `json:"id,omitempty"`
	ConversationID domain.ConversationID `json:"conversation_id"`
	SenderID       domain.UserID         `json:"sender_id"`
	ReceiverID     domain.UserID         `json:"receiver_id"`
	Content        string                `json:"content,omitempty"`
	Type           domain.MessageType    `json:"message_type"`
	MediaURL       string                `json:"media_url,omitempty"`
	GiftID         string                `json:"gift_id,omitempty"`
	Status         domain.MessageStatus  `json:"status,omitempty"`
	CreatedAt      *time.Time            `json:"date_created,omitempty"`
}

func rowOf(m domain.Message) messageRow {
	return messageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Type:           m.Type,
		MediaURL:       m.MediaURL,
		GiftID:         m.GiftID,
		Status:         m.Status,
	}
}

func (r messageRow) message() domain.Message {
	m := domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Content:        r.Content,
		Type:           r.Type,
		MediaURL:       r.MediaURL,
		GiftID:         r.GiftID,
		Status:         r.Status,
	}
	if r.CreatedAt != nil {
		m.CreatedAt = *r.CreatedAt
	}
	return m
}

// Page selects a window of a sorted listing.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) apply(q url.Values) {
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
}

// Messages lists a conversation oldest first.
func (c *Client) Messages(ctx context.Context, conv domain.ConversationID, page Page) ([]domain.Message, error) {
	q := url.Values{}
	q.Set("filter[conversation_id][_eq]", string(conv))
	q.Set("sort", "date_created")
	page.apply(q)
	var rows []messageRow
	if err := c.do(ctx, http.MethodGet, "/items/messages", q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

// SaveMessage stores m and returns the stored row, with the id and
// creation time the API assigned.
func (c *Client) SaveMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	if m.Status == "" {
		m.Status = domain.MessageSent
	}
	row := rowOf(m)
	row.ID = ""
	var saved messageRow
	if err := c.do(ctx, http.MethodPost, "/items/messages", nil, row, &saved); err != nil {
		return domain.Message{}, err
	}
	out := saved.message()
	out.SenderName = m.SenderName
	return out, nil
}

// MarkRead marks every unread message self received in conv as read.
func (c *Client) MarkRead(ctx context.Context, conv domain.ConversationID) error {
	q := url.Values{}
	q.Set("filter[conversation_id][_eq]", string(conv))
	q.Set("filter[receiver_id][_eq]", string(c.self.User.ID))
	q.Set("filter[status][_neq]", string(domain.MessageRead))
	return c.do(ctx, http.MethodPatch, "/items/messages", q, map[string]domain.MessageStatus{"status": domain.MessageRead}, nil)
}

// Upload stores a file and returns its media id.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if c.cfg.UploadFolder != "" {
		if err := mw.WriteField("folder", c.cfg.UploadFolder); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/files", nil, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var file struct {
		ID string `json:"id"`
	}
	if err := c.send(req, &file); err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", fmt.Errorf("upload %s: no file id", name)
	}
	return file.ID, nil
}
