package content

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Duet/internal/domain"
)

// TokenClient asks the server for media room tokens.
type TokenClient struct {
	base string
	http *http.Client
}

func NewTokenClient(serverURL string, timeout time.Duration) *TokenClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TokenClient{base: strings.TrimRight(serverURL, "/"), http: &http.Client{Timeout: timeout}}
}

type tokenRequest struct {
	RoomID   domain.RoomID `json:"roomID"`
	UserID   domain.UserID `json:"userID"`
	UserName string        `json:"userName"`
}

type tokenReply struct {
	Token     string    `json:"token"`
	RoomID    string    `json:"roomID"`
	UserID    string    `json:"userID"`
	ExpiresAt time.Time `json:"expiresAt"`
	Error     string    `json:"error"`
}

func (c *TokenClient) RoomToken(ctx context.Context, room domain.RoomID, self domain.User) (string, error) {
	b, err := json.Marshal(tokenRequest{RoomID: room, UserID: self.ID, UserName: self.Username})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/tokens", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("room token: %w", err)
	}
	defer resp.Body.Close()

	var reply tokenReply
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&reply)
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Body: reply.Error}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("room token: decode: %w", decodeErr)
	}
	if reply.Token == "" {
		return "", errors.New("room token: empty token")
	}
	return reply.Token, nil
}
