package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dkeye/Duet/internal/domain"
)

// Tokens is the reply of the auth endpoints. Expires is in milliseconds.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expires      int64  `json:"expires"`
}

// Login exchanges credentials for a token pair.
func Login(ctx context.Context, cfg Config, email, password string) (Tokens, error) {
	var out Tokens
	body := map[string]string{"email": email, "password": password}
	if err := postAnonymous(ctx, cfg, "/auth/login", body, &out); err != nil {
		return Tokens{}, err
	}
	if out.AccessToken == "" {
		return Tokens{}, ErrNoToken
	}
	return out, nil
}

// Refresh trades a refresh token for a new pair.
func Refresh(ctx context.Context, cfg Config, refreshToken string) (Tokens, error) {
	var out Tokens
	if err := postAnonymous(ctx, cfg, "/auth/refresh", map[string]string{"refresh_token": refreshToken}, &out); err != nil {
		return Tokens{}, err
	}
	if out.AccessToken == "" {
		return Tokens{}, ErrNoToken
	}
	return out, nil
}

func postAnonymous(ctx context.Context, cfg Config, path string, body, out any) error {
	c := NewClient(cfg, domain.Identity{})
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.send(req, out)
}

// Me fetches the profile the bearer token belongs to.
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &out); err != nil {
		return Profile{}, err
	}
	return out, nil
}

// Resolve logs in with credentials and returns the identity the content
// API knows them by.
func Resolve(ctx context.Context, cfg Config, email, password string) (domain.Identity, error) {
	tok, err := Login(ctx, cfg, email, password)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("login: %w", err)
	}
	me, err := NewClient(cfg, domain.Identity{AccessToken: tok.AccessToken}).Me(ctx)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("profile: %w", err)
	}
	u, err := domain.NewUser(me.ID, me.DisplayName())
	if err != nil {
		return domain.Identity{}, fmt.Errorf("profile: %w", err)
	}
	return domain.Identity{User: *u, AccessToken: tok.AccessToken}, nil
}
