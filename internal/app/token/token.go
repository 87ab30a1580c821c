// Package token issues and verifies media room tokens. A token binds one
// user to one room until it expires; only the server holds the secret.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Duet/internal/domain"
)

var (
	ErrInvalid = errors.New("token invalid")
	ErrExpired = errors.New("token expired")
	ErrNoKey   = errors.New("token secret not configured")
)

type Claims struct {
	Room      domain.RoomID `json:"room"`
	UserID    domain.UserID `json:"sub"`
	UserName  string        `json:"name"`
	ExpiresAt int64         `json:"exp"`
}

func (c Claims) User() domain.User {
	return domain.User{ID: c.UserID, Username: c.UserName}
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func NewIssuer(secret string, ttl time.Duration, clk clock.Clock) *Issuer {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, clock: clk}
}

// Issue signs a token for user in room and returns it with its expiry.
func (i *Issuer) Issue(room domain.RoomID, user domain.User) (string, time.Time, error) {
	if len(i.secret) == 0 {
		return "", time.Time{}, ErrNoKey
	}
	if room == "" {
		return "", time.Time{}, fmt.Errorf("issue token: %w", errors.New("room id empty"))
	}
	if _, err := domain.NewUser(user.ID, user.Username); err != nil {
		return "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}
	exp := i.clock.Now().Add(i.ttl).Truncate(time.Second)
	body, err := json.Marshal(Claims{Room: room, UserID: user.ID, UserName: user.Username, ExpiresAt: exp.Unix()})
	if err != nil {
		return "", time.Time{}, err
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + i.sign(payload), exp, nil
}

func (i *Issuer) Verify(tok string) (Claims, error) {
	payload, sig, ok := strings.Cut(tok, ".")
	if !ok || len(i.secret) == 0 {
		return Claims{}, ErrInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(i.sign(payload))) {
		return Claims{}, ErrInvalid
	}
	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalid
	}
	var c Claims
	if err := json.Unmarshal(body, &c); err != nil {
		return Claims{}, ErrInvalid
	}
	if !i.clock.Now().Before(time.Unix(c.ExpiresAt, 0)) {
		return Claims{}, ErrExpired
	}
	return c, nil
}

func (i *Issuer) sign(payload string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
