package token

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ann = domain.User{ID: "u1", Username: "Ann"}

func TestIssueAndVerify(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	iss := NewIssuer("s3cret", time.Minute, clk)

	tok, exp, err := iss.Issue("room_1", ann)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(time.Minute), exp)

	c, err := iss.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("room_1"), c.Room)
	assert.Equal(t, ann, c.User())
}

func TestTamperedToken(t *testing.T) {
	iss := NewIssuer("s3cret", time.Minute, nil)
	tok, _, err := iss.Issue("room_1", ann)
	require.NoError(t, err)

	other, _, err := iss.Issue("room_2", ann)
	require.NoError(t, err)
	forged := other[:len(other)-len(tok[len(tok)-43:])] + tok[len(tok)-43:]

	for _, bad := range []string{"", "nodot", tok + "x", "x" + tok, forged} {
		_, err := iss.Verify(bad)
		assert.ErrorIs(t, err, ErrInvalid, bad)
	}

	_, err = NewIssuer("other", time.Minute, nil).Verify(tok)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestExpiredToken(t *testing.T) {
	clk := clock.NewMock()
	iss := NewIssuer("s3cret", time.Minute, clk)
	tok, _, err := iss.Issue("room_1", ann)
	require.NoError(t, err)

	clk.Add(59 * time.Second)
	_, err = iss.Verify(tok)
	require.NoError(t, err)

	clk.Add(time.Second)
	_, err = iss.Verify(tok)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestIssueValidation(t *testing.T) {
	_, _, err := NewIssuer("", time.Minute, nil).Issue("room_1", ann)
	assert.ErrorIs(t, err, ErrNoKey)

	iss := NewIssuer("s3cret", time.Minute, nil)
	_, _, err = iss.Issue("", ann)
	assert.Error(t, err)
	_, _, err = iss.Issue("room_1", domain.User{ID: "u1"})
	assert.ErrorIs(t, err, domain.ErrUsernameEmpty)
}
