package domain

import (
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserValidation(t *testing.T) {
	u, err := NewUser("u1", "  Alice ")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Username)

	_, err = NewUser("", "Alice")
	assert.ErrorIs(t, err, ErrUserIDEmpty)

	_, err = NewUser("u1", "   ")
	assert.ErrorIs(t, err, ErrUsernameEmpty)

	long := make([]byte, MaxUsernameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = NewUser("u1", string(long))
	assert.ErrorIs(t, err, ErrUsernameTooLong)
}

func TestIDFormat(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	re := regexp.MustCompile(`^call_1700000000123_[0-9a-z]{9}$`)
	assert.Regexp(t, re, string(NewCallID(now)))
	assert.Regexp(t, `^room_1700000000123_[0-9a-z]{9}$`, string(NewRoomID(now)))

	seen := make(map[CallID]struct{})
	for i := 0; i < 1000; i++ {
		seen[NewCallID(now)] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}

func TestCallStateTerminal(t *testing.T) {
	for _, s := range []CallState{CallIdle, CallOutgoing, CallIncoming, CallConnecting, CallConnected} {
		assert.False(t, s.IsTerminal(), s.String())
	}
	assert.True(t, CallEnded.IsTerminal())
	assert.True(t, CallFailed.IsTerminal())
	assert.Equal(t, "unknown", CallState(99).String())
}

func TestCallDuration(t *testing.T) {
	start := time.Unix(100, 0)
	c := CallSession{}
	assert.Zero(t, c.Duration(start))
	c.ConnectedAt = start
	assert.Equal(t, 42*time.Second, c.Duration(start.Add(42*time.Second+300*time.Millisecond)))
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("NotAllowedError")
	err := fmt.Errorf("join: %w", &MediaSessionError{Reason: MediaPermissionDenied, Err: cause})

	reason, ok := MediaReason(err)
	require.True(t, ok)
	assert.Equal(t, MediaPermissionDenied, reason)
	assert.False(t, reason.Retryable())
	assert.ErrorIs(t, err, cause)

	var te *TransportError
	terr := fmt.Errorf("connect: %w", &TransportError{Reason: TransportRetriesExhausted})
	require.ErrorAs(t, terr, &te)
	assert.Equal(t, "transport: retries-exhausted", te.Error())

	assert.Equal(t, "call rejected: busy", (&SignalingRejectedError{Reason: ReasonBusy}).Error())
}
