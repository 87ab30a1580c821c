package core

import (
	"errors"
	"testing"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct {
	frames []Frame
	full   bool
}

func (f *fakeSignal) TrySend(fr Frame) error {
	if f.full {
		return errors.New("backpressure")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func member(id string) (MemberSession, *fakeSignal) {
	sig := &fakeSignal{}
	ms := NewMemberSession(domain.NewMember(&domain.User{ID: domain.UserID(id), Username: id})).UpdateSignal(sig)
	return ms, sig
}

func TestRoomCapacity(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "room_1"})
	a, _ := member("a")
	b, _ := member("b")
	c, _ := member("c")

	require.NoError(t, room.AddMember("s1", a))
	require.NoError(t, room.AddMember("s2", b))
	assert.ErrorIs(t, room.AddMember("s3", c), ErrRoomFull)
	assert.Equal(t, 2, room.MemberCount())

	// re-adding the same session is a no-op
	require.NoError(t, room.AddMember("s1", a))

	room.RemoveMember("s2")
	require.NoError(t, room.AddMember("s3", c))
	assert.Equal(t, []MemberDTO{{ID: "a", Username: "a"}, {ID: "c", Username: "c"}}, room.MembersSnapshot())
}

func TestRoomRejectsSecondSessionOfSameUser(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "room_1"})
	a1, _ := member("a")
	a2, _ := member("a")
	require.NoError(t, room.AddMember("s1", a1))
	assert.ErrorIs(t, room.AddMember("s2", a2), ErrAlreadyMember)
}

func TestRoomBroadcastSkipsSenderAndReportsDropped(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "room_1"})
	a, sa := member("a")
	b, sb := member("b")
	require.NoError(t, room.AddMember("s1", a))
	require.NoError(t, room.AddMember("s2", b))

	res := room.Broadcast("s1", Frame(`{"type":"x"}`))
	assert.Equal(t, 1, res.SendTo)
	assert.Empty(t, sa.frames)
	assert.Len(t, sb.frames, 1)

	sb.full = true
	res = room.Broadcast("s1", Frame(`{"type":"x"}`))
	assert.Equal(t, 0, res.SendTo)
	assert.Equal(t, []MemberSession{b}, res.Dropped)
}
