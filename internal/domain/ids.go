package domain

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const idSuffixLen = 9

// NewCallID returns call_{unix-millis}_{random base36}.
// Uniqueness is probabilistic: time plus 9 random base36 digits.
func NewCallID(now time.Time) CallID {
	return CallID(newID("call", now))
}

// NewRoomID returns room_{unix-millis}_{random base36}.
func NewRoomID(now time.Time) RoomID {
	return RoomID(newID("room", now))
}

func newID(prefix string, now time.Time) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('_')
	b.WriteString(randomBase36(idSuffixLen))
	return b.String()
}

func randomBase36(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	out := make([]byte, n)
	for i := range out {
		out[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(out)
}
