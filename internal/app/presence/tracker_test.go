package presence

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peer(id, name string, at int64) domain.PeerPresence {
	return domain.PeerPresence{ID: domain.UserID(id), DisplayName: name, ConnectedAt: time.Unix(at, 0)}
}

func TestRosterReplacesWorkingSet(t *testing.T) {
	tr := NewTracker("me")
	tr.OnRosterUpdate([]domain.PeerPresence{peer("me", "Me", 1), peer("u2", "Bob", 1), peer("u3", "Carol", 1)})

	assert.True(t, tr.IsOnline("u2"))
	assert.False(t, tr.IsOnline("me"))
	assert.Len(t, tr.ListOthers(), 2)

	tr.OnRosterUpdate([]domain.PeerPresence{peer("u3", "Carol", 1)})
	assert.False(t, tr.IsOnline("u2"))
	assert.Equal(t, []domain.PeerPresence{peer("u3", "Carol", 1)}, tr.ListOthers())

	tr.OnRosterUpdate(nil)
	assert.Empty(t, tr.ListOthers())
}

func TestDuplicateIDsKeepLatestConnection(t *testing.T) {
	tr := NewTracker("me")
	tr.OnRosterUpdate([]domain.PeerPresence{
		peer("u2", "Bob (old tab)", 10),
		peer("u2", "Bob", 20),
		peer("u2", "Bob (older)", 5),
		peer("", "ghost", 1),
	})
	others := tr.ListOthers()
	require.Len(t, others, 1)
	assert.Equal(t, "Bob", others[0].DisplayName)
}

func TestListOthersIsSorted(t *testing.T) {
	tr := NewTracker("me")
	tr.OnRosterUpdate([]domain.PeerPresence{peer("u9", "Zed", 1), peer("u2", "Amy", 1), peer("u1", "Amy", 1)})
	others := tr.ListOthers()
	ids := []domain.UserID{others[0].ID, others[1].ID, others[2].ID}
	assert.Equal(t, []domain.UserID{"u1", "u2", "u9"}, ids)
}

func TestSubscribeReportsDiff(t *testing.T) {
	tr := NewTracker("me")
	ch, cancel := tr.Subscribe()
	defer cancel()

	tr.OnRosterUpdate([]domain.PeerPresence{peer("u2", "Bob", 1)})
	evt := <-ch
	assert.Equal(t, []domain.UserID{"u2"}, evt.Joined)
	assert.Empty(t, evt.Left)

	tr.OnRosterUpdate([]domain.PeerPresence{peer("u3", "Carol", 1)})
	evt = <-ch
	assert.Equal(t, []domain.UserID{"u3"}, evt.Joined)
	assert.Equal(t, []domain.UserID{"u2"}, evt.Left)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	tr.OnRosterUpdate(nil)
}

// For any sequence of broadcasts the working set never contains self and
// never contains duplicate ids.
func TestRosterSequence(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	tr := NewTracker("u0")
	for round := 0; round < 200; round++ {
		n := rng.IntN(12)
		list := make([]domain.PeerPresence, 0, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("u%d", rng.IntN(6))
			list = append(list, peer(id, id, rng.Int64N(100)))
		}
		tr.OnRosterUpdate(list)

		seen := map[domain.UserID]bool{}
		for _, p := range tr.ListOthers() {
			require.NotEqual(t, domain.UserID("u0"), p.ID)
			require.False(t, seen[p.ID], "duplicate %s", p.ID)
			seen[p.ID] = true
		}
	}
}
