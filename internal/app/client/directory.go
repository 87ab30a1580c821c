package client

import (
	"context"
	"sort"

	"github.com/dkeye/Duet/internal/domain"
)

// PeerEntry is one row of the people list: a directory profile merged
// with presence.
type PeerEntry struct {
	ID          domain.UserID
	DisplayName string
	Online      bool
	InCall      bool
}

// Directory lists known peers, online first, then by name. Online peers the
// content API does not know are listed with their roster name.
func (c *Client) Directory(ctx context.Context) ([]PeerEntry, error) {
	online := make(map[domain.UserID]domain.PeerPresence)
	for _, p := range c.Presence.ListOthers() {
		online[p.ID] = p
	}

	var out []PeerEntry
	if c.content != nil {
		profiles, err := c.content.Peers(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range profiles {
			if p.ID == c.self.ID || p.ID == "" {
				continue
			}
			e := PeerEntry{ID: p.ID, DisplayName: p.DisplayName()}
			if pr, ok := online[p.ID]; ok {
				e.Online = true
				e.InCall = pr.IsInCall
				delete(online, p.ID)
			}
			out = append(out, e)
		}
	}
	for _, pr := range online {
		name := pr.DisplayName
		if name == "" {
			name = string(pr.ID)
		}
		out = append(out, PeerEntry{ID: pr.ID, DisplayName: name, Online: true, InCall: pr.IsInCall})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
