package domain

import "time"

// PeerPresence is one entry of a roster broadcast.
type PeerPresence struct {
	ID          UserID    `json:"id"`
	DisplayName string    `json:"firstName"`
	IsInCall    bool      `json:"isInCall"`
	ConnectedAt time.Time `json:"connectedAt"`
}
