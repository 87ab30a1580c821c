package content

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dkeye/Duet/internal/domain"
)

// Profile is one row of the user directory.
type Profile struct {
	ID        domain.UserID `json:"id"`
	FirstName string        `json:"first_name"`
	LastName  string        `json:"last_name"`
	Email     string        `json:"email"`
}

// DisplayName falls back to the email, then the id, for rows without names.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	switch {
	case name != "":
		return name
	case p.Email != "":
		return p.Email
	default:
		return string(p.ID)
	}
}

const directoryLimit = 100

// Peers lists every user except self.
func (c *Client) Peers(ctx context.Context) ([]Profile, error) {
	q := url.Values{}
	q.Set("filter[id][_neq]", string(c.self.User.ID))
	q.Set("fields", "id,first_name,last_name,email")
	q.Set("limit", strconv.Itoa(directoryLimit))
	var out []Profile
	if err := c.do(ctx, http.MethodGet, "/users", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
