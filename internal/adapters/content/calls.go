package content

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dkeye/Duet/internal/domain"
)

func (c *Client) CreateCall(ctx context.Context, rec domain.CallRecord) error {
	return c.do(ctx, http.MethodPost, "/items/video_calls", nil, rec, nil)
}

type callPatch struct {
	Status   string `json:"call_status"`
	Duration int    `json:"duration,omitempty"`
}

// UpdateCall sets the status of a call record; a positive duration is
// stored in whole seconds.
func (c *Client) UpdateCall(ctx context.Context, id domain.CallID, status string, duration time.Duration) error {
	q := url.Values{}
	q.Set("filter[call_id][_eq]", string(id))
	return c.do(ctx, http.MethodPatch, "/items/video_calls", q, callPatch{Status: status, Duration: int(duration / time.Second)}, nil)
}

// CallHistory lists the latest calls self took part in, newest first.
func (c *Client) CallHistory(ctx context.Context, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("filter[_or][0][caller_id][_eq]", string(c.self.User.ID))
	q.Set("filter[_or][1][callee_id][_eq]", string(c.self.User.ID))
	q.Set("sort", "-start_time")
	q.Set("limit", strconv.Itoa(limit))
	var out []domain.CallRecord
	if err := c.do(ctx, http.MethodGet, "/items/video_calls", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
