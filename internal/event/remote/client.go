// Package remote consumes the identity event log over the auth service's
// HTTP endpoints, adapting them to the event.Source interface.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"authmesh.org/internal/event"
)

// Client implements event.Source against a remote log.
type Client struct {
	base string
	http *http.Client
}

var _ event.Source = (*Client)(nil)

// New creates a client with sensible defaults. The HTTP timeout must exceed
// the server's long-poll window so idle polls end with 204, not an error.
func New(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{base: base, http: httpClient}
}

type metaResponse struct {
	Partitions int `json:"partitions"`
}

type commitRequest struct {
	Group  string `json:"group"`
	Offset int64  `json:"offset"`
}

// Partitions fetches the partition count of the remote log.
func (c *Client) Partitions(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/events/meta", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("events meta: unexpected status %d", resp.StatusCode)
	}
	var meta metaResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return 0, fmt.Errorf("decode events meta: %w", err)
	}
	if meta.Partitions <= 0 {
		return 0, fmt.Errorf("events meta: invalid partition count %d", meta.Partitions)
	}
	return meta.Partitions, nil
}

// Poll long-polls for the next uncommitted record, retrying on empty
// responses until the context ends.
func (c *Client) Poll(ctx context.Context, group string, partition int) (event.Record, error) {
	url := fmt.Sprintf("%s/v1/events/%d?group=%s", c.base, partition, group)
	for {
		if err := ctx.Err(); err != nil {
			return event.Record{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return event.Record{}, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return event.Record{}, err
		}
		switch resp.StatusCode {
		case http.StatusOK:
			var rec event.Record
			err := json.NewDecoder(resp.Body).Decode(&rec)
			resp.Body.Close()
			if err != nil {
				return event.Record{}, fmt.Errorf("decode record: %w", err)
			}
			return rec, nil
		case http.StatusNoContent:
			resp.Body.Close()
			continue
		default:
			resp.Body.Close()
			return event.Record{}, fmt.Errorf("poll partition %d: unexpected status %d", partition, resp.StatusCode)
		}
	}
}

// Commit acknowledges a record for the consumer group.
func (c *Client) Commit(ctx context.Context, group string, partition int, offset int64) error {
	body, err := json.Marshal(commitRequest{Group: group, Offset: offset})
	if err != nil {
		return err
	}
	url := c.base + "/v1/events/" + strconv.Itoa(partition) + "/commit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("commit partition %d: unexpected status %d", partition, resp.StatusCode)
	}
	return nil
}
