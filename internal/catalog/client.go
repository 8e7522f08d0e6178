package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iliyamo/ticket-saga/internal/repository"
)

// Client talks to the event service over HTTP.  Responses use the
// {success, data} envelope.
type Client struct {
	base string
	hc   *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: &http.Client{Timeout: timeout}}
}

func (c *Client) Event(ctx context.Context, id string) (Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events/"+url.PathEscape(id), nil)
	if err != nil {
		return Event{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return Event{}, fmt.Errorf("%w: event service: %v", repository.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Event{}, fmt.Errorf("%w: event service returned %d", repository.ErrUnavailable, resp.StatusCode)
	}
	var body struct {
		Success bool  `json:"success"`
		Data    Event `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Event{}, fmt.Errorf("%w: decode event: %v", repository.ErrUnavailable, err)
	}
	if !body.Success {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if body.Data.ID == "" {
		body.Data.ID = id
	}
	return body.Data, nil
}
