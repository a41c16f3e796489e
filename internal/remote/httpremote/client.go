package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/floorlog/internal/model"
	"github.com/roach88/floorlog/internal/remote"
)

// Client is an Authority reached over HTTP.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at baseURL. A nil httpClient
// uses one with a 30 second timeout; callers usually bound each attempt
// with a context deadline as well.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// PushEvents implements remote.Authority.
func (c *Client) PushEvents(ctx context.Context, batch []model.WorkEvent) ([]remote.PushResult, error) {
	body, err := json.Marshal(pushRequest{Events: batch})
	if err != nil {
		return nil, fmt.Errorf("encode push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/events/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp pushResponse
	if err := c.do(req, &resp); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			if verdict, ok := se.Verdict(); ok {
				return judgeAll(batch, verdict, se.Error()), nil
			}
		}
		return nil, fmt.Errorf("push %d events: %w", len(batch), err)
	}
	if len(resp.Results) != len(batch) {
		return nil, fmt.Errorf("push %d events: server returned %d results", len(batch), len(resp.Results))
	}
	return resp.Results, nil
}

// History implements remote.Authority.
func (c *Client) History(ctx context.Context, code string) ([]model.WorkEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/work-items/"+url.PathEscape(code)+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}

	var resp historyResponse
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("history %s: %w", code, err)
	}
	return resp.Events, nil
}

// StatusError is a non-200 reply from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Verdict maps statuses that judge the whole batch to a verdict. Other
// statuses report false and are treated as transient by the caller.
func (e *StatusError) Verdict() (remote.Verdict, bool) {
	switch e.Code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return remote.VerdictRejected, true
	case http.StatusConflict:
		return remote.VerdictConflicted, true
	default:
		return "", false
	}
}

func judgeAll(batch []model.WorkEvent, verdict remote.Verdict, reason string) []remote.PushResult {
	results := make([]remote.PushResult, len(batch))
	for i, ev := range batch {
		results[i] = remote.PushResult{EventID: ev.EventID, Verdict: verdict, Reason: reason}
	}
	return results
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := &StatusError{Code: resp.StatusCode}
		var e errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) == nil {
			se.Message = e.Error
		}
		return se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
