package arbitrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nshruti113/dos-protect/internal/models"
)

// Client is a Store backed by a remote arbitrator Server.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) resourceURL(id models.ResourceID) string {
	return fmt.Sprintf("%s/api/v1/baselines/%s/%s/%s", c.base,
		url.PathEscape(id.Namespace), url.PathEscape(id.Protected), url.PathEscape(id.Name))
}

func (c *Client) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func statusError(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: arbitrator returned %s: %s", op, resp.Status, bytes.TrimSpace(msg))
}

func (c *Client) Push(ctx context.Context, id models.ResourceID, b models.Baseline) (bool, error) {
	resp, err := c.do(ctx, http.MethodPut, c.resourceURL(id), b)
	if err != nil {
		return false, fmt.Errorf("push baseline %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, statusError("push baseline "+id.String(), resp)
	}
	var out struct {
		Accepted bool `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("push baseline %s: %w", id, err)
	}
	return out.Accepted, nil
}

func (c *Client) Pull(ctx context.Context, id models.ResourceID) (models.Baseline, error) {
	resp, err := c.do(ctx, http.MethodGet, c.resourceURL(id), nil)
	if err != nil {
		return models.Baseline{}, fmt.Errorf("pull baseline %s: %w", id, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return models.Baseline{}, ErrNotFound
	default:
		return models.Baseline{}, statusError("pull baseline "+id.String(), resp)
	}
	var b models.Baseline
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return models.Baseline{}, fmt.Errorf("decode baseline %s: %w", id, err)
	}
	return b, nil
}

func (c *Client) Attach(ctx context.Context, id models.ResourceID, replica string) error {
	return c.replica(ctx, http.MethodPut, id, replica)
}

func (c *Client) Detach(ctx context.Context, id models.ResourceID, replica string) error {
	return c.replica(ctx, http.MethodDelete, id, replica)
}

func (c *Client) replica(ctx context.Context, method string, id models.ResourceID, replica string) error {
	target := c.resourceURL(id) + "/replicas/" + url.PathEscape(replica)
	resp, err := c.do(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("%s replica %s of %s: %w", strings.ToLower(method), replica, id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(strings.ToLower(method)+" replica "+replica, resp)
	}
	return nil
}
