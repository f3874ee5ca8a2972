// Package authority is the request/response side of the remote authority.
//
// Every method is one independent HTTP call. A call only reports whether the
// authority accepted it; the effect on the list arrives later as a change
// notification on the stream, so nothing here touches local state.
package authority

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/userlist/userlist/pkg/models"
)

const (
	PathUsers = "/users"
	PathAdd   = "/add"
	PathUser  = "/user"

	DefaultTimeout = 30 * time.Second
)

// StatusError is returned when the authority answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("authority %s %s: status=%d, body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client issues commands to the authority over HTTP.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the authority at baseURL, e.g.
// "http://localhost:8080". A trailing slash is ignored.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) doRequest(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authority %s %s: %w", method, path, err)
	}
	return resp, nil
}

// decodeResponse turns a non-2xx response into a *StatusError and otherwise
// decodes the body into target, if any.
func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{
			Method:     resp.Request.Method,
			Path:       resp.Request.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Users fetches the full list.
func (c *Client) Users(ctx context.Context) ([]models.Record, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, PathUsers, "", nil)
	if err != nil {
		return nil, err
	}

	var records []models.Record
	if err := decodeResponse(resp, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.Record{}
	}

	return records, nil
}

// Create asks the authority to add a record with the given name. The
// authority assigns the ID and announces it with an Insert notification.
func (c *Client) Create(ctx context.Context, name string) error {
	form := url.Values{"name": {name}}
	resp, err := c.doRequest(ctx, http.MethodPost, PathAdd,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}

	return decodeResponse(resp, nil)
}

// Modify replaces the name of record.ID. The authority announces the change
// with an Update notification.
func (c *Client) Modify(ctx context.Context, record models.Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, PathUser, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}

	return decodeResponse(resp, nil)
}

// Remove deletes the record with the given ID. The authority announces the
// removal with a Delete notification.
func (c *Client) Remove(ctx context.Context, id int64) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, PathUser+"/"+strconv.FormatInt(id, 10), "", nil)
	if err != nil {
		return err
	}

	return decodeResponse(resp, nil)
}
