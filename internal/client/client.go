// Package client talks to the portal's HTTP API.  It is used by portalctl
// and mirrors the error kinds of package tracker, so callers branch with
// errors.Is(err, tracker.ErrConflict) whether they run in-process or remote.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/tracker"
)

// DeviceHeader carries the guest device token.
const DeviceHeader = "X-Device-ID"

// APIError is a non-2xx answer.  It unwraps to the matching tracker error
// kind.
type APIError struct {
	Status  int
	Message string
	Fatal   bool
	kind    error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.kind }

func kindFor(status int, fatal bool) error {
	switch {
	case fatal:
		return tracker.ErrPartialArchive
	case status == http.StatusConflict:
		return tracker.ErrConflict
	case status == http.StatusForbidden:
		return tracker.ErrPermissionDenied
	case status == http.StatusBadRequest, status == http.StatusRequestEntityTooLarge:
		return tracker.ErrValidation
	case status == http.StatusNotFound:
		return tracker.ErrNotFound
	case status >= 500, status == http.StatusTooManyRequests:
		return tracker.ErrBackendUnavailable
	}
	return nil
}

// Client is a portal API client.  Token, when set, authenticates as a
// registered user; otherwise DeviceID identifies a guest.
type Client struct {
	BaseURL  string
	HTTP     *http.Client
	Token    string
	DeviceID string
}

type Option func(*Client)

// WithToken authenticates requests with an access token.
func WithToken(token string) Option { return func(c *Client) { c.Token = token } }

// WithDevice sets the guest device token.
func WithDevice(id string) Option { return func(c *Client) { c.DeviceID = id } }

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.HTTP = h } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	} else if c.DeviceID != "" {
		req.Header.Set(DeviceHeader, c.DeviceID)
	}
	return req, nil
}

// do sends the request and decodes a 2xx JSON answer into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, tracker.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func readError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Fatal bool   `json:"fatal"`
	}
	bs, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(bs, &body) != nil {
		body.Error = strings.TrimSpace(string(bs))
	}
	return &APIError{
		Status:  resp.StatusCode,
		Message: body.Error,
		Fatal:   body.Fatal,
		kind:    kindFor(resp.StatusCode, body.Fatal),
	}
}

// Tokens is the result of a login.
type Tokens struct {
	Access  string
	Refresh string
	Role    string
}

// Login exchanges credentials for tokens and keeps the access token on c.
func (c *Client) Login(ctx context.Context, username, password string) (Tokens, error) {
	var resp struct {
		User struct {
			Role string `json:"role"`
		} `json:"user"`
		Access struct {
			Token string `json:"token"`
		} `json:"access"`
		Refresh struct {
			Token string `json:"token"`
		} `json:"refresh"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", map[string]string{"username": username, "password": password}, &resp)
	if err != nil {
		return Tokens{}, err
	}
	c.Token = resp.Access.Token
	return Tokens{Access: resp.Access.Token, Refresh: resp.Refresh.Token, Role: resp.User.Role}, nil
}

// Parts reads the grid as seen by the caller.
func (c *Client) Parts(ctx context.Context) (tracker.GridView, error) {
	var g tracker.GridView
	err := c.do(ctx, http.MethodGet, "/v1/parts", nil, &g)
	return g, err
}

// Claim takes part id.  guestName is required when calling as a guest.
func (c *Client) Claim(ctx context.Context, id int, guestName string) (tracker.PartView, error) {
	var body any
	if guestName != "" {
		body = map[string]string{"guest_name": guestName}
	}
	var p tracker.PartView
	err := c.do(ctx, http.MethodPost, "/v1/parts/"+strconv.Itoa(id)+"/claim", body, &p)
	return p, err
}

// Release frees part id.
func (c *Client) Release(ctx context.Context, id int) error {
	return c.do(ctx, http.MethodDelete, "/v1/parts/"+strconv.Itoa(id)+"/claim", nil, nil)
}

// Tracker reads the current round name and completed count.
func (c *Client) Tracker(ctx context.Context) (model.TrackerState, error) {
	var s model.TrackerState
	err := c.do(ctx, http.MethodGet, "/v1/tracker", nil, &s)
	return s, err
}

// SignURL resolves a stored file reference to a signed link.
func (c *Client) SignURL(ctx context.Context, ref string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/files/sign?url="+url.QueryEscape(ref), nil, &resp)
	return resp.URL, err
}

// Watch follows the snapshot stream and calls fn for every grid until ctx
// ends, the server closes the stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(tracker.GridView) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/parts/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// the stream is long lived; only ctx bounds it
	h := *c.HTTP
	h.Timeout = 0
	resp, err := h.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("watch: %w: %w", tracker.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var event string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && event == "snapshot":
			var g tracker.GridView
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &g); err != nil {
				return fmt.Errorf("watch: decode snapshot: %w", err)
			}
			if err := fn(g); err != nil {
				return err
			}
		case line == "":
			event = ""
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch: %w: %w", tracker.ErrBackendUnavailable, err)
	}
	return nil
}
