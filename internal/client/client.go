package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"verse-sync/internal/protocol"
)

// Client talks to the sync server. With a Session it authenticates with
// bearer tokens and refreshes once on 401; without one it sends X-User-ID,
// which a server without a token secret accepts.
type Client struct {
	httpClient *http.Client
	baseURL    string
	basePath   string
	userID     string
	session    *Session
}

func NewClient(httpClient *http.Client, baseURL, userID string, session *Session) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		basePath:   protocol.DefaultBasePath,
		userID:     strings.TrimSpace(userID),
		session:    session,
	}
}

// WithBasePath mounts the API under p instead of protocol.DefaultBasePath.
// It must be called before the client is shared.
func (c *Client) WithBasePath(p string) *Client {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		c.basePath = protocol.DefaultBasePath
	} else {
		c.basePath = "/" + p
	}
	return c
}

func (c *Client) Session() *Session {
	return c.session
}

// Authenticated reports whether requests carry an identity. Without a
// session the server decides who the caller is.
func (c *Client) Authenticated() bool {
	return c.session == nil || c.session.HasTokens()
}

func (c *Client) Sync(ctx context.Context, req protocol.SyncRequest) (protocol.SyncResponse, error) {
	if req.Changes == nil {
		req.Changes = []protocol.SyncItem{}
	}
	var out protocol.SyncResponse
	if err := c.doAuthed(ctx, http.MethodPost, c.basePath+"/sync", req, &out); err != nil {
		return protocol.SyncResponse{}, err
	}
	return out, nil
}

func (c *Client) Cursors(ctx context.Context) ([]protocol.DeviceCursor, error) {
	var out protocol.CursorsResponse
	if err := c.doAuthed(ctx, http.MethodGet, c.basePath+"/cursors", nil, &out); err != nil {
		return nil, err
	}
	return out.Cursors, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (protocol.TokenPair, error) {
	var out protocol.TokenPair
	err := c.do(ctx, http.MethodPost, c.basePath+"/auth/refresh", "", protocol.RefreshRequest{RefreshToken: refreshToken}, &out)
	return out, err
}

// Health returns nil when the server answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

func (c *Client) doAuthed(ctx context.Context, method, path string, body, out any) error {
	if c.session == nil {
		return c.do(ctx, method, path, "", body, out)
	}
	token := c.session.AccessToken()
	err := c.do(ctx, method, path, token, body, out)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	if err := c.session.renew(ctx, token, c.Refresh); err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrSessionExpired) {
			c.session.Clear()
			return ErrSessionExpired
		}
		return fmt.Errorf("refresh token: %w", err)
	}
	err = c.do(ctx, method, path, c.session.AccessToken(), body, out)
	if errors.Is(err, ErrUnauthorized) {
		c.session.Clear()
		return ErrSessionExpired
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path, token string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var eb protocol.ErrorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	default:
		msg := strings.TrimSpace(eb.Message)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{StatusCode: resp.StatusCode, Code: eb.Error, Message: msg}
	}
}
