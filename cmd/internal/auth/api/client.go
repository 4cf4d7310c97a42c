package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"civic/cmd/internal/session"
)

// Doer sends one HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Refresher calls the refresh endpoint. It must be given the raw transport,
// never the refresh coordinator.
type Refresher struct {
	cfg Config
	raw Doer
}

func NewRefresher(cfg Config, raw Doer) *Refresher {
	return &Refresher{cfg: cfg, raw: raw}
}

// Refresh rotates the cookie-bound credential. The backend may echo the
// principal; an absent or unusable one yields a token-only result.
func (r *Refresher) Refresh(ctx context.Context) (session.RefreshResult, error) {
	var out identityResponse
	if err := send(ctx, r.raw, r.cfg, http.MethodPost, PathRefresh, nil, &out); err != nil {
		return session.RefreshResult{}, err
	}
	if out.Data == nil || out.Data.Validate() != nil {
		return session.RefreshResult{}, nil
	}
	return session.RefreshResult{Identity: out.Data}, nil
}

// Client is the backend surface the core depends on. Calls other than
// Login go through api, which is expected to be the refresh coordinator.
type Client struct {
	cfg Config
	api Doer
	raw Doer
}

func NewClient(cfg Config, api, raw Doer) *Client {
	return &Client{cfg: cfg, api: api, raw: raw}
}

// Login exchanges credentials for a session cookie and returns the
// principal. It uses the raw transport: a 401 here means bad credentials,
// not an expired session.
func (c *Client) Login(ctx context.Context, email, password string) (session.Identity, error) {
	in := loginRequest{Email: strings.TrimSpace(email), Password: password}
	var out identityResponse
	if err := send(ctx, c.raw, c.cfg, http.MethodPost, PathLogin, in, &out); err != nil {
		return session.Identity{}, err
	}
	if out.Data == nil {
		return session.Identity{}, fmt.Errorf("%w: login returned no user", ErrMalformedResponse)
	}
	if err := out.Data.Validate(); err != nil {
		return session.Identity{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return *out.Data, nil
}

// Logout ends the server-side session. The caller clears local state.
func (c *Client) Logout(ctx context.Context) error {
	return send(ctx, c.api, c.cfg, http.MethodPost, PathLogout, nil, nil)
}

// SocketToken fetches the short-lived realtime channel credential.
func (c *Client) SocketToken(ctx context.Context) (string, error) {
	var out socketTokenResponse
	if err := send(ctx, c.api, c.cfg, http.MethodGet, PathSocketToken, nil, &out); err != nil {
		return "", err
	}
	tok := strings.TrimSpace(out.Data.SocketToken)
	if tok == "" {
		return "", ErrNoSocketToken
	}
	return tok, nil
}

// UnreadCount returns the authoritative unread emergency count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out unreadCountResponse
	if err := send(ctx, c.api, c.cfg, http.MethodGet, PathUnreadCount, nil, &out); err != nil {
		return 0, err
	}
	if out.Count == nil || *out.Count < 0 {
		return 0, fmt.Errorf("%w: missing or negative count", ErrMalformedResponse)
	}
	return *out.Count, nil
}

// MarkAllRead marks every emergency message read on the server.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return send(ctx, c.api, c.cfg, http.MethodPatch, PathMarkAllRead, nil, nil)
}

func send(ctx context.Context, d Doer, cfg Config, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL(endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, cfg.MaxBodyBytes, out)
}
