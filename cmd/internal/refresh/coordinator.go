// Package refresh collapses concurrent authorization failures into a single
// credential refresh and replays the rejected requests once it settles.
//
// Requests go out through Execute. A 401 on any endpoint other than the
// refresh endpoint parks the caller; the first one to arrive issues the
// refresh, every caller parked while it runs receives the same outcome, and
// on success each replays its own request exactly once. A failed refresh
// clears the session (forced logout).
package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"civic/cmd/internal/metrics"
	"civic/cmd/internal/session"
)

const (
	DefaultRefreshPath = "/api/v1/auth/refresh-token"
	DefaultTimeout     = 15 * time.Second

	// maxDrain bounds how much of a discarded 401 body is read so the
	// connection can be reused.
	maxDrain = 64 << 10
)

// Doer sends one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Refresher performs the credential refresh call. It must not go through
// the Coordinator.
type Refresher interface {
	Refresh(ctx context.Context) (session.RefreshResult, error)
}

// SessionStore is the subset of *session.Store the coordinator mutates.
type SessionStore interface {
	SetIdentity(ctx context.Context, id session.Identity) error
	Clear(ctx context.Context)
	SetLoading(loading bool)
}

type Options struct {
	Transport Doer
	Refresher Refresher
	Store     SessionStore
	Log       *slog.Logger
	Metrics   *metrics.Metrics

	// RefreshPath identifies the refresh endpoint; a 401 from a URL whose
	// path ends with it is returned as-is.
	RefreshPath string

	// Timeout bounds a single refresh call.
	Timeout time.Duration
}

// Coordinator is the single-flight refresh gate. Create one per client.
type Coordinator struct {
	transport   Doer
	refresher   Refresher
	store       SessionStore
	log         *slog.Logger
	metrics     *metrics.Metrics
	refreshPath string
	timeout     time.Duration

	mu       sync.Mutex
	inFlight bool
	pending  []chan error
}

func New(opts Options) (*Coordinator, error) {
	if opts.Transport == nil {
		return nil, errors.New("refresh: nil transport")
	}
	if opts.Refresher == nil {
		return nil, errors.New("refresh: nil refresher")
	}
	if opts.Store == nil {
		return nil, errors.New("refresh: nil store")
	}
	c := &Coordinator{
		transport:   opts.Transport,
		refresher:   opts.Refresher,
		store:       opts.Store,
		log:         opts.Log,
		metrics:     opts.Metrics,
		refreshPath: opts.RefreshPath,
		timeout:     opts.Timeout,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.refreshPath == "" {
		c.refreshPath = DefaultRefreshPath
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	return c, nil
}

// Do lets the Coordinator stand in for an *http.Client.
func (c *Coordinator) Do(req *http.Request) (*http.Response, error) {
	return c.Execute(req.Context(), req)
}

// Execute sends req and transparently recovers from one expired credential.
//
// Non-401 responses, and a 401 from the refresh endpoint itself, are
// returned unchanged. Otherwise the caller waits for a (possibly shared)
// refresh and then replays req once. A replay answered with 401 yields
// ErrCredentialExpired; a failed refresh yields a *RefreshError.
func (c *Coordinator) Execute(ctx context.Context, req *http.Request) (*http.Response, error) {
	req, err := replayable(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	resp, err := c.transport.Do(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if c.isRefreshEndpoint(req) {
		return resp, nil
	}
	discard(resp)

	c.log.Debug("refresh.unauthorized", "method", req.Method, "path", req.URL.Path)

	if err := c.await(ctx); err != nil {
		return nil, err
	}
	return c.replay(ctx, req)
}

// Refresh refreshes the credential now, or joins a refresh already in
// flight. Used by the proactive scheduler.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.await(ctx)
}

// Bootstrap is the start-up probe: it holds the loading flag while the
// credential is refreshed. On failure the session has been cleared.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	c.store.SetLoading(true)
	defer c.store.SetLoading(false)

	err := c.Refresh(ctx)
	if err != nil {
		c.log.Info("refresh.bootstrap.signed_out", "err", err)
		return err
	}
	c.log.Info("refresh.bootstrap.ok")
	return nil
}

// InFlight reports whether a refresh is currently running.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// await parks the caller until the current refresh settles, starting one if
// none is running. The flag is set before the refresh is issued, so a caller
// arriving at any point before settlement joins this refresh.
func (c *Coordinator) await(ctx context.Context) error {
	ch := make(chan error, 1)

	c.mu.Lock()
	c.pending = append(c.pending, ch)
	owner := !c.inFlight
	c.inFlight = true
	c.mu.Unlock()

	if owner {
		// Detached from ctx: one caller giving up must not fail the refresh
		// for everyone queued behind it.
		go c.run(context.WithoutCancel(ctx))
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	start := time.Now()
	c.log.Info("refresh.start")

	res, err := c.refresher.Refresh(ctx)
	if err != nil {
		err = &RefreshError{Err: err}
		c.log.Warn("refresh.fail", "err", err, "duration_ms", time.Since(start).Milliseconds())
		// Cleared before waiters are released so they observe a signed-out
		// session. Callers arriving meanwhile still join this refresh.
		c.store.Clear(parent)
	} else {
		if res.Identity != nil {
			if serr := c.store.SetIdentity(parent, *res.Identity); serr != nil {
				c.log.Warn("refresh.identity.rejected", "err", serr)
			}
		}
		c.log.Info("refresh.ok", "duration_ms", time.Since(start).Milliseconds(), "identity_returned", res.Identity != nil)
	}

	c.mu.Lock()
	waiters := c.pending
	c.pending = nil
	c.inFlight = false
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	c.metrics.ObserveRefresh(err == nil, len(waiters))
}

func (c *Coordinator) replay(ctx context.Context, orig *http.Request) (*http.Response, error) {
	req := orig.Clone(ctx)
	if orig.GetBody != nil {
		body, err := orig.GetBody()
		if err != nil {
			return nil, fmt.Errorf("refresh: rewind body: %w", err)
		}
		req.Body = body
	}

	// Sent on the raw transport: a replay never re-enters the coordinator.
	resp, err := c.transport.Do(req)
	if err != nil {
		c.metrics.ObserveReplay(false)
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		c.metrics.ObserveReplay(false)
		c.log.Warn("refresh.replay.unauthorized", "method", req.Method, "path", req.URL.Path)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, ErrCredentialExpired)
	}
	c.metrics.ObserveReplay(true)
	return resp, nil
}

func (c *Coordinator) isRefreshEndpoint(req *http.Request) bool {
	return req.URL != nil && strings.HasSuffix(strings.TrimRight(req.URL.Path, "/"), c.refreshPath)
}

// replayable makes sure req.Body can be re-read for the replay.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("refresh: buffer body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	req.ContentLength = int64(len(b))
	return req, nil
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()
}
