package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"civic/cmd/identity/ids"
	v1 "civic/shared/contracts/realtime/v1"
)

const (
	pollMaxBody      = 1 << 20
	pollCloseTimeout = 2 * time.Second
)

// PollDialer is the long-polling fallback.
//
// Handshake: POST {base}/realtime/poll with a hello envelope, answered by a
// hello_ack carrying the session id. Receive: GET ?sid= returns 200 with a
// JSON array of envelopes, 204 when the poll window elapsed empty, or 410
// when the server ended the session. Send: POST ?sid= with one envelope.
// Close: DELETE ?sid=.
type PollDialer struct {
	url    *url.URL
	client *http.Client
	log    *slog.Logger
}

func NewPollDialer(base *url.URL, client *http.Client, log *slog.Logger) *PollDialer {
	u := *base
	u.Path = u.Path + v1.PathPoll
	if client == nil {
		client = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &PollDialer{url: &u, client: client, log: log}
}

func (d *PollDialer) Name() string { return TransportPolling }

func (d *PollDialer) Dial(ctx context.Context, token string) (Conn, error) {
	now := time.Now().UTC()
	hello, err := v1.New(v1.TypeHello, ids.Prefixed("env", now), now, v1.HelloPayload{Token: token})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(hello)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: poll handshake", ErrUnauthorized)
	}
	var ack v1.Envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, pollMaxBody)).Decode(&ack); err != nil {
		return nil, fmt.Errorf("%w: status %d: %v", ErrHandshake, resp.StatusCode, err)
	}
	sessionID, err := handshakeResult(ack)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrHandshake)
	}

	d.log.Debug("realtime.poll.open", "session_id", sessionID)
	return &pollConn{d: d, sessionID: sessionID, closed: make(chan struct{})}, nil
}

type pollConn struct {
	d         *PollDialer
	sessionID string

	// queue is touched only by the Recv goroutine.
	queue []v1.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *pollConn) Transport() string { return TransportPolling }

func (p *pollConn) sessionURL() string {
	u := *p.d.url
	q := u.Query()
	q.Set("sid", p.sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *pollConn) Recv(ctx context.Context) (v1.Envelope, error) {
	for len(p.queue) == 0 {
		select {
		case <-p.closed:
			return v1.Envelope{}, ErrConnClosed
		default:
		}
		batch, err := p.poll(ctx)
		if err != nil {
			select {
			case <-p.closed:
				return v1.Envelope{}, ErrConnClosed
			default:
			}
			return v1.Envelope{}, err
		}
		p.queue = batch
	}
	env := p.queue[0]
	p.queue = p.queue[1:]
	return env, nil
}

func (p *pollConn) poll(ctx context.Context) ([]v1.Envelope, error) {
	// Close cancels an in-flight long poll.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.sessionURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var batch []v1.Envelope
		if err := json.NewDecoder(io.LimitReader(resp.Body, pollMaxBody)).Decode(&batch); err != nil {
			return nil, fmt.Errorf("realtime: decode poll batch: %w", err)
		}
		return batch, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusGone:
		return nil, fmt.Errorf("%w: poll session ended", ErrServerClosed)
	default:
		return nil, fmt.Errorf("realtime: poll status %d", resp.StatusCode)
	}
}

func (p *pollConn) Send(ctx context.Context, env v1.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sessionURL(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.d.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, pollMaxBody))
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("realtime: poll send status %d", resp.StatusCode)
	}
	return nil
}

func (p *pollConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)

		ctx, cancel := context.WithTimeout(context.Background(), pollCloseTimeout)
		defer cancel()
		req, rerr := http.NewRequestWithContext(ctx, http.MethodDelete, p.sessionURL(), nil)
		if rerr != nil {
			err = rerr
			return
		}
		resp, derr := p.d.client.Do(req)
		if derr != nil {
			err = derr
			return
		}
		_ = resp.Body.Close()
	})
	return err
}
