package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"civic/cmd/identity/ids"
	v1 "civic/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	maxFrameBytes     = 64 << 10
	wsWriteTimeout    = 5 * time.Second
	wsCloseReason     = "client teardown"
	wsHandshakeReason = "handshake failed"
)

// WebSocketDialer connects over a websocket using the v1 subprotocol.
type WebSocketDialer struct {
	url string
	log *slog.Logger
}

// NewWebSocketDialer derives the websocket URL from base (http -> ws,
// https -> wss) and appends the channel path.
func NewWebSocketDialer(base *url.URL, log *slog.Logger) *WebSocketDialer {
	u := *base
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + v1.PathWebSocket
	if log == nil {
		log = slog.Default()
	}
	return &WebSocketDialer{url: u.String(), log: log}
}

func (d *WebSocketDialer) Name() string { return TransportWebSocket }

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)

	c, resp, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPHeader:   hdr,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: upgrade rejected", ErrUnauthorized)
		}
		return nil, err
	}
	if sp := c.Subprotocol(); sp != v1.Subprotocol {
		_ = c.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: subprotocol %q", ErrHandshake, sp)
	}
	c.SetReadLimit(maxFrameBytes)

	now := time.Now().UTC()
	hello, err := v1.New(v1.TypeHello, ids.Prefixed("env", now), now, v1.HelloPayload{Token: token})
	if err != nil {
		_ = c.Close(websocket.StatusInternalError, wsHandshakeReason)
		return nil, err
	}
	if err := writeEnvelope(ctx, c, hello, wsWriteTimeout); err != nil {
		_ = c.Close(websocket.StatusAbnormalClosure, wsHandshakeReason)
		return nil, fmt.Errorf("%w: send hello: %v", ErrHandshake, err)
	}

	ack, err := readEnvelope(ctx, c)
	if err != nil {
		_ = c.Close(websocket.StatusAbnormalClosure, wsHandshakeReason)
		return nil, fmt.Errorf("%w: read ack: %v", ErrHandshake, err)
	}
	sessionID, err := handshakeResult(ack)
	if err != nil {
		_ = c.Close(websocket.StatusPolicyViolation, wsHandshakeReason)
		return nil, err
	}

	d.log.Debug("realtime.ws.open", "session_id", sessionID)
	return &wsConn{c: c, sessionID: sessionID, closed: make(chan struct{})}, nil
}

// handshakeResult interprets the server's answer to hello.
func handshakeResult(env v1.Envelope) (string, error) {
	switch env.Type {
	case v1.TypeHelloAck:
		p, err := v1.Decode[v1.HelloAckPayload](env)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		return p.SessionID, nil
	case v1.TypeError:
		p, _ := v1.Decode[v1.ErrorPayload](env)
		if p.Code == v1.CodeUnauthorized {
			return "", fmt.Errorf("%w: %s", ErrUnauthorized, p.Message)
		}
		return "", fmt.Errorf("%w: %s: %s", ErrHandshake, p.Code, p.Message)
	default:
		return "", fmt.Errorf("%w: unexpected %q", ErrHandshake, env.Type)
	}
}

type wsConn struct {
	c         *websocket.Conn
	sessionID string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func (w *wsConn) Transport() string { return TransportWebSocket }

func (w *wsConn) Recv(ctx context.Context) (v1.Envelope, error) {
	for {
		env, err := readEnvelope(ctx, w.c)
		if err == nil {
			return env, nil
		}
		// Our own Close also surfaces as a close status; report it as such.
		select {
		case <-w.closed:
			return v1.Envelope{}, ErrConnClosed
		default:
		}
		switch classifyReadErr(err) {
		case readErrServerClose:
			return v1.Envelope{}, fmt.Errorf("%w: %v", ErrServerClosed, err)
		case readErrBadJSON:
			continue
		}
		return v1.Envelope{}, err
	}
}

func (w *wsConn) Send(ctx context.Context, env v1.Envelope) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return writeEnvelope(ctx, w.c, env, wsWriteTimeout)
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.c.Close(websocket.StatusNormalClosure, wsCloseReason)
	})
	return err
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &badJSONError{err: err}
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type badJSONError struct{ err error }

func (e *badJSONError) Error() string { return "bad json: " + e.err.Error() }
func (e *badJSONError) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrServerClose
	readErrBadJSON
)

// classifyReadErr separates a deliberate server close (normal or going
// away) from transport failures, which are retried with backoff.
func classifyReadErr(err error) readErrKind {
	var bj *badJSONError
	if errors.As(err, &bj) {
		return readErrBadJSON
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return readErrServerClose
	}
	return readErrUnknown
}
