package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"civic/cmd/internal/notify"
	v1 "civic/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// wsPeer is a minimal channel server: it validates hello, acks it, hands
// the connection to the test and answers pings with pongs.
type wsPeer struct {
	conns chan *peerConn
}

type peerConn struct {
	c     *websocket.Conn
	token string
	auth  string
	gone  chan struct{}
}

func newWSPeer(t *testing.T) (*wsPeer, *httptest.Server) {
	t.Helper()
	p := &wsPeer{conns: make(chan *peerConn, 8)}
	mux := http.NewServeMux()
	mux.Handle(v1.PathWebSocket, p)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *wsPeer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{v1.Subprotocol}})
	if err != nil {
		return
	}
	ctx := r.Context()

	hello, err := readEnvelope(ctx, c)
	if err != nil || hello.Type != v1.TypeHello {
		_ = c.Close(websocket.StatusProtocolError, "hello required")
		return
	}
	hp, _ := v1.Decode[v1.HelloPayload](hello)
	if hp.Token == "bad" {
		env, _ := v1.New(v1.TypeError, "e", time.Now(), v1.ErrorPayload{Code: v1.CodeUnauthorized, Message: "Authentication error"})
		_ = writeEnvelope(ctx, c, env, time.Second)
		_ = c.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	ack, _ := v1.New(v1.TypeHelloAck, "a", time.Now(), v1.HelloAckPayload{SessionID: "s-" + hp.Token})
	if err := writeEnvelope(ctx, c, ack, time.Second); err != nil {
		return
	}

	pc := &peerConn{c: c, token: hp.Token, auth: r.Header.Get("Authorization"), gone: make(chan struct{})}
	p.conns <- pc
	defer close(pc.gone)

	for {
		env, err := readEnvelope(ctx, c)
		if err != nil {
			return
		}
		if env.Type == v1.TypePing {
			pp, _ := v1.Decode[v1.PingPayload](env)
			pong, _ := v1.New(v1.TypePong, "p", time.Now(), v1.PongPayload{Timestamp: pp.Timestamp})
			_ = writeEnvelope(ctx, c, pong, time.Second)
		}
	}
}

func (pc *peerConn) send(t *testing.T, typ string, payload any) {
	t.Helper()
	env, err := v1.New(typ, "srv", time.Now(), payload)
	if err != nil {
		t.Fatalf("v1.New() err=%v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := writeEnvelope(ctx, pc.c, env, time.Second); err != nil {
		t.Fatalf("peer write err=%v", err)
	}
}

func (p *wsPeer) next(t *testing.T) *peerConn {
	t.Helper()
	select {
	case pc := <-p.conns:
		return pc
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for websocket connection")
		return nil
	}
}

func dialerFor(t *testing.T, baseURL string, transports ...string) MultiDialer {
	t.Helper()
	d, err := NewDialer(DialerConfig{BaseURL: baseURL, Transports: transports, Log: discardLogger()})
	if err != nil {
		t.Fatalf("NewDialer() err=%v", err)
	}
	return d
}

func recvWithin(t *testing.T, c Conn) (v1.Envelope, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.Recv(ctx)
}

func TestNewDialer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		base       string
		transports []string
		want       string
		wantErr    bool
	}{
		{name: "default order", base: "http://api.local:8000", transports: []string{"websocket", "polling"}, want: "websocket,polling"},
		{name: "dedupe and case", base: "https://api.local", transports: []string{" Polling", "polling", "WEBSOCKET"}, want: "polling,websocket"},
		{name: "unknown", base: "http://api.local", transports: []string{"sse"}, wantErr: true},
		{name: "none", base: "http://api.local", transports: nil, wantErr: true},
		{name: "bad url", base: "::", transports: []string{"websocket"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := NewDialer(DialerConfig{BaseURL: tt.base, Transports: tt.transports})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewDialer() err=%v wantErr=%v", err, tt.wantErr)
			}
			if err == nil && d.Name() != tt.want {
				t.Fatalf("Name()=%q want=%q", d.Name(), tt.want)
			}
		})
	}
}

func TestWebSocketDialerURL(t *testing.T) {
	t.Parallel()

	d := dialerFor(t, "https://api.example.org/base/", TransportWebSocket)
	ws := d[0].(*WebSocketDialer)
	if want := "wss://api.example.org/base" + v1.PathWebSocket; ws.url != want {
		t.Fatalf("url=%q want=%q", ws.url, want)
	}
}

func TestWebSocketHandshakeAndEvents(t *testing.T) {
	t.Parallel()

	peer, srv := newWSPeer(t)
	d := dialerFor(t, srv.URL, TransportWebSocket)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "t1")
	if err != nil {
		t.Fatalf("Dial() err=%v", err)
	}
	defer conn.Close()

	pc := peer.next(t)
	if pc.token != "t1" || pc.auth != "Bearer t1" {
		t.Fatalf("peer saw token=%q auth=%q", pc.token, pc.auth)
	}
	if conn.Transport() != TransportWebSocket {
		t.Fatalf("Transport()=%q", conn.Transport())
	}

	pc.send(t, v1.TypeRoomJoined, v1.RoomJoinedPayload{Success: true, Room: "category:Fire", Message: "joined"})
	env, err := recvWithin(t, conn)
	if err != nil || env.Type != v1.TypeRoomJoined {
		t.Fatalf("Recv()=%v,%v want roomJoined", env.Type, err)
	}

	ping, _ := v1.New(v1.TypePing, "x", time.Now(), v1.PingPayload{Timestamp: 1234})
	if err := conn.Send(ctx, ping); err != nil {
		t.Fatalf("Send() err=%v", err)
	}
	env, err = recvWithin(t, conn)
	if err != nil || env.Type != v1.TypePong {
		t.Fatalf("Recv()=%v,%v want pong", env.Type, err)
	}
	if p, _ := v1.Decode[v1.PongPayload](env); p.Timestamp != 1234 {
		t.Fatalf("pong timestamp=%d want=1234", p.Timestamp)
	}
}

func TestWebSocketServerCloseAndClientClose(t *testing.T) {
	t.Parallel()

	peer, srv := newWSPeer(t)
	d := dialerFor(t, srv.URL, TransportWebSocket)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "t1")
	if err != nil {
		t.Fatalf("Dial() err=%v", err)
	}
	pc := peer.next(t)
	_ = pc.c.Close(websocket.StatusNormalClosure, ReasonServerDisconnect)
	if _, err := recvWithin(t, conn); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Recv() err=%v want=%v", err, ErrServerClosed)
	}
	_ = conn.Close()

	conn2, err := d.Dial(ctx, "t2")
	if err != nil {
		t.Fatalf("Dial() err=%v", err)
	}
	pc2 := peer.next(t)
	_ = conn2.Close()
	_ = conn2.Close()
	if _, err := recvWithin(t, conn2); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Recv() after Close err=%v want=%v", err, ErrConnClosed)
	}
	select {
	case <-pc2.gone:
	case <-time.After(3 * time.Second):
		t.Fatalf("peer did not observe client close")
	}
}

func TestWebSocketUnauthorized(t *testing.T) {
	t.Parallel()

	_, srv := newWSPeer(t)
	d := dialerFor(t, srv.URL, TransportWebSocket, TransportPolling)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := d.Dial(ctx, "bad")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Dial() err=%v want=%v", err, ErrUnauthorized)
	}
	var de *DialError
	if !errors.As(err, &de) || de.Transport != TransportWebSocket {
		t.Fatalf("Dial() err=%v want DialError for websocket only", err)
	}
}

// pollPeer serves the long-poll endpoint: one batch, then a server close.
type pollPeer struct {
	polls   atomic.Int32
	sends   atomic.Int32
	deletes atomic.Int32
}

func (p *pollPeer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	switch {
	case r.Method == http.MethodPost && sid == "":
		if r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ack, _ := v1.New(v1.TypeHelloAck, "a", time.Now(), v1.HelloAckPayload{SessionID: "p1"})
		_ = json.NewEncoder(w).Encode(ack)

	case r.Method == http.MethodGet && sid == "p1":
		switch p.polls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusNoContent)
		case 2:
			env, _ := v1.New(v1.TypeRoomJoined, "r", time.Now(), v1.RoomJoinedPayload{Success: true, Room: "user:1"})
			pong, _ := v1.New(v1.TypePong, "p", time.Now(), v1.PongPayload{Timestamp: 1})
			_ = json.NewEncoder(w).Encode([]v1.Envelope{env, pong})
		default:
			w.WriteHeader(http.StatusGone)
		}

	case r.Method == http.MethodPost && sid == "p1":
		p.sends.Add(1)
		w.WriteHeader(http.StatusAccepted)

	case r.Method == http.MethodDelete && sid == "p1":
		p.deletes.Add(1)
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

func newPollServer(t *testing.T) (*pollPeer, *httptest.Server) {
	t.Helper()
	p := &pollPeer{}
	mux := http.NewServeMux()
	mux.Handle(v1.PathPoll, p)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func TestPollingFallback(t *testing.T) {
	t.Parallel()

	peer, srv := newPollServer(t)
	// No websocket route: the first transport fails and polling takes over.
	d := dialerFor(t, srv.URL, TransportWebSocket, TransportPolling)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "good")
	if err != nil {
		t.Fatalf("Dial() err=%v", err)
	}
	if conn.Transport() != TransportPolling {
		t.Fatalf("Transport()=%q want=%q", conn.Transport(), TransportPolling)
	}

	ping, _ := v1.New(v1.TypePing, "x", time.Now(), v1.PingPayload{Timestamp: 1})
	if err := conn.Send(ctx, ping); err != nil {
		t.Fatalf("Send() err=%v", err)
	}

	want := []string{v1.TypeRoomJoined, v1.TypePong}
	for _, typ := range want {
		env, err := recvWithin(t, conn)
		if err != nil || env.Type != typ {
			t.Fatalf("Recv()=%q,%v want=%q", env.Type, err, typ)
		}
	}
	if _, err := recvWithin(t, conn); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("Recv() err=%v want=%v", err, ErrServerClosed)
	}

	_ = conn.Close()
	_ = conn.Close()
	if got := peer.deletes.Load(); got != 1 {
		t.Fatalf("deletes=%d want=1", got)
	}
	if got := peer.sends.Load(); got != 1 {
		t.Fatalf("sends=%d want=1", got)
	}
}

func TestPollingUnauthorized(t *testing.T) {
	t.Parallel()

	_, srv := newPollServer(t)
	d := dialerFor(t, srv.URL, TransportPolling)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := d.Dial(ctx, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Dial() err=%v want=%v", err, ErrUnauthorized)
	}
}

type staticTokens string

func (s staticTokens) SocketToken(context.Context) (string, error) { return string(s), nil }

func TestManagerOverWebSocket(t *testing.T) {
	t.Parallel()

	peer, srv := newWSPeer(t)
	counter := notify.NewCounter()
	events := make(chan Event, 32)

	m, err := New(Options{
		Dialer:  dialerFor(t, srv.URL, TransportWebSocket),
		Tokens:  staticTokens("t1"),
		Counter: counter,
		Log:     discardLogger(),
		OnEvent: func(ev Event) { events <- ev },
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	defer m.Close()

	m.OnIdentity(admin("a1", "Fire"))
	pc := peer.next(t)

	pc.send(t, v1.TypeNewEmergency, v1.EmergencyPayload{ID: "m1", Message: "smoke in stairwell", Category: "Fire"})

	deadline := time.After(3 * time.Second)
	for counter.Count() != 1 {
		select {
		case <-events:
		case <-deadline:
			t.Fatalf("Count()=%d want=1", counter.Count())
		}
	}
	if st := m.Status(); st.Transport != TransportWebSocket || st.Status != StatusConnected {
		t.Fatalf("Status()=%+v", st)
	}

	m.OnIdentity(nil)
	select {
	case <-pc.gone:
	case <-time.After(3 * time.Second):
		t.Fatalf("server connection still open after sign-out")
	}
}
