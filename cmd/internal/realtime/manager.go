// Package realtime keeps one authenticated realtime channel per signed-in
// identity and turns its events into counter updates and alerts.
//
// A Manager owns at most one connection cycle at a time. Each cycle is
// tagged with a generation; every event passes through dispatch, which drops
// events from an older generation. Identity changes tear the old cycle down
// synchronously before a new one starts.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"civic/cmd/clock"
	"civic/cmd/identity/ids"
	"civic/cmd/internal/metrics"
	"civic/cmd/internal/notify"
	"civic/cmd/internal/session"
	v1 "civic/shared/contracts/realtime/v1"
)

const (
	DefaultMaxAttempts    = 5
	DefaultDelayMin       = time.Second
	DefaultDelayMax       = 5 * time.Second
	DefaultJitter         = 0.5
	DefaultConnectTimeout = 20 * time.Second
)

// TokenSource issues short-lived channel credentials.
type TokenSource interface {
	SocketToken(ctx context.Context) (string, error)
}

// Incrementer is the part of the notification counter the channel drives.
type Incrementer interface {
	Increment() int
}

type Options struct {
	Dialer  Dialer
	Tokens  TokenSource
	Counter Incrementer
	Alerter notify.Alerter

	Clock   clock.Clock
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// MaxAttempts bounds reconnection attempts after a failure. The budget
	// resets on every successful connect.
	MaxAttempts    int
	Backoff        Backoff
	ConnectTimeout time.Duration
	// PingInterval enables latency probes; zero disables them.
	PingInterval time.Duration

	// OnEvent observes every current-generation event after it has been
	// applied. It runs on the channel goroutine and must not call back into
	// the Manager.
	OnEvent func(Event)
}

type Manager struct {
	dialer  Dialer
	tokens  TokenSource
	counter Incrementer
	alerter notify.Alerter
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	onEvent func(Event)

	maxAttempts    int
	backoff        Backoff
	connectTimeout time.Duration
	pingInterval   time.Duration

	mu       sync.Mutex
	gen      uint64
	identity *session.Identity
	status   Status
	attempt  int
	conn     Conn
	room     string
	since    time.Time
	latency  time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool
}

func New(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, ErrNoTransport
	}
	if opts.Tokens == nil {
		return nil, errors.New("realtime: nil token source")
	}
	m := &Manager{
		dialer:         opts.Dialer,
		tokens:         opts.Tokens,
		counter:        opts.Counter,
		alerter:        opts.Alerter,
		clock:          opts.Clock,
		log:            opts.Log,
		metrics:        opts.Metrics,
		onEvent:        opts.OnEvent,
		maxAttempts:    opts.MaxAttempts,
		backoff:        opts.Backoff,
		connectTimeout: opts.ConnectTimeout,
		pingInterval:   opts.PingInterval,
		status:         StatusDisconnected,
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.backoff.Min <= 0 {
		m.backoff.Min = DefaultDelayMin
	}
	if m.backoff.Max <= 0 {
		m.backoff.Max = DefaultDelayMax
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	return m, nil
}

// OnIdentity reacts to identity presence. A nil identity tears the channel
// down before returning. A different identity tears down and reconnects. The
// same identity while connected or connecting is a no-op.
func (m *Manager) OnIdentity(id *session.Identity) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if id != nil && m.identity != nil && m.identity.ID == id.ID &&
		(m.status == StatusConnected || m.status == StatusConnecting) {
		cp := *id
		m.identity = &cp
		m.mu.Unlock()
		return
	}

	prevConn, prevDone := m.teardownLocked()
	if id == nil {
		m.mu.Unlock()
		closeConn(prevConn)
		wait(prevDone)
		m.log.Info("realtime.teardown", "reason", "signed_out")
		return
	}

	cp := *id
	m.identity = &cp
	m.status = StatusConnecting
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	// The old cycle must be gone before the new one starts.
	closeConn(prevConn)
	wait(prevDone)

	m.log.Info("realtime.start", "generation", gen, "user_id", cp.ID, "role", string(cp.Role))
	go m.run(ctx, gen, done)
}

// UpdateIdentity replaces the attributes of the current identity without
// touching the connection. It is ignored unless id names the identity the
// channel already belongs to; presence and principal changes go through
// OnIdentity.
func (m *Manager) UpdateIdentity(id *session.Identity) {
	if id == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.identity == nil || m.identity.ID != id.ID {
		return
	}
	cp := *id
	m.identity = &cp
}

// Close tears the channel down and ignores later identity changes.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	prevConn, prevDone := m.teardownLocked()
	m.mu.Unlock()
	closeConn(prevConn)
	wait(prevDone)
}

func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Status:      m.status,
		Attempt:     m.attempt,
		Generation:  m.gen,
		Room:        m.room,
		ConnectedAt: m.since,
		Latency:     m.latency,
	}
	if m.identity != nil {
		s.IdentityID = m.identity.ID
	}
	if m.conn != nil {
		s.Transport = m.conn.Transport()
	}
	return s
}

// teardownLocked cancels the current cycle, detaches its transport and bumps
// the generation so anything still in flight is stale. It returns the
// detached conn and the cycle's done channel; the caller closes the one and
// waits on the other after releasing the lock, since closing a polling conn
// is a network round trip.
func (m *Manager) teardownLocked() (Conn, <-chan struct{}) {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	wasConnected := m.status == StatusConnected
	m.identity = nil
	m.status = StatusDisconnected
	m.attempt = 0
	m.room = ""
	m.since = time.Time{}
	m.latency = 0
	if wasConnected {
		m.metrics.SetChannelConnected(false)
	}
	done := m.done
	m.done = nil
	return conn, done
}

func closeConn(c Conn) {
	if c != nil {
		_ = c.Close()
	}
}

func wait(done <-chan struct{}) {
	if done != nil {
		<-done
	}
}

// run is one connection cycle: acquire a credential, connect, read until
// the connection drops, and reconnect within budget.
func (m *Manager) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	token, ok := m.acquire(ctx, gen)
	if !ok {
		return
	}

	attempt := 0
	reconnecting := false
	for {
		if reconnecting {
			attempt++
			if attempt > m.maxAttempts {
				m.dispatch(gen, Event{Kind: KindReconnectFailed, At: m.clock.Now()})
				return
			}
			m.dispatch(gen, Event{Kind: KindReconnectAttempt, At: m.clock.Now(), Attempt: attempt})
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(m.backoff.Delay(attempt)):
			}
		}

		dctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		conn, err := m.dialer.Dial(dctx, token)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.dispatch(gen, Event{Kind: KindConnectError, At: m.clock.Now(), Err: err})
			if errors.Is(err, ErrUnauthorized) {
				// The channel token expired; fetch a fresh one for the
				// next attempt.
				if token, ok = m.acquire(ctx, gen); !ok {
					return
				}
			}
			reconnecting = true
			continue
		}
		if !m.attach(gen, conn) {
			_ = conn.Close()
			return
		}

		if reconnecting {
			m.dispatch(gen, Event{Kind: KindReconnected, At: m.clock.Now(), Attempt: attempt})
		}
		m.dispatch(gen, Event{Kind: KindConnected, At: m.clock.Now()})
		attempt, reconnecting = 0, false

		err = m.read(ctx, gen, conn)
		m.detach(gen, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrServerClosed) {
			m.dispatch(gen, Event{Kind: KindDisconnected, At: m.clock.Now(), Reason: ReasonServerDisconnect, Err: err})
			// Deliberate server close: reconnect now with a fresh credential.
			if token, ok = m.acquire(ctx, gen); !ok {
				return
			}
			continue
		}
		m.dispatch(gen, Event{Kind: KindDisconnected, At: m.clock.Now(), Reason: ReasonTransportClose, Err: err})
		reconnecting = true
	}
}

// acquire fetches a channel token. Failure is soft: it is reported as an
// event and the cycle ends.
func (m *Manager) acquire(ctx context.Context, gen uint64) (string, bool) {
	token, err := m.tokens.SocketToken(ctx)
	if ctx.Err() != nil {
		return "", false
	}
	if err == nil && strings.TrimSpace(token) == "" {
		err = errors.New("empty token")
	}
	if err != nil {
		m.dispatch(gen, Event{
			Kind: KindCredentialUnavailable,
			At:   m.clock.Now(),
			Err:  fmt.Errorf("%w: %w", ErrChannelCredentialUnavailable, err),
		})
		return "", false
	}
	return token, true
}

func (m *Manager) attach(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) detach(gen uint64, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.conn == conn {
		m.conn = nil
	}
}

func (m *Manager) read(ctx context.Context, gen uint64, conn Conn) error {
	if m.pingInterval > 0 {
		pctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go m.ping(pctx, conn)
	}

	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			return err
		}
		if err := env.Validate(); err != nil {
			m.log.Debug("realtime.envelope.invalid", "err", err)
			continue
		}
		if env.Type == v1.TypeError {
			p, _ := v1.Decode[v1.ErrorPayload](env)
			m.log.Warn("realtime.server.error", "code", p.Code, "message", p.Message)
			continue
		}
		ev, ok, err := decodeEvent(env, m.clock.Now())
		if err != nil {
			m.log.Debug("realtime.envelope.decode.fail", "type", env.Type, "err", err)
			continue
		}
		if ok {
			m.dispatch(gen, ev)
		}
	}
}

func (m *Manager) ping(ctx context.Context, conn Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.pingInterval):
		}
		now := m.clock.Now()
		env, err := v1.New(v1.TypePing, ids.Prefixed("env", now), now, v1.PingPayload{Timestamp: now.UnixMilli()})
		if err != nil {
			return
		}
		if err := conn.Send(ctx, env); err != nil {
			m.log.Debug("realtime.ping.fail", "err", err)
			return
		}
	}
}

// dispatch is the only path by which events affect state. Events from an
// older generation are dropped here.
func (m *Manager) dispatch(gen uint64, ev Event) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.metrics.StaleEventDiscarded()
		m.log.Debug("realtime.event.stale", "kind", string(ev.Kind), "generation", gen)
		return
	}
	var id session.Identity
	if m.identity != nil {
		id = *m.identity
	}
	m.applyLocked(ev)
	m.mu.Unlock()

	m.metrics.ObserveChannelEvent(string(ev.Kind))

	switch ev.Kind {
	case KindConnected:
		m.metrics.SetChannelConnected(true)
		m.log.Info("realtime.connected", "generation", gen, "user_id", id.ID, "role", string(id.Role), "category", id.Category)
	case KindDisconnected:
		m.metrics.SetChannelConnected(false)
		m.log.Info("realtime.disconnected", "generation", gen, "reason", ev.Reason, "err", ev.Err)
	case KindConnectError:
		m.log.Warn("realtime.connect_error", "generation", gen, "err", ev.Err)
	case KindReconnectAttempt:
		m.metrics.ReconnectAttempt()
		m.log.Info("realtime.reconnect_attempt", "generation", gen, "attempt", ev.Attempt)
	case KindReconnected:
		m.log.Info("realtime.reconnected", "generation", gen, "attempts", ev.Attempt)
	case KindReconnectFailed:
		m.log.Error("realtime.reconnect_failed", "generation", gen, "max_attempts", m.maxAttempts)
	case KindCredentialUnavailable:
		m.log.Warn("realtime.token.unavailable", "generation", gen, "err", ev.Err)
	case KindRoomJoined:
		m.log.Info("realtime.room_joined", "room", ev.Room, "message", ev.Message)
	case KindPong:
		m.log.Debug("realtime.pong", "latency_ms", ev.Latency.Milliseconds())
	case KindEmergency:
		if !emergencyFor(id, ev.Emergency) {
			m.log.Debug("realtime.emergency.skip", "role", string(id.Role), "category", ev.Emergency.Category)
			return
		}
		m.deliverEmergency(ev)
	}

	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

func (m *Manager) applyLocked(ev Event) {
	switch ev.Kind {
	case KindConnected:
		m.status = StatusConnected
		m.attempt = 0
		m.since = ev.At
	case KindDisconnected:
		// A disconnect is always followed by a reconnect while the
		// identity is present.
		m.status = StatusConnecting
		m.since = time.Time{}
		m.room = ""
	case KindReconnectAttempt:
		m.status = StatusConnecting
		m.attempt = ev.Attempt
	case KindReconnectFailed, KindCredentialUnavailable:
		m.status = StatusDisconnected
		m.since = time.Time{}
	case KindRoomJoined:
		m.room = ev.Room
	case KindPong:
		m.latency = ev.Latency
	}
}

// emergencyFor reports whether an emergency belongs to id: only category
// admins receive them, and only for their own category when both sides name
// one.
func emergencyFor(id session.Identity, p *v1.EmergencyPayload) bool {
	if p == nil || id.Role != session.RoleCategoryAdmin {
		return false
	}
	if id.Category != "" && p.Category != "" && !strings.EqualFold(id.Category, p.Category) {
		return false
	}
	return true
}

func (m *Manager) deliverEmergency(ev Event) {
	p := ev.Emergency
	n := 0
	if m.counter != nil {
		n = m.counter.Increment()
	}
	m.log.Info("realtime.emergency", "message_id", p.ID, "category", p.Category, "unread", n)
	if m.alerter != nil {
		m.alerter.Alert(context.Background(), notify.Alert{
			Title:    "Emergency",
			Body:     notify.Preview(p.Message),
			Category: p.Category,
			At:       ev.At,
		})
	}
}
