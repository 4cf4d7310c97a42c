// Package app wires the civic client runtime: config, logging, durable
// storage, the session core, the realtime channel and the local control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	authapi "civic/cmd/internal/auth/api"
	"civic/cmd/internal/metrics"
	"civic/cmd/internal/notify"
	"civic/cmd/internal/realtime"
	"civic/cmd/internal/refresh"
	"civic/cmd/internal/scheduler"
	"civic/cmd/internal/session"
	"civic/cmd/internal/storage"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	alertHistory = 50
	seedTimeout  = 15 * time.Second
)

// App owns every long-lived component and the transitions between them.
type App struct {
	cfg Config
	log Logger

	kv     storage.KV
	dbPool *pgxpool.Pool

	metrics   *metrics.Metrics
	store     *session.Store
	jar       *authapi.Jar
	coord     *refresh.Coordinator
	client    *authapi.Client
	scheduler *scheduler.Scheduler
	counter   *notify.Counter
	alerts    *notify.Recorder
	channel   *realtime.Manager
	logins    *rateLimiter

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	closeOnce   sync.Once
}

// New constructs a fully wired App. Nothing talks to the backend until Run.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	kv, pool, err := openStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, kv: kv, dbPool: pool, metrics: metrics.New(), logins: newRateLimiter(loginAttempts, loginWindow)}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.wire(ctx); err != nil {
		a.closeStorage()
		a.cancel()
		return nil, err
	}
	a.unsubscribe = a.store.Subscribe(a.onSessionChange)
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	apiCfg := authapi.DefaultConfig()
	apiCfg.BaseURL = a.cfg.BaseURL
	apiCfg.APIPrefix = a.cfg.APIPrefix
	apiCfg.Timeout = a.cfg.HTTPTimeout
	if err := apiCfg.Validate(); err != nil {
		return err
	}

	a.store = session.NewStore(ctx, a.log, session.NewKVMirror(a.kv))

	jar, err := authapi.NewJar(ctx, a.kv, a.log)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	a.jar = jar
	raw := authapi.NewHTTPClient(apiCfg, jar, a.log)

	a.coord, err = refresh.New(refresh.Options{
		Transport:   raw,
		Refresher:   authapi.NewRefresher(apiCfg, raw),
		Store:       a.store,
		Log:         a.log,
		Metrics:     a.metrics,
		RefreshPath: apiCfg.Path(authapi.PathRefresh),
		Timeout:     a.cfg.RefreshTimeout,
	})
	if err != nil {
		return err
	}
	a.client = authapi.NewClient(apiCfg, a.coord, raw)

	a.scheduler, err = scheduler.New(scheduler.Options{
		Interval: a.cfg.RefreshInterval,
		Timeout:  a.cfg.RefreshTimeout,
		Refresh:  a.coord.Refresh,
		Log:      a.log,
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}

	a.counter = notify.NewCounter()
	a.counter.Subscribe(a.metrics.SetUnread)
	a.alerts = notify.NewRecorder(notify.NewLogAlerter(a.log), alertHistory)

	rt := a.cfg.Realtime
	dialer, err := realtime.NewDialer(realtime.DialerConfig{
		BaseURL:    rt.URL,
		Transports: rt.Transports,
		// Long polls outlive the REST timeout; cookies still apply.
		HTTPClient: &http.Client{Jar: jar, Transport: raw.Transport},
		Log:        a.log,
	})
	if err != nil {
		return err
	}
	a.channel, err = realtime.New(realtime.Options{
		Dialer:         dialer,
		Tokens:         a.client,
		Counter:        a.counter,
		Alerter:        a.alerts,
		Log:            a.log,
		Metrics:        a.metrics,
		MaxAttempts:    rt.MaxAttempts,
		Backoff:        realtime.Backoff{Min: rt.DelayMin, Max: rt.DelayMax, Jitter: realtime.DefaultJitter},
		ConnectTimeout: rt.ConnectTimeout,
		PingInterval:   rt.PingInterval,
	})
	return err
}

// onSessionChange fans a session transition out to the scheduler, the
// channel and unread seeding. It runs under the store's notification lock,
// so it never mutates the store itself.
func (a *App) onSessionChange(prev, next session.State) {
	if prev.IsAuthenticated != next.IsAuthenticated {
		a.scheduler.OnAuthChange(next.IsAuthenticated)
	}
	if prev.Identity == next.Identity {
		return
	}

	id := next.Identity
	if samePrincipal(prev.Identity, id) {
		// Same user: the channel keeps its connection state and takes the
		// new attributes.
		a.channel.UpdateIdentity(id)
	} else {
		if prev.Identity != nil {
			// The count belongs to the session that just ended; drop it
			// once the old channel can no longer add to it.
			a.channel.OnIdentity(nil)
			a.counter.Reset()
		}
		if id != nil {
			a.channel.OnIdentity(id)
		}
	}

	if id == nil {
		return
	}
	if id.Role == session.RoleCategoryAdmin && (prev.Identity == nil || prev.Identity.ID != id.ID || prev.Identity.Role != id.Role) {
		go a.seedUnread(id.ID)
	}
}

func samePrincipal(prev, next *session.Identity) bool {
	return prev != nil && next != nil && prev.ID == next.ID
}

// seedUnread sets the counter from the server's unread total for a
// category admin. Failure only costs the seed.
func (a *App) seedUnread(userID string) {
	ctx, cancel := context.WithTimeout(a.ctx, seedTimeout)
	defer cancel()

	n, err := a.client.UnreadCount(ctx)
	if err != nil {
		a.log.Warn("notify.seed.fail", "user_id", userID, "err", err)
		return
	}
	if cur := a.store.Identity(); cur == nil || cur.ID != userID {
		a.log.Debug("notify.seed.stale", "user_id", userID)
		return
	}
	if err := a.counter.SetAbsolute(n); err != nil {
		a.log.Warn("notify.seed.invalid", "count", n, "err", err)
		return
	}
	a.log.Info("notify.seed.ok", "user_id", userID, "unread", n)
}

// start syncs components with the restored session, probes the credential
// and signs in unattended when configured and needed.
func (a *App) start(ctx context.Context) {
	a.onSessionChange(session.State{}, a.store.State())

	// A failed bootstrap leaves the session signed out; the coordinator logs it.
	_ = a.coord.Bootstrap(ctx)

	if a.store.State().IsAuthenticated || a.cfg.LoginEmail == "" {
		return
	}
	if err := a.Login(ctx, a.cfg.LoginEmail, a.cfg.LoginPassword); err != nil {
		a.log.Warn("session.login.fail", "email", a.cfg.LoginEmail, "err", err)
	}
}

// Login signs in with credentials and installs the returned identity.
func (a *App) Login(ctx context.Context, email, password string) error {
	id, err := a.client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	if err := a.store.SetIdentity(ctx, id); err != nil {
		return err
	}
	a.log.Info("session.login.ok", "user_id", id.ID, "role", string(id.Role))
	return nil
}

// Logout ends the backend session and clears local state. The scheduler and
// channel are torn down by the resulting transition before this returns. A
// credential that is already dead counts as signed out.
func (a *App) Logout(ctx context.Context) error {
	err := a.client.Logout(ctx)
	if err != nil && !errors.Is(err, refresh.ErrRefreshFailed) && !errors.Is(err, refresh.ErrCredentialExpired) {
		a.log.Warn("session.logout.fail", "err", err)
		return err
	}
	a.store.Clear(ctx)
	a.jar.Clear(ctx)
	a.log.Info("session.logout.ok")
	return nil
}

// MarkViewed resets the unread counter locally.
func (a *App) MarkViewed() {
	a.counter.Reset()
}

// MarkAllRead marks every emergency read on the server, then resets the
// counter.
func (a *App) MarkAllRead(ctx context.Context) error {
	if err := a.client.MarkAllRead(ctx); err != nil {
		return err
	}
	a.counter.Reset()
	return nil
}

// Close tears down the channel and scheduler and releases storage. It is
// idempotent.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		a.channel.Close()
		a.scheduler.Close()
		a.cancel()
		a.closeStorage()
		a.log.Info("app.closed")
	})
}

func (a *App) closeStorage() {
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.log.Warn("storage.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}
