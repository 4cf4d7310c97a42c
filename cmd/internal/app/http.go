package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	authapi "civic/cmd/internal/auth/api"
	"civic/cmd/internal/realtime"
	"civic/cmd/internal/scheduler"
	"civic/cmd/internal/session"
)

const maxControlBody = 16 << 10

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

type sessionResponse struct {
	Authenticated bool              `json:"authenticated"`
	Loading       bool              `json:"loading"`
	Identity      *session.Identity `json:"identity,omitempty"`
}

type alertView struct {
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Category string    `json:"category,omitempty"`
	At       time.Time `json:"at"`
}

type notificationsResponse struct {
	Unread int         `json:"unread"`
	Alerts []alertView `json:"alerts"`
}

type realtimeResponse struct {
	Channel   realtime.Snapshot `json:"channel"`
	Scheduler scheduler.Status  `json:"scheduler"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Handler returns the local control API, wrapped in request logging.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.kv.Ping(r.Context()); err != nil {
			http.Error(w, "storage not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.storage.not_ready", "err", err)
			return
		}
		if a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	mux.HandleFunc("GET /v1/session", a.handleSession)
	mux.HandleFunc("POST /v1/session/login", a.handleLogin)
	mux.HandleFunc("POST /v1/session/logout", a.handleLogout)
	mux.HandleFunc("GET /v1/notifications", a.handleNotifications)
	mux.HandleFunc("POST /v1/notifications/viewed", a.handleViewed)
	mux.HandleFunc("POST /v1/notifications/read-all", a.handleReadAll)
	mux.HandleFunc("GET /v1/realtime", a.handleRealtime)

	return WithRequestLogging(mux, a.log)
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	st := a.store.State()
	writeJSON(w, http.StatusOK, sessionResponse{
		Authenticated: st.IsAuthenticated,
		Loading:       st.Loading,
		Identity:      st.Identity,
	})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, maxControlBody, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_credentials", "email and password are required")
		return
	}
	if ok, retry := a.logins.Allow(time.Now()); !ok {
		writeRateLimited(w, retry)
		return
	}
	if err := a.Login(r.Context(), req.Email, req.Password); err != nil {
		if authapi.IsUnauthorized(err) {
			a.log.Info("session.login.rejected", "email", req.Email)
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "email or password is incorrect")
			return
		}
		a.writeUpstreamError(w, "session.login.fail", err)
		return
	}
	a.handleSession(w, r)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Logout(r.Context()); err != nil {
		a.writeUpstreamError(w, "session.logout.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	recent := a.alerts.Recent()
	alerts := make([]alertView, 0, len(recent))
	for _, al := range recent {
		alerts = append(alerts, alertView{Title: al.Title, Body: al.Body, Category: al.Category, At: al.At})
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Unread: a.counter.Count(), Alerts: alerts})
}

func (a *App) handleViewed(w http.ResponseWriter, _ *http.Request) {
	a.MarkViewed()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleReadAll(w http.ResponseWriter, r *http.Request) {
	if err := a.MarkAllRead(r.Context()); err != nil {
		a.writeUpstreamError(w, "notify.read_all.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRealtime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, realtimeResponse{
		Channel:   a.channel.Status(),
		Scheduler: a.scheduler.Status(),
	})
}

// writeUpstreamError maps a backend failure onto the control API. Status
// errors keep their status; anything else is a gateway failure.
func (a *App) writeUpstreamError(w http.ResponseWriter, event string, err error) {
	a.log.Warn(event, "err", err)

	var se *authapi.StatusError
	if errors.As(err, &se) {
		msg := se.Message
		if msg == "" {
			msg = http.StatusText(se.Status)
		}
		writeError(w, se.Status, "upstream_rejected", msg)
		return
	}
	writeError(w, http.StatusBadGateway, "upstream_unavailable", "backend request failed")
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
