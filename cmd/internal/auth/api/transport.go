package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"civic/cmd/identity/ids"
	"civic/cmd/internal/storage"
)

// CookieKey is the storage key holding persisted backend cookies.
const CookieKey = "cookies"

// NewHTTPClient returns the raw transport: a cookie-carrying client whose
// requests are stamped with a request id and logged at debug level.
func NewHTTPClient(cfg Config, jar http.CookieJar, log *slog.Logger) *http.Client {
	if log == nil {
		log = slog.Default()
	}
	return &http.Client{
		Timeout: cfg.Timeout,
		Jar:     jar,
		Transport: &loggingTransport{
			next:      http.DefaultTransport,
			log:       log,
			userAgent: cfg.UserAgent,
		},
	}
}

type loggingTransport struct {
	next      http.RoundTripper
	log       *slog.Logger
	userAgent string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	reqID := ids.Prefixed("req", start)

	r := req.Clone(req.Context())
	r.Header.Set("X-Request-ID", reqID)
	if t.userAgent != "" && r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.next.RoundTrip(r)
	if err != nil {
		t.log.Debug("http.client.fail",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", reqID,
			"duration_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
		return nil, err
	}
	t.log.Debug("http.client.request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"request_id", reqID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// Jar is a cookie jar whose cookies survive restarts. The backend binds the
// session credential to cookies, so losing them means signing in again.
type Jar struct {
	inner *cookiejar.Jar
	kv    storage.KV
	log   *slog.Logger

	mu    sync.Mutex
	saved map[string]savedCookie
}

type savedCookie struct {
	URL      string        `json:"url"`
	Name     string        `json:"name"`
	Value    string        `json:"value"`
	Path     string        `json:"path,omitempty"`
	Domain   string        `json:"domain,omitempty"`
	Expires  time.Time     `json:"expires,omitzero"`
	Secure   bool          `json:"secure,omitempty"`
	HttpOnly bool          `json:"http_only,omitempty"`
	SameSite http.SameSite `json:"same_site,omitempty"`
}

// NewJar restores persisted cookies from kv. A nil kv yields a purely
// in-memory jar. Unreadable saved cookies are dropped.
func NewJar(ctx context.Context, kv storage.KV, log *slog.Logger) (*Jar, error) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	j := &Jar{inner: inner, kv: kv, log: log, saved: make(map[string]savedCookie)}
	if kv == nil {
		return j, nil
	}

	raw, err := kv.Get(ctx, CookieKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return j, nil
	case err != nil:
		log.Warn("authapi.cookies.load.fail", "err", err)
		return j, nil
	}

	var list []savedCookie
	if err := json.Unmarshal(raw, &list); err != nil {
		log.Warn("authapi.cookies.corrupt", "err", err)
		_ = kv.Delete(ctx, CookieKey)
		return j, nil
	}
	now := time.Now()
	for _, sc := range list {
		if !sc.Expires.IsZero() && sc.Expires.Before(now) {
			continue
		}
		u, err := url.Parse(sc.URL)
		if err != nil {
			continue
		}
		inner.SetCookies(u, []*http.Cookie{sc.cookie()})
		j.saved[sc.URL+"|"+sc.Name] = sc
	}
	log.Debug("authapi.cookies.restored", "count", len(j.saved))
	return j, nil
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	inner := j.inner
	j.mu.Unlock()
	return inner.Cookies(u)
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	inner := j.inner
	j.mu.Unlock()
	inner.SetCookies(u, cookies)

	origin := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()
	now := time.Now()

	j.mu.Lock()
	for _, c := range cookies {
		key := origin + "|" + c.Name
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			delete(j.saved, key)
			continue
		}
		sc := savedCookie{
			URL:      origin,
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: c.SameSite,
		}
		if c.MaxAge > 0 {
			sc.Expires = now.Add(time.Duration(c.MaxAge) * time.Second)
		}
		j.saved[key] = sc
	}
	snapshot := j.snapshotLocked()
	j.mu.Unlock()

	j.persist(snapshot)
}

// Clear forgets every cookie, in memory and on disk.
func (j *Jar) Clear(ctx context.Context) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return
	}
	j.mu.Lock()
	j.inner = inner
	j.saved = make(map[string]savedCookie)
	j.mu.Unlock()

	if j.kv != nil {
		if err := j.kv.Delete(ctx, CookieKey); err != nil {
			j.log.Warn("authapi.cookies.remove.fail", "err", err)
		}
	}
}

func (j *Jar) snapshotLocked() []savedCookie {
	out := make([]savedCookie, 0, len(j.saved))
	for _, sc := range j.saved {
		out = append(out, sc)
	}
	return out
}

func (j *Jar) persist(list []savedCookie) {
	if j.kv == nil {
		return
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.kv.Put(ctx, CookieKey, raw); err != nil {
		j.log.Warn("authapi.cookies.save.fail", "err", err)
	}
}

func (sc savedCookie) cookie() *http.Cookie {
	return &http.Cookie{
		Name:     sc.Name,
		Value:    sc.Value,
		Path:     sc.Path,
		Domain:   sc.Domain,
		Expires:  sc.Expires,
		Secure:   sc.Secure,
		HttpOnly: sc.HttpOnly,
		SameSite: sc.SameSite,
	}
}
