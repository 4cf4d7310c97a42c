package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	v1 "civic/shared/contracts/realtime/v1"
)

// Transport names accepted by NewDialer.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Conn is one authenticated channel connection. Recv and Send may be called
// from different goroutines; Close is idempotent and unblocks Recv.
type Conn interface {
	Recv(ctx context.Context) (v1.Envelope, error)
	Send(ctx context.Context, env v1.Envelope) error
	Close() error
	Transport() string
}

// Dialer opens a Conn authenticated with a channel token. The handshake is
// complete when Dial returns.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
	Name() string
}

// MultiDialer tries each dialer in order and returns the first success.
type MultiDialer []Dialer

func (m MultiDialer) Name() string {
	names := make([]string, 0, len(m))
	for _, d := range m {
		names = append(names, d.Name())
	}
	return strings.Join(names, ",")
}

func (m MultiDialer) Dial(ctx context.Context, token string) (Conn, error) {
	if len(m) == 0 {
		return nil, ErrNoTransport
	}
	var errs []error
	for _, d := range m {
		c, err := d.Dial(ctx, token)
		if err == nil {
			return c, nil
		}
		errs = append(errs, &DialError{Transport: d.Name(), Err: err})
		// A rejected credential is rejected on every transport.
		if ctx.Err() != nil || errors.Is(err, ErrUnauthorized) {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// DialerConfig selects and configures transports.
type DialerConfig struct {
	// BaseURL is the realtime origin, e.g. "https://api.example.org".
	BaseURL string
	// Transports in preference order: "websocket", "polling".
	Transports []string
	// HTTPClient is used by the polling transport. It must not carry a
	// client-wide timeout shorter than a long-poll.
	HTTPClient *http.Client
	Log        *slog.Logger
}

// NewDialer builds a MultiDialer honoring cfg.Transports order.
func NewDialer(cfg DialerConfig) (MultiDialer, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("realtime: invalid base url %q", cfg.BaseURL)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	var out MultiDialer
	seen := map[string]bool{}
	for _, t := range cfg.Transports {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		switch t {
		case TransportWebSocket:
			out = append(out, NewWebSocketDialer(base, log))
		case TransportPolling:
			out = append(out, NewPollDialer(base, cfg.HTTPClient, log))
		default:
			return nil, fmt.Errorf("realtime: unknown transport %q", t)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoTransport
	}
	return out, nil
}
