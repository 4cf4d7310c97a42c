// Package main is a smoke test for a realtime channel endpoint.
//
// It validates:
//   - handshake over the requested transport
//   - ping/pong round trip
//   - optional wait for a newEmergency envelope
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"civic/cmd/identity/ids"
	"civic/cmd/internal/realtime"
	v1 "civic/shared/contracts/realtime/v1"

	"github.com/spf13/pflag"
)

func main() {
	var (
		baseURL   = pflag.String("url", "http://127.0.0.1:8000", "backend base URL")
		token     = pflag.String("token", os.Getenv("CIVIC_SOCKET_TOKEN"), "channel credential (default: $CIVIC_SOCKET_TOKEN)")
		transport = pflag.String("transport", realtime.TransportWebSocket, "websocket or polling")
		timeout   = pflag.Duration("timeout", 7*time.Second, "per-step timeout")
		wait      = pflag.Bool("wait-emergency", false, "block until one newEmergency arrives")
		verbose   = pflag.BoolP("verbose", "v", false, "verbose output")
	)
	pflag.Parse()

	if *token == "" {
		fatalf("missing --token")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dialer, err := realtime.NewDialer(realtime.DialerConfig{
		BaseURL:    *baseURL,
		Transports: []string{*transport},
		Log:        log,
	})
	if err != nil {
		fatalf("dialer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	conn, err := dialer.Dial(ctx, *token)
	cancel()
	if err != nil {
		if errors.Is(err, realtime.ErrUnauthorized) {
			fatalf("handshake rejected: credential not accepted")
		}
		fatalf("dial: %v", err)
	}
	defer conn.Close()
	fmt.Printf("ok handshake transport=%s\n", conn.Transport())

	rtt := mustPing(conn, *timeout)
	fmt.Printf("ok pong rtt=%s\n", rtt)

	if *wait {
		p := mustAwait[v1.EmergencyPayload](conn, v1.TypeNewEmergency, 0)
		fmt.Printf("ok emergency id=%s category=%s sender=%s\n", p.ID, p.Category, p.Sender)
	}
}

func mustPing(conn realtime.Conn, timeout time.Duration) time.Duration {
	now := time.Now().UTC()
	env, err := v1.New(v1.TypePing, ids.Prefixed("env", now), now, v1.PingPayload{Timestamp: now.UnixMilli()})
	if err != nil {
		fatalf("build ping: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.Send(ctx, env); err != nil {
		fatalf("send ping: %v", err)
	}
	p := mustAwait[v1.PongPayload](conn, v1.TypePong, timeout)
	return time.Since(time.UnixMilli(p.Timestamp))
}

// mustAwait reads until an envelope of typ arrives. A zero timeout waits
// forever.
func mustAwait[T any](conn realtime.Conn, typ string, timeout time.Duration) T {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			fatalf("await %s: %v", typ, err)
		}
		if env.Type == v1.TypeError {
			p, _ := v1.Decode[v1.ErrorPayload](env)
			fatalf("server error: %s: %s", p.Code, p.Message)
		}
		if env.Type != typ {
			continue
		}
		p, err := v1.Decode[T](env)
		if err != nil {
			fatalf("decode %s: %v", typ, err)
		}
		return p
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
