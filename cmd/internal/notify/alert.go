package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"
)

// AlertPreviewRunes is how much of a message an alert shows before "...".
const AlertPreviewRunes = 60

// Alert is a transient, user-facing notice.
type Alert struct {
	Title    string
	Body     string
	Category string
	At       time.Time
}

// Alerter presents alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// Preview shortens msg to AlertPreviewRunes runes plus "..." when longer.
func Preview(msg string) string {
	if utf8.RuneCountInString(msg) <= AlertPreviewRunes {
		return msg
	}
	r := []rune(msg)
	return string(r[:AlertPreviewRunes]) + "..."
}

// LogAlerter writes alerts as structured log lines. It is the headless
// stand-in for a toast.
type LogAlerter struct {
	log *slog.Logger
}

func NewLogAlerter(log *slog.Logger) *LogAlerter {
	if log == nil {
		log = slog.Default()
	}
	return &LogAlerter{log: log}
}

func (a *LogAlerter) Alert(ctx context.Context, al Alert) {
	a.log.InfoContext(ctx, "notify.alert",
		"title", al.Title,
		"body", al.Body,
		"category", al.Category,
		"at", al.At,
	)
}

// Recorder keeps the most recent alerts in memory so the control API can
// list them. It forwards to next when set.
type Recorder struct {
	next  Alerter
	limit int

	mu     sync.Mutex
	alerts []Alert
}

func NewRecorder(next Alerter, limit int) *Recorder {
	if limit <= 0 {
		limit = 50
	}
	return &Recorder{next: next, limit: limit}
}

func (r *Recorder) Alert(ctx context.Context, a Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	if len(r.alerts) > r.limit {
		r.alerts = append([]Alert(nil), r.alerts[len(r.alerts)-r.limit:]...)
	}
	r.mu.Unlock()

	if r.next != nil {
		r.next.Alert(ctx, a)
	}
}

// Recent returns the recorded alerts, newest last.
func (r *Recorder) Recent() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
