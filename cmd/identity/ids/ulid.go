// Package ids generates the sortable identifiers the client stamps on
// outbound envelopes, channel connections and request logs.
package ids

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a 26 char ULID for now. IDs minted within the same
// millisecond are strictly increasing.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Prefixed returns prefix + "_" + ULID, e.g. "conn_01J...". An empty prefix
// yields a bare ULID. Generation failures fall back to a timestamp-only ULID
// so log correlation never blocks on entropy.
func Prefixed(prefix string, now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		id = ulid.MustNew(ulid.Timestamp(now), zeroReader{}).String()
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// Time extracts the embedded timestamp from a ULID or prefixed ULID.
func Time(id string) (time.Time, bool) {
	if i := strings.LastIndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
