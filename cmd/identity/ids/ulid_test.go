package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewULIDMonotonicWithinMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 64; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("len(id)=%d want=26", len(id))
		}
		if prev != "" && id <= prev {
			t.Fatalf("id %q not greater than previous %q", id, prev)
		}
		prev = id
	}
}

func TestPrefixedRoundTripsTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		prefix     string
		wantPrefix string
	}{
		{prefix: "conn", wantPrefix: "conn_"},
		{prefix: " req ", wantPrefix: "req_"},
		{prefix: "", wantPrefix: ""},
	}

	for _, tc := range cases {
		id := Prefixed(tc.prefix, now)
		if !strings.HasPrefix(id, tc.wantPrefix) {
			t.Fatalf("Prefixed(%q)=%q want prefix %q", tc.prefix, id, tc.wantPrefix)
		}
		got, ok := Time(id)
		if !ok {
			t.Fatalf("Time(%q) failed to parse", id)
		}
		if !got.Equal(now) {
			t.Fatalf("Time(%q)=%v want=%v", id, got, now)
		}
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, ok := Time("conn_not-a-ulid"); ok {
		t.Fatalf("Time accepted an invalid id")
	}
}
