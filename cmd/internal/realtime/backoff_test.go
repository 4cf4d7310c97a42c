package realtime

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	fixed := func(v float64) func() float64 { return func() float64 { return v } }

	tests := []struct {
		name string
		b    Backoff
		n    int
		want time.Duration
	}{
		{name: "first attempt", b: Backoff{Min: time.Second, Max: 5 * time.Second}, n: 1, want: time.Second},
		{name: "doubles", b: Backoff{Min: time.Second, Max: 5 * time.Second}, n: 3, want: 4 * time.Second},
		{name: "capped", b: Backoff{Min: time.Second, Max: 5 * time.Second}, n: 4, want: 5 * time.Second},
		{name: "huge attempt", b: Backoff{Min: time.Second, Max: 5 * time.Second}, n: 200, want: 5 * time.Second},
		{name: "zero attempt treated as first", b: Backoff{Min: time.Second, Max: 5 * time.Second}, n: 0, want: time.Second},
		{name: "jitter low clamped to min", b: Backoff{Min: time.Second, Max: 5 * time.Second, Jitter: 0.5, Rand: fixed(0)}, n: 1, want: time.Second},
		{name: "jitter high", b: Backoff{Min: time.Second, Max: 5 * time.Second, Jitter: 0.5, Rand: fixed(0.75)}, n: 2, want: 2500 * time.Millisecond},
		{name: "jitter high clamped to max", b: Backoff{Min: time.Second, Max: 5 * time.Second, Jitter: 0.5, Rand: fixed(0.99)}, n: 3, want: 5 * time.Second},
		{name: "defaults", b: Backoff{}, n: 2, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.b.Delay(tt.n); got != tt.want {
				t.Fatalf("Delay(%d)=%v want=%v", tt.n, got, tt.want)
			}
		})
	}
}

func TestBackoffStaysInBounds(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: time.Second, Max: 5 * time.Second, Jitter: 0.5}
	for n := 1; n <= 10; n++ {
		for range 50 {
			d := b.Delay(n)
			if d < b.Min || d > b.Max {
				t.Fatalf("Delay(%d)=%v outside [%v, %v]", n, d, b.Min, b.Max)
			}
		}
	}
}
