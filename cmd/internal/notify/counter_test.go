package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestCounter_Arithmetic(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	for i := 0; i < 3; i++ {
		c.Increment()
	}
	if got := c.Count(); got != 3 {
		t.Fatalf("Count()=%d want=3", got)
	}

	c.Reset()
	if got := c.Count(); got != 0 {
		t.Fatalf("after Reset Count()=%d want=0", got)
	}

	if err := c.SetAbsolute(7); err != nil {
		t.Fatalf("SetAbsolute: %v", err)
	}
	c.Increment()
	if got := c.Count(); got != 8 {
		t.Fatalf("Count()=%d want=8", got)
	}

	if err := c.SetAbsolute(-1); !errors.Is(err, ErrNegativeCount) {
		t.Fatalf("SetAbsolute(-1) err=%v want=%v", err, ErrNegativeCount)
	}
	if got := c.Count(); got != 8 {
		t.Fatalf("rejected seed changed count: %d", got)
	}
}

func TestCounter_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Increment()
		}()
	}
	wg.Wait()

	if got := c.Count(); got != 100 {
		t.Fatalf("Count()=%d want=100", got)
	}
}

func TestCounter_SubscribeOnlyOnChange(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	var seen []int
	c.Subscribe(func(n int) { seen = append(seen, n) })

	c.Reset() // 0 -> 0
	c.Increment()
	_ = c.SetAbsolute(1) // 1 -> 1
	c.Reset()

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 0 {
		t.Fatalf("seen=%v want=[1 0]", seen)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	exact := strings.Repeat("a", AlertPreviewRunes)
	long := strings.Repeat("b", AlertPreviewRunes+5)
	bangla := strings.Repeat("জ", AlertPreviewRunes+1)

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "short", in: "water main burst", want: "water main burst"},
		{name: "exact", in: exact, want: exact},
		{name: "long", in: long, want: strings.Repeat("b", AlertPreviewRunes) + "..."},
		{name: "multibyte", in: bangla, want: strings.Repeat("জ", AlertPreviewRunes) + "..."},
	}

	for _, tc := range cases {
		if got := Preview(tc.in); got != tc.want {
			t.Fatalf("%s: Preview()=%q want=%q", tc.name, got, tc.want)
		}
	}
}

func TestRecorder_KeepsMostRecent(t *testing.T) {
	t.Parallel()

	r := NewRecorder(nil, 2)
	ctx := context.Background()
	r.Alert(ctx, Alert{Body: "1"})
	r.Alert(ctx, Alert{Body: "2"})
	r.Alert(ctx, Alert{Body: "3"})

	got := r.Recent()
	if len(got) != 2 || got[0].Body != "2" || got[1].Body != "3" {
		t.Fatalf("Recent()=%v want bodies [2 3]", got)
	}
}
