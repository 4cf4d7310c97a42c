package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"civic/cmd/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func admin() Identity {
	return Identity{ID: "u-1", Name: "Rahim", Role: RoleCategoryAdmin, Category: "water", Division: "Dhaka"}
}

func TestNewStore_RestoresFromMirror(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := storage.NewMemoryKV()
	if err := kv.Put(ctx, MirrorKey, []byte(`{"_id":"u-1","name":"Rahim","role":"category-admin","category":"water"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := NewStore(ctx, discardLogger(), NewKVMirror(kv))
	st := s.State()
	if !st.IsAuthenticated || st.Identity == nil || st.Identity.ID != "u-1" {
		t.Fatalf("State()=%+v want restored u-1", st)
	}
	if st.Identity.Role != RoleCategoryAdmin || st.Identity.Category != "water" {
		t.Fatalf("restored identity=%+v", *st.Identity)
	}
}

func TestNewStore_CorruptMirrorIsRemoved(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{not json`},
		{name: "missing id", raw: `{"name":"x"}`},
		{name: "unknown role", raw: `{"_id":"u","role":"root"}`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			kv := storage.NewMemoryKV()
			_ = kv.Put(ctx, MirrorKey, []byte(tc.raw))

			s := NewStore(ctx, discardLogger(), NewKVMirror(kv))
			if s.State().IsAuthenticated {
				t.Fatalf("store authenticated from corrupt mirror")
			}
			if _, err := kv.Get(ctx, MirrorKey); !errors.Is(err, storage.ErrNotFound) {
				t.Fatalf("corrupt value not removed: err=%v", err)
			}
		})
	}
}

func TestSetIdentityAndClear_MirrorAndInvariant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := storage.NewMemoryKV()
	s := NewStore(ctx, discardLogger(), NewKVMirror(kv))

	if st := s.State(); st.IsAuthenticated || st.Identity != nil {
		t.Fatalf("initial State()=%+v want empty", st)
	}

	if err := s.SetIdentity(ctx, admin()); err != nil {
		t.Fatalf("SetIdentity: %v", err)
	}
	st := s.State()
	if !st.IsAuthenticated || st.Identity == nil {
		t.Fatalf("after SetIdentity State()=%+v", st)
	}
	if _, err := kv.Get(ctx, MirrorKey); err != nil {
		t.Fatalf("identity not mirrored: %v", err)
	}

	s.Clear(ctx)
	st = s.State()
	if st.IsAuthenticated || st.Identity != nil {
		t.Fatalf("after Clear State()=%+v", st)
	}
	if _, err := kv.Get(ctx, MirrorKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("mirror not removed: err=%v", err)
	}
}

func TestSetIdentity_RejectsInvalid(t *testing.T) {
	t.Parallel()

	s := NewStore(context.Background(), discardLogger(), nil)
	if err := s.SetIdentity(context.Background(), Identity{Name: "no id"}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("SetIdentity err=%v want=%v", err, ErrInvalidIdentity)
	}
	if s.State().IsAuthenticated {
		t.Fatalf("invalid identity was applied")
	}
}

func TestIdentity_ReturnsCopy(t *testing.T) {
	t.Parallel()

	s := NewStore(context.Background(), discardLogger(), nil)
	_ = s.SetIdentity(context.Background(), admin())

	got := s.Identity()
	got.Role = RoleSuperAdmin
	if s.Identity().Role != RoleCategoryAdmin {
		t.Fatalf("caller mutation leaked into store")
	}
}

type failingKV struct{ storage.KV }

func (failingKV) Put(context.Context, string, []byte) error { return errors.New("disk full") }

func TestSetIdentity_MirrorFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	s := NewStore(context.Background(), discardLogger(), NewKVMirror(failingKV{storage.NewMemoryKV()}))
	if err := s.SetIdentity(context.Background(), admin()); err != nil {
		t.Fatalf("SetIdentity err=%v want=nil", err)
	}
	if !s.State().IsAuthenticated {
		t.Fatalf("state not applied after mirror failure")
	}
}

func TestSubscribe_TransitionsInOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(ctx, discardLogger(), nil)

	type tr struct{ prevAuth, nextAuth, nextLoading bool }
	var got []tr
	unsub := s.Subscribe(func(prev, next State) {
		got = append(got, tr{prev.IsAuthenticated, next.IsAuthenticated, next.Loading})
	})

	s.SetLoading(true)
	s.SetLoading(true) // unchanged: no transition
	_ = s.SetIdentity(ctx, admin())
	s.SetLoading(false)
	s.Clear(ctx)
	s.Clear(ctx) // already signed out: no transition

	want := []tr{
		{false, false, true},
		{false, true, true},
		{true, true, false},
		{true, false, false},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition[%d]=%v want=%v", i, got[i], want[i])
		}
	}

	unsub()
	unsub()
	_ = s.SetIdentity(ctx, admin())
	if len(got) != len(want) {
		t.Fatalf("listener called after unsubscribe")
	}
}

func TestSubscribe_ConcurrentMutationsAreSerialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(ctx, discardLogger(), nil)

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		calls   int
	)
	s.Subscribe(func(_, next State) {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		calls++
		mu.Unlock()

		if next.IsAuthenticated != (next.Identity != nil) {
			t.Errorf("invariant broken: %+v", next)
		}

		mu.Lock()
		active--
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.SetIdentity(ctx, admin())
		}()
		go func() {
			defer wg.Done()
			s.Clear(ctx)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("listener ran concurrently: max=%d", maxSeen)
	}
	if calls == 0 {
		t.Fatalf("listener never called")
	}
}
