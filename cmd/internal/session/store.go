package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
)

// State is a snapshot of the session. IsAuthenticated is always
// Identity != nil.
type State struct {
	Identity        *Identity
	IsAuthenticated bool
	Loading         bool
}

// Listener observes a transition. It runs after the mutation is applied, in
// mutation order, one transition at a time. A listener must not call a Store
// mutator synchronously; spawn a goroutine if it needs to.
type Listener func(prev, next State)

// Store is the session state container.
type Store struct {
	log    *slog.Logger
	mirror Mirror

	// notifyMu serializes apply+fan-out so listeners see transitions in order.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	state     State
	listeners map[uint64]Listener
	nextID    uint64
}

// NewStore seeds the store from the mirror. A corrupt mirror is discarded and
// the store starts signed out; other load errors are logged the same way.
func NewStore(ctx context.Context, log *slog.Logger, mirror Mirror) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		log:       log,
		mirror:    mirror,
		listeners: make(map[uint64]Listener),
	}
	if mirror == nil {
		return s
	}

	id, err := mirror.Load(ctx)
	switch {
	case errors.Is(err, ErrCorruptMirror):
		log.Warn("session.mirror.corrupt", "err", err)
	case err != nil:
		log.Error("session.mirror.load.fail", "err", err)
	case id != nil:
		s.state = State{Identity: id, IsAuthenticated: true}
		log.Info("session.restored", "user_id", id.ID, "role", id.Role)
	}
	return s
}

// State returns a snapshot; the caller may not mutate the returned Identity.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns a copy of the current identity, or nil.
func (s *Store) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Identity == nil {
		return nil
	}
	cp := *s.state.Identity
	return &cp
}

// SetIdentity signs id in (or replaces the current identity) and mirrors it.
// Mirror failures are logged, not returned: in-memory state is authoritative.
func (s *Store) SetIdentity(ctx context.Context, id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	cp := id
	prev, next := s.apply(func(st *State) {
		st.Identity = &cp
		st.IsAuthenticated = true
	})

	if s.mirror != nil {
		if err := s.mirror.Save(ctx, id); err != nil {
			s.log.Error("session.mirror.save.fail", "user_id", id.ID, "err", err)
		}
	}

	s.log.Info("session.identity.set", "user_id", id.ID, "role", id.Role)
	s.notify(prev, next)
	return nil
}

// Clear signs out and removes the mirrored identity.
func (s *Store) Clear(ctx context.Context) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	prev, next := s.apply(func(st *State) {
		st.Identity = nil
		st.IsAuthenticated = false
	})

	if s.mirror != nil {
		if err := s.mirror.Remove(ctx); err != nil {
			s.log.Error("session.mirror.remove.fail", "err", err)
		}
	}

	if !prev.IsAuthenticated {
		return
	}
	s.log.Info("session.cleared", "user_id", prev.Identity.ID)
	s.notify(prev, next)
}

// SetLoading flips the transient bootstrap flag.
func (s *Store) SetLoading(loading bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	prev, next := s.apply(func(st *State) { st.Loading = loading })
	if prev.Loading == next.Loading {
		return
	}
	s.notify(prev, next)
}

// Subscribe registers l and returns a function that removes it. The
// returned function is safe to call more than once.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) apply(fn func(*State)) (prev, next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.state
	fn(&s.state)
	return prev, s.state
}

func (s *Store) notify(prev, next State) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	// Registration order.
	slices.Sort(ids)
	for _, id := range ids {
		s.mu.RLock()
		l, ok := s.listeners[id]
		s.mu.RUnlock()
		if ok {
			l(prev, next)
		}
	}
}
