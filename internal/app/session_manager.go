package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/callscreen/internal/bridge"
)

var (
	// ErrAtCapacity is returned by [SessionManager.Reserve] when every call
	// slot is taken.
	ErrAtCapacity = errors.New("app: session limit reached")

	// ErrShuttingDown is returned once [SessionManager.CloseAll] has started.
	ErrShuttingDown = errors.New("app: shutting down")
)

// SessionManager tracks the live bridge sessions and enforces the session
// limit. All exported methods are safe for concurrent use.
type SessionManager struct {
	max int

	mu       sync.Mutex
	reserved int
	sessions map[string]*bridge.Session
	closed   bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a manager that admits at most max concurrent
// sessions. max <= 0 means unlimited.
func NewSessionManager(max int) *SessionManager {
	return &SessionManager{
		max:      max,
		sessions: make(map[string]*bridge.Session),
	}
}

// Reserve claims a session slot before any per-call resources are set up.
// The returned release function frees the slot and is safe to call more than
// once.
func (sm *SessionManager) Reserve() (release func(), err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrShuttingDown
	}
	if sm.max > 0 && sm.reserved >= sm.max {
		return nil, fmt.Errorf("%w (%d)", ErrAtCapacity, sm.max)
	}
	sm.reserved++

	var once sync.Once
	return func() {
		once.Do(func() {
			sm.mu.Lock()
			sm.reserved--
			sm.mu.Unlock()
		})
	}, nil
}

// Run registers s, runs it until it ends and unregisters it. If the manager
// is shutting down the session is closed without running.
func (sm *SessionManager) Run(ctx context.Context, s *bridge.Session) error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		_ = s.Close()
		return ErrShuttingDown
	}
	sm.sessions[s.ID()] = s
	sm.wg.Add(1)
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		delete(sm.sessions, s.ID())
		sm.mu.Unlock()
		sm.wg.Done()
	}()

	return s.Run(ctx)
}

// Get returns the live session with the given ID.
func (sm *SessionManager) Get(id string) (*bridge.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// List returns a snapshot of the live sessions, oldest first.
func (sm *SessionManager) List() []bridge.Info {
	sm.mu.Lock()
	infos := make([]bridge.Info, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		infos = append(infos, s.Info())
	}
	sm.mu.Unlock()

	slices.SortFunc(infos, func(a, b bridge.Info) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), strings.Compare(a.ID, b.ID))
	})
	return infos
}

// Usage returns the number of claimed slots and the limit (0 = unlimited).
func (sm *SessionManager) Usage() (active, limit int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reserved, sm.max
}

// CloseAll refuses new sessions, closes every live one concurrently and
// waits until their Run calls have returned or ctx is done.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	live := make([]*bridge.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		live = append(live, s)
	}
	sm.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var closers sync.WaitGroup
		for _, s := range live {
			closers.Go(func() {
				if err := s.Close(); err != nil {
					slog.Warn("app: session close error", "session_id", s.ID(), "err", err)
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			})
		}
		closers.Wait()
		sm.wg.Wait()
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("app: waiting for sessions: %w", ctx.Err())
	}
	if len(live) > 0 {
		slog.Info("app: sessions closed", "count", len(live))
	}
	mu.Lock()
	defer mu.Unlock()
	return errors.Join(append(errs, waitErr)...)
}
