package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// SessionState is the lifecycle state of a Session. A connection is Idle before its Session is
// opened, so only the open and closed states are observable on a Session.
type SessionState int

// Session states. StateClosed is terminal.
const (
	StateStreamOpen SessionState = iota + 1
	StateClosed
)

// Session is the server-side record of one open streaming connection. Sessions are never
// shared across connections.
type Session struct {
	id        string
	transport Transport
	createdAt time.Time
	clock     clockwork.Clock

	lastActive atomic.Int64
	closed     atomic.Bool

	inbox  chan JSONRPCMessage
	ctx    context.Context
	cancel context.CancelFunc
}

// SessionRegistry owns the mapping from session id to Session. It is safe for concurrent use.
type SessionRegistry struct {
	lock     sync.RWMutex
	sessions map[string]*Session

	clock       clockwork.Clock
	idleTimeout time.Duration
	inboxSize   int
	logger      *slog.Logger
}

// RegistryOption represents the options for the SessionRegistry.
type RegistryOption func(*SessionRegistry)

const defaultInboxSize = 16

// NewSessionRegistry creates an empty SessionRegistry.
func NewSessionRegistry(options ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		sessions:  make(map[string]*Session),
		clock:     clockwork.NewRealClock(),
		inboxSize: defaultInboxSize,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithIdleTimeout makes Reap close sessions that received no message for d. Zero disables it.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *SessionRegistry) {
		r.idleTimeout = d
	}
}

// WithRegistryClock sets the clock used for session timestamps and reaping.
func WithRegistryClock(clock clockwork.Clock) RegistryOption {
	return func(r *SessionRegistry) {
		r.clock = clock
	}
}

// WithInboxSize sets how many inbound messages a session buffers before posting blocks.
func WithInboxSize(size int) RegistryOption {
	return func(r *SessionRegistry) {
		if size > 0 {
			r.inboxSize = size
		}
	}
}

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *SessionRegistry) {
		r.logger = logger.With(
			slog.String("package", "hello-mcp"),
			slog.String("component", "registry"),
		)
	}
}

// Open creates and stores a new Session bound to t. The session is closed and removed when t
// terminates.
func (r *SessionRegistry) Open(t Transport) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := r.clock.Now()

	s := &Session{
		id:        uuid.New().String(),
		transport: t,
		createdAt: now,
		clock:     r.clock,
		inbox:     make(chan JSONRPCMessage, r.inboxSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.lastActive.Store(now.UnixNano())

	r.lock.Lock()
	r.sessions[s.id] = s
	r.lock.Unlock()

	r.logger.Debug("session opened", slog.String("sessionID", s.id))

	// Registered after the session is stored, so an already-closed transport removes it at once.
	t.OnClose(func() {
		_ = r.Close(s.id)
	})

	return s
}

// Get looks up an open session.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	r.lock.RLock()
	s, ok := r.sessions[id]
	r.lock.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	return s, nil
}

// Close marks the session closed, cancels further delivery to it and releases its Transport.
func (r *SessionRegistry) Close(id string) error {
	r.lock.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.lock.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	s.close()
	r.logger.Debug("session closed", slog.String("sessionID", id))

	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// CloseAll closes every open session.
func (r *SessionRegistry) CloseAll() {
	for s := range r.Sessions() {
		if err := r.Close(s.id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			r.logger.Warn("failed to close session",
				slog.String("sessionID", s.id),
				slog.String("err", err.Error()))
		}
	}
}

// Len returns the number of open sessions.
func (r *SessionRegistry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

// Sessions iterates over a snapshot of the open sessions.
func (r *SessionRegistry) Sessions() iter.Seq[*Session] {
	r.lock.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.lock.RUnlock()

	return func(yield func(*Session) bool) {
		for _, s := range snapshot {
			if !yield(s) {
				return
			}
		}
	}
}

// Reap closes idle sessions until done is closed. It returns immediately when no idle timeout
// is configured.
func (r *SessionRegistry) Reap(done <-chan struct{}) {
	if r.idleTimeout <= 0 {
		return
	}

	ticker := r.clock.NewTicker(r.reapInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			r.closeIdle()
		}
	}
}

func (r *SessionRegistry) reapInterval() time.Duration {
	interval := r.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func (r *SessionRegistry) closeIdle() int {
	now := r.clock.Now()
	closed := 0
	for s := range r.Sessions() {
		if now.Sub(s.LastActive()) < r.idleTimeout {
			continue
		}
		r.logger.Info("closing idle session",
			slog.String("sessionID", s.id),
			slog.Duration("idle", now.Sub(s.LastActive())))
		if err := r.Close(s.id); err == nil {
			closed++
		}
	}
	return closed
}

// ID returns the unique identifier of the session.
func (s *Session) ID() string { return s.id }

// Transport returns the transport owned by the session.
func (s *Session) Transport() Transport { return s.transport }

// CreatedAt returns the time the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActive returns the time of the last delivered message, or the creation time.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// Closed reports whether the session was closed.
func (s *Session) Closed() bool { return s.closed.Load() }

// State returns the lifecycle state of the session.
func (s *Session) State() SessionState {
	if s.Closed() {
		return StateClosed
	}
	return StateStreamOpen
}

// Done returns a channel closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns a context cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Messages yields delivered messages in arrival order until the session closes. Messages still
// queued at close are dropped.
func (s *Session) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.ctx.Done():
				return
			case msg := <-s.inbox:
				if s.Closed() {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *Session) deliver(ctx context.Context, msg JSONRPCMessage) error {
	if s.Closed() {
		return ErrSessionClosed
	}

	select {
	case s.inbox <- msg:
		s.lastActive.Store(s.clock.Now().UnixNano())
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) close() {
	s.closed.Store(true)
	s.cancel()
}
