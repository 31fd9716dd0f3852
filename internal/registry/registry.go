// Package registry accepts driver connections and tracks one Session per connection.
//
// Each Listener owns one port and one agent kind and runs its own accept loop;
// several listeners may coexist in a process. Every accepted connection becomes a
// Session unconditionally and is handed to the listener's Handler exactly once.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/botwire/internal/observability"
	"github.com/danmuck/botwire/internal/protocol/channel"
	"github.com/danmuck/botwire/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrListenerClosed = errors.New("registry: listener closed")
	ErrInvalidKind    = errors.New("registry: invalid agent kind")
)

// Kind names the agent type a listener serves.
type Kind string

const (
	KindAndroid Kind = "android"
	KindWindows Kind = "windows"
	KindWeb     Kind = "web"
)

// Handler is the user entrypoint for one session. Returning does not close the
// session; it lives until its channel fails or is closed.
type Handler func(ctx context.Context, s *Session)

// Session is one driver connection.
type Session struct {
	*channel.Channel

	ID          string
	Kind        Kind
	ConnectedAt time.Time

	mu       sync.RWMutex
	identity string
}

// Identity returns the device identifier discovered for this session, if any.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) SetIdentity(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = strings.TrimSpace(id)
}

// Registry is the set of live listeners in one process.
type Registry struct {
	cfg session.Config

	mu        sync.Mutex
	listeners []*Listener
}

func NewRegistry(cfg session.Config) *Registry {
	return &Registry{cfg: cfg.WithDefaults()}
}

// Listen binds addr and starts accepting sessions of kind. The accept loop stops
// when ctx is done or the listener is closed.
func (r *Registry) Listen(ctx context.Context, kind Kind, addr string, h Handler) (*Listener, error) {
	switch kind {
	case KindAndroid, KindWindows, KindWeb:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("registry: listen %s %s: %w", kind, addr, err)
	}
	l := &Listener{
		kind:     kind,
		ln:       ln,
		handler:  h,
		cfg:      r.cfg,
		sessions: make(map[string]*Session),
		arrived:  make(chan struct{}),
		done:     make(chan struct{}),
		registry: r,
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()

	log.Info().Str("kind", string(kind)).Str("addr", ln.Addr().String()).Msg("listening for drivers")
	go l.serve(ctx)
	return l, nil
}

// Lookup returns the live listener for kind bound on port.
func (r *Registry) Lookup(kind Kind, port int) (*Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		if l.kind == kind && l.Port() == port {
			return l, true
		}
	}
	return nil, false
}

func (r *Registry) Listeners() []*Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// Close closes every listener and all of their sessions.
func (r *Registry) Close() error {
	var errs []error
	for _, l := range r.Listeners() {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) remove(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.listeners {
		if cur == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Listener accepts connections for one agent kind on one port.
type Listener struct {
	kind     Kind
	ln       net.Listener
	handler  Handler
	cfg      session.Config
	registry *Registry

	mu       sync.Mutex
	sessions map[string]*Session
	arrived  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func (l *Listener) Kind() Kind {
	return l.kind
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Port() int {
	if tcp, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Sessions returns live sessions, oldest first.
func (l *Listener) Sessions() []*Session {
	l.mu.Lock()
	out := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// First returns the oldest live session.
func (l *Listener) First() (*Session, bool) {
	sessions := l.Sessions()
	if len(sessions) == 0 {
		return nil, false
	}
	return sessions[0], true
}

// Wait blocks until a live session exists, ctx is done, or the listener closes.
func (l *Listener) Wait(ctx context.Context) (*Session, error) {
	for {
		l.mu.Lock()
		arrived := l.arrived
		l.mu.Unlock()
		if s, ok := l.First(); ok {
			return s, nil
		}
		select {
		case <-arrived:
		case <-l.done:
			return nil, ErrListenerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Close stops accepting and closes every live session.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
		for _, s := range l.Sessions() {
			_ = s.Close()
		}
		l.registry.remove(l)
		log.Info().Str("kind", string(l.kind)).Str("addr", l.ln.Addr().String()).Msg("listener closed")
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *Listener) serve(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.done:
		}
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Str("kind", string(l.kind)).Err(err).Msg("accept failed")
			_ = l.Close()
			return
		}
		l.accept(ctx, conn)
	}
}

func (l *Listener) accept(ctx context.Context, conn net.Conn) {
	s := &Session{
		Channel:     channel.New(conn, l.cfg, channel.WithKind(string(l.kind))),
		ID:          uuid.NewString(),
		Kind:        l.kind,
		ConnectedAt: time.Now(),
	}

	l.mu.Lock()
	l.sessions[s.ID] = s
	active := len(l.sessions)
	close(l.arrived)
	l.arrived = make(chan struct{})
	l.mu.Unlock()

	observability.SessionOpened(string(l.kind))
	log.Info().
		Str("kind", string(l.kind)).
		Str("session", s.ID).
		Str("remote", s.RemoteAddr()).
		Int("active", active).
		Msg("driver connected")

	sctx, cancel := context.WithCancel(ctx)
	go func() {
		<-s.Done()
		cancel()
		l.untrack(s)
	}()
	if l.handler != nil {
		go l.handler(sctx, s)
	}
}

func (l *Listener) untrack(s *Session) {
	l.mu.Lock()
	delete(l.sessions, s.ID)
	remaining := len(l.sessions)
	l.mu.Unlock()

	observability.SessionClosed(string(l.kind))
	log.Info().
		Str("kind", string(l.kind)).
		Str("session", s.ID).
		Int("active", remaining).
		Err(s.Err()).
		Msg("driver disconnected")
}
