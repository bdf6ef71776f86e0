package channel

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrSessionClosed is returned by PostMessage once the surface is gone.
var ErrSessionClosed = errors.New("channel: session closed")

// State is the lifecycle state of a session. Every state but StateOpened is terminal.
type State int

const (
	StateOpened State = iota
	StateSucceeded
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateSucceeded:
		return "succeeded"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one open provider surface and its message listener.
type Session struct {
	id           string
	origin       string
	presentation Presentation
	handlers     map[string]terminal
	onUserClose  func()
	logger       *slog.Logger

	mu       sync.Mutex
	state    State
	surface  Surface
	unlisten func()

	// stopped is closed when the listener is torn down.
	stopped    chan struct{}
	stopOnce   sync.Once
	removeOnce sync.Once
}

func newSession(id, origin string, presentation Presentation, handlers map[string]terminal, onUserClose func(), logger *slog.Logger) *Session {
	return &Session{
		id:           id,
		origin:       origin,
		presentation: presentation,
		handlers:     handlers,
		onUserClose:  onUserClose,
		logger:       logger.With("surface", id, "presentation", presentation.String()),
		stopped:      make(chan struct{}),
	}
}

// ID returns the surface identifier the session listens for.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PostMessage sends data to the provider surface, targeted at the issuer origin.
func (s *Session) PostMessage(data any) error {
	s.mu.Lock()
	surface := s.surface
	s.mu.Unlock()
	if surface == nil {
		return ErrSessionClosed
	}
	select {
	case <-surface.Done():
		return ErrSessionClosed
	default:
	}
	return surface.Post(data)
}

// Close removes the listener and the surface without firing any callback.
// It is safe to call repeatedly and after a terminal message.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateOpened {
		s.state = StateClosed
	}
	s.mu.Unlock()
	s.stop()
	s.remove()
}

// Destroy is Close under the name embedded callers use for unmounting.
func (s *Session) Destroy() { s.Close() }

func (s *Session) listen(host Host) {
	unlisten := host.Listen(s.deliver)
	s.mu.Lock()
	s.unlisten = unlisten
	s.mu.Unlock()
	select {
	case <-s.stopped:
		unlisten()
	default:
	}
}

// attach binds the opened surface. A terminal message may already have
// arrived while the host was opening it.
func (s *Session) attach(surface Surface) {
	s.mu.Lock()
	s.surface = surface
	state := s.state
	s.mu.Unlock()
	if state != StateOpened {
		if s.presentation != Embedded {
			s.remove()
		}
		return
	}
	go s.watch(surface)
}

// deliver applies one host message to the session.
func (s *Session) deliver(msg Message) {
	if msg.Origin != s.origin {
		s.logger.Debug("dropping message from foreign origin", "origin", msg.Origin)
		return
	}
	if msg.Source != "" && msg.Source != s.id {
		return
	}
	env, err := decodeEnvelope(msg.Data)
	if err != nil {
		s.logger.Debug("dropping malformed message", "err", err)
		return
	}
	handler, ok := s.handlers[env.Type]
	if !ok {
		return
	}
	fire, err := handler.decode(env.Payload)
	if err != nil {
		s.logger.Warn("dropping message with invalid payload", "type", env.Type, "err", err)
		return
	}
	if !s.transition(handler.state) {
		return
	}
	s.logger.Info("session finished", "state", handler.state.String())
	s.stop()
	if s.presentation != Embedded {
		s.remove()
	}
	fire()
}

// watch reports a surface that disappeared while the session was still open.
func (s *Session) watch(surface Surface) {
	select {
	case <-surface.Done():
	case <-s.stopped:
		return
	}
	if !s.transition(StateClosed) {
		return
	}
	s.logger.Info("surface closed by user")
	s.stop()
	s.remove()
	if s.onUserClose != nil {
		s.onUserClose()
	}
}

func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpened {
		return false
	}
	s.state = to
	return true
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		unlisten := s.unlisten
		s.mu.Unlock()
		if unlisten != nil {
			unlisten()
		}
		close(s.stopped)
	})
}

func (s *Session) remove() {
	s.mu.Lock()
	surface := s.surface
	s.mu.Unlock()
	if surface == nil {
		return
	}
	s.removeOnce.Do(surface.Remove)
}
