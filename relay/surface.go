package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aveauth/channel"
)

const (
	writeTimeout      = 10 * time.Second
	readTimeout       = 60 * time.Second
	heartbeatInterval = 30 * time.Second
	maxMessageBytes   = 1 << 20
)

var errSurfaceRemoved = errors.New("relay: surface removed")

type surface struct {
	host *Host
	spec channel.SurfaceSpec

	mu      sync.Mutex
	conn    *websocket.Conn
	origin  string
	pending [][]byte
	removed bool

	writeMu    sync.Mutex
	done       chan struct{}
	removeOnce sync.Once
}

func newSurface(h *Host, spec channel.SurfaceSpec) *surface {
	return &surface{host: h, spec: spec, done: make(chan struct{})}
}

func (s *surface) ID() string { return s.spec.ID }

func (s *surface) Done() <-chan struct{} { return s.done }

// Post writes data to the connected surface, or queues it until the surface connects.
func (s *surface) Post(data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("relay: encode message: %w", err)
	}
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return errSurfaceRemoved
	}
	conn := s.conn
	if conn == nil {
		s.pending = append(s.pending, b)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.write(conn, b)
}

func (s *surface) Remove() {
	s.removeOnce.Do(func() {
		s.mu.Lock()
		s.removed = true
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "removed"),
				time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			_ = conn.Close()
		}
		if s.spec.Presentation == channel.Embedded && s.spec.Container != nil {
			s.spec.Container.Unmount()
		}
		s.host.forget(s)
		close(s.done)
	})
}

// connect binds the first websocket to the surface and flushes queued posts.
func (s *surface) connect(conn *websocket.Conn, origin string) bool {
	s.mu.Lock()
	if s.removed || s.conn != nil {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.origin = origin
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for _, b := range pending {
		if err := s.write(conn, b); err != nil {
			s.host.logger.Warn("flushing queued message failed", "surface", s.spec.ID, "err", err)
			break
		}
	}
	s.host.logger.Debug("surface connected", "surface", s.spec.ID)
	return true
}

func (s *surface) run() {
	defer s.Remove()
	go s.heartbeat()
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.host.logger.Debug("surface connection ended", "surface", s.spec.ID, "err", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.host.dispatch(channel.Message{Origin: s.origin, Source: s.spec.ID, Data: data})
	}
}

func (s *surface) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.Remove()
				return
			}
		}
	}
}

func (s *surface) write(conn *websocket.Conn, b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("relay: set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("relay: write message: %w", err)
	}
	return nil
}
