// Package relay is a channel.Host for processes without a browser of their
// own. Provider surfaces are shown in the system browser (popup, modal) or a
// caller container (embedded) and talk back over a loopback websocket. The
// websocket handshake Origin header is the message origin, and a dropped
// connection is the window-closed signal.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/skratchdot/open-golang/open"

	"aveauth/channel"
	"aveauth/client"
)

// FragmentKey names the URL fragment carrying the websocket address of a surface.
const FragmentKey = "ave_relay"

// Opener shows a URL to the user, typically in the system browser. width and
// height are the requested window size in pixels; zero means no preference.
type Opener func(url string, width, height int) error

// SystemBrowser opens url in the default browser. The browser owns its window
// geometry, so the requested size is ignored.
func SystemBrowser(url string, _, _ int) error {
	return open.Run(url)
}

// Config configures a Host.
type Config struct {
	// Addr defaults to 127.0.0.1:0.
	Addr   string
	Opener Opener
	Logger *slog.Logger
}

// Host serves the surface websockets and implements channel.Host.
type Host struct {
	addr     string
	opener   Opener
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	nextID    int
	listeners map[int]func(channel.Message)
	surfaces  map[string]*surface

	srv     *http.Server
	baseURL string
}

var _ channel.Host = (*Host)(nil)

// New constructs a Host. Start must be called before sessions are opened.
// A nil Opener uses SystemBrowser.
func New(cfg Config) *Host {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	opener := cfg.Opener
	if opener == nil {
		opener = SystemBrowser
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Host{
		addr:      addr,
		opener:    opener,
		logger:    logger,
		listeners: make(map[int]func(channel.Message)),
		surfaces:  make(map[string]*surface),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// handleSurface matches the Origin against the surface before upgrading.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start binds the loopback listener and serves until Shutdown.
func (h *Host) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.mu.Lock()
	h.srv = srv
	h.baseURL = "ws://" + ln.Addr().String()
	h.mu.Unlock()

	h.logger.Info("relay listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("relay server stopped", "err", err)
		}
	}()
	return nil
}

// Shutdown removes every surface and stops the server.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	surfaces := make([]*surface, 0, len(h.surfaces))
	for _, s := range h.surfaces {
		surfaces = append(surfaces, s)
	}
	srv := h.srv
	h.mu.Unlock()

	for _, s := range surfaces {
		s.Remove()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router exposes the websocket endpoint.
func (h *Host) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/surfaces/{id}", h.handleSurface)
	return r
}

// Listen implements channel.Host.
func (h *Host) Listen(fn func(channel.Message)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

// Open implements channel.Host.
func (h *Host) Open(spec channel.SurfaceSpec) (channel.Surface, error) {
	h.mu.Lock()
	base := h.baseURL
	h.mu.Unlock()
	if base == "" {
		return nil, errors.New("relay: host not started")
	}

	src, err := withRelayFragment(spec.URL, base+"/surfaces/"+url.PathEscape(spec.ID))
	if err != nil {
		return nil, err
	}
	s := newSurface(h, spec)
	h.mu.Lock()
	h.surfaces[spec.ID] = s
	h.mu.Unlock()

	switch spec.Presentation {
	case channel.Embedded:
		err = spec.Container.Mount(src)
	case channel.Popup:
		if err = h.opener(src, spec.Width, spec.Height); err != nil {
			err = fmt.Errorf("%w: %v", client.ErrPopupBlocked, err)
		}
	default:
		err = h.opener(src, spec.Width, spec.Height)
	}
	if err != nil {
		h.forget(s)
		return nil, err
	}
	h.logger.Debug("surface opened", "surface", spec.ID, "presentation", spec.Presentation.String())
	return s, nil
}

func (h *Host) handleSurface(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	s := h.surfaces[id]
	h.mu.Unlock()
	if s == nil {
		http.NotFound(w, r)
		return
	}

	origin := r.Header.Get("Origin")
	if origin != s.spec.Origin {
		h.logger.Debug("rejecting surface connection from foreign origin", "surface", id, "origin", origin)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("relay upgrade failed", "surface", id, "err", err)
		return
	}
	if !s.connect(conn, origin) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "surface already connected"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	go s.run()
}

func (h *Host) dispatch(msg channel.Message) {
	h.mu.Lock()
	fns := make([]func(channel.Message), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (h *Host) forget(s *surface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.surfaces[s.spec.ID]; ok && cur == s {
		delete(h.surfaces, s.spec.ID)
	}
}

func withRelayFragment(raw, wsURL string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("relay: parse surface url: %w", err)
	}
	u.Fragment = FragmentKey + "=" + wsURL
	return u.String(), nil
}
