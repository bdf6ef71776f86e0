package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"aveauth/client"
)

const (
	defaultPopupWidth  = 500
	defaultPopupHeight = 650
)

// Options configures an authorization session.
type Options struct {
	Request      client.AuthorizationRequest
	Presentation Presentation
	// Container is required for Embedded.
	Container Container
	Width     int
	Height    int

	OnSuccess func(SuccessPayload)
	OnError   func(ErrorPayload)
	OnClose   func()
}

// SigningOptions configures a signing session.
type SigningOptions struct {
	Issuer       string
	RequestID    string
	Presentation Presentation
	Container    Container
	Width        int
	Height       int

	OnSigned func(json.RawMessage)
	OnDenied func(ErrorPayload)
	OnClose  func()
}

// Manager opens sessions on a Host.
type Manager struct {
	host   Host
	logger *slog.Logger
}

// NewManager returns a Manager that opens surfaces on host. A nil logger
// uses slog.Default.
func NewManager(host Host, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{host: host, logger: logger}
}

// Open presents the authorization request and listens for its outcome.
// A blocked popup yields a nil session and an *client.EnvironmentError
// wrapping client.ErrPopupBlocked.
func (m *Manager) Open(opts Options) (*Session, error) {
	req := opts.Request
	if req.ClientID() == "" {
		return nil, &client.ConfigurationError{Field: "request"}
	}
	embed := opts.Presentation != Popup
	handlers := map[string]terminal{
		TypeSuccess: successHandler(opts.OnSuccess),
		TypeError:   errorHandler(opts.OnError),
		TypeClose:   closeHandler(opts.OnClose),
	}
	return m.open(req.Issuer(), req.WithEmbed(embed).URL(), surfaceOptions{
		presentation: opts.Presentation,
		container:    opts.Container,
		width:        opts.Width,
		height:       opts.Height,
	}, handlers, opts.OnClose)
}

// OpenSigning presents a signing request. It follows the same lifecycle as
// Open with ave:signed and ave:denied as the terminal outcomes.
func (m *Manager) OpenSigning(opts SigningOptions) (*Session, error) {
	embed := opts.Presentation != Popup
	src, err := client.BuildSigningURL(opts.Issuer, opts.RequestID, embed)
	if err != nil {
		return nil, err
	}
	issuer := opts.Issuer
	if issuer == "" {
		issuer = client.DefaultIssuer
	}
	handlers := map[string]terminal{
		TypeSigned: rawHandler(opts.OnSigned),
		TypeDenied: errorHandler(opts.OnDenied),
		TypeClose:  closeHandler(opts.OnClose),
	}
	return m.open(issuer, src, surfaceOptions{
		presentation: opts.Presentation,
		container:    opts.Container,
		width:        opts.Width,
		height:       opts.Height,
	}, handlers, opts.OnClose)
}

type surfaceOptions struct {
	presentation  Presentation
	container     Container
	width, height int
}

func (m *Manager) open(issuer, src string, so surfaceOptions, handlers map[string]terminal, onClose func()) (*Session, error) {
	switch so.presentation {
	case Embedded:
		if so.container == nil {
			return nil, &client.ConfigurationError{Field: "container"}
		}
	case Modal, Popup:
	default:
		return nil, fmt.Errorf("channel: unknown presentation %d", int(so.presentation))
	}
	origin, err := client.Origin(issuer)
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	if so.width <= 0 {
		so.width = defaultPopupWidth
	}
	if so.height <= 0 {
		so.height = defaultPopupHeight
	}

	id := uuid.NewString()
	s := newSession(id, origin, so.presentation, handlers, onClose, m.logger)
	s.listen(m.host)

	surface, err := m.host.Open(SurfaceSpec{
		ID:           id,
		Presentation: so.presentation,
		URL:          src,
		Origin:       origin,
		Container:    so.container,
		Width:        so.width,
		Height:       so.height,
	})
	if err != nil {
		s.stop()
		if errors.Is(err, client.ErrPopupBlocked) {
			m.logger.Warn("popup blocked", "surface", id)
			return nil, &client.EnvironmentError{Capability: "popup", Err: err}
		}
		return nil, &client.EnvironmentError{Capability: so.presentation.String() + " surface", Err: err}
	}
	s.attach(surface)
	m.logger.Debug("session opened", "surface", id, "presentation", so.presentation.String(), "origin", origin)
	return s, nil
}
