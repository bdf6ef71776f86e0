// Package channel opens provider surfaces (embedded frame, modal sheet or popup
// window) and turns the cross-origin messages they post into exactly one
// terminal callback per session.
package channel

import "fmt"

// Presentation selects how the provider surface is shown.
type Presentation int

const (
	// Embedded mounts a persistent frame into a caller-supplied container.
	Embedded Presentation = iota
	// Modal shows an overlay owned by the session.
	Modal
	// Popup opens a new top-level window. Hosts backed by a browser must be
	// called from within a user-gesture handler or the popup is blocked.
	Popup
)

func (p Presentation) String() string {
	switch p {
	case Embedded:
		return "embedded"
	case Modal:
		return "modal"
	case Popup:
		return "popup"
	default:
		return fmt.Sprintf("presentation(%d)", int(p))
	}
}

// Message is one message delivered by the hosting environment.
type Message struct {
	// Origin is the sender origin as reported by the environment, never by the payload.
	Origin string
	// Source identifies the surface that posted the message, when known.
	Source string
	Data   []byte
}

// Container receives an embedded surface.
type Container interface {
	Mount(src string) error
	Unmount()
}

// SurfaceSpec describes a surface to open.
type SurfaceSpec struct {
	ID           string
	Presentation Presentation
	URL          string
	// Origin is the only origin allowed to talk to the surface.
	Origin    string
	Container Container
	Width     int
	Height    int
}

// Surface is an open provider surface.
type Surface interface {
	ID() string
	// Post sends data to the surface; hosts deliver it only to Origin.
	Post(data any) error
	// Remove tears the surface down. It must be safe to call more than once.
	Remove()
	// Done is closed once the surface is gone, whoever closed it.
	Done() <-chan struct{}
}

// Host is the environment surfaces live in.
type Host interface {
	// Listen registers fn for every delivered message. The returned function
	// unregisters it; it may be called more than once and from inside fn.
	Listen(fn func(Message)) (unlisten func())
	// Open creates the surface. Popup hosts return an error wrapping
	// client.ErrPopupBlocked when the window cannot be opened.
	Open(spec SurfaceSpec) (Surface, error)
}
