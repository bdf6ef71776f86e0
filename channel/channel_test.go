package channel

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aveauth/client"
)

type fakeSurface struct {
	spec     SurfaceSpec
	mu       sync.Mutex
	posted   []any
	removed  int
	done     chan struct{}
	doneOnce sync.Once
}

func (s *fakeSurface) ID() string { return s.spec.ID }

func (s *fakeSurface) Post(data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posted = append(s.posted, data)
	return nil
}

func (s *fakeSurface) Remove() {
	s.mu.Lock()
	s.removed++
	s.mu.Unlock()
	s.close()
}

func (s *fakeSurface) Done() <-chan struct{} { return s.done }

func (s *fakeSurface) close() { s.doneOnce.Do(func() { close(s.done) }) }

func (s *fakeSurface) removals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

type fakeHost struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(Message)
	surfaces  []*fakeSurface
	openErr   error
}

func newFakeHost() *fakeHost {
	return &fakeHost{listeners: map[int]func(Message){}}
}

func (h *fakeHost) Listen(fn func(Message)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.listeners[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

func (h *fakeHost) Open(spec SurfaceSpec) (Surface, error) {
	if h.openErr != nil {
		return nil, h.openErr
	}
	s := &fakeSurface{spec: spec, done: make(chan struct{})}
	h.mu.Lock()
	h.surfaces = append(h.surfaces, s)
	h.mu.Unlock()
	return s, nil
}

func (h *fakeHost) post(origin, source, typ string, payload any) {
	env := map[string]any{"type": typ}
	if payload != nil {
		env["payload"] = payload
	}
	data, _ := json.Marshal(env)
	h.mu.Lock()
	fns := make([]func(Message), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(Message{Origin: origin, Source: source, Data: data})
	}
}

func (h *fakeHost) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

type recorder struct {
	mu       sync.Mutex
	success  []SuccessPayload
	errs     []ErrorPayload
	signed   []json.RawMessage
	closes   int
	closedCh chan struct{}
}

func newRecorder() *recorder { return &recorder{closedCh: make(chan struct{}, 4)} }

func (r *recorder) onSuccess(p SuccessPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success = append(r.success, p)
}

func (r *recorder) onError(p ErrorPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, p)
}

func (r *recorder) onSigned(p json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signed = append(r.signed, p)
}

func (r *recorder) onClose() {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
	r.closedCh <- struct{}{}
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.success) + len(r.errs) + len(r.signed) + r.closes
}

type fakeContainer struct{}

func (fakeContainer) Mount(string) error { return nil }
func (fakeContainer) Unmount()           {}

const issuerOrigin = "https://aveid.net"

func testRequest(t *testing.T) client.AuthorizationRequest {
	t.Helper()
	req, err := client.NewAuthorizationRequest(client.AuthorizeParams{
		ClientID:    "app_123",
		RedirectURI: "http://localhost:8000/callback",
	}, client.AuthorizeOptions{Nonce: "n"})
	require.NoError(t, err)
	return req
}

func openSession(t *testing.T, host *fakeHost, p Presentation, rec *recorder) *Session {
	t.Helper()
	m := NewManager(host, slog.New(slog.NewTextHandler(io.Discard, nil)))
	opts := Options{
		Request:      testRequest(t),
		Presentation: p,
		OnSuccess:    rec.onSuccess,
		OnError:      rec.onError,
		OnClose:      rec.onClose,
	}
	if p == Embedded {
		opts.Container = fakeContainer{}
	}
	s, err := m.Open(opts)
	require.NoError(t, err)
	return s
}

func TestSuccessFromIssuerOrigin(t *testing.T) {
	host := newFakeHost()
	rec := newRecorder()
	s := openSession(t, host, Modal, rec)

	host.post(issuerOrigin, s.ID(), TypeSuccess, map[string]any{
		"redirectUrl": "http://localhost:8000/callback?code=abc",
		"email":       "a@b.c",
	})

	require.Len(t, rec.success, 1)
	assert.Equal(t, "http://localhost:8000/callback?code=abc", rec.success[0].RedirectURL)
	assert.Equal(t, "a@b.c", rec.success[0].Claims["email"])
	assert.Equal(t, StateSucceeded, s.State())
	assert.Zero(t, host.listenerCount())
	assert.Equal(t, 1, host.surfaces[0].removals())
}

func TestForeignOriginIgnored(t *testing.T) {
	host := newFakeHost()
	rec := newRecorder()
	s := openSession(t, host, Modal, rec)

	host.post("https://evil.example", s.ID(), TypeSuccess, map[string]any{"redirectUrl": "https://evil.example/?code=x"})
	host.post("https://aveid.net.evil.example", s.ID(), TypeSuccess, map[string]any{"redirectUrl": "x"})
	host.post("http://aveid.net", s.ID(), TypeError, map[string]any{"error": "x"})

	assert.Zero(t, rec.total())
	assert.Equal(t, StateOpened, s.State())
	assert.Equal(t, 1, host.listenerCount())
	s.Close()
}

func TestMalformedAndUnknownMessagesIgnored(t *testing.T) {
	host := newFakeHost()
	rec := newRecorder()
	s := openSession(t, host, Embedded, rec)

	host.post(issuerOrigin, s.ID(), "ave:resize", map[string]any{"height": 400})
	host.post(issuerOrigin, s.ID(), TypeSuccess, map[string]any{"email": "no redirect"})
	host.mu.Lock()
	for _, fn := range host.listeners {
		fn(Message{Origin: issuerOrigin, Data: []byte("not json")})
	}
	host.mu.Unlock()

	assert.Zero(t, rec.total())
	assert.Equal(t, StateOpened, s.State())
	s.Destroy()
}

func TestExactlyOneTerminalCallback(t *testing.T) {
	host := newFakeHost()
	rec := newRecorder()
	s := openSession(t, host, Embedded, rec)

	host.post(issuerOrigin, s.ID(), TypeError, map[string]any{"error": "access_denied", "message": "no"})
	host.post(issuerOrigin, s.ID(), TypeSuccess, map[string]any{"redirectUrl": "http://localhost:8000/callback?code=1"})
	host.post(issuerOrigin, s.ID(), TypeClose, nil)

	assert.Equal(t, 1, rec.total())
	require.Len(t, rec.errs, 1)
	assert.Equal(t, ErrorPayload{Error: "access_denied", Message: "no"}, rec.errs[0])
	assert.Equal(t, StateErrored, s.State())
}

func TestConcurrentTerminalMessagesFireOnce(t *testing.T) {
	host := newFakeHost()
	rec := newRecorder()
	s := openSession(t, host, Popup, rec)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			host.post(issuerOrigin, s.ID(), TypeSuccess, map[string]any{"redirectUrl": "http://localhost/cb?code=1"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rec.total())
}

func TestEmbeddedSurfacePersistsUntilDestroy(t *testing.T) {
	host := newFakeHost()
	rec := newRecorder()
	s := openSession(t, host, Embedded, rec)

	host.post(issuerOrigin, s.ID(), TypeSuccess, map[string]any{"redirectUrl": "http://localhost/cb?code=1"})
	assert.Zero(t, host.surfaces[0].removals())
	assert.Zero(t, host.listenerCount())

	s.Destroy()
	s.Destroy()
	assert.Equal(t, 1, host.surfaces[0].removals())
	assert.Equal(t, 1, rec.total())
}

func TestEmbeddedRequiresContainer(t *testing.T) {
	m := NewManager(newFakeHost(), nil)
	_, err := m.Open(Options{Request: testRequest(t), Presentation: Embedded})
	var cfgErr *client.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "container", cfgErr.Field)

	_, err = m.Open(Options{Presentation: Modal})
	require.ErrorAs(t, err, &cfgErr)
}

func TestEmbeddedURLCarriesEmbedFlag(t *testing.T) {
	host := newFakeHost()
	openSession(t, host, Embedded, newRecorder())
	openSession(t, host, Popup, newRecorder())

	assert.Contains(t, host.surfaces[0].spec.URL, "embed=1")
	assert.NotContains(t, host.surfaces[1].spec.URL, "embed=1")
	assert.Equal(t, issuerOrigin, host.surfaces[1].spec.Origin)
	assert.Equal(t, defaultPopupWidth, host.surfaces[1].spec.Width)
	assert.Equal(t, defaultPopupHeight, host.surfaces[1].spec.Height)
}

func TestCloseIsSilentAndIdempotent(t *testing.T) {
	host := newFakeHost()
	rec := newRecorder()
	s := openSession(t, host, Modal, rec)

	s.Close()
	s.Close()
	host.post(issuerOrigin, s.ID(), TypeSuccess, map[string]any{"redirectUrl": "http://localhost/cb?code=1"})

	assert.Zero(t, rec.total())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, host.surfaces[0].removals())
	assert.Zero(t, host.listenerCount())
	assert.ErrorIs(t, s.PostMessage("hi"), ErrSessionClosed)
}

func TestUserClosedPopupFiresOnCloseOnce(t *testing.T) {
	host := newFakeHost()
	rec := newRecorder()
	s := openSession(t, host, Popup, rec)

	host.surfaces[0].close()
	select {
	case <-rec.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("onClose not fired")
	}

	host.post(issuerOrigin, s.ID(), TypeClose, nil)
	s.Close()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.total())
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, host.listenerCount())
}

func TestNoCloseAfterSuccess(t *testing.T) {
	host := newFakeHost()
	rec := newRecorder()
	s := openSession(t, host, Popup, rec)

	host.post(issuerOrigin, s.ID(), TypeSuccess, map[string]any{"redirectUrl": "http://localhost/cb?code=1"})
	host.surfaces[0].close()
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, rec.total())
	assert.Zero(t, rec.closes)
}

func TestPopupBlocked(t *testing.T) {
	host := newFakeHost()
	host.openErr = errors.Join(errors.New("no display"), client.ErrPopupBlocked)
	m := NewManager(host, nil)

	s, err := m.Open(Options{Request: testRequest(t), Presentation: Popup})
	assert.Nil(t, s)
	var envErr *client.EnvironmentError
	require.ErrorAs(t, err, &envErr)
	assert.ErrorIs(t, err, client.ErrPopupBlocked)
	assert.Zero(t, host.listenerCount())
}

func TestConcurrentSessionsDoNotCrossTalk(t *testing.T) {
	host := newFakeHost()
	recA, recB := newRecorder(), newRecorder()
	a := openSession(t, host, Embedded, recA)
	b := openSession(t, host, Embedded, recB)

	host.post(issuerOrigin, b.ID(), TypeSuccess, map[string]any{"redirectUrl": "http://localhost/cb?code=b"})

	assert.Zero(t, recA.total())
	require.Len(t, recB.success, 1)
	assert.Equal(t, StateOpened, a.State())
	a.Destroy()
	b.Destroy()
}

func TestPostMessage(t *testing.T) {
	host := newFakeHost()
	s := openSession(t, host, Embedded, newRecorder())

	require.NoError(t, s.PostMessage(map[string]string{"type": "ave:theme", "theme": "dark"}))
	assert.Len(t, host.surfaces[0].posted, 1)
	s.Destroy()
}

func TestSigningSession(t *testing.T) {
	host := newFakeHost()
	var signed []json.RawMessage
	var denied []ErrorPayload
	m := NewManager(host, nil)
	s, err := m.OpenSigning(SigningOptions{
		RequestID:    "sig_42",
		Presentation: Modal,
		OnSigned:     func(p json.RawMessage) { signed = append(signed, p) },
		OnDenied:     func(p ErrorPayload) { denied = append(denied, p) },
	})
	require.NoError(t, err)
	assert.Equal(t, "https://aveid.net/sign?embed=1&request_id=sig_42", host.surfaces[0].spec.URL)

	host.post(issuerOrigin, s.ID(), TypeSuccess, map[string]any{"redirectUrl": "x"})
	assert.Equal(t, StateOpened, s.State())

	host.post(issuerOrigin, s.ID(), TypeSigned, map[string]any{"signature": "sig"})
	host.post(issuerOrigin, s.ID(), TypeDenied, map[string]any{"error": "user_denied"})
	require.Len(t, signed, 1)
	assert.JSONEq(t, `{"signature":"sig"}`, string(signed[0]))
	assert.Empty(t, denied)

	_, err = m.OpenSigning(SigningOptions{Presentation: Modal})
	var cfgErr *client.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "requestId", cfgErr.Field)
}
