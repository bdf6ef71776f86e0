package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aveauth/client"
	"aveauth/relay"
)

const issuer = "https://aveid.net"

// provider plays the browser side: it connects to the surface websocket named
// in the opened URL and runs script against it.
type provider struct {
	t      *testing.T
	script func(conn *websocket.Conn, query url.Values)
}

func (p *provider) open(raw string, _, _ int) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	addr := strings.TrimPrefix(u.Fragment, relay.FragmentKey+"=")
	query := u.Query()
	go func() {
		header := http.Header{}
		header.Set("Origin", issuer)
		conn, _, err := websocket.DefaultDialer.Dial(addr, header)
		if err != nil {
			p.t.Errorf("dial surface: %v", err)
			return
		}
		defer conn.Close()
		p.script(conn, query)
	}()
	return nil
}

func send(conn *websocket.Conn, msg any) {
	b, _ := json.Marshal(msg)
	_ = conn.WriteMessage(websocket.TextMessage, b)
	// Keep the connection open until the host closes it.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func succeed(conn *websocket.Conn, q url.Values) {
	send(conn, map[string]any{
		"type": "ave:success",
		"payload": map[string]any{
			"redirectUrl": q.Get("redirect_uri") + "?code=abc&state=" + q.Get("state"),
		},
	})
}

func startHost(t *testing.T, p *provider) *relay.Host {
	t.Helper()
	h := relay.New(relay.Config{Opener: p.open, Logger: discard()})
	require.NoError(t, h.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type relayBackend struct {
	server *httptest.Server
	got    chan map[string]string
}

func newRelayBackend(t *testing.T, status int, reply string) *relayBackend {
	t.Helper()
	rb := &relayBackend{got: make(chan map[string]string, 1)}
	rb.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/exchange", r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		rb.got <- body
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(rb.server.Close)
	return rb
}

func testOptions(relayURL string) options {
	return options{
		Issuer:      issuer,
		ClientID:    "app_123",
		RedirectURI: "http://127.0.0.1:8080/callback",
		RelayURL:    relayURL,
	}
}

func runLogin(t *testing.T, p *provider, rb *relayBackend) (json.RawMessage, error) {
	t.Helper()
	attempts := client.NewMemoryAttemptStore()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token, err := login(ctx, testOptions(rb.server.URL), attempts, startHost(t, p), rb.server.Client(), discard())
	assert.Zero(t, attempts.Len(), "attempt must not outlive the login")
	return token, err
}

func TestLoginRedeemsCodeAtRelay(t *testing.T) {
	challenge := make(chan string, 1)
	p := &provider{t: t, script: func(conn *websocket.Conn, q url.Values) {
		challenge <- q.Get("code_challenge")
		succeed(conn, q)
	}}
	rb := newRelayBackend(t, http.StatusOK, `{"access_token":"at"}`)

	token, err := runLogin(t, p, rb)
	require.NoError(t, err)
	assert.JSONEq(t, `{"access_token":"at"}`, string(token))

	body := <-rb.got
	assert.Equal(t, "abc", body["code"])
	assert.Equal(t, "http://127.0.0.1:8080/callback", body["redirectUri"])
	assert.NotEmpty(t, body["nonce"])
	assert.Equal(t, <-challenge, client.GenerateCodeChallenge(body["codeVerifier"]))
}

func TestLoginRejectsForeignState(t *testing.T) {
	p := &provider{t: t, script: func(conn *websocket.Conn, q url.Values) {
		send(conn, map[string]any{
			"type":    "ave:success",
			"payload": map[string]any{"redirectUrl": q.Get("redirect_uri") + "?code=abc&state=someone-else"},
		})
	}}
	rb := newRelayBackend(t, http.StatusOK, `{"access_token":"at"}`)

	_, err := runLogin(t, p, rb)
	assert.ErrorIs(t, err, client.ErrAttemptNotFound)
	assert.Empty(t, rb.got, "relay must not be called")
}

func TestCompleteLoginIsSingleUse(t *testing.T) {
	rb := newRelayBackend(t, http.StatusOK, `{"access_token":"at"}`)
	attempts := client.NewMemoryAttemptStore()
	attempt, err := client.NewAttempt()
	require.NoError(t, err)
	require.NoError(t, attempts.Save(attempt))

	redirect := "http://127.0.0.1:8080/callback?code=abc&state=" + attempt.ID
	_, err = completeLogin(context.Background(), attempts, rb.server.Client(), testOptions(rb.server.URL), redirect)
	require.NoError(t, err)
	body := <-rb.got
	assert.Equal(t, attempt.Verifier, body["codeVerifier"])
	assert.Equal(t, attempt.Nonce, body["nonce"])

	_, err = completeLogin(context.Background(), attempts, rb.server.Client(), testOptions(rb.server.URL), redirect)
	assert.ErrorIs(t, err, client.ErrAttemptNotFound)
	assert.Empty(t, rb.got, "a replayed redirect must not reach the relay")
}

func TestLoginProviderError(t *testing.T) {
	p := &provider{t: t, script: func(conn *websocket.Conn, _ url.Values) {
		send(conn, map[string]any{"type": "ave:error", "payload": map[string]any{"error": "access_denied", "message": "nope"}})
	}}
	rb := newRelayBackend(t, http.StatusOK, `{}`)

	_, err := runLogin(t, p, rb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_denied: nope")
}

func TestLoginWindowClosed(t *testing.T) {
	p := &provider{t: t, script: func(conn *websocket.Conn, _ url.Values) {}}
	rb := newRelayBackend(t, http.StatusOK, `{}`)

	_, err := runLogin(t, p, rb)
	assert.True(t, errors.Is(err, errWindowClosed), "got %v", err)
}

func TestLoginRelayRejects(t *testing.T) {
	p := &provider{t: t, script: succeed}
	rb := newRelayBackend(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)

	_, err := runLogin(t, p, rb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestCodeFromRedirect(t *testing.T) {
	code, state, err := codeFromRedirect("http://x/cb?code=abc&state=s1")
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
	assert.Equal(t, "s1", state)

	_, _, err = codeFromRedirect("http://x/cb?code=abc")
	assert.ErrorIs(t, err, client.ErrAttemptNotFound)

	_, _, err = codeFromRedirect("http://x/cb?state=s1")
	assert.Error(t, err)
}
