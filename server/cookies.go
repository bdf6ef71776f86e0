package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"

	"aveauth/client"
)

const (
	attemptCookiePrefix = "ave_attempt_"
	sessionCookieName   = "ave_session"
)

// AttemptCookies keeps the verifier and nonce of each in-flight login attempt
// in its own signed and encrypted cookie. The cookie name carries the attempt
// id, which is also the state parameter, so parallel attempts in one browser
// never overwrite each other. The same keys protect the session cookie set
// after a redirect login.
type AttemptCookies struct {
	codec        *securecookie.SecureCookie
	sessionCodec *securecookie.SecureCookie
	logger   *slog.Logger
	ttl      time.Duration
	secure   bool
	domain   string
	sameSite http.SameSite
}

// NewAttemptCookies constructs the cookie store. Missing keys are generated,
// which invalidates in-flight attempts on restart.
func NewAttemptCookies(cfg Config, logger *slog.Logger) (*AttemptCookies, error) {
	hashKey, blockKey, err := cfg.Server.CookieKeys()
	if err != nil {
		return nil, err
	}
	if hashKey == nil {
		hashKey = securecookie.GenerateRandomKey(32)
		if !cfg.Server.DevMode {
			logger.Warn("server.cookie_hash_key not set, generated an ephemeral key")
		}
	}
	if blockKey == nil {
		blockKey = securecookie.GenerateRandomKey(32)
	}
	if hashKey == nil || blockKey == nil {
		return nil, &client.EnvironmentError{Capability: "secure random source"}
	}

	codec := securecookie.New(hashKey, blockKey)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(DefaultAttemptTTL.Seconds()))

	sessionCodec := securecookie.New(hashKey, blockKey)
	sessionCodec.MaxAge(int(DefaultSessionTTL.Seconds()))

	return &AttemptCookies{
		codec:        codec,
		sessionCodec: sessionCodec,
		logger: logger,
		ttl:    DefaultAttemptTTL,
		secure: !cfg.Server.DevMode,
		domain: cfg.Server.CookieDomain,
		// The provider redirects back with a top level cross-site GET, which Strict would not carry.
		sameSite: http.SameSiteLaxMode,
	}, nil
}

// Save stores the attempt in a cookie named after its id.
func (ac *AttemptCookies) Save(w http.ResponseWriter, a client.Attempt) error {
	if strings.TrimSpace(a.ID) == "" {
		return &client.ConfigurationError{Field: "attempt.id"}
	}
	name := attemptCookiePrefix + a.ID
	encoded, err := ac.codec.Encode(name, a)
	if err != nil {
		return fmt.Errorf("encode attempt cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    encoded,
		Path:     "/",
		Domain:   ac.domain,
		HttpOnly: true,
		Secure:   ac.secure,
		SameSite: ac.sameSite,
		MaxAge:   int(ac.ttl.Seconds()),
	})
	return nil
}

// Consume reads the attempt for id and clears its cookie. A missing, expired
// or tampered cookie yields client.ErrAttemptNotFound.
func (ac *AttemptCookies) Consume(w http.ResponseWriter, r *http.Request, id string) (client.Attempt, error) {
	if strings.TrimSpace(id) == "" {
		return client.Attempt{}, client.ErrAttemptNotFound
	}
	name := attemptCookiePrefix + id
	cookie, err := r.Cookie(name)
	if err != nil {
		return client.Attempt{}, client.ErrAttemptNotFound
	}
	ac.clear(w, name)

	var a client.Attempt
	if err := ac.codec.Decode(name, cookie.Value, &a); err != nil {
		ac.logger.Warn("rejecting attempt cookie", "attempt", id, "error", err)
		return client.Attempt{}, errors.Join(client.ErrAttemptNotFound, err)
	}
	if a.ID != id {
		return client.Attempt{}, client.ErrAttemptNotFound
	}
	a.CodeChallenge = client.GenerateCodeChallenge(a.Verifier)
	return a, nil
}

func (ac *AttemptCookies) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   ac.domain,
		HttpOnly: true,
		Secure:   ac.secure,
		SameSite: ac.sameSite,
		MaxAge:   -1,
	})
}

// SaveSession sets the session cookie carrying a LoginSession id.
func (ac *AttemptCookies) SaveSession(w http.ResponseWriter, id string) error {
	if strings.TrimSpace(id) == "" {
		return &client.ConfigurationError{Field: "session.id"}
	}
	encoded, err := ac.sessionCodec.Encode(sessionCookieName, id)
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    encoded,
		Path:     "/",
		Domain:   ac.domain,
		HttpOnly: true,
		Secure:   ac.secure,
		SameSite: ac.sameSite,
		MaxAge:   int(DefaultSessionTTL.Seconds()),
	})
	return nil
}

// SessionID returns the session id from a valid session cookie.
func (ac *AttemptCookies) SessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	var id string
	if err := ac.sessionCodec.Decode(sessionCookieName, cookie.Value, &id); err != nil {
		ac.logger.Warn("rejecting session cookie", "error", err)
		return "", false
	}
	return id, id != ""
}

// ClearSession removes the session cookie.
func (ac *AttemptCookies) ClearSession(w http.ResponseWriter) {
	ac.clear(w, sessionCookieName)
}
