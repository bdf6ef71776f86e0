package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"aveauth/client"
	"aveauth/exchange"
)

const maxRequestBytes = 64 << 10

// App bundles runtime dependencies for the relay HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Exchange *exchange.Client
	Attempts *AttemptCookies
	// Verifier is nil unless provider.jwks_url is configured.
	Verifier *IDTokenVerifier
	Grants   *GrantStore
	Sessions *SessionStore
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	exchanger, err := exchange.New(exchange.Config{
		Issuer:       cfg.Provider.Issuer,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("token exchange client: %w", err)
	}

	attempts, err := NewAttemptCookies(cfg, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Exchange: exchanger,
		Attempts: attempts,
		Grants:   NewGrantStore(),
		Sessions: NewSessionStore(DefaultSessionTTL),
	}
	if cfg.Provider.JWKSURL != "" {
		issuer := cfg.Provider.Issuer
		if issuer == "" {
			issuer = client.DefaultIssuer
		}
		app.Verifier = NewIDTokenVerifier(ctx, strings.TrimSuffix(issuer, "/"), cfg.Provider.ClientID, cfg.Provider.JWKSURL, nil, logger)
	}

	logger.Info("relay configured",
		"issuer", cfg.Provider.Issuer,
		"api_base", exchanger.APIBase(),
		"client_id", cfg.Provider.ClientID,
		"id_token_verification", app.Verifier != nil,
	)
	return app, nil
}

// handleLogin starts a redirect login: a fresh attempt is stored in its own
// cookie and its id travels to the provider as state.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	attempt, err := client.NewAttempt()
	if err != nil {
		a.Logger.Error("create attempt", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "could not start login")
		return
	}

	opts := attempt.Apply(client.AuthorizeOptions{
		Scope:  a.Config.Provider.Scopes,
		Theme:  a.Config.Provider.Theme,
		Prompt: a.Config.Provider.Prompt,
	})
	if theme := r.URL.Query().Get("theme"); theme != "" {
		opts.Theme = theme
	}
	target, err := client.BuildAuthorizeURL(client.AuthorizeParams{
		ClientID:    a.Config.Provider.ClientID,
		RedirectURI: a.Config.Provider.RedirectURI,
		Issuer:      a.Config.Provider.Issuer,
	}, opts)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}

	if err := a.Attempts.Save(w, attempt); err != nil {
		a.Logger.Error("save attempt", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "could not start login")
		return
	}
	a.Logger.Debug("login started", "attempt", attempt.ID)
	http.Redirect(w, r, target, http.StatusFound)
}

// handleCallback finishes a redirect login.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")

	if code := q.Get("error"); code != "" {
		if state != "" {
			_, _ = a.Attempts.Consume(w, r, state)
		}
		a.Logger.Info("provider returned error", "error", code, "attempt", state)
		writeError(w, http.StatusBadRequest, code, q.Get("error_description"))
		return
	}

	code := q.Get("code")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code and state are required")
		return
	}

	attempt, err := a.Attempts.Consume(w, r, state)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}

	tok, err := a.Exchange.ExchangeCode(r.Context(), exchange.CodeRequest{
		Code:         code,
		RedirectURI:  a.Config.Provider.RedirectURI,
		CodeVerifier: attempt.Verifier,
	})
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}

	user, ok := a.verifyIDToken(w, r, tok, attempt.Nonce, attempt.ID)
	if !ok {
		return
	}

	if target := a.Config.Server.PostLoginRedirect; target != "" {
		sess := a.Sessions.Create(user.Subject, tok)
		if err := a.Attempts.SaveSession(w, sess.ID); err != nil {
			a.Sessions.Delete(sess.ID)
			a.Logger.Error("save session", "error", err)
			writeError(w, http.StatusInternalServerError, "server_error", "could not store session")
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	writeRawJSON(w, tok.Raw)
}

// verifyIDToken checks the id_token against the attempt nonce when a JWKS is
// configured. On failure it writes the error response.
func (a *App) verifyIDToken(w http.ResponseWriter, r *http.Request, tok *exchange.TokenResponse, nonce, attemptID string) (Identity, bool) {
	if a.Verifier == nil {
		return Identity{}, true
	}
	user, err := a.Verifier.Verify(r.Context(), tok.IDToken, nonce)
	if err != nil {
		a.Logger.Warn("id_token rejected", "attempt", attemptID, "error", err)
		writeError(w, http.StatusBadRequest, "invalid_id_token", "id_token could not be verified")
		return Identity{}, false
	}
	a.Logger.Info("login completed", "attempt", attemptID, "sub", user.Subject)
	return user, true
}

type exchangeRequest struct {
	Code         string `json:"code"`
	RedirectURI  string `json:"redirectUri"`
	CodeVerifier string `json:"codeVerifier"`
	Nonce        string `json:"nonce"`
	State        string `json:"state"`
}

// handleExchange redeems a code a host page received through a provider
// surface. The verifier comes from the body or, with state, from the attempt
// cookie. With a JWKS configured the id_token must carry the attempt nonce,
// or the body nonce when the caller kept its own attempt.
func (a *App) handleExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	verifier, nonce, attemptID := req.CodeVerifier, req.Nonce, req.State
	if verifier == "" && req.State != "" {
		attempt, err := a.Attempts.Consume(w, r, req.State)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		verifier, nonce = attempt.Verifier, attempt.Nonce
	}
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = a.Config.Provider.RedirectURI
	}

	tok, err := a.Exchange.ExchangeCode(r.Context(), exchange.CodeRequest{
		Code:         req.Code,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	if nonce != "" {
		if _, ok := a.verifyIDToken(w, r, tok, nonce, attemptID); !ok {
			return
		}
	}
	writeRawJSON(w, tok.Raw)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	tok, err := a.Exchange.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeRawJSON(w, tok.Raw)
}

type delegateRequest struct {
	SubjectToken      string `json:"subjectToken"`
	RequestedResource string `json:"requestedResource"`
	RequestedScope    string `json:"requestedScope"`
	Actor             string `json:"actor"`
}

// handleDelegate performs the token-exchange grant and records the grant
// under the user who owns the subject token. The subject token may also be
// sent as a bearer token.
func (a *App) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.SubjectToken == "" {
		req.SubjectToken = client.BearerToken(r.Header.Get("Authorization"))
	}
	if strings.TrimSpace(req.SubjectToken) == "" || strings.TrimSpace(req.RequestedResource) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "subjectToken and requestedResource are required")
		return
	}
	subject, ok := a.subjectOf(w, r, req.SubjectToken)
	if !ok {
		return
	}

	tok, err := a.Exchange.ExchangeDelegated(r.Context(), exchange.DelegationRequest{
		SubjectToken:      req.SubjectToken,
		RequestedResource: req.RequestedResource,
		RequestedScope:    req.RequestedScope,
		Actor:             req.Actor,
	})
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}

	grant := a.Grants.Record(a.Config.Provider.ClientID, subject, tok)
	a.Logger.Info("delegation granted",
		"grant", grant.ID,
		"resource", grant.TargetResourceKey,
		"scope", grant.Scope,
		"communication_mode", grant.CommunicationMode,
	)
	writeRawJSON(w, tok.Raw)
}

func (a *App) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token, ok := requireBearer(w, r)
	if !ok {
		return
	}
	info, err := a.Exchange.UserInfo(r.Context(), token)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, info)
}

// handleSession returns the tokens of the session started by a redirect login.
func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := a.Attempts.SessionID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "login_required", "no active session")
		return
	}
	sess, ok := a.Sessions.Get(id)
	if !ok {
		a.Attempts.ClearSession(w)
		writeError(w, http.StatusUnauthorized, "login_required", "no active session")
		return
	}
	writeRawJSON(w, sess.Token.Raw)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id, ok := a.Attempts.SessionID(r); ok {
		a.Sessions.Delete(id)
	}
	a.Attempts.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleListDelegations lists the grants owned by the bearer token's user.
func (a *App) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	token, ok := requireBearer(w, r)
	if !ok {
		return
	}
	subject, ok := a.subjectOf(w, r, token)
	if !ok {
		return
	}
	writeJSON(w, a.Grants.ListFor(subject))
}

// handleRevokeDelegation revokes a grant owned by the bearer token's user.
// Grants of other users answer 404.
func (a *App) handleRevokeDelegation(w http.ResponseWriter, r *http.Request) {
	token, ok := requireBearer(w, r)
	if !ok {
		return
	}
	subject, ok := a.subjectOf(w, r, token)
	if !ok {
		return
	}
	grant, err := a.Grants.RevokeFor(chi.URLParam(r, "id"), subject)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	a.Logger.Info("delegation revoked", "grant", grant.ID, "resource", grant.TargetResourceKey)
	writeJSON(w, grant)
}

func requireBearer(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := client.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return "", false
	}
	return token, true
}

// subjectOf resolves the user behind an access token through the provider
// userinfo endpoint. On failure it writes the error response.
func (a *App) subjectOf(w http.ResponseWriter, r *http.Request, token string) (string, bool) {
	info, err := a.Exchange.UserInfo(r.Context(), token)
	if err != nil {
		a.writeFailure(w, r, err)
		return "", false
	}
	sub, _ := info["sub"].(string)
	if sub == "" {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "token has no subject")
		return "", false
	}
	return sub, true
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// writeFailure maps library errors onto OAuth style JSON errors.
func (a *App) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		cfgErr *client.ConfigurationError
		exErr  *exchange.ExchangeError
	)
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, "invalid_request", cfgErr.Error())
	case errors.Is(err, client.ErrAttemptNotFound):
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown or expired login attempt")
	case errors.As(err, &exErr):
		status := exErr.Status
		if status < 400 || status > 499 {
			status = http.StatusBadGateway
		}
		writeError(w, status, exErr.Message, "provider rejected the request")
	default:
		a.Logger.Error("provider call failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusBadGateway, "server_error", "provider unavailable")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	_ = json.NewEncoder(w).Encode(body)
}
