package client

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/oauth2"
)

// DefaultIssuer is the public origin of the hosted identity provider.
const DefaultIssuer = "https://aveid.net"

// DefaultScopes is requested when the caller does not name any scope.
var DefaultScopes = []string{"openid", "profile", "email"}

// AuthorizeParams are the required inputs of an authorization request.
type AuthorizeParams struct {
	ClientID    string
	RedirectURI string
	// Issuer defaults to DefaultIssuer when empty.
	Issuer string
}

// AuthorizeOptions are optional authorization request parameters.
type AuthorizeOptions struct {
	Scope               []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Theme               string
	Embed               bool
	State               string
	Prompt              string
}

// AuthorizationRequest is an immutable, validated authorization request.
type AuthorizationRequest struct {
	clientID            string
	redirectURI         string
	issuer              string
	scope               []string
	nonce               string
	codeChallenge       string
	codeChallengeMethod string
	theme               string
	embed               bool
	state               string
	prompt              string
}

// NewAuthorizationRequest validates the required parameters and applies defaults.
func NewAuthorizationRequest(p AuthorizeParams, o AuthorizeOptions) (AuthorizationRequest, error) {
	if err := requireField("clientId", strings.TrimSpace(p.ClientID)); err != nil {
		return AuthorizationRequest{}, err
	}
	if err := requireField("redirectUri", strings.TrimSpace(p.RedirectURI)); err != nil {
		return AuthorizationRequest{}, err
	}

	issuer := strings.TrimSuffix(strings.TrimSpace(p.Issuer), "/")
	if issuer == "" {
		issuer = DefaultIssuer
	}

	method := o.CodeChallengeMethod
	if method == "" {
		method = CodeChallengeMethodS256
	}

	return AuthorizationRequest{
		clientID:            p.ClientID,
		redirectURI:         p.RedirectURI,
		issuer:              issuer,
		scope:               NormalizeScope(o.Scope),
		nonce:               o.Nonce,
		codeChallenge:       o.CodeChallenge,
		codeChallengeMethod: method,
		theme:               o.Theme,
		embed:               o.Embed,
		state:               o.State,
		prompt:              o.Prompt,
	}, nil
}

// BuildAuthorizeURL composes the provider sign-in URL.
func BuildAuthorizeURL(p AuthorizeParams, o AuthorizeOptions) (string, error) {
	req, err := NewAuthorizationRequest(p, o)
	if err != nil {
		return "", err
	}
	return req.URL(), nil
}

// NormalizeScope drops blanks and duplicates, keeping first-seen order.
// An empty result falls back to DefaultScopes.
func NormalizeScope(scope []string) []string {
	out := make([]string, 0, len(scope))
	for _, entry := range scope {
		for _, s := range strings.Fields(entry) {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		return slices.Clone(DefaultScopes)
	}
	return out
}

// ClientID returns the registered client id.
func (r AuthorizationRequest) ClientID() string { return r.clientID }

// RedirectURI returns where the provider sends the code.
func (r AuthorizationRequest) RedirectURI() string { return r.redirectURI }

// Issuer returns the provider issuer the request targets.
func (r AuthorizationRequest) Issuer() string { return r.issuer }

// Scope returns a copy of the normalized scopes.
func (r AuthorizationRequest) Scope() []string { return slices.Clone(r.scope) }

// Nonce returns the nonce the id_token must echo.
func (r AuthorizationRequest) Nonce() string { return r.nonce }

// CodeChallenge returns the PKCE challenge, empty when PKCE is not used.
func (r AuthorizationRequest) CodeChallenge() string { return r.codeChallenge }

// CodeChallengeMethod returns the PKCE method, S256 when a challenge is set.
func (r AuthorizationRequest) CodeChallengeMethod() string { return r.codeChallengeMethod }

// State returns the opaque state echoed on the redirect.
func (r AuthorizationRequest) State() string { return r.state }

// WithEmbed returns a copy of the request flagged for display inside a frame.
func (r AuthorizationRequest) WithEmbed(embed bool) AuthorizationRequest {
	r.scope = slices.Clone(r.scope)
	r.embed = embed
	return r
}

// URL renders the request as {issuer}/signin?... with every value query-escaped.
func (r AuthorizationRequest) URL() string {
	cfg := oauth2.Config{
		ClientID:    r.clientID,
		RedirectURL: r.redirectURI,
		Scopes:      r.scope,
		Endpoint:    oauth2.Endpoint{AuthURL: r.issuer + "/signin"},
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge_method", r.codeChallengeMethod),
	}
	if r.embed {
		opts = append(opts, oauth2.SetAuthURLParam("embed", "1"))
	}
	if r.theme != "" {
		opts = append(opts, oauth2.SetAuthURLParam("theme", r.theme))
	}
	if r.nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", r.nonce))
	}
	if r.codeChallenge != "" {
		opts = append(opts, oauth2.SetAuthURLParam("code_challenge", r.codeChallenge))
	}
	if r.prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", r.prompt))
	}
	return cfg.AuthCodeURL(r.state, opts...)
}

// BuildSigningURL composes the provider URL presenting one signing request.
func BuildSigningURL(issuer, requestID string, embed bool) (string, error) {
	if err := requireField("requestId", strings.TrimSpace(requestID)); err != nil {
		return "", err
	}
	issuer = strings.TrimSuffix(strings.TrimSpace(issuer), "/")
	if issuer == "" {
		issuer = DefaultIssuer
	}
	q := url.Values{}
	q.Set("request_id", requestID)
	if embed {
		q.Set("embed", "1")
	}
	return issuer + "/sign?" + q.Encode(), nil
}

// Origin reduces an issuer URL to scheme://host[:port], the value cross-origin
// messages are compared against.
func Origin(issuer string) (string, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return "", fmt.Errorf("parse issuer: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("issuer %q is not an absolute URL", issuer)
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}
