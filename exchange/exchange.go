// Package exchange redeems authorization codes, refresh tokens and subject
// tokens at the provider token endpoint. It holds the client secret and must
// only run server side.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"aveauth/client"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantTokenExchange     = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// FallbackMessage is reported when a failed response carries no readable error.
const FallbackMessage = "token exchange failed"

const maxResponseBytes = 1 << 20

const tracerName = "aveauth/exchange"

// ExchangeError is a non-2xx answer from the provider.
type ExchangeError struct {
	Status  int
	Message string
}

// Error reports the status and the provider's error code.
func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange: status %d: %s", e.Status, e.Message)
}

// TokenResponse is the provider answer to the authorization_code and
// refresh_token grants. Raw holds the body exactly as received.
type TokenResponse struct {
	AccessToken  string         `json:"access_token"`
	IDToken      string         `json:"id_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	ExpiresIn    int64          `json:"expires_in,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	User         map[string]any `json:"user,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DelegationTokenResponse is the provider answer to the token-exchange grant.
type DelegationTokenResponse struct {
	AccessToken       string `json:"access_token"`
	ExpiresIn         int64  `json:"expires_in"`
	Scope             string `json:"scope"`
	Audience          string `json:"audience"`
	TargetResource    string `json:"target_resource"`
	CommunicationMode string `json:"communication_mode"`

	Raw json.RawMessage `json:"-"`
}

// CodeRequest redeems an authorization code.
type CodeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// DelegationRequest trades a user's token for one scoped to another resource.
type DelegationRequest struct {
	SubjectToken      string
	RequestedResource string
	RequestedScope    string
	Actor             string
}

// tokenRequest is the JSON body of every token endpoint call.
type tokenRequest struct {
	GrantType         string `json:"grantType"`
	Code              string `json:"code,omitempty"`
	RedirectURI       string `json:"redirectUri,omitempty"`
	CodeVerifier      string `json:"codeVerifier,omitempty"`
	RefreshToken      string `json:"refreshToken,omitempty"`
	SubjectToken      string `json:"subjectToken,omitempty"`
	RequestedResource string `json:"requestedResource,omitempty"`
	RequestedScope    string `json:"requestedScope,omitempty"`
	Actor             string `json:"actor,omitempty"`
	ClientID          string `json:"clientId"`
	ClientSecret      string `json:"clientSecret"`
}

// Config configures a Client.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Logger       *slog.Logger
	// TracerProvider receives one span per provider call. Nil uses the
	// global provider.
	TracerProvider trace.TracerProvider
}

// Client talks to {apiBase}/api/oauth/*.
type Client struct {
	apiBase      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New validates the client credentials and derives the API base from the
// issuer. Missing credentials are reported as *client.ConfigurationError.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, &client.ConfigurationError{Field: "clientId"}
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, &client.ConfigurationError{Field: "clientSecret"}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Client{
		apiBase:      client.APIBase(cfg.Issuer),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   httpClient,
		logger:       logger,
		tracer:       tp.Tracer(tracerName),
	}, nil
}

// APIBase returns the host the client sends requests to.
func (c *Client) APIBase() string { return c.apiBase }

// ExchangeCode redeems an authorization code, sending the PKCE verifier when present.
func (c *Client) ExchangeCode(ctx context.Context, req CodeRequest) (*TokenResponse, error) {
	if strings.TrimSpace(req.Code) == "" {
		return nil, &client.ConfigurationError{Field: "code"}
	}
	if strings.TrimSpace(req.RedirectURI) == "" {
		return nil, &client.ConfigurationError{Field: "redirectUri"}
	}
	var out TokenResponse
	raw, err := c.token(ctx, tokenRequest{
		GrantType:    GrantAuthorizationCode,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		CodeVerifier: req.CodeVerifier,
	}, &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw
	return &out, nil
}

// Refresh trades a refresh token for a new token set.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, &client.ConfigurationError{Field: "refreshToken"}
	}
	var out TokenResponse
	raw, err := c.token(ctx, tokenRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: refreshToken,
	}, &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw
	return &out, nil
}

// ExchangeDelegated performs the token-exchange grant.
func (c *Client) ExchangeDelegated(ctx context.Context, req DelegationRequest) (*DelegationTokenResponse, error) {
	if strings.TrimSpace(req.SubjectToken) == "" {
		return nil, &client.ConfigurationError{Field: "subjectToken"}
	}
	if strings.TrimSpace(req.RequestedResource) == "" {
		return nil, &client.ConfigurationError{Field: "requestedResource"}
	}
	var out DelegationTokenResponse
	raw, err := c.token(ctx, tokenRequest{
		GrantType:         GrantTokenExchange,
		SubjectToken:      req.SubjectToken,
		RequestedResource: req.RequestedResource,
		RequestedScope:    req.RequestedScope,
		Actor:             req.Actor,
	}, &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw
	return &out, nil
}

// UserInfo fetches the profile behind an access token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, &client.ConfigurationError{Field: "accessToken"}
	}
	ctx, span := c.tracer.Start(ctx, "exchange.UserInfo")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/api/oauth/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	var out map[string]any
	if _, err := c.do(req, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (c *Client) token(ctx context.Context, body tokenRequest, out any) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "exchange.Token")
	defer span.End()
	span.SetAttributes(attribute.String("oauth.grant_type", body.GrantType))

	body.ClientID = c.clientID
	body.ClientSecret = c.clientSecret
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/api/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	raw, err := c.do(req, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("token exchange failed", "grant_type", body.GrantType, "err", err)
		return nil, err
	}
	c.logger.Debug("token exchange succeeded", "grant_type", body.GrantType)
	return raw, nil
}

func (c *Client) do(req *http.Request, out any) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newExchangeError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return raw, nil
}

func newExchangeError(status int, body []byte) *ExchangeError {
	msg := FallbackMessage
	if gjson.ValidBytes(body) {
		if field := gjson.GetBytes(body, "error"); field.Type == gjson.String && strings.TrimSpace(field.Str) != "" {
			msg = field.Str
		}
	}
	return &ExchangeError{Status: status, Message: msg}
}
