package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// CommunicationMode declares whether a delegated token requires the resource
// owner to be present.
type CommunicationMode string

const (
	CommunicationUserPresent CommunicationMode = "user_present"
	CommunicationBackground  CommunicationMode = "background"
)

// Valid reports whether m is one of the known modes.
func (m CommunicationMode) Valid() bool {
	return m == CommunicationUserPresent || m == CommunicationBackground
}

// ValidatorConfig configures the delegated token validator.
type ValidatorConfig struct {
	Issuer string
	// JWKSURL defaults to {apiBase}/.well-known/jwks.json derived from Issuer.
	JWKSURL string
	// Resources lists the resource keys this server accepts as audience.
	Resources  []string
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Validator verifies delegated access tokens presented to a resource server.
type Validator struct {
	cfg    ValidatorConfig
	client *http.Client
	logger *slog.Logger
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// DelegatedClaims is the validated view of a delegated access token.
type DelegatedClaims struct {
	Subject           string
	Issuer            string
	Audiences         []string
	Scopes            []string
	ClientID          string
	Actor             string
	TargetResource    string
	CommunicationMode CommunicationMode
	ExpiresAt         time.Time
	IssuedAt          time.Time
	Raw               map[string]any
}

// NewValidator creates a validator with defaults filled in.
func NewValidator(cfg ValidatorConfig) *Validator {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = APIBase(cfg.Issuer) + "/.well-known/jwks.json"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg, client: client, logger: logger}
}

// Validate checks signature, issuer, audience and mode of a delegated token.
func (v *Validator) Validate(ctx context.Context, rawToken string) (*DelegatedClaims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	set, err := v.ensureJWKS(ctx, "")
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)

	mc := jwt.MapClaims{}
	tok, err := parser.ParseWithClaims(rawToken, mc, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// unknown kid: the provider may have rotated, refetch once
			if refreshed, err := v.ensureJWKS(ctx, kid); err == nil {
				key = findKey(refreshed, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found")
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("token invalid")
	}

	return v.mapClaims(mc)
}

// HasScopes ensures the claims include the required scopes.
func (c *DelegatedClaims) HasScopes(required ...string) error {
	for _, need := range required {
		if !slices.Contains(c.Scopes, need) {
			return fmt.Errorf("missing scope %s", need)
		}
	}
	return nil
}

// RequireDelegation is middleware that validates the bearer token and attaches
// the claims to the request context. Background tokens are refused unless
// allowBackground is set.
func RequireDelegation(v *Validator, allowBackground bool, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := v.Validate(r.Context(), token)
			if err != nil {
				v.logger.Debug("delegated token rejected", "error", err)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := claims.HasScopes(requiredScopes...); err != nil {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}
			if claims.CommunicationMode == CommunicationBackground && !allowBackground {
				http.Error(w, "user presence required", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves claims attached by RequireDelegation.
func ClaimsFromContext(ctx context.Context) (*DelegatedClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*DelegatedClaims)
	return claims, ok
}

type claimsKey struct{}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (v *Validator) ensureJWKS(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) && kid == "" {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(v.cfg.CacheTTL)
		v.mu.Lock()
		v.cache = cache
		v.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = jwksCache{set: set, fetched: time.Now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(v.cfg.CacheTTL)

	v.mu.Lock()
	v.cache = cache
	v.mu.Unlock()

	return set, nil
}

func (v *Validator) mapClaims(mc jwt.MapClaims) (*DelegatedClaims, error) {
	raw := make(map[string]any, len(mc))
	for k, val := range mc {
		raw[k] = val
	}

	iss, _ := mc["iss"].(string)
	if v.cfg.Issuer != "" && iss != v.cfg.Issuer {
		return nil, fmt.Errorf("issuer mismatch")
	}

	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("sub missing")
	}

	audiences, _ := mc.GetAudience()
	if len(v.cfg.Resources) > 0 && !audienceAllowed(audiences, v.cfg.Resources) {
		return nil, fmt.Errorf("audience rejected")
	}

	mode := CommunicationMode(stringClaim(mc, "communication_mode"))
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown communication_mode %q", mode)
	}

	claims := &DelegatedClaims{
		Subject:           sub,
		Issuer:            iss,
		Audiences:         audiences,
		Scopes:            strings.Fields(stringClaim(mc, "scope")),
		ClientID:          stringClaim(mc, "client_id"),
		TargetResource:    stringClaim(mc, "target_resource"),
		CommunicationMode: mode,
		Raw:               raw,
	}
	if act, ok := mc["act"].(map[string]any); ok {
		claims.Actor, _ = act["sub"].(string)
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	return claims, nil
}

func stringClaim(mc jwt.MapClaims, name string) string {
	s, _ := mc[name].(string)
	return s
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		if slices.Contains(expected, a) {
			return true
		}
	}
	return false
}
