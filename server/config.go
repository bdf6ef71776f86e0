package server

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"aveauth/client"
)

// Hardcoded relay defaults
const (
	DefaultAttemptTTL = 10 * time.Minute
	DefaultSessionTTL = 8 * time.Hour
	DefaultHSTSMaxAge = 31536000
)

// Config captures the relay configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig controls listener, TLS, cookie and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" env:"AVE_SERVER_PUBLIC_URL"`
	DevListenAddr   string    `yaml:"dev_listen_addr" env:"AVE_SERVER_DEV_LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"AVE_SERVER_HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"AVE_SERVER_HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"AVE_SERVER_DEV_MODE"`
	CookieDomain    string    `yaml:"cookie_domain" env:"AVE_SERVER_COOKIE_DOMAIN"`
	SecretsPath     string    `yaml:"secrets_path" env:"AVE_SERVER_SECRETS_PATH"`
	TLS             TLSConfig `yaml:"tls"`
	// AllowedOrigins are the host pages allowed to call the /api routes.
	AllowedOrigins []string `yaml:"allowed_origins" env:"AVE_SERVER_ALLOWED_ORIGINS"`
	// PostLoginRedirect receives the browser after a successful /callback.
	// Empty means the token response is returned as JSON.
	PostLoginRedirect string `yaml:"post_login_redirect" env:"AVE_SERVER_POST_LOGIN_REDIRECT"`
	// CookieHashKey and CookieBlockKey are hex encoded securecookie keys.
	// Empty keys are generated at startup.
	CookieHashKey  string `yaml:"cookie_hash_key" env:"AVE_SERVER_COOKIE_HASH_KEY"`
	CookieBlockKey string `yaml:"cookie_block_key" env:"AVE_SERVER_COOKIE_BLOCK_KEY"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains" env:"AVE_SERVER_TLS_DOMAINS"`
	Email   string   `yaml:"email" env:"AVE_SERVER_TLS_EMAIL"`
}

// ProviderConfig describes this application's registration at the identity provider.
type ProviderConfig struct {
	Issuer       string   `yaml:"issuer" env:"AVE_PROVIDER_ISSUER"`
	ClientID     string   `yaml:"client_id" env:"AVE_PROVIDER_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"AVE_PROVIDER_CLIENT_SECRET"`
	RedirectURI  string   `yaml:"redirect_uri" env:"AVE_PROVIDER_REDIRECT_URI"`
	Scopes       []string `yaml:"scopes" env:"AVE_PROVIDER_SCOPES"`
	Theme        string   `yaml:"theme" env:"AVE_PROVIDER_THEME"`
	Prompt       string   `yaml:"prompt" env:"AVE_PROVIDER_PROMPT"`
	// JWKSURL enables id_token verification on /callback.
	JWKSURL string `yaml:"jwks_url" env:"AVE_PROVIDER_JWKS_URL"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file" env:"AVE_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"AVE_LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"AVE_LOG_MAX_BACKUPS"`
}

// TracingConfig enables OTLP trace export. An empty endpoint disables it.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"AVE_TRACING_OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"AVE_TRACING_SERVICE_NAME"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains: []string{"localhost"},
			},
		},
		Provider: ProviderConfig{
			Issuer:      client.DefaultIssuer,
			RedirectURI: "http://127.0.0.1:8080/callback",
			Scopes:      append([]string(nil), client.DefaultScopes...),
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Tracing: TracingConfig{
			ServiceName: "aveauth-relay",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %q", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	for i, origin := range c.Server.AllowedOrigins {
		if origin != "*" && !isOrigin(origin) {
			slog.Error("Invalid allowed origin", "field", fmt.Sprintf("server.allowed_origins[%d]", i), "value", origin, "reason", "must be scheme://host[:port] or *")
			return fmt.Errorf("server.allowed_origins[%d] must be an origin, got: %q", i, origin)
		}
	}

	if p := c.Server.PostLoginRedirect; p != "" && !isSafeRedirect(p) {
		slog.Error("Invalid post login redirect", "field", "server.post_login_redirect", "value", p)
		return fmt.Errorf("server.post_login_redirect is not a safe redirect target: %q", p)
	}

	if _, _, err := c.Server.CookieKeys(); err != nil {
		slog.Error("Invalid cookie keys", "field", "server.cookie_hash_key", "error", err)
		return err
	}

	if c.Provider.Issuer != "" {
		if _, err := client.Origin(c.Provider.Issuer); err != nil {
			slog.Error("Invalid provider issuer", "field", "provider.issuer", "value", c.Provider.Issuer, "error", err)
			return fmt.Errorf("provider.issuer: %w", err)
		}
	}
	if c.Provider.ClientID == "" {
		slog.Error("Missing required configuration", "field", "provider.client_id")
		return errors.New("provider.client_id is required")
	}
	if c.Provider.ClientSecret == "" {
		slog.Error("Missing required configuration", "field", "provider.client_secret")
		return errors.New("provider.client_secret is required")
	}
	if !isHTTPURL(c.Provider.RedirectURI) {
		slog.Error("Invalid configuration value", "field", "provider.redirect_uri", "value", c.Provider.RedirectURI, "reason", "must start with http:// or https://")
		return fmt.Errorf("provider.redirect_uri must start with http:// or https://, got: %q", c.Provider.RedirectURI)
	}
	if c.Provider.JWKSURL != "" && !isHTTPURL(c.Provider.JWKSURL) {
		slog.Error("Invalid configuration value", "field", "provider.jwks_url", "value", c.Provider.JWKSURL)
		return fmt.Errorf("provider.jwks_url must start with http:// or https://, got: %q", c.Provider.JWKSURL)
	}
	if c.Tracing.OTLPEndpoint != "" && !isHTTPURL(c.Tracing.OTLPEndpoint) {
		slog.Error("Invalid configuration value", "field", "tracing.otlp_endpoint", "value", c.Tracing.OTLPEndpoint)
		return fmt.Errorf("tracing.otlp_endpoint must start with http:// or https://, got: %q", c.Tracing.OTLPEndpoint)
	}

	return nil
}

// CookieKeys decodes the securecookie keys. Empty values yield nil keys.
func (s ServerConfig) CookieKeys() (hashKey, blockKey []byte, err error) {
	if s.CookieHashKey != "" {
		hashKey, err = hex.DecodeString(s.CookieHashKey)
		if err != nil {
			return nil, nil, fmt.Errorf("server.cookie_hash_key: %w", err)
		}
		if len(hashKey) != 32 && len(hashKey) != 64 {
			return nil, nil, fmt.Errorf("server.cookie_hash_key must decode to 32 or 64 bytes, got %d", len(hashKey))
		}
	}
	if s.CookieBlockKey != "" {
		blockKey, err = hex.DecodeString(s.CookieBlockKey)
		if err != nil {
			return nil, nil, fmt.Errorf("server.cookie_block_key: %w", err)
		}
		switch len(blockKey) {
		case 16, 24, 32:
		default:
			return nil, nil, fmt.Errorf("server.cookie_block_key must decode to 16, 24 or 32 bytes, got %d", len(blockKey))
		}
	}
	return hashKey, blockKey, nil
}

// InferCORSOrigins returns the configured origins, falling back to the
// origin of the post login redirect.
func (c Config) InferCORSOrigins() []string {
	if len(c.Server.AllowedOrigins) > 0 {
		return c.Server.AllowedOrigins
	}
	if isHTTPURL(c.Server.PostLoginRedirect) {
		if origin, err := client.Origin(c.Server.PostLoginRedirect); err == nil {
			return []string{origin}
		}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

func isOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Path == "" && u.RawQuery == "" && u.Fragment == ""
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
