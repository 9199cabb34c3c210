package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"securitydept/claims"
	"securitydept/login"
	"securitydept/session"
	"securitydept/store"
)

// AutoBaseURL makes the external base URL follow each request's headers.
const AutoBaseURL = "auto"

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	OIDC     OIDCConfig     `yaml:"oidc"`
	Sessions SessionsConfig `yaml:"sessions"`
	Data     DataConfig     `yaml:"data"`
}

// ServerConfig controls the listener, cookies and TLS.
type ServerConfig struct {
	ListenAddr        string    `yaml:"listen_addr" env:"SERVER_LISTEN_ADDR"`
	ExternalBaseURL   string    `yaml:"external_base_url" env:"SERVER_EXTERNAL_BASE_URL"`
	TrustProxyHeaders bool      `yaml:"trust_proxy_headers" env:"SERVER_TRUST_PROXY_HEADERS"`
	SessionSecret     string    `yaml:"session_secret" env:"SERVER_SESSION_SECRET"`
	SecureCookies     bool      `yaml:"secure_cookies" env:"SERVER_SECURE_COOKIES"`
	CookieDomain      string    `yaml:"cookie_domain" env:"SERVER_COOKIE_DOMAIN"`
	WebUIDir          string    `yaml:"webui_dir" env:"SERVER_WEBUI_DIR"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig turns on autocert when Domains is non-empty.
type TLSConfig struct {
	Domains         []string `yaml:"domains" env:"SERVER_TLS_DOMAINS"`
	Email           string   `yaml:"email" env:"SERVER_TLS_EMAIL"`
	CacheDir        string   `yaml:"cache_dir" env:"SERVER_TLS_CACHE_DIR"`
	HTTPListenAddr  string   `yaml:"http_listen_addr" env:"SERVER_TLS_HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string   `yaml:"https_listen_addr" env:"SERVER_TLS_HTTPS_LISTEN_ADDR"`
}

// Enabled reports whether the server should terminate TLS itself.
func (t TLSConfig) Enabled() bool { return len(t.Domains) > 0 }

// OIDCConfig describes the upstream identity provider. With Enabled false the
// server runs in dev mode and /auth/login hands out a local session.
type OIDCConfig struct {
	Enabled               bool          `yaml:"enabled" env:"OIDC_ENABLED"`
	Issuer                string        `yaml:"issuer" env:"OIDC_ISSUER"`
	WellKnownURL          string        `yaml:"well_known_url" env:"OIDC_WELL_KNOWN_URL"`
	AuthorizationEndpoint string        `yaml:"authorization_endpoint" env:"OIDC_AUTHORIZATION_ENDPOINT"`
	TokenEndpoint         string        `yaml:"token_endpoint" env:"OIDC_TOKEN_ENDPOINT"`
	UserInfoEndpoint      string        `yaml:"userinfo_endpoint" env:"OIDC_USERINFO_ENDPOINT"`
	JWKSURI               string        `yaml:"jwks_uri" env:"OIDC_JWKS_URI"`
	ClientID              string        `yaml:"client_id" env:"OIDC_CLIENT_ID"`
	ClientSecret          string        `yaml:"client_secret" env:"OIDC_CLIENT_SECRET"`
	RedirectURI           string        `yaml:"redirect_uri" env:"OIDC_REDIRECT_URI"`
	Scopes                string        `yaml:"scopes" env:"OIDC_SCOPES"`
	PKCE                  bool          `yaml:"pkce" env:"OIDC_PKCE"`
	SigningAlgs           []string      `yaml:"signing_algs" env:"OIDC_SIGNING_ALGS"`
	ClaimsCheckScript     string        `yaml:"claims_check_script" env:"OIDC_CHECK_SCRIPT"`
	ClaimsCheckTimeout    time.Duration `yaml:"claims_check_timeout" env:"OIDC_CHECK_TIMEOUT"`
	PendingTTL            time.Duration `yaml:"pending_ttl" env:"OIDC_PENDING_TTL"`
}

// SessionsConfig bounds session lifetime.
type SessionsConfig struct {
	TTL          time.Duration `yaml:"ttl" env:"SESSION_TTL"`
	ReapInterval time.Duration `yaml:"reap_interval" env:"SESSION_REAP_INTERVAL"`
}

// DataConfig locates the entry/group file.
type DataConfig struct {
	Path         string        `yaml:"path" env:"DATA_PATH"`
	PollInterval time.Duration `yaml:"poll_interval" env:"DATA_POLL_INTERVAL"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
// A missing path means defaults plus environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "not found in type") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		slog.Error("Failed to apply environment overrides", "error", err)
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:        "0.0.0.0:8080",
			ExternalBaseURL:   AutoBaseURL,
			TrustProxyHeaders: true,
			TLS: TLSConfig{
				CacheDir:        "./certs",
				HTTPListenAddr:  ":80",
				HTTPSListenAddr: ":443",
			},
		},
		OIDC: OIDCConfig{
			Enabled:            true,
			RedirectURI:        "/auth/callback",
			Scopes:             "openid profile email",
			PKCE:               true,
			SigningAlgs:        []string{"RS256"},
			ClaimsCheckTimeout: claims.DefaultTimeout,
			PendingTTL:         login.DefaultPendingTTL,
		},
		Sessions: SessionsConfig{
			TTL:          session.DefaultTTL,
			ReapInterval: 5 * time.Minute,
		},
		Data: DataConfig{
			Path:         "./data.json",
			PollInterval: store.DefaultPollInterval,
		},
	}
}

// YAML renders cfg for -config-cmd=init.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		slog.Error("Invalid configuration value", "field", "server.listen_addr", "value", c.Server.ListenAddr)
		return fmt.Errorf("server.listen_addr must be host:port, got %q: %w", c.Server.ListenAddr, err)
	}

	if base := c.Server.ExternalBaseURL; base != "" && base != AutoBaseURL {
		if !isHTTPURL(base) {
			slog.Error("Invalid configuration value", "field", "server.external_base_url", "value", base, "reason", "must be 'auto' or an http(s) URL")
			return fmt.Errorf("server.external_base_url must be %q or start with http:// or https://, got: %s", AutoBaseURL, base)
		}
	}

	if s := c.Server.SessionSecret; s != "" && len(s) < 32 {
		slog.Error("Session secret too short", "field", "server.session_secret", "min_length", 32)
		return errors.New("server.session_secret must be at least 32 characters")
	}

	if c.Server.TLS.Enabled() && c.Server.TLS.CacheDir == "" {
		slog.Error("Missing required configuration", "field", "server.tls.cache_dir")
		return errors.New("server.tls.cache_dir is required when server.tls.domains is set")
	}

	if c.Sessions.TTL <= 0 {
		slog.Error("Invalid session TTL", "field", "sessions.ttl", "value", c.Sessions.TTL)
		return fmt.Errorf("sessions.ttl must be positive, got %s", c.Sessions.TTL)
	}

	if c.Data.Path == "" {
		slog.Error("Missing required configuration", "field", "data.path")
		return errors.New("data.path is required")
	}

	if c.OIDC.Enabled {
		if err := c.OIDC.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (o OIDCConfig) validate() error {
	if o.ClientID == "" {
		slog.Error("Missing required configuration", "field", "oidc.client_id")
		return errors.New("oidc.client_id is required when oidc.enabled is true")
	}
	manual := o.AuthorizationEndpoint != "" && o.TokenEndpoint != "" && o.JWKSURI != "" && o.Issuer != ""
	if o.Issuer == "" && o.WellKnownURL == "" && !manual {
		slog.Error("Missing provider location", "fields", []string{"oidc.issuer", "oidc.well_known_url"})
		return errors.New("oidc.issuer or oidc.well_known_url is required")
	}
	if o.WellKnownURL != "" && !isHTTPURL(o.WellKnownURL) {
		return fmt.Errorf("oidc.well_known_url must be an http(s) URL, got: %s", o.WellKnownURL)
	}
	if o.RedirectURI == "" {
		return errors.New("oidc.redirect_uri is required")
	}
	if !strings.HasPrefix(o.RedirectURI, "/") && !isHTTPURL(o.RedirectURI) {
		slog.Error("Invalid redirect URI", "field", "oidc.redirect_uri", "value", o.RedirectURI)
		return fmt.Errorf("oidc.redirect_uri must be a path or an http(s) URL, got: %s", o.RedirectURI)
	}
	if len(o.SigningAlgs) == 0 {
		return errors.New("oidc.signing_algs must list at least one algorithm")
	}
	if o.ClaimsCheckTimeout < 0 || o.PendingTTL < 0 {
		return errors.New("oidc timeouts must not be negative")
	}
	return nil
}

// ProviderConfig maps the OIDC section onto the login package.
func (o OIDCConfig) ProviderConfig() login.ProviderConfig {
	return login.ProviderConfig{
		Issuer:                o.Issuer,
		WellKnownURL:          o.WellKnownURL,
		AuthorizationEndpoint: o.AuthorizationEndpoint,
		TokenEndpoint:         o.TokenEndpoint,
		UserInfoEndpoint:      o.UserInfoEndpoint,
		JWKSURI:               o.JWKSURI,
		ClientID:              o.ClientID,
		ClientSecret:          o.ClientSecret,
		Scopes:                login.ParseScopes(o.Scopes),
		SigningAlgs:           o.SigningAlgs,
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
