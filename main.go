package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"securitydept/credentials"
	"securitydept/login"
	"securitydept/server"
)

const defaultConfigFile = "./config.yaml"

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("SECURITYDEPT_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = defaultConfigFile
		}
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, newPrompter(os.Stdin, os.Stdout), logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
		return
	}

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "connect" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runConnect(ctx, cfg, logger, nil, nil); err != nil {
			logger.Error("provider connectivity failed", "error", err)
			os.Exit(1)
		}
		logger.Info("provider connectivity succeeded", "issuer", cfg.OIDC.Issuer)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or a listener fails.
func run(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	handler := app.Routes()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.RunBackground(ctx) })

	var servers []*http.Server
	if cfg.Server.TLS.Enabled() {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		httpRedirect := &http.Server{
			Addr:              cfg.Server.TLS.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpsSrv := &http.Server{
			Addr:    cfg.Server.TLS.HTTPSListenAddr,
			Handler: handler,
			TLSConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, httpRedirect, httpsSrv)

		logger.Info("server listening", "mode", "tls", "addr", httpsSrv.Addr, "domains", cfg.Server.TLS.Domains)
		g.Go(func() error { return serveUntilClosed(httpRedirect.ListenAndServe()) })
		g.Go(func() error { return serveUntilClosed(httpsSrv.ListenAndServeTLS("", "")) })
	} else {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, srv)

		logger.Info("server listening", "mode", "plain", "addr", srv.Addr, "oidc_enabled", cfg.OIDC.Enabled)
		g.Go(func() error { return serveUntilClosed(srv.ListenAndServe()) })
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func serveUntilClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// authURLBuilder is the part of login.OIDCProvider that connect needs.
type authURLBuilder interface {
	AuthCodeURL(req login.AuthRequest) string
}

// runConnect resolves the configured provider and follows its authorization
// URL until the login page, to prove discovery, client id and redirect are
// accepted before any user tries.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, provider authURLBuilder, httpClient *http.Client) error {
	if !cfg.OIDC.Enabled {
		return errors.New("oidc is disabled in this configuration")
	}
	if provider == nil {
		p, err := login.NewOIDCProvider(ctx, cfg.OIDC.ProviderConfig(), logger)
		if err != nil {
			return fmt.Errorf("resolve provider: %w", err)
		}
		provider = p
	}

	base := cfg.Server.ExternalBaseURL
	if base == server.AutoBaseURL {
		base = "http://localhost"
	}
	redirect := server.RedirectURL(base, cfg.OIDC.RedirectURI)
	state, _ := credentials.RandomString(16)
	nonce, _ := credentials.RandomString(16)
	authURL := provider.AuthCodeURL(login.AuthRequest{RedirectURL: redirect, State: state, Nonce: nonce})
	logger.Info("connect.start", "auth_url", authURL, "redirect_uri", redirect)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		logger.Info("connect.redirect", "step", len(via)+1, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())
	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}
	return nil
}

// loadConfig reads path, or ./config.yaml when it exists, or falls back to
// defaults and the environment.
func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, p *prompter, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	cfg, err := runSetup(p)
	if err != nil {
		return err
	}
	if err := writeConfigFile(path, cfg); err != nil {
		return err
	}
	logger.Info("configuration created", "path", path)
	_, err = server.LoadConfig(path)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	if !cfg.OIDC.Enabled {
		logger.Warn("oidc disabled; logins will create unauthenticated dev sessions")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	wellKnown := cfg.OIDC.WellKnownURL
	if wellKnown == "" && cfg.OIDC.Issuer != "" {
		wellKnown = strings.TrimSuffix(cfg.OIDC.Issuer, "/") + "/.well-known/openid-configuration"
	}
	if wellKnown == "" {
		return nil
	}
	if err := validateURL(ctx, wellKnown); err != nil {
		logger.Error("discovery document not reachable", "url", wellKnown, "error", err)
		return err
	}
	logger.Info("discovery document is accessible", "url", wellKnown)
	if cfg.OIDC.ClaimsCheckScript != "" {
		if _, err := os.Stat(cfg.OIDC.ClaimsCheckScript); err != nil {
			return fmt.Errorf("claims check script: %w", err)
		}
	}
	return nil
}

func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

// runSetup walks an operator through the settings most deployments change.
func runSetup(p *prompter) (server.Config, error) {
	fmt.Fprintln(p.out, "Starting guided setup. Press Enter to accept defaults.")
	cfg := server.DefaultConfig()

	cfg.OIDC.Enabled = p.confirm("Enable OIDC login? (no = dev sessions without authentication)", true)
	if cfg.OIDC.Enabled {
		cfg.OIDC.Issuer = strings.TrimSuffix(p.required("OIDC issuer URL (e.g. https://idp.example.com/realms/main)"), "/")
		cfg.OIDC.ClientID = p.required("OIDC client ID")
		cfg.OIDC.ClientSecret = p.text("OIDC client secret (empty for public clients)", "")
		cfg.OIDC.Scopes = p.text("Scopes", cfg.OIDC.Scopes)
		cfg.OIDC.ClaimsCheckScript = p.text("Claims check script path (optional)", "")
	}

	if p.confirm("Terminate TLS with Let's Encrypt?", false) {
		domain := p.required("Public domain (e.g. auth.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.TLS.Email = p.text("ACME contact email", "")
		cfg.Server.ExternalBaseURL = "https://" + strings.TrimSuffix(domain, "/")
	} else {
		cfg.Server.ListenAddr = p.text("Listen address", cfg.Server.ListenAddr)
		cfg.Server.ExternalBaseURL = p.text("External base URL ('auto' follows proxy headers)", cfg.Server.ExternalBaseURL)
	}

	secret, err := credentials.RandomString(32)
	if err != nil {
		return server.Config{}, fmt.Errorf("generate session secret: %w", err)
	}
	cfg.Server.SessionSecret = secret
	cfg.Data.Path = p.text("Data file path", cfg.Data.Path)

	if err := cfg.Validate(); err != nil {
		return server.Config{}, err
	}
	return cfg, nil
}

// prompter reads one answer per line. At end of input every question takes
// its default.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	eof bool
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) line(label string) string {
	fmt.Fprint(p.out, label)
	if p.eof {
		return ""
	}
	s, err := p.in.ReadString('\n')
	if err != nil {
		p.eof = true
	}
	return strings.TrimSpace(s)
}

func (p *prompter) text(prompt, def string) string {
	label := prompt + ": "
	if def != "" {
		label = fmt.Sprintf("%s [%s]: ", prompt, def)
	}
	if v := p.line(label); v != "" {
		return v
	}
	return def
}

func (p *prompter) required(prompt string) string {
	for {
		if v := p.line(prompt + ": "); v != "" || p.eof {
			return v
		}
		fmt.Fprintln(p.out, "This value is required.")
	}
}

func (p *prompter) confirm(prompt string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		switch strings.ToLower(p.line(fmt.Sprintf("%s [%s]: ", prompt, hint))) {
		case "":
			return def
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if p.eof {
			return def
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
