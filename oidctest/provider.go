// Package oidctest runs a small OpenID Connect provider over httptest for
// exercising the login flow end to end.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Options control what the provider issues. Fields may be changed between
// logins through Server.Update.
type Options struct {
	ClientID     string
	ClientSecret string
	// Claims are returned from userinfo and embedded in the ID token.
	Claims map[string]any
	// NonceOverride replaces the nonce echoed in the ID token.
	NonceOverride string
	// SigningMethod defaults to RS256.
	SigningMethod jwt.SigningMethod
	// DisableUserInfo leaves userinfo_endpoint out of discovery.
	DisableUserInfo bool
	// UserInfoSubject replaces sub in userinfo responses.
	UserInfoSubject string
	// RequirePKCE rejects authorization requests without a S256 challenge.
	RequirePKCE bool
}

type grant struct {
	nonce       string
	challenge   string
	redirectURI string
	claims      map[string]any
}

// Server is a running test provider.
type Server struct {
	*httptest.Server

	key *rsa.PrivateKey
	jwk jose.JSONWebKey

	mu       sync.Mutex
	opts     Options
	codes    map[string]grant
	tokens   map[string]map[string]any
	lastAuth url.Values
}

// NewServer starts a provider. Call Close when done.
func NewServer(opts Options) (*Server, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.ClientID = "securitydept"
	}
	if opts.Claims == nil {
		opts.Claims = map[string]any{"sub": "user-123", "preferred_username": "alice"}
	}
	s := &Server{
		key:    key,
		jwk:    jose.JSONWebKey{Key: key, KeyID: randomHex(6), Algorithm: string(jose.RS256), Use: "sig"},
		opts:   opts,
		codes:  make(map[string]grant),
		tokens: make(map[string]map[string]any),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/jwks.json", s.handleJWKS)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/userinfo", s.handleUserInfo)
	s.Server = httptest.NewServer(mux)
	return s, nil
}

// Issuer returns the issuer URL.
func (s *Server) Issuer() string { return s.URL }

// Update changes the options for subsequent requests.
func (s *Server) Update(fn func(*Options)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.opts)
}

// LastAuthorization returns the query of the most recent /authorize call.
func (s *Server) LastAuthorization() url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth
}

// Authorize follows an authorization URL the way a browser would after the
// user consented, returning the callback URL the provider redirects to.
func (s *Server) Authorize(authURL string) (*url.URL, error) {
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(authURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("authorize returned %s", resp.Status)
	}
	return url.Parse(resp.Header.Get("Location"))
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	disableUserInfo := s.opts.DisableUserInfo
	s.mu.Unlock()

	issuer := s.URL
	doc := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"jwks_uri":                              issuer + "/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	}
	if !disableUserInfo {
		doc["userinfo_endpoint"] = issuer + "/userinfo"
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.jwk.Public()}})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAuth = q

	redirectURI := q.Get("redirect_uri")
	if q.Get("client_id") != s.opts.ClientID || redirectURI == "" || q.Get("response_type") != "code" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	challenge := q.Get("code_challenge")
	if challenge != "" && q.Get("code_challenge_method") != "S256" {
		http.Error(w, "invalid_request: unsupported code_challenge_method", http.StatusBadRequest)
		return
	}
	if s.opts.RequirePKCE && challenge == "" {
		http.Error(w, "invalid_request: code_challenge required", http.StatusBadRequest)
		return
	}

	code := randomHex(16)
	s.codes[code] = grant{
		nonce:       q.Get("nonce"),
		challenge:   challenge,
		redirectURI: redirectURI,
		claims:      maps.Clone(s.opts.Claims),
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	values := target.Query()
	values.Set("code", code)
	values.Set("state", q.Get("state"))
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		tokenError(w, "invalid_request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.clientAuthenticated(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="oidctest"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, "unsupported_grant_type")
		return
	}
	code := r.PostForm.Get("code")
	g, ok := s.codes[code]
	delete(s.codes, code)
	if !ok || g.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, "invalid_grant")
		return
	}
	if g.challenge != "" {
		if err := verifyPKCE(g.challenge, r.PostForm.Get("code_verifier")); err != nil {
			tokenError(w, "invalid_grant")
			return
		}
	}

	idToken, err := s.signIDToken(g)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	access := randomHex(24)
	s.tokens[access] = g.claims

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   300,
		"id_token":     idToken,
	})
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	access, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	claims, known := s.tokens[access]
	subject := s.opts.UserInfoSubject
	s.mu.Unlock()
	if !ok || !known {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	out := maps.Clone(claims)
	if subject != "" {
		out["sub"] = subject
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) clientAuthenticated(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok {
		// oauth2 form-encodes credentials sent in the basic header.
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	return id == s.opts.ClientID && subtle.ConstantTimeCompare([]byte(secret), []byte(s.opts.ClientSecret)) == 1
}

func (s *Server) signIDToken(g grant) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{}
	for k, v := range g.claims {
		claims[k] = v
	}
	claims["iss"] = s.URL
	claims["aud"] = s.opts.ClientID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(5 * time.Minute).Unix()
	claims["nonce"] = g.nonce
	if s.opts.NonceOverride != "" {
		claims["nonce"] = s.opts.NonceOverride
	}

	method := s.opts.SigningMethod
	if method == nil {
		method = jwt.SigningMethodRS256
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = s.jwk.KeyID
	return token.SignedString(s.key)
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if expected != challenge {
		return fmt.Errorf("pkce verification failed")
	}
	return nil
}

func tokenError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
