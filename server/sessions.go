package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"securitydept/credentials"
	"securitydept/session"
)

// SessionCookieName is the cookie carrying the signed session reference.
const SessionCookieName = "securitydept_session"

// sessionClaims is the cookie payload. Only the session id is meaningful;
// the session itself stays server-side.
type sessionClaims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionCookies binds sessions to browser cookies. The cookie value is an
// HS256 token so a forged or truncated id is rejected before the lookup.
type SessionCookies struct {
	sessions     *session.Manager
	logger       *slog.Logger
	secret       []byte
	secure       bool
	cookieDomain string
}

// NewSessionCookies builds the cookie layer. An empty secret gets a random
// one, which invalidates cookies on restart along with the sessions.
func NewSessionCookies(cfg ServerConfig, sessions *session.Manager, logger *slog.Logger) (*SessionCookies, error) {
	secret := cfg.SessionSecret
	if secret == "" {
		generated, err := credentials.RandomString(32)
		if err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		secret = generated
	}
	return &SessionCookies{
		sessions:     sessions,
		logger:       logger,
		secret:       []byte(secret),
		secure:       cfg.SecureCookies || cfg.TLS.Enabled(),
		cookieDomain: cfg.CookieDomain,
	}, nil
}

// Issue sets the cookie for sess.
func (sc *SessionCookies) Issue(w http.ResponseWriter, sess session.Session) error {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		SID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	})
	signed, err := token.SignedString(sc.secret)
	if err != nil {
		return fmt.Errorf("sign session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    signed,
		Path:     "/",
		Domain:   sc.cookieDomain,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(sess.ExpiresAt).Round(time.Second).Seconds()),
	})
	return nil
}

// Lookup returns the live session referenced by the request cookie.
func (sc *SessionCookies) Lookup(r *http.Request) (session.Session, error) {
	sid, err := sc.sessionID(r)
	if err != nil {
		return session.Session{}, err
	}
	return sc.sessions.Get(sid)
}

func (sc *SessionCookies) sessionID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", session.ErrSessionNotFound
	}
	var claims sessionClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(*jwt.Token) (any, error) {
		return sc.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || claims.SID == "" {
		if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
			sc.logger.Debug("rejected session cookie", "error", err)
		}
		return "", session.ErrSessionNotFound
	}
	return claims.SID, nil
}

// End deletes the session behind the request cookie, if any, and clears the
// cookie.
func (sc *SessionCookies) End(w http.ResponseWriter, r *http.Request) {
	if sid, err := sc.sessionID(r); err == nil {
		sc.sessions.Delete(sid)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sc.cookieDomain,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
