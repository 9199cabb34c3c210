package credentials

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Scheme identifies an Authorization header scheme.
type Scheme string

const (
	SchemeNone   Scheme = ""
	SchemeBasic  Scheme = "basic"
	SchemeBearer Scheme = "bearer"
)

var (
	ErrMissingHeader     = errors.New("credentials: missing authorization header")
	ErrUnsupportedScheme = errors.New("credentials: unsupported authorization scheme")
	ErrMalformedHeader   = errors.New("credentials: malformed authorization header")
)

// Presented is what a client offered in its Authorization header.
type Presented struct {
	Scheme   Scheme
	Username string
	Password string
	Token    string
}

// ParseAuthorization parses a Basic or Bearer Authorization header value.
// The scheme name is matched case-insensitively.
func ParseAuthorization(header string) (Presented, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Presented{}, ErrMissingHeader
	}
	scheme, rest, _ := strings.Cut(header, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(scheme) {
	case "basic":
		raw, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return Presented{}, ErrMalformedHeader
		}
		user, pass, ok := strings.Cut(string(raw), ":")
		if !ok {
			return Presented{}, ErrMalformedHeader
		}
		return Presented{Scheme: SchemeBasic, Username: user, Password: pass}, nil
	case "bearer":
		if rest == "" {
			return Presented{}, ErrMalformedHeader
		}
		return Presented{Scheme: SchemeBearer, Token: rest}, nil
	default:
		return Presented{}, ErrUnsupportedScheme
	}
}
