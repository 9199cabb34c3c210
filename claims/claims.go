// Package claims decides whether a set of identity claims may log in and
// which display name the session gets.
package claims

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrRejected marks an explicit failure verdict.
	ErrRejected = errors.New("claims check rejected")
	// ErrScriptExecution marks a check that could not run to completion.
	ErrScriptExecution = errors.New("claims check script failed")
)

// DefaultTimeout bounds a single script run.
const DefaultTimeout = 2 * time.Second

const missingNameMessage = "claims contain none of preferred_username, nickname or sub"

// Result is the verdict of a check. Claims is the (possibly enriched) claims
// map the session should keep.
type Result struct {
	Success     bool           `json:"success"`
	DisplayName string         `json:"display_name,omitempty"`
	Picture     string         `json:"picture,omitempty"`
	Error       string         `json:"error,omitempty"`
	Claims      map[string]any `json:"claims"`
}

// Checker evaluates claims. A non-nil error means the check itself failed to
// run; an unsuccessful Result is an ordinary rejection.
type Checker interface {
	Check(ctx context.Context, claims map[string]any) (Result, error)
}

// RejectedError carries the message of a failed verdict.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return ErrRejected.Error()
	}
	return ErrRejected.Error() + ": " + e.Message
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Evaluate runs c and folds a failure verdict into a *RejectedError, so
// callers only need to look at the error.
func Evaluate(ctx context.Context, c Checker, claims map[string]any) (Result, error) {
	res, err := c.Check(ctx, claims)
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		return res, &RejectedError{Message: res.Error}
	}
	return res, nil
}

// Default derives the display name from preferred_username, nickname or sub.
type Default struct{}

// Check implements Checker.
func (Default) Check(_ context.Context, claims map[string]any) (Result, error) {
	return derive(claims), nil
}

func derive(claims map[string]any) Result {
	out := maps.Clone(claims)
	if out == nil {
		out = map[string]any{}
	}
	for _, key := range []string{"preferred_username", "nickname", "sub"} {
		if name := stringClaim(claims, key); name != "" {
			return Result{Success: true, DisplayName: name, Picture: stringClaim(claims, "picture"), Claims: out}
		}
	}
	return Result{Success: false, Error: missingNameMessage, Claims: out}
}

func stringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

// Load builds a Checker from a policy file. The extension selects the engine:
// .cel for CEL expressions, .ts/.mts/.cts/.js/.mjs/.cjs for scripts. An empty
// path yields Default.
func Load(path string, timeout time.Duration) (Checker, error) {
	if path == "" {
		return Default{}, nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read claims check %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cel":
		return NewCELChecker(string(src))
	case ".ts", ".mts", ".cts", ".js", ".mjs", ".cjs":
		return NewScriptChecker(filepath.Base(path), string(src), timeout)
	default:
		return nil, fmt.Errorf("claims check %s: unsupported extension %q", path, ext)
	}
}

// wireResult is the shape scripts and expressions return. Both display_name
// and displayName are accepted; error may be a string or {message}.
type wireResult struct {
	Success          bool            `json:"success"`
	DisplayName      *string         `json:"display_name"`
	DisplayNameCamel *string         `json:"displayName"`
	Picture          *string         `json:"picture"`
	Error            json.RawMessage `json:"error"`
	Claims           map[string]any  `json:"claims"`
}

func decodeResult(raw []byte, input map[string]any) (Result, error) {
	var w wireResult
	if err := json.Unmarshal(raw, &w); err != nil {
		return Result{}, fmt.Errorf("%w: result is not an object: %s", ErrScriptExecution, truncate(string(raw)))
	}
	res := Result{Success: w.Success, Claims: w.Claims}
	if res.Claims == nil {
		res.Claims = maps.Clone(input)
	}
	if w.Picture != nil {
		res.Picture = *w.Picture
	}
	if !res.Success {
		res.Error = errorMessage(w.Error)
		return res, nil
	}

	switch {
	case w.DisplayName != nil && *w.DisplayName != "":
		res.DisplayName = *w.DisplayName
	case w.DisplayNameCamel != nil && *w.DisplayNameCamel != "":
		res.DisplayName = *w.DisplayNameCamel
	default:
		fallback := derive(res.Claims)
		if !fallback.Success {
			return Result{Success: false, Error: fallback.Error, Claims: res.Claims}, nil
		}
		res.DisplayName = fallback.DisplayName
	}
	return res, nil
}

func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "claims check failed"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return truncate(string(raw))
}

func truncate(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
