// Package forwardauth answers reverse-proxy auth subrequests by matching the
// Authorization header against the entries of one group.
package forwardauth

import (
	"errors"
	"sync"

	"securitydept/credentials"
	"securitydept/store"
)

var (
	ErrUnknownGroup       = errors.New("forwardauth: unknown group")
	ErrCredentialMismatch = errors.New("forwardauth: credential mismatch")
	ErrUnsupportedScheme  = errors.New("forwardauth: unsupported authorization scheme")
)

// Directory resolves a group reference (name or id) to its members.
type Directory interface {
	GroupMembers(ref string) (store.Group, []store.AuthEntry, bool)
}

// Decision is the outcome of one check. Reason is set when Authorized is
// false and is for logging only; it must not be shown to the caller.
type Decision struct {
	Authorized bool
	Principal  string
	Group      string
	Reason     error
}

// Validator checks credentials against a Directory. It keeps no state
// between calls.
type Validator struct {
	dir Directory
}

// NewValidator returns a Validator reading from dir.
func NewValidator(dir Directory) *Validator {
	return &Validator{dir: dir}
}

// Check decides whether header authorizes access to group.
func (v *Validator) Check(group, header string) Decision {
	g, members, ok := v.dir.GroupMembers(group)
	if !ok {
		// Burn the same work a basic check would so unknown groups are not
		// distinguishable by timing.
		if p, err := credentials.ParseAuthorization(header); err == nil && p.Scheme == credentials.SchemeBasic {
			_, _ = credentials.VerifyPassword(p.Password, dummyHash())
		}
		return Decision{Reason: ErrUnknownGroup}
	}
	d := Validate(members, header)
	d.Group = g.Name
	return d
}

// Validate matches header against members. It is the whole decision once the
// group has been resolved.
func Validate(members []store.AuthEntry, header string) Decision {
	presented, err := credentials.ParseAuthorization(header)
	if err != nil {
		if errors.Is(err, credentials.ErrMalformedHeader) {
			return Decision{Reason: ErrCredentialMismatch}
		}
		return Decision{Reason: ErrUnsupportedScheme}
	}

	switch presented.Scheme {
	case credentials.SchemeBasic:
		return matchBasic(members, presented.Username, presented.Password)
	case credentials.SchemeBearer:
		return matchBearer(members, presented.Token)
	}
	return Decision{Reason: ErrUnsupportedScheme}
}

// matchBasic accepts the first basic entry whose username matches and whose
// password verifies. Usernames are not unique, so a failed verification moves
// on to the next candidate.
func matchBasic(members []store.AuthEntry, username, password string) Decision {
	candidates := 0
	for _, e := range members {
		if e.Kind != store.KindBasic || e.Username != username {
			continue
		}
		candidates++
		if ok, err := credentials.VerifyPassword(password, e.PasswordHash); err == nil && ok {
			return Decision{Authorized: true, Principal: e.Name}
		}
	}
	if candidates == 0 {
		_, _ = credentials.VerifyPassword(password, dummyHash())
	}
	return Decision{Reason: ErrCredentialMismatch}
}

func matchBearer(members []store.AuthEntry, token string) Decision {
	var matched *store.AuthEntry
	// Compare against every token entry so the position of a match does not
	// show in the response time.
	for i := range members {
		e := &members[i]
		if e.Kind != store.KindToken {
			continue
		}
		if credentials.TokenMatches(token, e.TokenHash) && matched == nil {
			matched = e
		}
	}
	if matched == nil {
		return Decision{Reason: ErrCredentialMismatch}
	}
	return Decision{Authorized: true, Principal: matched.Name}
}

var dummyHash = sync.OnceValue(func() string {
	h, err := credentials.HashPassword("securitydept-dummy-password")
	if err != nil {
		panic(err)
	}
	return h
})
