package store

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Kind selects which secret an entry carries.
type Kind string

const (
	KindBasic Kind = "basic"
	KindToken Kind = "token"
)

// AuthEntry is a locally managed credential usable for forward-auth.
type AuthEntry struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Kind         Kind      `json:"kind"`
	Username     string    `json:"username,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	TokenHash    string    `json:"token_hash,omitempty"`
	GroupIDs     []string  `json:"group_ids"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Group names a set of entries. Membership lives on the entries.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Data is the on-disk document.
type Data struct {
	Entries []AuthEntry `json:"entries"`
	Groups  []Group     `json:"groups"`
}

// EntryUpdate carries optional changes for UpdateEntry. Nil fields are left alone.
type EntryUpdate struct {
	Name         *string
	Username     *string
	PasswordHash *string
	GroupIDs     *[]string
}

// NewBasicEntry builds a username/password entry with a fresh id.
func NewBasicEntry(name, username, passwordHash string, groupIDs []string) AuthEntry {
	now := time.Now().UTC()
	return AuthEntry{
		ID:           uuid.NewString(),
		Name:         name,
		Kind:         KindBasic,
		Username:     username,
		PasswordHash: passwordHash,
		GroupIDs:     normalizeIDs(groupIDs),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewTokenEntry builds a bearer-token entry with a fresh id.
func NewTokenEntry(name, tokenHash string, groupIDs []string) AuthEntry {
	now := time.Now().UTC()
	return AuthEntry{
		ID:        uuid.NewString(),
		Name:      name,
		Kind:      KindToken,
		TokenHash: tokenHash,
		GroupIDs:  normalizeIDs(groupIDs),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// InGroup reports whether the entry lists groupID.
func (e AuthEntry) InGroup(groupID string) bool {
	return slices.Contains(e.GroupIDs, groupID)
}

// Redacted returns a copy without secret material, for API responses.
func (e AuthEntry) Redacted() AuthEntry {
	e.PasswordHash = ""
	e.TokenHash = ""
	e.GroupIDs = slices.Clone(e.GroupIDs)
	return e
}

func (e AuthEntry) clone() AuthEntry {
	e.GroupIDs = slices.Clone(e.GroupIDs)
	return e
}

func (e AuthEntry) validate() error {
	if e.ID == "" || e.Name == "" {
		return fmt.Errorf("%w: id and name are required", ErrInvalidEntry)
	}
	switch e.Kind {
	case KindBasic:
		if e.Username == "" || e.PasswordHash == "" || e.TokenHash != "" {
			return fmt.Errorf("%w: basic entry needs username and password hash only", ErrInvalidEntry)
		}
	case KindToken:
		if e.TokenHash == "" || e.PasswordHash != "" || e.Username != "" {
			return fmt.Errorf("%w: token entry needs token hash only", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	return nil
}

// normalizeIDs drops empties and duplicates; membership is a set.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (d *Data) normalize() {
	if d.Entries == nil {
		d.Entries = []AuthEntry{}
	}
	if d.Groups == nil {
		d.Groups = []Group{}
	}
	for i := range d.Entries {
		d.Entries[i].GroupIDs = normalizeIDs(d.Entries[i].GroupIDs)
	}
}

func (d *Data) entryIndex(id string) int {
	return slices.IndexFunc(d.Entries, func(e AuthEntry) bool { return e.ID == id })
}

func (d *Data) groupIndex(id string) int {
	return slices.IndexFunc(d.Groups, func(g Group) bool { return g.ID == id })
}

func (d *Data) groupByName(name string) int {
	return slices.IndexFunc(d.Groups, func(g Group) bool { return g.Name == name })
}

func (d *Data) requireGroups(ids []string) error {
	for _, id := range ids {
		if d.groupIndex(id) < 0 {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
	}
	return nil
}

func (d *Data) requireEntries(ids []string) error {
	for _, id := range ids {
		if d.entryIndex(id) < 0 {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
	}
	return nil
}
