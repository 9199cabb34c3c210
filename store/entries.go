package store

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// ListEntries returns a copy of every entry.
func (s *Store) ListEntries() []AuthEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuthEntry, 0, len(s.data.Entries))
	for _, e := range s.data.Entries {
		out = append(out, e.clone())
	}
	return out
}

// GetEntry returns the entry with the given id.
func (s *Store) GetEntry(id string) (AuthEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.data.entryIndex(id); i >= 0 {
		return s.data.Entries[i].clone(), nil
	}
	return AuthEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
}

// EntriesByGroup returns the entries that list groupID.
func (s *Store) EntriesByGroup(groupID string) []AuthEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.membersLocked(groupID)
}

// CreateEntry validates and persists a new entry.
func (s *Store) CreateEntry(ctx context.Context, entry AuthEntry) (AuthEntry, error) {
	entry.GroupIDs = normalizeIDs(entry.GroupIDs)
	if err := entry.validate(); err != nil {
		return AuthEntry{}, err
	}
	err := s.mutate(ctx, func(d *Data) error {
		if d.entryIndex(entry.ID) >= 0 {
			return fmt.Errorf("%w: entry id %s exists", ErrInvalidEntry, entry.ID)
		}
		if slices.ContainsFunc(d.Entries, func(e AuthEntry) bool { return e.Name == entry.Name }) {
			return fmt.Errorf("%w: entry %q", ErrDuplicateName, entry.Name)
		}
		if err := d.requireGroups(entry.GroupIDs); err != nil {
			return err
		}
		d.Entries = append(d.Entries, entry)
		return nil
	})
	if err != nil {
		return AuthEntry{}, err
	}
	return entry.clone(), nil
}

// UpdateEntry applies the non-nil fields of upd to the entry with the given id.
func (s *Store) UpdateEntry(ctx context.Context, id string, upd EntryUpdate) (AuthEntry, error) {
	var updated AuthEntry
	err := s.mutate(ctx, func(d *Data) error {
		i := d.entryIndex(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		e := d.Entries[i]
		if upd.Name != nil {
			if slices.ContainsFunc(d.Entries, func(o AuthEntry) bool { return o.ID != id && o.Name == *upd.Name }) {
				return fmt.Errorf("%w: entry %q", ErrDuplicateName, *upd.Name)
			}
			e.Name = *upd.Name
		}
		if upd.Username != nil || upd.PasswordHash != nil {
			if e.Kind != KindBasic {
				return fmt.Errorf("%w: username and password apply to basic entries only", ErrInvalidEntry)
			}
			if upd.Username != nil {
				e.Username = *upd.Username
			}
			if upd.PasswordHash != nil {
				e.PasswordHash = *upd.PasswordHash
			}
		}
		if upd.GroupIDs != nil {
			ids := normalizeIDs(*upd.GroupIDs)
			if err := d.requireGroups(ids); err != nil {
				return err
			}
			e.GroupIDs = ids
		}
		if err := e.validate(); err != nil {
			return err
		}
		e.UpdatedAt = time.Now().UTC()
		d.Entries[i] = e
		updated = e.clone()
		return nil
	})
	if err != nil {
		return AuthEntry{}, err
	}
	return updated, nil
}

// DeleteEntry removes the entry. Deleting a missing entry returns
// ErrEntryNotFound and leaves the file untouched.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	return s.mutate(ctx, func(d *Data) error {
		i := d.entryIndex(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		d.Entries = slices.Delete(d.Entries, i, i+1)
		return nil
	})
}

func (d *Data) membersLocked(groupID string) []AuthEntry {
	var out []AuthEntry
	for _, e := range d.Entries {
		if e.InGroup(groupID) {
			out = append(out, e.clone())
		}
	}
	return out
}
