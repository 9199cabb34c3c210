package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ListGroups returns a copy of every group.
func (s *Store) ListGroups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.data.Groups)
}

// GetGroup returns the group with the given id.
func (s *Store) GetGroup(id string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.data.groupIndex(id); i >= 0 {
		return s.data.Groups[i], nil
	}
	return Group{}, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
}

// FindGroupByName returns the group with the given name.
func (s *Store) FindGroupByName(name string) (Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.data.groupByName(name); i >= 0 {
		return s.data.Groups[i], true
	}
	return Group{}, false
}

// GroupMembers resolves ref as a group name, then as a group id, and returns
// the group together with its member entries from one consistent snapshot.
func (s *Store) GroupMembers(ref string) (Group, []AuthEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.data.groupByName(ref)
	if i < 0 {
		i = s.data.groupIndex(ref)
	}
	if i < 0 {
		return Group{}, nil, false
	}
	g := s.data.Groups[i]
	return g, s.data.membersLocked(g.ID), true
}

// CreateGroup persists a new group and adds it to the listed entries.
func (s *Store) CreateGroup(ctx context.Context, name string, entryIDs []string) (Group, error) {
	if name == "" {
		return Group{}, fmt.Errorf("%w: group name is required", ErrInvalidEntry)
	}
	g := Group{ID: uuid.NewString(), Name: name}
	entryIDs = normalizeIDs(entryIDs)
	err := s.mutate(ctx, func(d *Data) error {
		if d.groupByName(name) >= 0 {
			return fmt.Errorf("%w: group %q", ErrDuplicateName, name)
		}
		if err := d.requireEntries(entryIDs); err != nil {
			return err
		}
		d.Groups = append(d.Groups, g)
		d.setMembers(g.ID, entryIDs)
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

// UpdateGroup renames the group. When entryIDs is non-nil, membership becomes
// exactly that set of entries.
func (s *Store) UpdateGroup(ctx context.Context, id, name string, entryIDs *[]string) (Group, error) {
	var updated Group
	err := s.mutate(ctx, func(d *Data) error {
		i := d.groupIndex(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
		if name != "" {
			if j := d.groupByName(name); j >= 0 && j != i {
				return fmt.Errorf("%w: group %q", ErrDuplicateName, name)
			}
			d.Groups[i].Name = name
		}
		if entryIDs != nil {
			ids := normalizeIDs(*entryIDs)
			if err := d.requireEntries(ids); err != nil {
				return err
			}
			d.setMembers(id, ids)
		}
		updated = d.Groups[i]
		return nil
	})
	if err != nil {
		return Group{}, err
	}
	return updated, nil
}

// DeleteGroup removes the group and strips its id from every entry.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	return s.mutate(ctx, func(d *Data) error {
		i := d.groupIndex(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
		d.Groups = slices.Delete(d.Groups, i, i+1)
		d.setMembers(id, nil)
		return nil
	})
}

// setMembers makes groupID's membership exactly entryIDs.
func (d *Data) setMembers(groupID string, entryIDs []string) {
	now := time.Now().UTC()
	for i := range d.Entries {
		e := &d.Entries[i]
		want := slices.Contains(entryIDs, e.ID)
		has := e.InGroup(groupID)
		switch {
		case want && !has:
			e.GroupIDs = append(e.GroupIDs, groupID)
			e.UpdatedAt = now
		case !want && has:
			e.GroupIDs = slices.DeleteFunc(e.GroupIDs, func(g string) bool { return g == groupID })
			e.UpdatedAt = now
		}
	}
}
