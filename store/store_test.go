package store

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.json")
	s, err := Open(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestOpenCreatesEmptyFile(t *testing.T) {
	s := newTestStore(t)

	b, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var d Data
	require.NoError(t, json.Unmarshal(b, &d))
	assert.Empty(t, d.Entries)
	assert.Empty(t, d.Groups)
	assert.NotNil(t, d.Entries, "entries should encode as [] not null")
}

func TestCreateEntryRequiresExistingGroups(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateEntry(ctx, NewTokenEntry("ci", "abc", []string{"missing"}))
	assert.ErrorIs(t, err, ErrGroupNotFound)

	g, err := s.CreateGroup(ctx, "ops", nil)
	require.NoError(t, err)
	e, err := s.CreateEntry(ctx, NewTokenEntry("ci", "abc", []string{g.ID, g.ID}))
	require.NoError(t, err)
	assert.Equal(t, []string{g.ID}, e.GroupIDs)
}

func TestCreateEntryRejectsInvalidKinds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	e := NewBasicEntry("alice", "alice", "", nil)
	_, err := s.CreateEntry(ctx, e)
	assert.ErrorIs(t, err, ErrInvalidEntry)

	e = NewTokenEntry("tok", "digest", nil)
	e.Username = "alice"
	_, err = s.CreateEntry(ctx, e)
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestDuplicateNames(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateEntry(ctx, NewBasicEntry("alice", "alice", "$hash", nil))
	require.NoError(t, err)
	_, err = s.CreateEntry(ctx, NewTokenEntry("alice", "digest", nil))
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = s.CreateGroup(ctx, "ops", nil)
	require.NoError(t, err)
	_, err = s.CreateGroup(ctx, "ops", nil)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestUpdateEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g, err := s.CreateGroup(ctx, "ops", nil)
	require.NoError(t, err)
	e, err := s.CreateEntry(ctx, NewBasicEntry("alice", "alice", "$old", nil))
	require.NoError(t, err)

	name, hash := "alice2", "$new"
	groups := []string{g.ID}
	got, err := s.UpdateEntry(ctx, e.ID, EntryUpdate{Name: &name, PasswordHash: &hash, GroupIDs: &groups})
	require.NoError(t, err)
	assert.Equal(t, "alice2", got.Name)
	assert.Equal(t, "$new", got.PasswordHash)
	assert.Equal(t, []string{g.ID}, got.GroupIDs)
	assert.False(t, got.UpdatedAt.Before(e.UpdatedAt))

	tok, err := s.CreateEntry(ctx, NewTokenEntry("tok", "digest", nil))
	require.NoError(t, err)
	user := "bob"
	_, err = s.UpdateEntry(ctx, tok.ID, EntryUpdate{Username: &user})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = s.UpdateEntry(ctx, "nope", EntryUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestDeleteEntryTwiceIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e, err := s.CreateEntry(ctx, NewTokenEntry("tok", "digest", nil))
	require.NoError(t, err)
	_, err = s.CreateEntry(ctx, NewTokenEntry("keep", "digest2", nil))
	require.NoError(t, err)

	require.NoError(t, s.DeleteEntry(ctx, e.ID))
	afterFirst, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteEntry(ctx, e.ID), ErrEntryNotFound)
	afterSecond, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	assert.Equal(t, afterFirst, afterSecond)
	require.Len(t, s.ListEntries(), 1)
	assert.Equal(t, "keep", s.ListEntries()[0].Name)
}

func TestGroupMembershipAndCascade(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.CreateEntry(ctx, NewTokenEntry("a", "da", nil))
	require.NoError(t, err)
	b, err := s.CreateEntry(ctx, NewTokenEntry("b", "db", nil))
	require.NoError(t, err)

	g, err := s.CreateGroup(ctx, "ops", []string{a.ID})
	require.NoError(t, err)
	assert.Len(t, s.EntriesByGroup(g.ID), 1)

	ids := []string{b.ID}
	_, err = s.UpdateGroup(ctx, g.ID, "operators", &ids)
	require.NoError(t, err)
	members := s.EntriesByGroup(g.ID)
	require.Len(t, members, 1)
	assert.Equal(t, "b", members[0].Name)

	byName, viaName, ok := s.GroupMembers("operators")
	require.True(t, ok)
	assert.Equal(t, g.ID, byName.ID)
	assert.Len(t, viaName, 1)
	_, viaID, ok := s.GroupMembers(g.ID)
	require.True(t, ok)
	assert.Len(t, viaID, 1)

	_, err = s.CreateGroup(ctx, "bad", []string{"missing"})
	assert.ErrorIs(t, err, ErrEntryNotFound)

	require.NoError(t, s.DeleteGroup(ctx, g.ID))
	got, err := s.GetEntry(b.ID)
	require.NoError(t, err)
	assert.Empty(t, got.GroupIDs)
	_, _, ok = s.GroupMembers("operators")
	assert.False(t, ok)
	assert.ErrorIs(t, s.DeleteGroup(ctx, g.ID), ErrGroupNotFound)
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g, err := s.CreateGroup(ctx, "ops", nil)
	require.NoError(t, err)
	e, err := s.CreateEntry(ctx, NewTokenEntry("tok", "digest", []string{g.ID}))
	require.NoError(t, err)

	got, err := s.GetEntry(e.ID)
	require.NoError(t, err)
	got.GroupIDs[0] = "mutated"

	again, err := s.GetEntry(e.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, again.GroupIDs[0])
}

func TestReopenPersists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.CreateEntry(ctx, NewTokenEntry("tok", "digest", nil))
	require.NoError(t, err)

	reopened, err := Open(ctx, s.Path(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Len(t, reopened.ListEntries(), 1)
}

func TestReloadPicksUpExternalWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	other, err := Open(ctx, s.Path(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = other.CreateGroup(ctx, "from-cli", nil)
	require.NoError(t, err)

	require.NoError(t, s.Reload(ctx))
	_, ok := s.FindGroupByName("from-cli")
	assert.True(t, ok)
}

func TestWatchPicksUpExternalWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newTestStore(t)
	go func() { _ = s.Watch(ctx, 50*time.Millisecond) }()
	time.Sleep(200 * time.Millisecond)

	other, err := Open(ctx, s.Path(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	_, err = other.CreateGroup(ctx, "watched", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := s.FindGroupByName("watched")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRedactedDropsSecrets(t *testing.T) {
	e := NewBasicEntry("alice", "alice", "$hash", nil).Redacted()
	assert.Empty(t, e.PasswordHash)
	assert.Equal(t, "alice", e.Username)
}
