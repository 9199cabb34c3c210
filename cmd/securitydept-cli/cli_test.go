package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securitydept/claims"
	"securitydept/credentials"
	"securitydept/store"
)

// runCLI executes one command line against dataPath and returns stdout.
func runCLI(t *testing.T, dataPath, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--data", dataPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return st
}

func TestEntryAndGroupLifecycle(t *testing.T) {
	data := filepath.Join(t.TempDir(), "data.json")

	out, err := runCLI(t, data, "", "group", "create", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "Group 'ops' created")

	_, err = runCLI(t, data, "", "entry", "create-basic", "alice-entry", "--username", "alice", "--password", "correct", "--group", "ops")
	require.NoError(t, err)

	token, err := runCLI(t, data, "", "entry", "create-token", "ci", "--group", "ops")
	require.NoError(t, err)
	token = strings.TrimSpace(token)
	require.NotEmpty(t, token)

	st := openTestStore(t, data)
	group, members, ok := st.GroupMembers("ops")
	require.True(t, ok)
	require.Len(t, members, 2)

	for _, e := range members {
		switch e.Kind {
		case store.KindBasic:
			okPass, err := credentials.VerifyPassword("correct", e.PasswordHash)
			require.NoError(t, err)
			assert.True(t, okPass)
		case store.KindToken:
			assert.True(t, credentials.TokenMatches(token, e.TokenHash))
		}
	}

	out, err = runCLI(t, data, "", "entry", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alice-entry")
	assert.Contains(t, out, "ops")
	assert.NotContains(t, out, "argon2")

	out, err = runCLI(t, data, "", "group", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ops")
	assert.Contains(t, out, "2")

	_, err = runCLI(t, data, "", "entry", "delete", "alice-entry")
	require.NoError(t, err)
	_, err = runCLI(t, data, "", "group", "delete", group.ID)
	require.NoError(t, err)

	st = openTestStore(t, data)
	assert.Empty(t, st.ListGroups())
	entries := st.ListEntries()
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].GroupIDs, "deleting a group drops it from its members")
}

func TestCreateBasicReadsPasswordFromStdin(t *testing.T) {
	data := filepath.Join(t.TempDir(), "data.json")

	_, err := runCLI(t, data, "s3cret\n", "entry", "create-basic", "bob-entry", "--username", "bob", "--password-stdin")
	require.NoError(t, err)

	entries := openTestStore(t, data).ListEntries()
	require.Len(t, entries, 1)
	ok, err := credentials.VerifyPassword("s3cret", entries[0].PasswordHash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCLIErrors(t *testing.T) {
	data := filepath.Join(t.TempDir(), "data.json")
	_, err := runCLI(t, data, "", "group", "create", "ops")
	require.NoError(t, err)

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"duplicate group", []string{"group", "create", "ops"}, store.ErrDuplicateName},
		{"unknown group on create", []string{"entry", "create-token", "ci", "--group", "nope"}, store.ErrGroupNotFound},
		{"unknown entry on delete", []string{"entry", "delete", "ghost"}, store.ErrEntryNotFound},
		{"unknown group on delete", []string{"group", "delete", "ghost"}, store.ErrGroupNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, data, "", tt.args...)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = runCLI(t, data, "", "entry", "create-basic", "x", "--username", "u")
	assert.ErrorContains(t, err, "password")
}

func TestClaimsCheckCommand(t *testing.T) {
	data := filepath.Join(t.TempDir(), "data.json")

	out, err := runCLI(t, data, `{"sub":"u1","groups":["admins"]}`,
		"claims", "check", "--script", filepath.Join("..", "..", "claims", "testdata", "admins.cel"))
	require.NoError(t, err)
	assert.Contains(t, out, `"success": true`)
	assert.Contains(t, out, `"display_name": "u1"`)

	out, err = runCLI(t, data, `{"sub":"u1","groups":[]}`,
		"claims", "check", "--script", filepath.Join("..", "..", "claims", "testdata", "admins.cel"))
	assert.ErrorIs(t, err, claims.ErrRejected)
	assert.Contains(t, out, "not an admin")

	out, err = runCLI(t, data, `{"preferred_username":"carol"}`, "claims", "check")
	require.NoError(t, err)
	assert.Contains(t, out, `"display_name": "carol"`)

	_, err = runCLI(t, data, `not json`, "claims", "check")
	assert.ErrorContains(t, err, "JSON object")
}

func TestDataPathFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "from-config.json")
	config := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(config, []byte("oidc:\n  enabled: false\ndata:\n  path: "+data+"\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", config, "group", "create", "ops"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	_, ok := openTestStore(t, data).FindGroupByName("ops")
	assert.True(t, ok)
}
