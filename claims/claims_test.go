package claims

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultDisplayNameOrder(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		want   string
		ok     bool
	}{
		{name: "subject only", claims: map[string]any{"sub": "u1"}, want: "u1", ok: true},
		{name: "nickname over sub", claims: map[string]any{"sub": "u1", "nickname": "nick"}, want: "nick", ok: true},
		{name: "preferred over all", claims: map[string]any{"sub": "u1", "nickname": "nick", "preferred_username": "pref"}, want: "pref", ok: true},
		{name: "non-string ignored", claims: map[string]any{"preferred_username": 42, "sub": "u1"}, want: "u1", ok: true},
		{name: "empty", claims: map[string]any{}, ok: false},
		{name: "nil", claims: nil, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Default{}.Check(context.Background(), tt.claims)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, res.Success)
			assert.Equal(t, tt.want, res.DisplayName)
			if !tt.ok {
				assert.Contains(t, res.Error, "preferred_username")
			}
		})
	}
}

func TestReferenceScriptMatchesDefault(t *testing.T) {
	checker, err := NewReferenceChecker(time.Second)
	require.NoError(t, err)

	res, err := checker.Check(context.Background(), map[string]any{"sub": "u1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "u1", res.DisplayName)

	res, err = checker.Check(context.Background(), map[string]any{
		"sub": "u1", "preferred_username": "alice", "picture": "https://example.com/a.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.DisplayName)
	assert.Equal(t, "https://example.com/a.png", res.Picture)

	res, err = checker.Check(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, missingNameMessage, res.Error)
}

func TestScriptWithTypesAndEnrichment(t *testing.T) {
	checker, err := Load(filepath.Join("testdata", "domain.ts"), time.Second)
	require.NoError(t, err)

	res, err := checker.Check(context.Background(), map[string]any{"sub": "u1", "email": "a@example.com", "name": "Alice"})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "Alice", res.DisplayName)
	assert.Equal(t, "platform", res.Claims["team"])

	res, err = checker.Check(context.Background(), map[string]any{"sub": "u1", "email": "a@evil.test"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "domain not allowed: a@evil.test", res.Error)
}

func TestPlainScriptFunction(t *testing.T) {
	checker, err := Load(filepath.Join("testdata", "legacy.js"), time.Second)
	require.NoError(t, err)

	res, err := checker.Check(context.Background(), map[string]any{"sub": "u1", "groups": []any{"admins"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "u1", res.DisplayName)

	_, err = Evaluate(context.Background(), checker, map[string]any{"sub": "u1"})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "not an admin", rejected.Message)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestScriptFailuresAreExecutionErrors(t *testing.T) {
	tests := map[string]string{
		"throws":       `export default function (c: unknown) { throw new Error("boom"); }`,
		"no entry":     `const x: number = 1;`,
		"returns null": `export default function () { return null; }`,
		"no host fs":   `export default function () { return require("fs").readFileSync("/etc/passwd"); }`,
		"no fetch":     `export default function () { return fetch("http://example.com"); }`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			checker, err := NewScriptChecker("check.ts", src, time.Second)
			require.NoError(t, err)
			_, err = checker.Check(context.Background(), map[string]any{"sub": "u1"})
			assert.ErrorIs(t, err, ErrScriptExecution)
		})
	}
}

func TestScriptTimeout(t *testing.T) {
	checker, err := NewScriptChecker("loop.js", `export default function () { for (;;) {} }`, 50*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = checker.Check(context.Background(), map[string]any{"sub": "u1"})
	assert.ErrorIs(t, err, ErrScriptExecution)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScriptStateDoesNotLeakBetweenRuns(t *testing.T) {
	src := `
let calls = 0;
export default function (claims: { sub: string }) {
  calls++;
  return { success: calls === 1, displayName: claims.sub, error: "called " + calls + " times" };
}`
	checker, err := NewScriptChecker("state.ts", src, time.Second)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err := checker.Check(context.Background(), map[string]any{"sub": "u1"})
		require.NoError(t, err)
		assert.True(t, res.Success, "run %d saw state from an earlier run", i)
	}
}

func TestAsyncScript(t *testing.T) {
	src := `export default async function (claims: { sub: string }) {
  return { success: true, displayName: "async-" + claims.sub };
}`
	checker, err := NewScriptChecker("async.ts", src, time.Second)
	require.NoError(t, err)
	res, err := checker.Check(context.Background(), map[string]any{"sub": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "async-u1", res.DisplayName)
}

func TestTranspileError(t *testing.T) {
	_, err := NewScriptChecker("bad.ts", `export default function (: {`, time.Second)
	assert.Error(t, err)
}

func TestCELChecker(t *testing.T) {
	checker, err := Load(filepath.Join("testdata", "admins.cel"), time.Second)
	require.NoError(t, err)

	res, err := checker.Check(context.Background(), map[string]any{"sub": "u1", "groups": []any{"admins"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "u1", res.DisplayName)
	assert.Equal(t, "https://example.com/admin.png", res.Picture)

	res, err = checker.Check(context.Background(), map[string]any{"sub": "u1", "groups": []any{"users"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "not an admin", res.Error)
}

func TestCELBoolExpression(t *testing.T) {
	checker, err := NewCELChecker(`has(claims.email) && claims.email.endsWith("@example.com")`)
	require.NoError(t, err)

	res, err := checker.Check(context.Background(), map[string]any{"sub": "u1", "email": "u1@example.com"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "u1", res.DisplayName)

	res, err = checker.Check(context.Background(), map[string]any{"sub": "u1"})
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = NewCELChecker(`claims.`)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "missing.py"), time.Second)
	assert.Error(t, err)

	c, err := Load("", time.Second)
	require.NoError(t, err)
	assert.IsType(t, Default{}, c)
}

func TestDecodeResultAcceptsBothNameKeys(t *testing.T) {
	res, err := decodeResult([]byte(`{"success":true,"display_name":"snake"}`), map[string]any{"sub": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "snake", res.DisplayName)
	assert.Equal(t, "u1", res.Claims["sub"])

	res, err = decodeResult([]byte(`{"success":true}`), map[string]any{"nickname": "n"})
	require.NoError(t, err)
	assert.Equal(t, "n", res.DisplayName)

	res, err = decodeResult([]byte(`{"success":true}`), map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = decodeResult([]byte(`"nope"`), nil)
	assert.ErrorIs(t, err, ErrScriptExecution)
}
