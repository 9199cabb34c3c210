package credentials

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=19456,t=2,p=1$"))

	ok, err := VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("correct hors3", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordSaltsEachHash(t *testing.T) {
	a, err := HashPassword("pw")
	require.NoError(t, err)
	b, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	for _, bad := range []string{
		"",
		"plaintext",
		"$argon2id$v=19$m=19456,t=2,p=1$onlysalt",
		"$argon2id$v=16$m=19456,t=2,p=1$c2FsdHNhbHQ$aGFzaA",
		"$argon2id$v=19$m=x,t=2,p=1$c2FsdHNhbHQ$aGFzaA",
		"$scrypt$v=19$m=19456,t=2,p=1$c2FsdHNhbHQ$aGFzaA",
	} {
		_, err := VerifyPassword("pw", bad)
		assert.ErrorIs(t, err, ErrMalformedHash, "hash %q", bad)
	}
}

func TestTokenDigest(t *testing.T) {
	token, digest, err := GenerateToken()
	require.NoError(t, err)
	assert.Len(t, digest, 64)
	assert.Equal(t, HashToken(token), digest)
	assert.True(t, TokenMatches(token, digest))

	flipped := []byte(token)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	assert.False(t, TokenMatches(string(flipped), digest))
	assert.False(t, TokenMatches(token, "not-hex"))
	assert.False(t, TokenMatches(token, digest[:10]))
}

func TestParseAuthorization(t *testing.T) {
	basic := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:pa:ss"))

	tests := []struct {
		name   string
		header string
		want   Presented
		err    error
	}{
		{name: "basic", header: basic, want: Presented{Scheme: SchemeBasic, Username: "alice", Password: "pa:ss"}},
		{name: "basic lowercase scheme", header: strings.Replace(basic, "Basic", "basic", 1), want: Presented{Scheme: SchemeBasic, Username: "alice", Password: "pa:ss"}},
		{name: "bearer", header: "Bearer abc.def", want: Presented{Scheme: SchemeBearer, Token: "abc.def"}},
		{name: "missing", header: "  ", err: ErrMissingHeader},
		{name: "digest scheme", header: "Digest username=x", err: ErrUnsupportedScheme},
		{name: "basic bad base64", header: "Basic !!!", err: ErrMalformedHeader},
		{name: "basic no colon", header: "Basic " + base64.StdEncoding.EncodeToString([]byte("alice")), err: ErrMalformedHeader},
		{name: "empty bearer", header: "Bearer", err: ErrMalformedHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthorization(tt.header)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
