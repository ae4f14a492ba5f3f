package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenPair(t *testing.T) (*TokenIssuer, *TokenResolver) {
	t.Helper()

	secretHex, publicHex := GenerateKeyPair()
	iss, err := NewTokenIssuer(TokenConfig{Issuer: "grid-test", TTL: time.Hour, SecretKeyHex: secretHex})
	require.NoError(t, err)
	res, err := NewTokenResolver(TokenConfig{Issuer: "grid-test", ClockSkew: 2 * time.Second, PublicKeyHex: publicHex})
	require.NoError(t, err)
	require.Equal(t, publicHex, iss.PublicKeyHex())
	return iss, res
}

func TestTokenResolver_RoundTrip(t *testing.T) {
	t.Parallel()

	iss, res := newTestTokenPair(t)

	tok, exp, err := iss.Issue(Identity{UserID: 42, DisplayName: "  Ada   Lovelace "}, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	id, err := res.ResolveIdentity(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 42, DisplayName: "Ada Lovelace"}, id)
}

func TestTokenResolver_Rejects(t *testing.T) {
	t.Parallel()

	iss, res := newTestTokenPair(t)
	otherIss, _ := newTestTokenPair(t)

	now := time.Now().UTC()
	good, _, err := iss.Issue(Identity{UserID: 1, DisplayName: "A"}, now)
	require.NoError(t, err)
	expired, _, err := iss.Issue(Identity{UserID: 1, DisplayName: "A"}, now.Add(-2*time.Hour))
	require.NoError(t, err)
	foreign, _, err := otherIss.Issue(Identity{UserID: 1, DisplayName: "A"}, now)
	require.NoError(t, err)

	secretHex, _ := GenerateKeyPair()
	wrongIssuer, err := NewTokenIssuer(TokenConfig{Issuer: "someone-else", TTL: time.Hour, SecretKeyHex: secretHex})
	require.NoError(t, err)
	res2, err := NewTokenResolver(TokenConfig{Issuer: "grid-test", SecretKeyHex: secretHex})
	require.NoError(t, err)
	misissued, _, err := wrongIssuer.Issue(Identity{UserID: 1, DisplayName: "A"}, now)
	require.NoError(t, err)

	cases := []struct {
		name string
		res  *TokenResolver
		tok  string
	}{
		{"empty", res, "   "},
		{"garbage", res, "v4.public.not-a-token"},
		{"tampered", res, tamper(good)},
		{"expired", res, expired},
		{"signed by another key", res, foreign},
		{"wrong issuer", res2, misissued},
	}
	for _, tc := range cases {
		_, err := tc.res.ResolveIdentity(context.Background(), tc.tok)
		assert.ErrorIs(t, err, ErrUnauthorized, tc.name)
	}
}

func TestTokenConfigErrors(t *testing.T) {
	t.Parallel()

	_, err := NewTokenResolver(TokenConfig{Issuer: "x"})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewTokenResolver(TokenConfig{Issuer: "x", PublicKeyHex: "zz"})
	assert.ErrorIs(t, err, ErrConfig)

	secretHex, _ := GenerateKeyPair()
	_, err = NewTokenResolver(TokenConfig{SecretKeyHex: secretHex})
	assert.ErrorIs(t, err, ErrConfig, "issuer is required")

	_, err = NewTokenIssuer(TokenConfig{Issuer: "x", TTL: time.Hour, SecretKeyHex: "nope"})
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewTokenIssuer(TokenConfig{Issuer: "x", SecretKeyHex: secretHex})
	assert.ErrorIs(t, err, ErrConfig, "ttl is required")

	iss, err := NewTokenIssuer(TokenConfig{Issuer: "x", TTL: time.Hour, SecretKeyHex: secretHex})
	require.NoError(t, err)
	_, _, err = iss.Issue(Identity{UserID: 0, DisplayName: "A"}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func tamper(tok string) string {
	b := []byte(tok)
	i := len(b) / 2
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}
