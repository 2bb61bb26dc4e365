package oauthsrv

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkcePair() (verifier, challenge string) {
	verifier = "test-verifier-0123456789-abcdefghijklmnop"
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return
}

func TestUnknownClientAutoRegisters(t *testing.T) {
	s := NewServer(nil, "cli", "secret")
	c := s.GetClient("some-random-agent")
	require.NotNil(t, c)
	assert.Equal(t, "some-random-agent", c.ClientID)
	assert.Empty(t, c.ClientSecret)
}

func TestPublicClientGetsConfiguredSecret(t *testing.T) {
	s := NewServer(nil, "cli", "secret")
	c := s.GetClient("cli")
	assert.Equal(t, "secret", c.ClientSecret)
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	s := NewServer(nil, "cli", "secret")
	verifier, challenge := pkcePair()

	redirect, err := s.Authorize(AuthorizeRequest{
		ClientID:      "agent-1",
		RedirectURI:   "http://localhost/callback",
		RedirectGiven: true,
		Scopes:        []string{"read"},
		CodeChallenge: challenge,
		State:         "xyz",
	})
	require.NoError(t, err)
	assert.Contains(t, redirect, "code=")
	assert.Contains(t, redirect, "state=xyz")

	code := redirect[len("http://localhost/callback?code="):]
	// strip the &state=xyz suffix
	if idx := indexOf(code, '&'); idx >= 0 {
		code = code[:idx]
	}

	_, ok := s.LoadAuthorizationCode(code)
	require.True(t, ok)

	tok, err := s.ExchangeCode(code, verifier, "http://localhost/callback")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)

	_, ok = s.LoadAuthorizationCode(code)
	assert.False(t, ok)

	_, err = s.ExchangeCode(code, verifier, "http://localhost/callback")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	s := NewServer(nil, "cli", "secret")
	_, challenge := pkcePair()

	redirect, err := s.Authorize(AuthorizeRequest{
		ClientID:      "agent-1",
		RedirectURI:   "http://localhost/callback",
		RedirectGiven: true,
		CodeChallenge: challenge,
	})
	require.NoError(t, err)
	code := redirect[len("http://localhost/callback?code="):]

	_, err = s.ExchangeCode(code, "wrong-verifier", "http://localhost/callback")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRefreshTokenRotatesAndPreservesScopes(t *testing.T) {
	s := NewServer(nil, "cli", "secret")
	verifier, challenge := pkcePair()

	redirect, err := s.Authorize(AuthorizeRequest{
		ClientID:      "agent-1",
		RedirectURI:   "http://localhost/callback",
		RedirectGiven: true,
		Scopes:        []string{"read", "write"},
		CodeChallenge: challenge,
	})
	require.NoError(t, err)
	code := redirect[len("http://localhost/callback?code="):]

	tok, err := s.ExchangeCode(code, verifier, "http://localhost/callback")
	require.NoError(t, err)

	refreshed, err := s.RefreshToken(tok.RefreshToken, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"read", "write"}, refreshed.Scopes)
	assert.NotEqual(t, tok.AccessToken, refreshed.AccessToken)

	// old refresh token is now invalid
	_, err = s.RefreshToken(tok.RefreshToken, nil)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestRevokeRemovesToken(t *testing.T) {
	s := NewServer(nil, "cli", "secret")
	tok, err := s.mintTokenPair("agent-1", []string{"read"}, "")
	require.NoError(t, err)

	_, ok := s.ValidateAccessToken(tok.AccessToken)
	require.True(t, ok)

	s.Revoke(tok.AccessToken)
	_, ok = s.ValidateAccessToken(tok.AccessToken)
	assert.False(t, ok)
}

func indexOf(s string, r rune) int {
	for i, c := range s {
		if c == r {
			return i
		}
	}
	return -1
}
