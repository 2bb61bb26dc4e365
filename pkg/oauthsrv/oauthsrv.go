// Package oauthsrv implements the embedded, in-memory authorization server
// the ToolServer exposes to local agents: authorization-code-with-PKCE and
// refresh-token grants, with permissive auto-registration of unknown
// client_ids. Access control for this surface is delegated entirely to the
// network layer (tunnel ACLs, loopback binding) — see DESIGN.md.
package oauthsrv

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Client is a registered OAuth client record.
type Client struct {
	ClientID                string
	ClientSecret            string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
}

// AuthorizationCode is a single-use code minted by Authorize.
type AuthorizationCode struct {
	Code                          string
	ClientID                      string
	Scopes                        []string
	ExpiresAt                     time.Time
	RedirectURI                   string
	RedirectURIProvidedExplicitly bool
	CodeChallenge                 string
	Resource                      string
}

// Token is an opaque access or refresh token.
type Token struct {
	Value     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	Resource  string
}

// Server is the in-memory authorization-code-with-PKCE + refresh-token
// server. All storage is volatile; restarting the process invalidates
// every outstanding code and token.
type Server struct {
	logger *slog.Logger
	now    func() time.Time

	publicClientID     string
	publicClientSecret string

	mu            sync.Mutex
	clients       map[string]*Client
	codes         map[string]*AuthorizationCode
	accessTokens  map[string]*Token
	refreshTokens map[string]*Token
}

// NewServer creates an authorization server. publicClientID/Secret are
// attached automatically whenever that client_id is looked up, so the
// CLI's own configured client authenticates against the token endpoint
// without a separate registration step.
func NewServer(logger *slog.Logger, publicClientID, publicClientSecret string) *Server {
	return &Server{
		logger:             logger,
		now:                time.Now,
		publicClientID:     publicClientID,
		publicClientSecret: publicClientSecret,
		clients:            make(map[string]*Client),
		codes:              make(map[string]*AuthorizationCode),
		accessTokens:       make(map[string]*Token),
		refreshTokens:      make(map[string]*Token),
	}
}

// GetClient returns the registered client record for id, auto-creating a
// permissive record (any redirect URI, any scope set) for unknown ids.
// This is intentional: see the package doc comment.
func (s *Server) GetClient(clientID string) *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getClientLocked(clientID)
}

func (s *Server) getClientLocked(clientID string) *Client {
	if c, ok := s.clients[clientID]; ok {
		return c
	}
	c := &Client{
		ClientID:                clientID,
		RedirectURIs:            nil, // nil means "accept any"
		TokenEndpointAuthMethod: "none",
	}
	if clientID == s.publicClientID && s.publicClientSecret != "" {
		c.ClientSecret = s.publicClientSecret
		c.TokenEndpointAuthMethod = "client_secret_basic"
	}
	s.clients[clientID] = c
	return c
}

// AuthorizeRequest is the input to Authorize.
type AuthorizeRequest struct {
	ClientID      string
	RedirectURI   string
	RedirectGiven bool
	Scopes        []string
	CodeChallenge string
	State         string
	Resource      string
}

const authCodeTTL = 300 * time.Second

// Authorize mints a 32-byte URL-safe authorization code and returns the
// redirect URI with ?code=...&state=... appended.
func (s *Server) Authorize(req AuthorizeRequest) (redirectURL string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getClientLocked(req.ClientID) // ensure auto-registration

	code, err := randomURLSafe(32)
	if err != nil {
		return "", fmt.Errorf("oauthsrv: generate code: %w", err)
	}

	s.codes[code] = &AuthorizationCode{
		Code:                          code,
		ClientID:                      req.ClientID,
		Scopes:                        req.Scopes,
		ExpiresAt:                     s.now().Add(authCodeTTL),
		RedirectURI:                   req.RedirectURI,
		RedirectURIProvidedExplicitly: req.RedirectGiven,
		CodeChallenge:                 req.CodeChallenge,
		Resource:                      req.Resource,
	}

	sep := "?"
	if containsRune(req.RedirectURI, '?') {
		sep = "&"
	}
	redirectURL = req.RedirectURI + sep + "code=" + code
	if req.State != "" {
		redirectURL += "&state=" + req.State
	}
	return redirectURL, nil
}

// LoadAuthorizationCode returns the code record without consuming it, or
// (nil, false) if it does not exist. Used by tests and property checks;
// ExchangeCode is the only consuming path.
func (s *Server) LoadAuthorizationCode(code string) (*AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.codes[code]
	if !ok {
		return nil, false
	}
	cp := *ac
	return &cp, true
}

const accessTokenTTL = time.Hour

// TokenResponse is the standard OAuth2 token-endpoint success body.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	RefreshToken string   `json:"refresh_token"`
	Scopes       []string `json:"scope,omitempty"`
}

// ErrInvalidGrant covers every exchange failure: unknown/expired code,
// unknown/expired refresh token, or a PKCE verifier mismatch.
var ErrInvalidGrant = fmt.Errorf("oauthsrv: invalid_grant")

// ExchangeCode performs the authorization_code grant: the code is removed
// (single-use) before a new token pair is minted, so a concurrent replay
// of the same code always fails even if this call itself fails later.
func (s *Server) ExchangeCode(code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	s.mu.Lock()
	ac, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrInvalidGrant
	}
	if s.now().After(ac.ExpiresAt) {
		return nil, ErrInvalidGrant
	}
	if ac.RedirectURIProvidedExplicitly && ac.RedirectURI != redirectURI {
		return nil, ErrInvalidGrant
	}
	if ac.CodeChallenge != "" && !verifyPKCE(ac.CodeChallenge, codeVerifier) {
		return nil, ErrInvalidGrant
	}

	return s.mintTokenPair(ac.ClientID, ac.Scopes, ac.Resource)
}

// RefreshToken performs the refresh_token grant: the presented token is
// removed before minting replacements. requestedScopes, if non-empty, must
// be a subset of the original scopes and narrows the new access token;
// otherwise the original scopes are preserved.
func (s *Server) RefreshToken(refreshToken string, requestedScopes []string) (*TokenResponse, error) {
	s.mu.Lock()
	rt, ok := s.refreshTokens[refreshToken]
	if ok {
		delete(s.refreshTokens, refreshToken)
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrInvalidGrant
	}
	if s.now().After(rt.ExpiresAt) {
		return nil, ErrInvalidGrant
	}

	scopes := rt.Scopes
	if len(requestedScopes) > 0 {
		if !subsetOf(requestedScopes, rt.Scopes) {
			return nil, ErrInvalidGrant
		}
		scopes = requestedScopes
	}

	return s.mintTokenPair(rt.ClientID, scopes, rt.Resource)
}

func (s *Server) mintTokenPair(clientID string, scopes []string, resource string) (*TokenResponse, error) {
	access, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("oauthsrv: generate access token: %w", err)
	}
	refresh, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("oauthsrv: generate refresh token: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	s.accessTokens[access] = &Token{Value: access, ClientID: clientID, Scopes: scopes, ExpiresAt: now.Add(accessTokenTTL), Resource: resource}
	s.refreshTokens[refresh] = &Token{Value: refresh, ClientID: clientID, Scopes: scopes, ExpiresAt: now.Add(30 * 24 * time.Hour), Resource: resource}
	s.mu.Unlock()

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL.Seconds()),
		RefreshToken: refresh,
		Scopes:       scopes,
	}, nil
}

// Revoke removes a presented token, whether access or refresh. Revoking an
// unknown token is not an error (RFC 7009).
func (s *Server) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, token)
	delete(s.refreshTokens, token)
}

// ValidateAccessToken returns the token record if value is a current,
// unexpired access token.
func (s *Server) ValidateAccessToken(value string) (*Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.accessTokens[value]
	if !ok || s.now().After(tok.ExpiresAt) {
		return nil, false
	}
	cp := *tok
	return &cp, true
}

func verifyPKCE(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func subsetOf(requested, original []string) bool {
	allowed := make(map[string]struct{}, len(original))
	for _, s := range original {
		allowed[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
