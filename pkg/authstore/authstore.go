// Package authstore performs the interactive OAuth2 authorization-code-
// with-PKCE flow against the upstream fleet API provider and persists the
// resulting token to a local JSON file, refreshing it transparently on
// use. A local file stands in for OS-keyring storage; DESIGN.md records
// the trade-off.
package authstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

// Endpoint is the upstream provider's OAuth2 endpoint pair.
type Endpoint = oauth2.Endpoint

// DefaultEndpoint is the production authorization/token endpoint pair.
var DefaultEndpoint = Endpoint{
	AuthURL:  "https://auth.tesla.com/oauth2/v3/authorize",
	TokenURL: "https://auth.tesla.com/oauth2/v3/token",
}

// DefaultScopes requests the full scope set the dispatcher and telemetry
// session need: vehicle device data, commands, and telemetry config.
var DefaultScopes = []string{
	"openid", "offline_access",
	"vehicle_device_data", "vehicle_cmds", "vehicle_charging_cmds",
}

// Store loads, persists, and refreshes the OAuth2 token for one client.
type Store struct {
	path   string
	config oauth2.Config
}

// New builds a Store. path is the JSON file the token is persisted to.
func New(path string, clientID, clientSecret string, endpoint Endpoint, scopes []string) *Store {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &Store{
		path: path,
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
	}
}

// pkceVerifier generates a PKCE code_verifier/code_challenge pair (S256).
func pkceVerifier() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// Login runs the interactive authorization-code-with-PKCE flow: it starts
// a loopback HTTP listener for the redirect, prints the authorize URL for
// the caller to open, waits for the callback, exchanges the code, and
// persists the resulting token. redirectPort=0 picks an ephemeral port.
func Login(ctx context.Context, store *Store, redirectPort int, openURL func(string) error) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", redirectPort))
	if err != nil {
		return nil, fmt.Errorf("authstore: bind redirect listener: %w", err)
	}
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", addr.Port)
	cfg := store.config
	cfg.RedirectURL = redirectURL

	verifier, challenge, err := pkceVerifier()
	if err != nil {
		return nil, fmt.Errorf("authstore: generate pkce: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(must32())

	authURL := cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	type result struct {
		code string
		err  error
	}
	resultCh := make(chan result, 1)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			resultCh <- result{err: errors.New("authstore: state mismatch")}
			return
		}
		if errMsg := q.Get("error"); errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			resultCh <- result{err: fmt.Errorf("authstore: authorization denied: %s", errMsg)}
			return
		}
		fmt.Fprintln(w, "Authentication complete. You may close this tab.")
		resultCh <- result{code: q.Get("code")}
	})}
	go srv.Serve(ln)
	defer srv.Close()

	if openURL != nil {
		_ = openURL(authURL)
	}

	var res result
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	tok, err := cfg.Exchange(ctx, res.code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, fmt.Errorf("authstore: exchange code: %w", err)
	}
	if err := store.save(tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func must32() []byte {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return b
}

// Load reads the persisted token, or returns ErrNoToken if none exists.
func (s *Store) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("authstore: read %s: %w", s.path, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("authstore: parse %s: %w", s.path, err)
	}
	return &tok, nil
}

// ErrNoToken is returned by Load when no token has been stored yet.
var ErrNoToken = errors.New("authstore: no stored token, run `tescmd auth login`")

func (s *Store) save(tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("authstore: create dir: %w", err)
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Logout removes the persisted token.
func (s *Store) Logout() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// persistingSource wraps an oauth2.TokenSource and writes every refreshed
// token back to disk, so a later process restart reuses the new token
// instead of triggering a fresh interactive login.
type persistingSource struct {
	store  *Store
	inner  oauth2.TokenSource
	last   string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		_ = p.store.save(tok)
	}
	return tok, nil
}

// TokenSource returns an oauth2.TokenSource that transparently refreshes
// the stored token and persists the refreshed value, suitable for passing
// straight to oauth2.NewClient.
func (s *Store) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tok, err := s.Load()
	if err != nil {
		return nil, err
	}
	inner := s.config.TokenSource(ctx, tok)
	return &persistingSource{store: s, inner: inner, last: tok.AccessToken}, nil
}

// ExpiresSoon reports whether tok expires within the given window, used by
// `tescmd auth status` to warn before the access token lapses.
func ExpiresSoon(tok *oauth2.Token, window time.Duration) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return time.Until(tok.Expiry) < window
}
