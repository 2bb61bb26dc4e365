// Package toolserver exposes a protected HTTP tool-invocation surface:
// list_tools / invoke_tool, backed by an embedded OAuth2 authorization
// server (pkg/oauthsrv) and guarded against DNS-rebinding attacks by a
// Host-header allowlist. The Origin header is not checked. The descriptor shape matches what
// MCP-style agent clients expect, carried over HTTP with bearer-token
// authorization.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/oceanswave/tescmd-gateway/pkg/oauthsrv"
)

// Annotations carries MCP-style hints about a tool's side effects.
type Annotations struct {
	ReadOnlyHint bool `json:"readOnlyHint"`
}

// ToolDescriptor describes one invokable tool.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
	Annotations Annotations    `json:"annotations"`
}

// Handler executes one named tool against a vehicle.
type Handler func(ctx context.Context, vin string, args map[string]any) (any, error)

// tool pairs a descriptor with its handler.
type tool struct {
	descriptor ToolDescriptor
	handler    Handler
}

// Registry holds the set of invokable tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool
}

// NewRegistry creates an empty tool Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]tool)}
}

// Register adds a tool, overwriting any existing tool of the same name.
func (r *Registry) Register(desc ToolDescriptor, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[desc.Name] = tool{descriptor: desc, handler: h}
}

// List returns all registered tool descriptors, sorted by name.
func (r *Registry) List() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ErrToolNotFound is returned by Invoke for an unregistered tool name.
var ErrToolNotFound = errors.New("toolserver: tool not found")

// Invoke runs the named tool's handler.
func (r *Registry) Invoke(ctx context.Context, name, vin string, args map[string]any) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrToolNotFound
	}
	return t.handler(ctx, vin, args)
}

// Config configures a Server.
type Config struct {
	// AllowedHosts is the Host-header allowlist (loopback plus the active
	// tunnel hostname, when one is running), preventing DNS-rebinding
	// attacks against the local listener.
	AllowedHosts []string
	// AllowedOrigins is carried in the configuration but not consulted by
	// the handler: no Origin check is made and no CORS headers are set.
	AllowedOrigins []string
	// PublicBaseURL is this server's externally reachable base URL, used
	// to build OAuth discovery document URLs.
	PublicBaseURL string
	// Metrics, when non-nil, is served at /metrics behind the same bearer
	// authorization as the tool surface.
	Metrics http.Handler
}

// Server is the protected tool-invocation HTTP surface.
type Server struct {
	registry *Registry
	oauth    *oauthsrv.Server
	cfg      Config
	logger   *slog.Logger
}

// NewServer creates a toolserver Server.
func NewServer(registry *Registry, oauth *oauthsrv.Server, cfg Config, logger *slog.Logger) *Server {
	return &Server{registry: registry, oauth: oauth, cfg: cfg, logger: logger}
}

// Handler builds the HTTP handler for the tool surface and the OAuth
// endpoints, wrapped in host/origin validation.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", s.requireAuth(s.handleListTools))
	mux.HandleFunc("/tools/invoke", s.requireAuth(s.handleInvokeTool))

	if s.cfg.Metrics != nil {
		mux.HandleFunc("/metrics", s.requireAuth(s.cfg.Metrics.ServeHTTP))
	}

	mux.HandleFunc("/oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.HandleFunc("/oauth/revoke", s.handleRevoke)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleDiscovery)

	return s.validateHost(mux)
}

// validateHost rejects requests whose Host header is not in
// AllowedHosts, defeating DNS-rebinding attacks against the local
// listener. An empty AllowedHosts list disables the check (used in
// tests and for loopback-only deployments where it's redundant).
func (s *Server) validateHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.AllowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		for _, allowed := range s.cfg.AllowedHosts {
			if strings.EqualFold(host, allowed) {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, "host not allowed", http.StatusForbidden)
	})
}

// requireAuth validates the bearer access token before delegating to
// next.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, ok := s.oauth.ValidateAccessToken(token); !ok {
			writeJSONError(w, http.StatusUnauthorized, "invalid or expired access token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.registry.List()})
}

type invokeRequest struct {
	Name string         `json:"name"`
	VIN  string         `json:"vin"`
	Args map[string]any `json:"args"`
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	result, err := s.registry.Invoke(r.Context(), req.Name, req.VIN, req.Args)
	if errors.Is(err, ErrToolNotFound) {
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown tool %q", req.Name))
		return
	}
	if err != nil {
		if s.logger != nil {
			s.logger.Error("toolserver: tool invocation failed", "tool", req.Name, "vin", req.VIN, "error", err)
		}
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := oauthsrv.AuthorizeRequest{
		ClientID:      q.Get("client_id"),
		RedirectURI:   q.Get("redirect_uri"),
		RedirectGiven: q.Get("redirect_uri") != "",
		Scopes:        strings.Fields(q.Get("scope")),
		CodeChallenge: q.Get("code_challenge"),
		State:         q.Get("state"),
		Resource:      q.Get("resource"),
	}
	redirect, err := s.oauth.Authorize(req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		resp, err := s.oauth.ExchangeCode(r.FormValue("code"), r.FormValue("code_verifier"), r.FormValue("redirect_uri"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "refresh_token":
		resp, err := s.oauth.RefreshToken(r.FormValue("refresh_token"), strings.Fields(r.FormValue("scope")))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported grant_type")
	}
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	s.oauth.Revoke(r.FormValue("token"))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := s.cfg.PublicBaseURL
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/oauth/authorize",
		"token_endpoint":                         base + "/oauth/token",
		"revocation_endpoint":                    base + "/oauth/revoke",
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":        []string{"S256"},
		"token_endpoint_auth_methods_supported":   []string{"none", "client_secret_post"},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
