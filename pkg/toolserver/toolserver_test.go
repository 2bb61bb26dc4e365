package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanswave/tescmd-gateway/pkg/oauthsrv"
)

func newTestServer() (*Server, *oauthsrv.Server) {
	registry := NewRegistry()
	registry.Register(ToolDescriptor{
		Name:        "battery_get",
		Description: "read the current state of charge",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{"vin": map[string]any{"type": "string"}}},
		Annotations: Annotations{ReadOnlyHint: true},
	}, func(_ context.Context, vin string, _ map[string]any) (any, error) {
		return map[string]any{"vin": vin, "soc": 80}, nil
	})

	oauth := oauthsrv.NewServer(nil, "tescmd-cli", "")
	srv := NewServer(registry, oauth, Config{PublicBaseURL: "https://example.ts.net"}, nil)
	return srv, oauth
}

func mintToken(t *testing.T, oauth *oauthsrv.Server) string {
	t.Helper()
	redirect, err := oauth.Authorize(oauthsrv.AuthorizeRequest{
		ClientID:    "test-client",
		RedirectURI: "https://example.ts.net/callback",
		Scopes:      []string{"operator.send"},
	})
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	code := u.Query().Get("code")
	require.NotEmpty(t, code)

	resp, err := oauth.ExchangeCode(code, "", "https://example.ts.net/callback")
	require.NoError(t, err)
	return resp.AccessToken
}

func TestListToolsRequiresAuth(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListToolsReturnsRegisteredTools(t *testing.T) {
	srv, oauth := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	token := mintToken(t, oauth)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/tools", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "battery_get", body.Tools[0].Name)
	assert.True(t, body.Tools[0].Annotations.ReadOnlyHint)
}

func TestInvokeToolDispatchesToHandler(t *testing.T) {
	srv, oauth := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	token := mintToken(t, oauth)
	payload, _ := json.Marshal(invokeRequest{Name: "battery_get", VIN: "VIN1"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/tools/invoke", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	result := body["result"].(map[string]any)
	assert.Equal(t, "VIN1", result["vin"])
}

func TestInvokeUnknownToolReturns404(t *testing.T) {
	srv, oauth := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	token := mintToken(t, oauth)
	payload, _ := json.Marshal(invokeRequest{Name: "nope"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/tools/invoke", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHostValidationRejectsDisallowedHost(t *testing.T) {
	srv, _ := newTestServer()
	srv.cfg.AllowedHosts = []string{"example.ts.net"}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDiscoveryDocumentIsPublic(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
