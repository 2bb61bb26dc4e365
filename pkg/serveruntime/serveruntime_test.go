package serveruntime

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

func TestValidateModesRejectsNoMCPNoTelemetry(t *testing.T) {
	err := ValidateModes(Modes{NoMCP: true, NoTelemetry: true})
	require.Error(t, err)
	var target *ErrInvalidModeCombination
	assert.ErrorAs(t, err, &target)
}

func TestValidateModesRejectsNoMCPStdio(t *testing.T) {
	err := ValidateModes(Modes{NoMCP: true, Transport: "stdio"})
	require.Error(t, err)
}

func TestValidateModesRejectsDryRunWithoutBridge(t *testing.T) {
	err := ValidateModes(Modes{DryRun: true, BridgeActive: false})
	require.Error(t, err)
}

func TestValidateModesRejectsBridgeConfigWithoutBridge(t *testing.T) {
	err := ValidateModes(Modes{HasBridgeCfg: true, BridgeActive: false})
	require.Error(t, err)
}

func TestValidateModesRejectsTunnelWithStdio(t *testing.T) {
	err := ValidateModes(Modes{Tunnel: true, Transport: "stdio"})
	require.Error(t, err)
}

func TestValidateModesAcceptsValidCombination(t *testing.T) {
	err := ValidateModes(Modes{Transport: "streamable-http", BridgeActive: true, DryRun: true})
	assert.NoError(t, err)
}

func TestResolvePortPrefersRequested(t *testing.T) {
	ln, err := ResolvePort("127.0.0.1", 0, false)
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEmpty(t, ln.Addr().String())
}

func TestResolvePortRaisesOnExplicitConflict(t *testing.T) {
	first, err := ResolvePort("127.0.0.1", 0, false)
	require.NoError(t, err)
	defer first.Close()

	_, portStr, err := net.SplitHostPort(first.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	_, err = ResolvePort("127.0.0.1", n, true)
	require.Error(t, err)
	var conflict *ErrPortInUse
	assert.ErrorAs(t, err, &conflict)
}

type fakeToolApp struct{}

func (fakeToolApp) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("tool-app:" + r.URL.Path))
	})
}

type recordingSink struct {
	name   string
	frames int
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) OnFrame(context.Context, *telemetry.Frame) error {
	s.frames++
	return nil
}

func TestHandlerRoutesWellKnownAndHead(t *testing.T) {
	rt := New(Config{ToolApp: fakeToolApp{}, WellKnownPEM: []byte("BEGIN PUBLIC KEY")})
	ts := httptest.NewServer(rt.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + WellKnownPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodHead, ts.URL+"/anything/at/all", nil)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.EqualValues(t, 1, rt.HeadRequestCount())
}

func TestHandlerDelegatesUnmatchedRequestsToToolAppUnmodified(t *testing.T) {
	rt := New(Config{ToolApp: fakeToolApp{}})
	ts := httptest.NewServer(rt.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestHandlerRoutesWebSocketToReceiver(t *testing.T) {
	sink := &recordingSink{name: "test"}
	fanout := telemetry.NewFanout(nil, sink)
	recv := telemetry.NewReceiver(fanout, nil)
	rt := New(Config{ToolApp: fakeToolApp{}, Receiver: recv})
	ts := httptest.NewServer(rt.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{}))
	require.Eventually(t, func() bool { return sink.frames == 1 }, time.Second, 10*time.Millisecond)
}

func TestBuildFanoutSkipsNilSinks(t *testing.T) {
	cache := &recordingSink{name: "cache"}
	bridge := &recordingSink{name: "bridge"}
	fanout := BuildFanout(nil, SinkSet{Cache: cache, Bridge: bridge, TriggerEvaluator: nil})
	fanout.Dispatch(context.Background(), &telemetry.Frame{})
	assert.Equal(t, 1, cache.frames)
	assert.Equal(t, 1, bridge.frames)
}
