package telemetry

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name   string
	frames []*Frame
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) OnFrame(_ context.Context, f *Frame) error {
	s.frames = append(s.frames, f)
	return nil
}

func TestReceiverDecodesAndFansOutBinaryFrames(t *testing.T) {
	sink := &recordingSink{name: "test"}
	fanout := NewFanout(nil, sink)
	recv := NewReceiver(fanout, nil)

	srv := httptest.NewServer(recv.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	vinDatum := encodeTestVINFrame(t, "5YJ3000000TEST001")
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, vinDatum))

	require.Eventually(t, func() bool {
		return recv.FrameCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, "5YJ3000000TEST001", sink.frames[0].VIN)
	assert.EqualValues(t, 1, recv.ConnectionCount())
}

func TestReceiverDropsNonBinaryFrames(t *testing.T) {
	sink := &recordingSink{name: "test"}
	fanout := NewFanout(nil, sink)
	recv := NewReceiver(fanout, nil)

	srv := httptest.NewServer(recv.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not telemetry")))
	time.Sleep(50 * time.Millisecond)

	assert.EqualValues(t, 0, recv.FrameCount())
	assert.Empty(t, sink.frames)
}

func TestReceiverDropsMalformedFrameWithoutClosingConnection(t *testing.T) {
	sink := &recordingSink{name: "test"}
	fanout := NewFanout(nil, sink)
	recv := NewReceiver(fanout, nil)

	srv := httptest.NewServer(recv.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// An unterminated varint tag is a top-level parse failure.
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte{0xFF}))

	vinDatum := encodeTestVINFrame(t, "5YJ3000000TEST002")
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, vinDatum))

	require.Eventually(t, func() bool {
		return recv.FrameCount() == 1
	}, time.Second, 10*time.Millisecond)
	require.Len(t, sink.frames, 1)
	assert.Equal(t, "5YJ3000000TEST002", sink.frames[0].VIN)
}

// encodeTestVINFrame builds a minimal wire-format Payload message
// containing only the VIN field (field 3, wire type 2 / length-delimited).
func encodeTestVINFrame(t *testing.T, vin string) []byte {
	t.Helper()
	var buf []byte
	tag := (3 << 3) | 2
	buf = append(buf, byte(tag))
	buf = append(buf, byte(len(vin)))
	buf = append(buf, []byte(vin)...)
	return buf
}
