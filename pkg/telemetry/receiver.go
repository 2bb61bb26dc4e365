package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Receiver is a binary-frame-only WebSocket server that accepts inbound
// telemetry connections from the vehicle fleet, decodes each frame, and
// fans it out to the configured sinks. Decode failures on one message are
// logged and dropped; they never take down the connection or the server.
type Receiver struct {
	decoder *Decoder
	fanout  *Fanout
	logger  *slog.Logger

	connectionCount atomic.Int64
	frameCount      atomic.Int64
}

// NewReceiver creates a Receiver dispatching decoded frames to fanout.
func NewReceiver(fanout *Fanout, logger *slog.Logger) *Receiver {
	return &Receiver{decoder: NewDecoder(), fanout: fanout, logger: logger}
}

// ConnectionCount returns the number of WebSocket connections accepted
// since startup.
func (r *Receiver) ConnectionCount() int64 { return r.connectionCount.Load() }

// FrameCount returns the number of frames successfully decoded and
// dispatched since startup.
func (r *Receiver) FrameCount() int64 { return r.frameCount.Load() }

// Handler returns an http.Handler suitable for mounting at the telemetry
// WebSocket path of a combined HTTP+WS server.
func (r *Receiver) Handler() http.Handler {
	return http.HandlerFunc(r.serveWS)
}

func (r *Receiver) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{})
	if err != nil {
		if r.logger != nil {
			r.logger.Error("telemetry: websocket accept failed", "error", err)
		}
		return
	}
	defer conn.CloseNow()

	r.connectionCount.Add(1)
	remote := req.RemoteAddr
	if r.logger != nil {
		r.logger.Info("telemetry: connection accepted", "remote", remote)
	}

	ctx := req.Context()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if r.logger != nil {
				r.logger.Info("telemetry: connection closed", "remote", remote, "error", err)
			}
			return
		}
		if msgType != websocket.MessageBinary {
			if r.logger != nil {
				r.logger.Warn("telemetry: dropping non-binary frame", "remote", remote, "type", msgType)
			}
			continue
		}
		r.handleFrame(ctx, data, remote)
	}
}

func (r *Receiver) handleFrame(ctx context.Context, data []byte, remote string) {
	frame, err := r.decoder.Decode(data)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("telemetry: dropping malformed frame", "remote", remote, "bytes", len(data), "error", err)
		}
		return
	}
	r.frameCount.Add(1)
	r.fanout.Dispatch(ctx, frame)
}

// Serve blocks, running an HTTP server hosting the receiver alone on
// addr. Production deployments typically mount Handler() into a combined
// runtime instead of calling Serve directly.
func (r *Receiver) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: r.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("telemetry: receiver serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
