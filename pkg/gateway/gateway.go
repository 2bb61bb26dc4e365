// Package gateway implements the outbound WebSocket client ("operator"
// role) to a remote gateway endpoint, with a challenge/response handshake
// and exponential-backoff reconnect, plus the TelemetryBridge pipeline
// that wires the decoder's filtered datums into outbound events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/oceanswave/tescmd-gateway/pkg/telemetry"
)

// State is the GatewayClient connection lifecycle:
// closed -> connecting -> handshaking -> open -> closed.
type State string

const (
	StateClosed       State = "closed"
	StateConnecting   State = "connecting"
	StateHandshaking  State = "handshaking"
	StateOpen         State = "open"
)

// Frame is the wire envelope for gateway messages in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// connectParams is sent in response to a connect.challenge.
type connectParams struct {
	Role          string   `json:"role"`
	Scopes        []string `json:"scopes"`
	ClientID      string   `json:"client_id"`
	ClientVersion string   `json:"client_version"`
	Nonce         string   `json:"nonce"`
	Token         string   `json:"token,omitempty"`
}

type challengeData struct {
	Nonce string `json:"nonce"`
}

// Client is a full-duplex WebSocket connection in operator role to the
// gateway endpoint. Exactly one connection is active at a time; the bridge
// serializes reconnection by owning a single Client instance.
type Client struct {
	url           string
	token         string
	clientID      string
	clientVersion string
	scopes        []string
	logger        *slog.Logger

	handshakeTimeout time.Duration

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	sendCount atomic.Int64
}

// Config configures a new gateway Client.
type Config struct {
	URL              string
	Token            string
	ClientID         string
	ClientVersion    string
	Scopes           []string
	HandshakeTimeout time.Duration // per-message deadline during handshake; default 10s
}

// NewClient creates a disconnected gateway Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:              cfg.URL,
		token:            cfg.Token,
		clientID:         cfg.ClientID,
		clientVersion:    cfg.ClientVersion,
		scopes:           cfg.Scopes,
		logger:           logger,
		handshakeTimeout: timeout,
		state:            StateClosed,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendCount returns the number of events successfully sent so far.
func (c *Client) SendCount() int64 {
	return c.sendCount.Load()
}

// Connect performs a single connection attempt: dial, receive
// connect.challenge, reply, require hello-ok. Any other response aborts
// with an error and leaves the client closed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		c.setClosed()
		return fmt.Errorf("gateway: dial: %w", err)
	}

	c.mu.Lock()
	c.state = StateHandshaking
	c.mu.Unlock()

	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	var challenge Frame
	if err := wsjson.Read(hsCtx, conn, &challenge); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake read failed")
		c.setClosed()
		return fmt.Errorf("gateway: read challenge: %w", err)
	}
	if challenge.Event != "connect.challenge" {
		conn.Close(websocket.StatusProtocolError, "unexpected first frame")
		c.setClosed()
		return fmt.Errorf("gateway: expected connect.challenge, got %q", challenge.Event)
	}
	var chData challengeData
	if len(challenge.Data) > 0 {
		_ = json.Unmarshal(challenge.Data, &chData)
	}

	reply := connectParams{
		Role:          "operator",
		Scopes:        c.scopes,
		ClientID:      c.clientID,
		ClientVersion: c.clientVersion,
		Nonce:         chData.Nonce,
		Token:         c.token,
	}
	replyData, err := json.Marshal(reply)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode reply failed")
		c.setClosed()
		return fmt.Errorf("gateway: encode connect params: %w", err)
	}
	if err := wsjson.Write(hsCtx, conn, Frame{Event: "connect", Data: replyData}); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake write failed")
		c.setClosed()
		return fmt.Errorf("gateway: write connect: %w", err)
	}

	var ack Frame
	if err := wsjson.Read(hsCtx, conn, &ack); err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake ack read failed")
		c.setClosed()
		return fmt.Errorf("gateway: read hello-ok: %w", err)
	}
	if ack.Event != "hello-ok" {
		conn.Close(websocket.StatusProtocolError, "handshake rejected")
		c.setClosed()
		return fmt.Errorf("gateway: handshake rejected: event=%q error=%q", ack.Event, ack.Error)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	return nil
}

func (c *Client) setClosed() {
	c.mu.Lock()
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()
}

// ConnectWithBackoff retries Connect with base=1s, factor=2, cap=60s, and
// ±10% jitter. maxAttempts=0 means retry forever until ctx is cancelled or
// a connection succeeds.
func (c *Client) ConnectWithBackoff(ctx context.Context, maxAttempts int) error {
	const (
		base     = 1 * time.Second
		factor   = 2.0
		maxDelay = 60 * time.Second
	)

	delay := base
	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		if err := c.Connect(ctx); err == nil {
			return nil
		} else if c.logger != nil {
			c.logger.Warn("gateway connect attempt failed", "attempt", attempt, "error", err)
		}

		jittered := jitter(delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		delay = time.Duration(float64(delay) * factor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("gateway: exhausted %d connection attempts", maxAttempts)
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.10
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}

// SendEvent is best-effort: if not connected, the event is silently
// dropped. A send failure marks the client disconnected and is logged but
// never returned to the caller — callers must never let a gateway send
// failure interrupt the frame loop.
func (c *Client) SendEvent(ctx context.Context, event telemetry.Event) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateOpen
	c.mu.Unlock()

	if !connected || conn == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("gateway: encode event failed", "error", err)
		}
		return
	}

	frame := Frame{Event: "event", Data: payload}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		if c.logger != nil {
			c.logger.Warn("gateway: send failed, marking disconnected", "error", err)
		}
		c.setClosed()
		return
	}
	c.sendCount.Add(1)
}

// Close closes the underlying connection, if any, tolerating errors.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "bridge closing")
}
