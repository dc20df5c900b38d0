// Package transport manages the authenticated realtime connection to the
// Hub's message channel. Inbound send frames are published to the event
// bridge; outbound sends go through Emit. Nothing else touches the socket.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/oauth2"

	"github.com/privateaim/node-message-broker/internal/bridge"
)

const (
	// Time allowed to write a message to the Hub.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the Hub.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Event name shared by inbound and outbound message frames.
	eventSend = "send"
)

// State is the connection lifecycle state, exposed for health reporting.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Target addresses one recipient of an outbound frame.
type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// frame is the envelope of every message on the Hub channel.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// sendPayload is the payload of a send frame, both directions. From is only
// present on inbound frames; To only matters on outbound ones.
type sendPayload struct {
	From     *bridge.Sender  `json:"from,omitempty"`
	To       []Target        `json:"to,omitempty"`
	Data     json.RawMessage `json:"data"`
	Metadata bridge.Metadata `json:"metadata"`
}

// Config for the transport.
type Config struct {
	// MessengerURL is the Hub's websocket endpoint (ws:// or wss://).
	MessengerURL string

	// DialTimeout bounds each connection attempt, initial and reconnect.
	DialTimeout time.Duration
}

// Client is the Hub transport. Create it with New, establish the connection
// with Connect, and shut it down with Close. A Connect failure is a boot
// failure: the broker cannot function without the Hub channel.
type Client struct {
	cfg    Config
	tokens oauth2.TokenSource
	bridge *bridge.Bridge

	state atomic.Int32

	mu   sync.Mutex // guards conn for writes and replacement
	conn *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds a transport client. The token source supplies the robot access
// token used to authenticate the websocket handshake.
func New(cfg Config, tokens oauth2.TokenSource, br *bridge.Bridge) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		bridge: br,
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Connect authenticates against the Hub and opens the message channel.
// Both steps are boot-time dependencies: any error returned here must
// terminate the process rather than leave the broker half-initialized.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateAuthenticating)
	tok, err := c.tokens.Token()
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("obtaining hub access token: %w", err)
	}

	c.setState(StateConnecting)
	conn, err := c.dial(ctx, tok)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("connecting to hub messenger: %w", err)
	}

	c.adopt(conn)
	slog.Info("connected to hub messenger", "url", c.cfg.MessengerURL)
	return nil
}

func (c *Client) dial(ctx context.Context, tok *oauth2.Token) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok.AccessToken)

	conn, resp, err := dialer.DialContext(dialCtx, c.cfg.MessengerURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// adopt installs a freshly dialed connection and starts its loops.
func (c *Client) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateConnected)

	stop := make(chan struct{})
	c.wg.Add(2)
	go c.readLoop(conn, stop)
	go c.pingLoop(conn, stop)
}

// Emit sends an outbound send frame to the Hub. Only the transport writes to
// the socket; callers go through here.
func (c *Client) Emit(targets []Target, data json.RawMessage, meta bridge.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.State() != StateConnected {
		return fmt.Errorf("hub transport is not connected (state %s)", c.State())
	}

	payload, err := json.Marshal(sendPayload{To: targets, Data: data, Metadata: meta})
	if err != nil {
		return fmt.Errorf("encoding send payload: %w", err)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(frame{Event: eventSend, Payload: payload}); err != nil {
		return fmt.Errorf("writing send frame: %w", err)
	}
	return nil
}

// Close shuts the transport down. It never triggers a reconnect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.setState(StateClosed)

		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})

	c.wg.Wait()
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	defer c.wg.Done()
	defer close(stop)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Client) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		slog.Warn("dropping undecodable hub frame", "error", err)
		return
	}
	if f.Event != eventSend {
		slog.Debug("ignoring hub frame", "event", f.Event)
		return
	}

	var p sendPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		slog.Warn("dropping undecodable send payload", "error", err)
		return
	}

	msg := bridge.IncomingNodeMessage{
		Data:     p.Data,
		Metadata: p.Metadata,
	}
	if p.From != nil {
		msg.From = *p.From
	}

	// Deeper validation happens in the fan-out engine; a malformed message is
	// dropped there without disturbing this loop.
	if err := c.bridge.Publish(context.Background(), msg); err != nil {
		slog.Error("failed to publish inbound message",
			"message_id", p.Metadata.MessageID,
			"error", err)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		case <-c.done:
			return
		}
	}
}

// handleDisconnect classifies a read failure. A server-initiated close (the
// Hub going away or restarting) triggers a proactive reconnect; anything else
// after a successful boot is surfaced as a background error.
func (c *Client) handleDisconnect(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseServiceRestart) {
		slog.Info("hub closed the connection, reconnecting", "error", err)
		c.reconnect()
		return
	}

	slog.Error("hub connection lost", "error", err)
	c.setState(StateDisconnected)
}

// reconnect re-establishes the connection with a fresh token and jittered
// backoff. It runs until it succeeds or the transport is closed.
func (c *Client) reconnect() {
	c.setState(StateReconnecting)

	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Jitter: true,
	}

	for attempt := 1; ; attempt++ {
		tok, err := c.tokens.Token()
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
			conn, dialErr := c.dial(ctx, tok)
			cancel()
			if dialErr == nil {
				c.adopt(conn)
				slog.Info("reconnected to hub messenger", "attempts", attempt)
				return
			}
			err = dialErr
		}

		d := b.Duration()
		slog.Warn("hub reconnect attempt failed",
			"attempt", attempt,
			"retry_in", d,
			"error", err)

		select {
		case <-time.After(d):
		case <-c.done:
			return
		}
	}
}
