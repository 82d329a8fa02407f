// Package responder is the client side of the reply delivery channel. A
// transcript is sent to the response service as a JSON "turn" message over a
// WebSocket; the spoken reply comes back as binary messages, one encoded
// audio fragment each, terminated by a "done" or "error" text message.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout    = 5 * time.Second
	defaultReadSize = 4 << 20
)

var (
	// ErrResponse wraps an error reported by the response service.
	ErrResponse = errors.New("responder: service error")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("responder: closed")
)

// Message types on the wire.
const (
	typeTurn  = "turn"
	typeDone  = "done"
	typeError = "error"
)

// turnMessage is sent for every transcript.
type turnMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Turn      int    `json:"turn"`
	Text      string `json:"text"`
}

// controlMessage is any text message received from the service.
type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithSessionID tags every turn with id.
func WithSessionID(id string) Option {
	return func(c *Client) {
		c.sessionID = id
	}
}

// WithReadLimit sets the maximum size of one fragment in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client streams replies from the response service. Replies are requested
// one at a time; concurrent Respond calls queue up.
type Client struct {
	url        string
	apiKey     string
	sessionID  string
	readLimit  int64
	httpClient *http.Client

	respondMu sync.Mutex // one reply in flight

	mu     sync.Mutex
	conn   *websocket.Conn
	turn   int
	closed bool
}

// New returns a client for the WebSocket endpoint url. apiKey, when set, is
// sent as a bearer token.
func New(url, apiKey string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("responder: url must not be empty")
	}
	c := &Client{
		url:       url,
		apiKey:    apiKey,
		readLimit: defaultReadSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Connect dials the service unless a connection is already open. Calling it
// is optional: Respond dials on demand.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	headers := http.Header{}
	if c.apiKey != "" {
		headers.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: headers,
		HTTPClient: c.httpClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("responder: dial: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("responder: dial: %w", err)
	}
	conn.SetReadLimit(c.readLimit)
	c.conn = conn
	slog.Debug("responder: connected", "url", c.url)
	return conn, nil
}

// drop closes conn if it is still the current connection so the next call
// redials.
func (c *Client) drop(conn *websocket.Conn, status websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close(status, reason)
}

// Respond sends text as the next turn and calls onFragment with every audio
// fragment of the reply in arrival order. It returns nil once the service
// signals the end of the reply, an error wrapping [ErrResponse] when the
// service reports a failure, or the error returned by onFragment, which
// abandons the rest of the reply.
//
// A reply that does not complete normally drops the connection, since
// leftover fragments would otherwise be attributed to the next turn.
func (c *Client) Respond(ctx context.Context, text string, onFragment func([]byte) error) error {
	c.respondMu.Lock()
	defer c.respondMu.Unlock()

	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	turn := c.turn
	c.turn++
	c.mu.Unlock()

	req, err := json.Marshal(turnMessage{Type: typeTurn, SessionID: c.sessionID, Turn: turn, Text: text})
	if err != nil {
		return fmt.Errorf("responder: encode turn: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(wctx, websocket.MessageText, req)
	cancel()
	if err != nil {
		c.drop(conn, websocket.StatusInternalError, "write failed")
		return fmt.Errorf("responder: send turn: %w", err)
	}

	fragments := 0
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			c.drop(conn, websocket.StatusInternalError, "read failed")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("responder: read reply: %w", err)
		}

		if typ == websocket.MessageBinary {
			fragments++
			if err := onFragment(msg); err != nil {
				c.drop(conn, websocket.StatusGoingAway, "reply abandoned")
				return err
			}
			continue
		}

		var ctl controlMessage
		if err := json.Unmarshal(msg, &ctl); err != nil {
			slog.Warn("responder: dropping malformed message", "err", err, "bytes", len(msg))
			continue
		}
		switch ctl.Type {
		case typeDone:
			slog.Debug("responder: reply complete", "turn", turn, "fragments", fragments)
			return nil
		case typeError:
			return fmt.Errorf("%w: %s", ErrResponse, ctl.Message)
		default:
			slog.Debug("responder: ignoring message", "type", ctl.Type)
		}
	}
}

// Close closes the connection with a normal closure. Safe to call more than
// once.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client closing")
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}
