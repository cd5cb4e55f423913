package tradestream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a venue-agnostic WebSocket stream transport. A push adapter dials
// it at a venue URL, optionally sends a subscription payload, and decodes the
// raw frames from Messages() into trades. The client handles framing, keep-
// alive pings and connection teardown; reconnect policy belongs to the caller.
type Client struct {
	logger *zap.Logger

	url          string
	dialer       *websocket.Dialer
	pingInterval time.Duration

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn

	msgCh   chan json.RawMessage
	errCh   chan error
	closeCh chan struct{}

	msgCount        uint64
	lastMsgUnixNano int64
}

func NewClient(logger *zap.Logger, url string) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		logger:       logger,
		url:          url,
		dialer:       websocket.DefaultDialer,
		pingInterval: 10 * time.Second,

		msgCh:   make(chan json.RawMessage, 1024),
		errCh:   make(chan error, 64),
		closeCh: make(chan struct{}),
	}
}

// Connect dials the stream endpoint and, if subscription is non-nil, sends it
// as the first message. Safe to call again after Close for reconnection.
func (c *Client) Connect(ctx context.Context, subscription any) error {
	c.connMu.Lock()
	alreadyConnected := c.conn != nil
	c.connMu.Unlock()
	if alreadyConnected {
		return fmt.Errorf("already connected")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial trade stream: %w", err)
	}

	c.logger.Info("trade stream dialed", zap.String("url", c.url))

	conn.SetCloseHandler(func(code int, text string) error {
		c.logger.Warn(
			"trade stream close frame received",
			zap.Int("code", code),
			zap.String("reason", text),
		)
		return nil
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	if subscription != nil {
		if err := c.WriteJSON(subscription); err != nil {
			_ = conn.Close()
			c.connMu.Lock()
			c.conn = nil
			c.connMu.Unlock()
			return fmt.Errorf("send initial subscription: %w", err)
		}
		c.logger.Info("trade stream subscription sent")
	}

	go c.readLoop()
	go c.pingLoop()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.closeCh:
		}
	}()

	return nil
}

// Messages yields decoded single-event frames. Batched array frames are split
// before delivery.
func (c *Client) Messages() <-chan json.RawMessage {
	return c.msgCh
}

func (c *Client) Errors() <-chan error {
	return c.errCh
}

type StreamStats struct {
	MessageCount  uint64
	LastMessageAt time.Time
}

func (c *Client) Stats() StreamStats {
	n := atomic.LoadUint64(&c.msgCount)
	ns := atomic.LoadInt64(&c.lastMsgUnixNano)

	var t time.Time
	if ns > 0 {
		t = time.Unix(0, ns)
	}

	return StreamStats{
		MessageCount:  n,
		LastMessageAt: t,
	}
}

func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	select {
	case <-c.closeCh:
		// Already closed
	default:
		close(c.closeCh)
	}

	// Fresh channel so a later Connect gets working loops
	c.closeCh = make(chan struct{})

	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}

	return err
}

// WriteJSON sends a JSON message over the current connection, e.g. a
// subscribe/unsubscribe operation mid-stream.
func (c *Client) WriteJSON(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return conn.WriteJSON(v)
}

func (c *Client) pingLoop() {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()

			if conn != nil {
				c.writeMu.Lock()
				_ = conn.WriteMessage(websocket.TextMessage, []byte("PING"))
				c.writeMu.Unlock()
			}

		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			return
		}

		_, b, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("trade stream read error", zap.Error(err))
			select {
			case c.errCh <- err:
			default:
			}
			_ = c.Close()
			return
		}

		// Some venues reply to keep-alives with plain text.
		if string(b) == "PONG" || string(b) == "PING" {
			continue
		}

		atomic.AddUint64(&c.msgCount, 1)
		atomic.StoreInt64(&c.lastMsgUnixNano, time.Now().UnixNano())

		// A frame may carry a single JSON object or a JSON array batch.
		c.emitFrame(b)
	}
}

func (c *Client) emitFrame(b []byte) {
	trimmed := b
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}

	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			c.logger.Warn(
				"trade stream bad json array frame",
				zap.Error(err),
				zap.ByteString("frame", b),
			)
			return
		}

		for _, one := range arr {
			c.forward(one)
		}
		return
	}

	c.forward(json.RawMessage(append([]byte(nil), trimmed...)))
}

func (c *Client) forward(msg json.RawMessage) {
	select {
	case c.msgCh <- msg:
	default:
		c.logger.Warn("dropping stream message: msgCh full")
	}
}
