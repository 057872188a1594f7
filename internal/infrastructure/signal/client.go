package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"telecall/internal/core/domain"
	"telecall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientConfig configures the websocket signaling channel.
type ClientConfig struct {
	URL            string
	CallID         domain.CallID
	PeerID         domain.PeerID
	WriteTimeout   time.Duration
	MessagesPerSec float64
	Burst          int
	Dial           retry.Config
}

// inbound is a relayed message or a relay error.
type inbound struct {
	domain.SignalMessage
	Error string `json:"error,omitempty"`
}

// Client is a SignalingChannel over a websocket to the relay. Inbound
// messages are delivered in arrival order on a single reader goroutine.
type Client struct {
	config  ClientConfig
	conn    *websocket.Conn
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	// dispatchMu orders delivery. Messages read before the first handler
	// is registered are held in pending.
	dispatchMu sync.Mutex
	handlers   []func(domain.SignalMessage)
	pending    []domain.SignalMessage
}

// Dial connects to the relay, retrying with backoff.
func Dial(ctx context.Context, config ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MessagesPerSec <= 0 {
		config.MessagesPerSec = 50
	}
	if config.Burst <= 0 {
		config.Burst = 100
	}

	target, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	q := target.Query()
	q.Set("call_id", string(config.CallID))
	q.Set("peer_id", string(config.PeerID))
	target.RawQuery = q.Encode()

	conn, err := retry.RetryWithResult(ctx, config.Dial, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
		if err != nil {
			logger.Debugw("signaling dial failed", "url", config.URL, "error", err)
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling relay: %w", err)
	}

	c := &Client{
		config:  config,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(config.MessagesPerSec), config.Burst),
		logger:  logger.With("call_id", config.CallID, "peer_id", config.PeerID),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnMessage registers a handler for messages from the remote peer. The first
// handler also receives anything that arrived before it was registered.
func (c *Client) OnMessage(fn func(domain.SignalMessage)) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	c.handlers = append(c.handlers, fn)
	held := c.pending
	c.pending = nil
	for _, msg := range held {
		fn(msg)
	}
}

// Send writes one message. It waits for the rate limiter, so a burst of
// candidates is paced rather than dropped.
func (c *Client) Send(ctx context.Context, msg domain.SignalMessage) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("send %s: signaling channel closed", msg.Kind)
	}

	msg.From = c.config.PeerID

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warnw("signaling connection lost", "error", err)
			}
			return
		}
		if msg.Error != "" {
			c.logger.Warnw("relay rejected message", "error", msg.Error)
			continue
		}

		c.dispatch(msg.SignalMessage)
	}
}

func (c *Client) dispatch(msg domain.SignalMessage) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	if len(c.handlers) == 0 {
		c.pending = append(c.pending, msg)
		return
	}
	for _, fn := range c.handlers {
		fn(msg)
	}
}

// Done is closed when the connection drops.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
