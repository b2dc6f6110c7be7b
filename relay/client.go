package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/DoubleLatte/ntp/crypto"
)

// Client connects to a peer's relay endpoint, sealing outbound and opening
// inbound envelopes. The connection is re-dialed with exponential backoff
// when it drops.
type Client struct {
	endpoint string
	key      []byte
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn

	inbound chan Envelope
	wg      sync.WaitGroup
}

// DialClient connects to ws://host/ws?address=A&group=G and starts the
// receive loop.
func DialClient(ctx context.Context, host, address, group, secret string, logger *slog.Logger) (*Client, error) {
	key, err := crypto.DeriveEnvelopeKey(secret)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	query := url.Values{}
	if address != "" {
		query.Set("address", address)
	}
	if group != "" {
		query.Set("group", group)
	}
	endpoint := (&url.URL{Scheme: "ws", Host: host, Path: "/ws", RawQuery: query.Encode()}).String()

	clientCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		endpoint: endpoint,
		key:      key,
		logger:   logger,
		ctx:      clientCtx,
		cancel:   cancel,
		inbound:  make(chan Envelope, 64),
	}

	if err := c.dial(); err != nil {
		cancel()
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Envelopes returns inbound envelopes. The channel closes when the client
// shuts down.
func (c *Client) Envelopes() <-chan Envelope {
	return c.inbound
}

// Send seals and transmits one envelope.
func (c *Client) Send(env Envelope) error {
	frame, err := SealEnvelope(c.key, env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay connection is down")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}
	return nil
}

// Close stops the receive loop and closes the connection.
func (c *Client) Close() error {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Client) dial() error {
	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", c.endpoint, err)
	}
	conn.SetPingHandler(func(message string) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(message))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		close(c.inbound)
		c.wg.Done()
	}()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		for conn != nil {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				break
			}
			env, err := OpenEnvelope(c.key, frame)
			if err != nil {
				c.logger.Warn("dropping undecryptable frame from relay", "error", err)
				continue
			}
			select {
			case c.inbound <- env:
			case <-c.ctx.Done():
				return
			}
		}

		if c.ctx.Err() != nil {
			return
		}
		if err := c.reconnect(); err != nil {
			return
		}
	}
}

func (c *Client) reconnect() error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), c.ctx)
	return backoff.RetryNotify(c.dial, policy, func(err error, next time.Duration) {
		c.logger.Info("relay reconnect failed, retrying", "error", err, "next", next)
	})
}
