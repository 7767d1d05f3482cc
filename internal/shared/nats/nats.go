package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection used to mirror the repmgr event stream
// onto a message bus. The connection is optional: repmgr works without a
// broker, this client only exists when event_nats_url is configured.
type Client struct {
	conn *nats.Conn
}

// NewClient connects to the broker at url.
func NewClient(url string) (*Client, error) {
	opts := []nats.Option{
		nats.Name("ux-repmgr"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return &Client{conn: conn}, nil
}

// Publish publishes a message to the given subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe creates a subscription to the given subject.
func (c *Client) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

// IsConnected reports whether the client currently has a live connection.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Flush flushes any pending messages.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close closes the connection without draining it.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
