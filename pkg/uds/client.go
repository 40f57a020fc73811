package uds

import (
	"context"
	"net"
	"time"

	"fabric/pkg/exception"
)

const unixNetwork = "unix"

// Client dials one Unix domain socket path.
type Client struct {
	path    string
	timeout time.Duration
}

type ClientOption func(*Client)

// WithDialTimeout bounds Dial. Zero waits as long as the OS does.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewClient(path string, opts ...ClientOption) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	c := &Client{path: path}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Dial connects using the client's dial timeout.
func (c *Client) Dial() (net.Conn, error) {
	if c == nil {
		return nil, exception.ErrNilClientUDS
	}
	ctx := context.Background()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.DialContext(ctx)
}

// DialContext connects, giving up when ctx is done.
func (c *Client) DialContext(ctx context.Context) (net.Conn, error) {
	if c == nil {
		return nil, exception.ErrNilClientUDS
	}
	var d net.Dialer
	return d.DialContext(ctx, unixNetwork, c.path)
}

// DialRetry keeps dialing every interval until the socket accepts or ctx is
// done, for clients started before their server.
func (c *Client) DialRetry(ctx context.Context, interval time.Duration) (net.Conn, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		conn, err := c.DialContext(ctx)
		if err == nil {
			return conn, nil
		}
		if c == nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-t.C:
		}
	}
}
