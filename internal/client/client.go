// Package client sends room messages to a relay and reads its replies.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/postalsys/roomrelay/internal/frame"
	"github.com/postalsys/roomrelay/internal/logging"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client closed")

// Option configures a Client.
type Option func(*Client)

// WithCodec sets the codec used to frame and parse datagrams.
func WithCodec(codec frame.Codec) Option {
	return func(c *Client) {
		c.codec = codec
	}
}

// WithLocalAddress binds the client socket to addr instead of an ephemeral
// port.
func WithLocalAddress(addr string) Option {
	return func(c *Client) {
		c.localAddr = addr
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client is a UDP socket connected to one relay address.
type Client struct {
	codec     frame.Codec
	localAddr string
	logger    *slog.Logger
	conn      *net.UDPConn
}

// Dial opens a socket to the relay at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{codec: frame.DefaultCodec}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).With(logging.KeyComponent, "client")

	var d net.Dialer
	if c.localAddr != "" {
		laddr, err := net.ResolveUDPAddr("udp", c.localAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve local address: %w", err)
		}
		d.LocalAddr = laddr
	}

	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conn = conn.(*net.UDPConn)

	c.logger.Debug("client connected",
		logging.KeyLocalAddr, c.conn.LocalAddr().String(),
		logging.KeyRemoteAddr, c.conn.RemoteAddr().String())
	return c, nil
}

// LocalAddr returns the client socket address.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the relay address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Emit sends payload to room as one datagram.
func (c *Client) Emit(room string, payload []byte) error {
	data, err := c.codec.Encode(room, payload)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(data); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("emit %q: %w", room, err)
	}
	return nil
}

// Receive waits for one datagram from the relay and decodes it. It returns
// ctx.Err() when ctx is done first.
func (c *Client) Receive(ctx context.Context) (frame.Message, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return frame.Message{}, ErrClosed
		}
		return frame.Message{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, c.codec.MaxDatagramSize+1)
	n, err := c.conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return frame.Message{}, ctxErr
		}
		if !deadline.IsZero() && errors.Is(err, os.ErrDeadlineExceeded) {
			return frame.Message{}, context.DeadlineExceeded
		}
		if errors.Is(err, net.ErrClosed) {
			return frame.Message{}, ErrClosed
		}
		return frame.Message{}, fmt.Errorf("receive: %w", err)
	}

	return c.codec.Decode(buf[:n])
}

// Close closes the socket. Pending Receive calls return ErrClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}
