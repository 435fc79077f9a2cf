// The read goroutine feeds frames from the browser into the relay.
// The write goroutine drains the client's send queue back to the browser.
// Separating read/write avoids head-of-line blocking when a browser is slow.

package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// ClientOptions bounds the resources of one client session.
type ClientOptions struct {
	SendBufferSize  int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
}

// DefaultClientOptions returns the options used when nothing is configured.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		SendBufferSize:  16,
		WriteTimeout:    5 * time.Second,
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

// Client is the WebSocket transport of one connection. It implements Sender.
type Client struct {
	socket   *websocket.Conn
	clock    clockwork.Clock
	opts     ClientOptions
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Sender = (*Client)(nil)

// NewClient wraps an upgraded socket. Call Serve to run the session.
func NewClient(socket *websocket.Conn, clock clockwork.Clock, opts ClientOptions) *Client {
	return &Client{
		socket: socket,
		clock:  clock,
		opts:   opts,
		send:   make(chan []byte, opts.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// Send queues msg for the write goroutine without blocking.
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write goroutine, sends a close frame with reason and closes
// the socket. Safe to call more than once.
func (c *Client) Close(reason string) {
	c.stopOnce.Do(func() {
		close(c.done)

		// Only the control write below may touch the socket once the writer is gone.
		c.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.socket.WriteControl(websocket.CloseMessage, closeMsg, c.clock.Now().Add(c.opts.WriteTimeout))
		_ = c.socket.Close()
	})
}

// Serve registers the client with r and runs the session until the socket
// fails or the client goes away. It blocks for the lifetime of the session.
func (c *Client) Serve(ctx context.Context, r *Relay) {
	c.wg.Add(1)
	go c.write()

	conn, err := r.OnConnect(ctx, c)
	if err != nil {
		slog.Warn("Rejecting client", "error", err)
		c.Close(reasonShutdown)
		return
	}

	c.read(ctx, r, conn)
}

func (c *Client) read(ctx context.Context, r *Relay, conn *Connection) {
	defer func() {
		if err := r.OnDisconnect(context.WithoutCancel(ctx), conn); err != nil {
			slog.Debug("Disconnect not processed", "connection_id", conn.ID, "error", err)
		}
		c.Close("")
	}()

	c.socket.SetReadLimit(c.opts.MaxMessageBytes)
	c.extendReadDeadline()
	c.socket.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if isExpectedClose(err) {
				slog.Debug("WebSocket closed", "connection_id", conn.ID, "error", err)
			} else {
				slog.Warn("WebSocket error", "connection_id", conn.ID, "error", err)
			}
			return
		}

		if err := r.OnMessage(ctx, conn, payload); errors.Is(err, ErrRelayStopped) {
			return
		}
	}
}

func (c *Client) write() {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.extendWriteDeadline()
			if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
				// Unblocks the reader so the session is torn down.
				_ = c.socket.Close()
				return
			}
		case <-ticker.Chan():
			c.extendWriteDeadline()
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.socket.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) extendWriteDeadline() {
	_ = c.socket.SetWriteDeadline(c.clock.Now().Add(c.opts.WriteTimeout))
}

func (c *Client) extendReadDeadline() {
	_ = c.socket.SetReadDeadline(c.clock.Now().Add(c.opts.PongTimeout))
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, net.ErrClosed)
}
