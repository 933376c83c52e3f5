// Package transport carries protocol messages over TCP and turns connection
// activity into loop events.
//
// Each Conn runs one reader and one writer goroutine. The reader posts
// Received, Rejected and Disconnected events to the machine that owns the
// connection; the writer drains an unbounded queue so Send never blocks the
// loop.
package transport

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
)

// Poster delivers events into a loop from any goroutine.
type Poster interface {
	Post(target *mainloop.Machine, ev mainloop.Event) bool
}

// Received carries a valid message from the peer.
type Received struct {
	Conn    *Conn
	Message protocol.Message
}

func (Received) Kind() string { return "received" }

// Rejected carries a frame that failed validation. Message is nil when the
// frame was not a JSON object.
type Rejected struct {
	Conn    *Conn
	Message protocol.Message
	Err     *protocol.ValidationError
}

func (Rejected) Kind() string { return "rejected" }

// Disconnected is posted once when the connection ends. Err is nil when the
// peer closed the stream cleanly.
type Disconnected struct {
	Conn *Conn
	Err  error
}

func (Disconnected) Kind() string { return "disconnected" }

// Accepted announces a new inbound connection. Listeners post it to a
// machine that creates the connection's owner.
type Accepted struct {
	Conn *Conn
}

func (Accepted) Kind() string { return "accepted" }

// Conn is one peer connection.
type Conn struct {
	raw    net.Conn
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	out    *mainloop.Queue[protocol.Message]
	once   sync.Once
	closed chan struct{}
}

// NewConn wraps raw. Frames are checked against schema; nil applies the
// structural check only.
func NewConn(raw net.Conn, schema *protocol.Schema) *Conn {
	return &Conn{
		raw:    raw,
		enc:    protocol.NewEncoder(raw),
		dec:    protocol.NewDecoder(raw, schema),
		out:    mainloop.NewQueue[protocol.Message](),
		closed: make(chan struct{}),
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Send queues msg for writing. Messages sent after Close are dropped.
func (c *Conn) Send(msg protocol.Message) {
	if !c.out.Enqueue(msg) {
		slog.Debug("message dropped on closed connection", "remote", c.RemoteAddr(), "type", msg.Type())
	}
}

// Start launches the reader and writer. Events go to owner through loop.
func (c *Conn) Start(loop Poster, owner *mainloop.Machine) {
	go c.readLoop(loop, owner)
	go c.writeLoop()
}

// Close shuts the connection down. Messages already queued are written first
// when possible. Safe to call more than once.
func (c *Conn) Close() error {
	c.out.Close()
	return nil
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		c.out.Close()
		close(c.closed)
		_ = c.raw.Close()
	})
}

func (c *Conn) readLoop(loop Poster, owner *mainloop.Machine) {
	defer c.shutdown()

	for {
		msg, err := c.dec.Decode()
		if err == nil {
			loop.Post(owner, Received{Conn: c, Message: msg})
			continue
		}

		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			slog.Warn("invalid message",
				"remote", c.RemoteAddr(),
				"code", verr.Code,
				"type", verr.Type,
				"error", verr.Message,
			)
			loop.Post(owner, Rejected{Conn: c, Message: msg, Err: verr})
			continue
		}

		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
		select {
		case <-c.closed:
			err = nil
		default:
		}
		if err != nil {
			slog.Warn("connection read failed", "remote", c.RemoteAddr(), "error", err)
		}
		loop.Post(owner, Disconnected{Conn: c, Err: err})
		return
	}
}

func (c *Conn) writeLoop() {
	defer c.shutdown()

	for {
		for {
			msg, ok := c.out.TryDequeue()
			if !ok {
				break
			}
			if err := c.enc.Encode(msg); err != nil {
				slog.Warn("connection write failed", "remote", c.RemoteAddr(), "error", err)
				return
			}
		}

		select {
		case <-c.closed:
			return
		case <-c.out.Wait():
			if c.out.Closed() && c.out.Len() == 0 {
				return
			}
		}
	}
}
