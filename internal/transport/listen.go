package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
)

// Listener accepts peer connections.
type Listener struct {
	ln     net.Listener
	schema *protocol.Schema
}

// Listen opens a TCP listener on addr.
func Listen(addr string, schema *protocol.Schema) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	slog.Info("listening", "addr", ln.Addr().String())
	return &Listener{ln: ln, schema: schema}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Serve calls accept for each new connection until ctx is done or the
// listener fails. accept runs on the Serve goroutine and must not block.
func (l *Listener) Serve(ctx context.Context, accept func(*Conn)) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		raw, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		slog.Debug("connection accepted", "remote", raw.RemoteAddr().String())
		accept(NewConn(raw, l.schema))
	}
}

// ServeTo posts an Accepted event to owner for each new connection.
func (l *Listener) ServeTo(ctx context.Context, loop Poster, owner *mainloop.Machine) error {
	return l.Serve(ctx, func(c *Conn) {
		if !loop.Post(owner, Accepted{Conn: c}) {
			_ = c.raw.Close()
		}
	})
}

// Close stops accepting.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial connects to a peer.
func Dial(ctx context.Context, addr string, timeout time.Duration, schema *protocol.Schema) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(raw, schema), nil
}
