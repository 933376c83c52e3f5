package initiator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
)

// BuildOptions describes a build request sent by Client.Build.
type BuildOptions struct {
	Repo           string
	Ref            string
	OriginalRef    string
	Morphology     string
	ComponentNames []string

	// Detach returns as soon as the controller reports build-started.
	Detach bool
}

// Result is the outcome of a successful or detached build.
type Result struct {
	URLs     []string
	Detached bool
}

// BuildError is a build-failed or build-cancelled answer.
type BuildError struct {
	Type   protocol.Type
	Reason string
}

func (e *BuildError) Error() string {
	if e.Type == protocol.TypeBuildCancelled {
		return "build cancelled by " + e.Reason
	}
	return "build failed: " + e.Reason
}

// Client talks to a controller as an initiator. It is not safe for
// concurrent use.
type Client struct {
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
	ids  mainloop.IDGenerator
}

// Dial connects to the controller's initiator address.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to controller %s: %w", addr, err)
	}
	return &Client{
		conn: conn,
		enc:  protocol.NewEncoder(conn),
		dec:  protocol.NewDecoder(conn, nil),
		ids:  mainloop.UUIDv7Generator{},
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Build sends a build request and waits for its outcome. Every message for
// the request is passed to onMessage first.
func (c *Client) Build(ctx context.Context, opts BuildOptions, onMessage func(protocol.Message)) (Result, error) {
	fields := protocol.Fields{
		"id":               c.ids.Generate(),
		"repo":             opts.Repo,
		"ref":              opts.Ref,
		"morphology":       opts.Morphology,
		"partial":          len(opts.ComponentNames) > 0,
		"protocol_version": protocol.Version,
		"allow_detach":     opts.Detach,
	}
	if opts.OriginalRef != "" {
		fields["original_ref"] = opts.OriginalRef
	}
	if len(opts.ComponentNames) > 0 {
		fields["component_names"] = opts.ComponentNames
	}

	var result Result
	err := c.exchange(ctx, protocol.MustNew(protocol.TypeBuildRequest, fields), func(msg protocol.Message) bool {
		if onMessage != nil {
			onMessage(msg)
		}
		switch msg.Type() {
		case protocol.TypeBuildFinished:
			result.URLs = msg.Strings("urls")
			return true
		case protocol.TypeBuildStarted:
			if opts.Detach {
				result.Detached = true
				return true
			}
		}
		return false
	})
	return result, err
}

// Request sends list-requests, build-status or build-cancel and returns the
// controller's request-output text. For build-status and build-cancel, id
// names the target build request.
func (c *Client) Request(ctx context.Context, t protocol.Type, id, user string) (string, error) {
	if id == "" {
		id = c.ids.Generate()
	}
	msg, err := protocol.New(t, protocol.Fields{
		"id":               id,
		"protocol_version": protocol.Version,
		"user":             user,
	})
	if err != nil {
		return "", err
	}

	var text string
	err = c.exchange(ctx, msg, func(reply protocol.Message) bool {
		if reply.Type() != protocol.TypeRequestOutput {
			return false
		}
		text = reply.String("message")
		return true
	})
	return text, err
}

// exchange sends msg, then reads replies carrying its id until done returns
// true or a terminal failure arrives.
func (c *Client) exchange(ctx context.Context, msg protocol.Message, done func(protocol.Message) bool) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	if err := c.enc.Encode(msg); err != nil {
		return err
	}

	for {
		reply, err := c.dec.Decode()
		if err != nil {
			var verr *protocol.ValidationError
			if errors.As(err, &verr) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return errors.New("controller closed the connection")
			}
			return fmt.Errorf("read from controller: %w", err)
		}
		if reply.ID() != msg.ID() {
			continue
		}
		if done(reply) {
			return nil
		}
		switch reply.Type() {
		case protocol.TypeBuildFailed:
			return &BuildError{Type: protocol.TypeBuildFailed, Reason: reply.String("reason")}
		case protocol.TypeBuildCancelled:
			return &BuildError{Type: protocol.TypeBuildCancelled, Reason: reply.String("user")}
		}
	}
}
