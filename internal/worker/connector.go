package worker

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
	"github.com/perryl/distbuild/internal/transport"
)

// ConnectorClass is the class of the Connector.
const ConnectorClass mainloop.Class = "worker-connector"

const stateConnecting mainloop.State = "connecting"

// Reconnect asks the Connector to (re)dial a worker.
type Reconnect struct {
	Addr string
}

func (Reconnect) Kind() string { return "worker-reconnect" }

type dialed struct {
	addr string
	link DialedLink
}

func (dialed) Kind() string { return "worker-dialed" }

// DialedLink is a connected Link that can start delivering events.
type DialedLink interface {
	Link
	Start(loop transport.Poster, owner *mainloop.Machine)
}

// Dialer opens a link to a worker.
type Dialer func(ctx context.Context, addr string) (DialedLink, error)

// TCPDialer dials workers over TCP, checking their frames against schema.
func TCPDialer(timeout time.Duration, schema *protocol.Schema) Dialer {
	return func(ctx context.Context, addr string) (DialedLink, error) {
		conn, err := transport.Dial(ctx, addr, timeout, schema)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// ConnectorConfig configures the worker pool.
type ConnectorConfig struct {
	Workers           []string
	CachePort         int
	WriteableCacheURL string
	BuildCommand      []string

	// Retry policy for dialing. Zero values take backoff's defaults.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Connector keeps every configured worker connected.
type Connector struct {
	*mainloop.Machine

	ctx  context.Context
	cfg  ConnectorConfig
	dial Dialer
	ids  mainloop.IDGenerator
}

// NewConnector creates the Connector. Dial attempts stop when ctx is done.
func NewConnector(ctx context.Context, cfg ConnectorConfig, dial Dialer, ids mainloop.IDGenerator) *Connector {
	c := &Connector{
		Machine: mainloop.NewMachine(ConnectorClass, "connector", stateConnecting),
		ctx:     ctx,
		cfg:     cfg,
		dial:    dial,
		ids:     ids,
	}
	mainloop.On(c.Machine, stateConnecting, stateConnecting, c.redial)
	mainloop.On(c.Machine, stateConnecting, stateConnecting, c.connected)
	return c
}

// ConnectAll queues a dial for every configured worker. Call once the
// Connector is in a loop.
func (c *Connector) ConnectAll() {
	for _, addr := range c.cfg.Workers {
		c.SendSelf(Reconnect{Addr: addr})
	}
}

func (c *Connector) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.cfg.InitialInterval > 0 {
		b.InitialInterval = c.cfg.InitialInterval
	}
	if c.cfg.MaxInterval > 0 {
		b.MaxInterval = c.cfg.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, c.ctx)
}

func (c *Connector) redial(ev Reconnect) {
	loop := c.Loop()
	addr := ev.Addr
	slog.Info("connecting to worker", "worker", addr)

	go func() {
		link, err := backoff.RetryNotifyWithData(
			func() (DialedLink, error) { return c.dial(c.ctx, addr) },
			c.newBackOff(),
			func(err error, next time.Duration) {
				slog.Warn("worker dial failed", "worker", addr, "error", err, "retry_in", next)
			},
		)
		if err != nil {
			slog.Info("gave up connecting to worker", "worker", addr, "error", err)
			return
		}
		loop.Post(c.Machine, dialed{addr: addr, link: link})
	}()
}

func (c *Connector) connected(ev dialed) {
	w := NewConnection(ConnectionConfig{
		Addr:              ev.addr,
		CacheAddr:         cacheAddr(ev.addr, c.cfg.CachePort),
		WriteableCacheURL: c.cfg.WriteableCacheURL,
		BuildCommand:      c.cfg.BuildCommand,
	}, ev.link, c.ids)

	loop := c.Loop()
	loop.Add(w.Machine)
	ev.link.Start(loop, w.Machine)
	c.Send(w.Machine, Start{})
}

// cacheAddr is the worker's cache server address: the worker host with the
// cache port.
func cacheAddr(workerAddr string, port int) string {
	host, _, err := net.SplitHostPort(workerAddr)
	if err != nil {
		host = workerAddr
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
