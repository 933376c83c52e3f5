package initiator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/perryl/distbuild/internal/controller"
	"github.com/perryl/distbuild/internal/helper"
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
	"github.com/perryl/distbuild/internal/scheduler"
	"github.com/perryl/distbuild/internal/transport"
	"github.com/perryl/distbuild/internal/worker"
)

const stateListening mainloop.State = "listening"

// acceptor creates a Connection for each accepted client.
type acceptor struct {
	*mainloop.Machine
	reg *controller.Registry
}

func newAcceptor(reg *controller.Registry) *acceptor {
	a := &acceptor{
		Machine: mainloop.NewMachine("initiator-acceptor", "acceptor", stateListening),
		reg:     reg,
	}
	mainloop.On(a.Machine, stateListening, stateListening, a.accept)
	return a
}

func (a *acceptor) accept(ev transport.Accepted) {
	c := NewConnection(ev.Conn.RemoteAddr(), ev.Conn, a.reg)
	loop := a.Loop()
	loop.Add(c.Machine)
	ev.Conn.Start(loop, c.Machine)
	slog.Info("initiator connected", "initiator", c.Name())
}

// ServerConfig configures the controller daemon.
type ServerConfig struct {
	// ListenAddr is where initiators connect.
	ListenAddr string

	Controller controller.Config
	Workers    worker.ConnectorConfig

	// DialTimeout bounds each worker dial attempt.
	DialTimeout time.Duration
}

// Server is the controller daemon: it accepts initiators, keeps the workers
// connected and runs every build on one loop.
type Server struct {
	loop      *mainloop.Loop
	reg       *controller.Registry
	connector *worker.Connector
	acceptor  *acceptor
	listener  *transport.Listener
}

// NewServer binds the initiator listener and assembles the loop. Helper
// work runs on exec; ids supplies request and correlation ids.
func NewServer(ctx context.Context, cfg ServerConfig, exec helper.Executor, schema *protocol.Schema, ids mainloop.IDGenerator) (*Server, error) {
	ln, err := transport.Listen(cfg.ListenAddr, schema)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	reg := controller.NewRegistry(cfg.Controller, ids)
	s := &Server{
		loop:      mainloop.New(),
		reg:       reg,
		connector: worker.NewConnector(ctx, cfg.Workers, worker.TCPDialer(cfg.DialTimeout, schema), ids),
		acceptor:  newAcceptor(reg),
		listener:  ln,
	}
	s.loop.Add(helper.NewRouter(ctx, exec).Machine)
	s.loop.Add(scheduler.NewQueuer().Machine)
	s.loop.Add(s.connector.Machine)
	s.loop.Add(s.acceptor.Machine)
	return s, nil
}

// Addr returns the bound initiator address.
func (s *Server) Addr() string {
	return s.listener.Addr()
}

// Registry returns the registry of live build controllers.
func (s *Server) Registry() *controller.Registry {
	return s.reg
}

// Observe adds a machine that receives every initiator-facing event. Call
// before Run.
func (s *Server) Observe(m *mainloop.Machine) {
	s.loop.Add(m)
}

// Run connects the workers and serves initiators until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.connector.ConnectAll()

	errc := make(chan error, 1)
	go func() { errc <- s.listener.ServeTo(ctx, s.loop, s.acceptor.Machine) }()

	err := s.loop.Run(ctx)
	if serveErr := <-errc; serveErr != nil {
		return serveErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
