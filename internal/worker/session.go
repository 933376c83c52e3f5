package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/perryl/distbuild/internal/helper"
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
	"github.com/perryl/distbuild/internal/transport"
)

// SessionClass is the class of worker-side Session machines.
const SessionClass mainloop.Class = "worker-session"

const (
	stateServing   mainloop.State = "serving"
	stateListening mainloop.State = "listening"
)

// Session serves one controller connection on a worker: it runs the
// processes the controller requests and streams their output back.
type Session struct {
	*mainloop.Machine

	link    Link
	running map[string]bool
}

// NewSession creates a session for a controller connection.
func NewSession(name string, link Link) *Session {
	s := &Session{
		Machine: mainloop.NewMachine(SessionClass, name, stateServing),
		link:    link,
		running: make(map[string]bool),
	}
	mainloop.On(s.Machine, stateServing, stateServing, s.receive)
	mainloop.On(s.Machine, stateServing, stateServing, s.output)
	mainloop.On(s.Machine, stateServing, stateServing, s.response)
	mainloop.On(s.Machine, stateServing, mainloop.Terminated, s.disconnected)
	return s
}

// Running returns the number of processes still running for this session.
func (s *Session) Running() int {
	return len(s.running)
}

func (s *Session) receive(ev transport.Received) {
	msg := ev.Message
	switch msg.Type() {
	case protocol.TypeExecRequest:
		id := msg.ID()
		s.running[id] = true
		slog.Info("exec requested", "session", s.Name(), "id", id, "argv", msg.Strings("argv"))
		s.Broadcast(helper.Class, helper.ExecRequest{
			ID:    id,
			Argv:  msg.Strings("argv"),
			Stdin: msg.String("stdin_contents"),
			Reply: s.Machine,
		})
	case protocol.TypeExecCancel:
		id := msg.ID()
		if s.running[id] {
			slog.Info("exec cancelled", "session", s.Name(), "id", id)
			s.Broadcast(helper.Class, helper.ExecCancel{ID: id})
		}
	default:
		slog.Debug("unexpected message from controller ignored", "session", s.Name(), "type", msg.Type())
	}
}

func (s *Session) output(ev helper.ExecOutput) {
	s.link.Send(protocol.MustNew(protocol.TypeExecOutput, protocol.Fields{
		"id":     ev.ID,
		"stdout": ev.Stdout,
		"stderr": ev.Stderr,
	}))
}

func (s *Session) response(ev helper.ExecResponse) {
	delete(s.running, ev.ID)
	slog.Info("exec finished", "session", s.Name(), "id", ev.ID, "exit", ev.Exit)
	s.link.Send(protocol.MustNew(protocol.TypeExecResponse, protocol.Fields{
		"id":     ev.ID,
		"exit":   ev.Exit,
		"stdout": ev.Stdout,
		"stderr": ev.Stderr,
	}))
}

func (s *Session) disconnected(transport.Disconnected) {
	slog.Info("controller disconnected", "session", s.Name(), "running", len(s.running))
	for id := range s.running {
		s.Broadcast(helper.Class, helper.ExecCancel{ID: id})
	}
	_ = s.link.Close()
}

// acceptor creates a Session for each accepted controller connection.
type acceptor struct {
	*mainloop.Machine
}

func newAcceptor() *acceptor {
	a := &acceptor{Machine: mainloop.NewMachine("worker-acceptor", "acceptor", stateListening)}
	mainloop.On(a.Machine, stateListening, stateListening, a.accept)
	return a
}

func (a *acceptor) accept(ev transport.Accepted) {
	s := NewSession(ev.Conn.RemoteAddr(), ev.Conn)
	loop := a.Loop()
	loop.Add(s.Machine)
	ev.Conn.Start(loop, s.Machine)
	slog.Info("controller connected", "session", s.Name())
}

// DaemonConfig configures the worker exec daemon.
type DaemonConfig struct {
	ListenAddr string
}

// Daemon is the worker-side process server.
type Daemon struct {
	loop     *mainloop.Loop
	router   *helper.Router
	acceptor *acceptor
	listener *transport.Listener
}

// NewDaemon binds the listener and prepares the loop. Processes run with
// exec; they are killed when ctx is done.
func NewDaemon(ctx context.Context, cfg DaemonConfig, exec helper.Executor, schema *protocol.Schema) (*Daemon, error) {
	ln, err := transport.Listen(cfg.ListenAddr, schema)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		loop:     mainloop.New(),
		router:   helper.NewRouter(ctx, exec),
		acceptor: newAcceptor(),
		listener: ln,
	}
	d.loop.Add(d.router.Machine)
	d.loop.Add(d.acceptor.Machine)
	return d, nil
}

// Addr returns the bound listen address.
func (d *Daemon) Addr() string {
	return d.listener.Addr()
}

// Run serves controllers until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- d.listener.ServeTo(ctx, d.loop, d.acceptor.Machine) }()

	err := d.loop.Run(ctx)
	if serveErr := <-errc; serveErr != nil {
		return serveErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
