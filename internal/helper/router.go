package helper

import (
	"context"
	"log/slog"

	"github.com/perryl/distbuild/internal/mainloop"
)

const stateRunning mainloop.State = "running"

// Executor performs helper work. Calls block and run off the loop goroutine.
type Executor interface {
	// Exec runs the request to completion. onOutput may be called from any
	// goroutine while the process runs. Output already passed to onOutput
	// is not repeated in the response.
	Exec(ctx context.Context, req ExecRequest, onOutput func(ExecOutput)) ExecResponse

	HTTP(ctx context.Context, req HTTPRequest) HTTPResponse
}

// finished is posted by a work goroutine when it completes.
type finished struct {
	id    string
	reply mainloop.Event
}

func (finished) Kind() string { return "helper-finished" }

// relay forwards an intermediate event to the requester.
type relay struct {
	id    string
	reply mainloop.Event
}

func (relay) Kind() string { return "helper-relay" }

type pendingWork struct {
	reply  *mainloop.Machine
	cancel context.CancelFunc
}

// Router is the helper machine. There is one per loop.
type Router struct {
	*mainloop.Machine

	exec    Executor
	ctx     context.Context
	pending map[string]pendingWork
}

// NewRouter creates a router running work with exec. Work is cancelled when
// ctx is done.
func NewRouter(ctx context.Context, exec Executor) *Router {
	r := &Router{
		Machine: mainloop.NewMachine(Class, "helper", stateRunning),
		exec:    exec,
		ctx:     ctx,
		pending: make(map[string]pendingWork),
	}

	mainloop.On(r.Machine, stateRunning, stateRunning, r.startExec)
	mainloop.On(r.Machine, stateRunning, stateRunning, r.startHTTP)
	mainloop.On(r.Machine, stateRunning, stateRunning, r.cancelExec)
	mainloop.On(r.Machine, stateRunning, stateRunning, r.forward)
	mainloop.On(r.Machine, stateRunning, stateRunning, r.complete)
	return r
}

// InFlight returns the number of requests still running.
func (r *Router) InFlight() int {
	return len(r.pending)
}

func (r *Router) track(id string, reply *mainloop.Machine) (context.Context, bool) {
	if _, dup := r.pending[id]; dup {
		slog.Warn("duplicate helper request id ignored", "id", id)
		return nil, false
	}
	if reply == nil {
		slog.Warn("helper request without reply target ignored", "id", id)
		return nil, false
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.pending[id] = pendingWork{reply: reply, cancel: cancel}
	return ctx, true
}

func (r *Router) startExec(req ExecRequest) {
	ctx, ok := r.track(req.ID, req.Reply)
	if !ok {
		return
	}
	loop := r.Loop()
	slog.Debug("helper exec", "id", req.ID, "argv", req.Argv)

	go func() {
		resp := r.exec.Exec(ctx, req, func(out ExecOutput) {
			loop.Post(r.Machine, relay{id: req.ID, reply: out})
		})
		resp.ID = req.ID
		loop.Post(r.Machine, finished{id: req.ID, reply: resp})
	}()
}

func (r *Router) startHTTP(req HTTPRequest) {
	ctx, ok := r.track(req.ID, req.Reply)
	if !ok {
		return
	}
	loop := r.Loop()
	slog.Debug("helper http", "id", req.ID, "method", req.Method, "url", req.URL)

	go func() {
		resp := r.exec.HTTP(ctx, req)
		resp.ID = req.ID
		loop.Post(r.Machine, finished{id: req.ID, reply: resp})
	}()
}

func (r *Router) cancelExec(ev ExecCancel) {
	if w, ok := r.pending[ev.ID]; ok {
		slog.Debug("helper cancel", "id", ev.ID)
		w.cancel()
	}
}

func (r *Router) forward(ev relay) {
	if w, ok := r.pending[ev.id]; ok {
		r.Send(w.reply, ev.reply)
	}
}

func (r *Router) complete(ev finished) {
	w, ok := r.pending[ev.id]
	if !ok {
		return
	}
	delete(r.pending, ev.id)
	w.cancel()
	r.Send(w.reply, ev.reply)
}
