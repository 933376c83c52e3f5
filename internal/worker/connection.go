// Package worker connects the controller to build workers.
//
// On the controller side a Connection machine drives one worker through a
// job: it asks the worker to run the build, then asks the shared cache to
// pull the result from the worker. The Connector dials workers and redials
// them after a disconnect. On the worker side, Session runs the processes the
// controller asks for.
package worker

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/perryl/distbuild/internal/artifact"
	"github.com/perryl/distbuild/internal/helper"
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
	"github.com/perryl/distbuild/internal/scheduler"
	"github.com/perryl/distbuild/internal/transport"
)

// ConnectionClass is the class of Connection machines.
const ConnectionClass = scheduler.WorkerClass

const (
	stateIdle     mainloop.State = "idle"
	stateBuilding mainloop.State = "building"
	stateCaching  mainloop.State = "caching"
)

// DefaultBuildCommand is run on the worker with the artifact basename
// appended. The serialized artifact graph arrives on stdin.
var DefaultBuildCommand = []string{"distbuild", "worker-build"}

// Link is the message channel to a worker.
type Link interface {
	Send(msg protocol.Message)
	Close() error
}

// Start makes a new Connection announce itself to the Queuer.
type Start struct{}

func (Start) Kind() string { return "worker-start" }

// ConnectionConfig describes one worker.
type ConnectionConfig struct {
	// Addr is the worker's exec address, host:port. It names the machine.
	Addr string

	// CacheAddr is the worker's artifact cache, host:port, as reachable
	// from the shared cache.
	CacheAddr string

	// WriteableCacheURL is the shared cache's base URL for fetch requests.
	WriteableCacheURL string

	BuildCommand []string
}

// Connection is the controller-side state machine for one worker.
type Connection struct {
	*mainloop.Machine

	cfg  ConnectionConfig
	link Link
	ids  mainloop.IDGenerator

	job     *scheduler.Job
	execID  string
	fetchID string
	exit    int
}

// NewConnection creates the machine for a connected worker.
func NewConnection(cfg ConnectionConfig, link Link, ids mainloop.IDGenerator) *Connection {
	if len(cfg.BuildCommand) == 0 {
		cfg.BuildCommand = DefaultBuildCommand
	}
	w := &Connection{
		Machine: mainloop.NewMachine(ConnectionClass, cfg.Addr, stateIdle),
		cfg:     cfg,
		link:    link,
		ids:     ids,
	}

	mainloop.On(w.Machine, stateIdle, stateIdle, w.announce)
	mainloop.OnChoice(w.Machine, stateIdle, w.startBuild)

	mainloop.On(w.Machine, stateBuilding, stateBuilding, w.relayOutput)
	mainloop.OnChoice(w.Machine, stateBuilding, w.buildDone)
	mainloop.On(w.Machine, stateBuilding, stateBuilding, w.ignoreCancel)

	mainloop.OnChoice(w.Machine, stateCaching, w.cacheDone)
	mainloop.On(w.Machine, stateCaching, stateCaching, w.ignoreCancel)

	for _, s := range []mainloop.State{stateIdle, stateBuilding, stateCaching} {
		mainloop.On(w.Machine, s, s, w.receive)
		mainloop.On(w.Machine, s, mainloop.Terminated, w.disconnected)
	}
	return w
}

// Job returns the job being run, or nil.
func (w *Connection) Job() *scheduler.Job {
	return w.job
}

func (w *Connection) announce(Start) {
	slog.Info("worker connected", "worker", w.Name())
	w.Broadcast(scheduler.QueuerClass, scheduler.WorkerWantsJob{Worker: w})
}

// receive turns worker messages into typed events for this machine.
func (w *Connection) receive(ev transport.Received) {
	msg := ev.Message
	switch msg.Type() {
	case protocol.TypeExecOutput:
		w.SendSelf(helper.ExecOutput{
			ID:     msg.ID(),
			Stdout: msg.String("stdout"),
			Stderr: msg.String("stderr"),
		})
	case protocol.TypeExecResponse:
		exit, _ := msg.Int("exit")
		w.SendSelf(helper.ExecResponse{
			ID:     msg.ID(),
			Exit:   exit,
			Stdout: msg.String("stdout"),
			Stderr: msg.String("stderr"),
		})
	default:
		slog.Debug("unexpected message from worker ignored", "worker", w.Name(), "type", msg.Type())
	}
}

// startBuild sends the job to the worker. A job whose graph cannot be
// serialized fails without reaching the worker.
func (w *Connection) startBuild(ev scheduler.GiveJob) mainloop.State {
	w.job = ev.Job
	a := ev.Job.Artifact

	stdin, err := artifact.Encode([]*artifact.Artifact{a})
	if err != nil {
		slog.Error("serialize artifact", "worker", w.Name(), "artifact", a.Basename(), "error", err)
		w.fail(fmt.Sprintf("Failed to send %s to %s: %v", a.Name, w.Name(), err))
		return stateIdle
	}

	w.execID = w.ids.Generate()
	argv := append(append([]string{}, w.cfg.BuildCommand...), a.Basename())
	w.link.Send(protocol.MustNew(protocol.TypeExecRequest, protocol.Fields{
		"id":             w.execID,
		"argv":           argv,
		"stdin_contents": string(stdin),
	}))

	slog.Info("build started", "worker", w.Name(), "artifact", a.Basename(), "exec_id", w.execID)
	w.Broadcast(scheduler.ControllerClass, scheduler.StepStarted{
		Initiators: w.job.InitiatorList(),
		CacheKey:   a.CacheKey(),
		StepName:   a.Name,
		WorkerName: w.Name(),
	})
	return stateBuilding
}

func (w *Connection) relayOutput(ev helper.ExecOutput) {
	if ev.ID != w.execID {
		return
	}
	w.Broadcast(scheduler.ControllerClass, scheduler.StepOutput{
		Initiators: w.job.InitiatorList(),
		CacheKey:   w.job.Artifact.CacheKey(),
		StepName:   w.job.Artifact.Name,
		Stdout:     ev.Stdout,
		Stderr:     ev.Stderr,
	})
}

func (w *Connection) buildDone(ev helper.ExecResponse) mainloop.State {
	if ev.ID != w.execID {
		return stateBuilding
	}
	a := w.job.Artifact

	if ev.Stdout != "" || ev.Stderr != "" {
		w.relayOutput(helper.ExecOutput{ID: ev.ID, Stdout: ev.Stdout, Stderr: ev.Stderr})
	}

	if ev.Exit != 0 {
		slog.Warn("build failed", "worker", w.Name(), "artifact", a.Basename(), "exit", ev.Exit)
		w.fail(fmt.Sprintf("Building %s on %s exited with status %d", a.Name, w.Name(), ev.Exit))
		return stateIdle
	}

	w.exit = ev.Exit
	w.fetchID = w.ids.Generate()
	fetch := w.fetchURL(a)
	slog.Info("build succeeded, caching", "worker", w.Name(), "artifact", a.Basename(), "url", fetch)

	w.Broadcast(scheduler.ControllerClass, scheduler.StepCaching{
		Initiators: w.job.InitiatorList(),
		CacheKey:   a.CacheKey(),
		StepName:   a.Name,
	})
	w.Broadcast(helper.Class, helper.HTTPRequest{
		ID:      w.fetchID,
		URL:     fetch,
		Method:  "GET",
		Headers: map[string]string{},
		Reply:   w.Machine,
	})
	return stateCaching
}

// fetchURL addresses the shared cache's pull-from-worker endpoint.
func (w *Connection) fetchURL(a *artifact.Artifact) string {
	q := url.Values{}
	q.Set("host", w.cfg.CacheAddr)
	q.Set("cacheid", a.CacheKey())
	q.Set("artifacts", strings.Join(artifact.FetchSuffixes(a), ","))
	return strings.TrimSuffix(w.cfg.WriteableCacheURL, "/") + "/1.0/fetch?" + q.Encode()
}

func (w *Connection) cacheDone(ev helper.HTTPResponse) mainloop.State {
	if ev.ID != w.fetchID {
		return stateCaching
	}
	a := w.job.Artifact

	if ev.Status != 200 {
		slog.Warn("caching failed", "worker", w.Name(), "artifact", a.Basename(), "status", ev.Status, "body", ev.Body)
		w.fail(fmt.Sprintf("Failed to cache %s built on %s: status %d: %s", a.Name, w.Name(), ev.Status, ev.Body))
		return stateIdle
	}

	slog.Info("artifact cached", "worker", w.Name(), "artifact", a.Basename())
	w.Broadcast(scheduler.ControllerClass, scheduler.StepFinished{
		Initiators: w.job.InitiatorList(),
		CacheKey:   a.CacheKey(),
		StepName:   a.Name,
		Exit:       w.exit,
	})
	w.finish()
	return stateIdle
}

func (w *Connection) fail(reason string) {
	w.Broadcast(scheduler.ControllerClass, scheduler.StepFailed{
		Initiators: w.job.InitiatorList(),
		CacheKey:   w.job.Artifact.CacheKey(),
		StepName:   w.job.Artifact.Name,
		Reason:     reason,
	})
	w.finish()
}

func (w *Connection) finish() {
	done := w.job
	w.job = nil
	w.execID = ""
	w.fetchID = ""
	w.Broadcast(scheduler.QueuerClass, scheduler.WorkerWantsJob{Worker: w, Finished: done})
}

// ignoreCancel accepts a cancel but leaves the remote build running; its
// result is still cached when it completes.
func (w *Connection) ignoreCancel(ev scheduler.CancelJob) {
	slog.Info("cancel for running job ignored; build continues",
		"worker", w.Name(),
		"artifact", ev.Job.Basename(),
		"state", w.State(),
	)
}

func (w *Connection) disconnected(ev transport.Disconnected) {
	if w.job != nil {
		slog.Warn("worker disconnected with job in progress",
			"worker", w.Name(),
			"artifact", w.job.Basename(),
			"state", w.State(),
		)
	} else {
		slog.Warn("worker disconnected", "worker", w.Name())
	}
	_ = w.link.Close()
	w.Broadcast(scheduler.QueuerClass, scheduler.WorkerGone{Worker: w})
	w.Broadcast(ConnectorClass, Reconnect{Addr: w.cfg.Addr})
}
