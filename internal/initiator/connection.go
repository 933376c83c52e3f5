// Package initiator serves the clients that submit build requests.
//
// Each client connection gets a Connection machine. It turns build-request
// messages into build controllers, answers list-requests, build-status and
// build-cancel, and relays controller events back to the client under the
// client's own message ids.
package initiator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/perryl/distbuild/internal/controller"
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
	"github.com/perryl/distbuild/internal/transport"
)

// Class is the class of Connection machines.
const Class = controller.InitiatorClass

const stateConnected mainloop.State = "connected"

// Link is the message channel to a client.
type Link interface {
	Send(msg protocol.Message)
	Close() error
}

// Connection is the controller-side state machine for one client.
type Connection struct {
	*mainloop.Machine

	link Link
	reg  *controller.Registry

	// requests maps controller request ids to the client's message ids.
	requests map[string]string
}

// NewConnection creates the machine for a connected client. Controllers it
// starts are created through reg.
func NewConnection(name string, link Link, reg *controller.Registry) *Connection {
	c := &Connection{
		Machine:  mainloop.NewMachine(Class, name, stateConnected),
		link:     link,
		reg:      reg,
		requests: make(map[string]string),
	}

	mainloop.On(c.Machine, stateConnected, stateConnected, c.receive)
	mainloop.On(c.Machine, stateConnected, stateConnected, c.rejected)
	mainloop.On(c.Machine, stateConnected, mainloop.Terminated, c.disconnected)

	relay[controller.BuildProgress](c)
	relay[controller.BuildStarted](c)
	relay[controller.GraphingStarted](c)
	relay[controller.GraphingFinished](c)
	relay[controller.CacheState](c)
	relay[controller.BuildStepStarted](c)
	relay[controller.BuildStepAlreadyStarted](c)
	relay[controller.BuildOutput](c)
	relay[controller.BuildStepFinished](c)
	relay[controller.BuildStepFailed](c)
	relay[controller.BuildFinished](c)
	relay[controller.BuildFailed](c)
	relay[controller.BuildCancelled](c)
	return c
}

func relay[E controller.Event](c *Connection) {
	mainloop.On(c.Machine, stateConnected, stateConnected, func(ev E) {
		c.forward(ev)
	})
}

// Pending returns the number of this client's builds still running.
func (c *Connection) Pending() int {
	return len(c.requests)
}

func (c *Connection) receive(ev transport.Received) {
	msg := ev.Message
	switch msg.Type() {
	case protocol.TypeBuildRequest:
		c.startBuild(msg)
	case protocol.TypeListRequests:
		c.listRequests(msg)
	case protocol.TypeBuildStatus:
		c.buildStatus(msg)
	case protocol.TypeBuildCancel:
		c.cancelBuild(msg)
	default:
		slog.Debug("unexpected message from initiator ignored", "initiator", c.Name(), "type", msg.Type())
	}
}

func (c *Connection) startBuild(msg protocol.Message) {
	ctl := c.reg.New(controller.Request{
		Initiator:      c.Name(),
		Repo:           msg.String("repo"),
		Ref:            msg.String("ref"),
		OriginalRef:    msg.String("original_ref"),
		Morphology:     msg.String("morphology"),
		Partial:        msg.Bool("partial"),
		ComponentNames: msg.Strings("component_names"),
		AllowDetach:    msg.Bool("allow_detach"),
	})
	id := ctl.Request().ID
	c.requests[id] = msg.ID()

	slog.Info("build requested",
		"initiator", c.Name(),
		"request_id", id,
		"msg_id", msg.ID(),
		"repo", msg.String("repo"),
		"ref", msg.String("ref"),
		"morphology", msg.String("morphology"),
	)
	c.Loop().Add(ctl.Machine)
	c.Send(ctl.Machine, controller.Start{})
}

func (c *Connection) listRequests(msg protocol.Message) {
	ctls := c.reg.List()
	if len(ctls) == 0 {
		c.output(msg.ID(), "No current build requests")
		return
	}
	lines := make([]string, len(ctls))
	for i, ctl := range ctls {
		lines[i] = ctl.Status().String()
	}
	c.output(msg.ID(), strings.Join(lines, "\n"))
}

// buildStatus and cancelBuild address the target request by message id.
func (c *Connection) buildStatus(msg protocol.Message) {
	ctl, ok := c.reg.Get(msg.ID())
	if !ok {
		c.output(msg.ID(), fmt.Sprintf("Build request ID %s not found", msg.ID()))
		return
	}
	c.output(msg.ID(), ctl.Status().String())
}

func (c *Connection) cancelBuild(msg protocol.Message) {
	ctl, ok := c.reg.Get(msg.ID())
	if !ok {
		c.output(msg.ID(), fmt.Sprintf("Build request ID %s not found", msg.ID()))
		return
	}
	user := msg.String("user")
	slog.Info("build cancel requested", "initiator", c.Name(), "request_id", msg.ID(), "user", user)
	c.Send(ctl.Machine, controller.Cancel{User: user})
	c.output(msg.ID(), fmt.Sprintf("Cancelling build request %s", msg.ID()))
}

func (c *Connection) output(id, text string) {
	c.link.Send(protocol.MustNew(protocol.TypeRequestOutput, protocol.Fields{
		"id":      id,
		"message": text,
	}))
}

// rejected answers invalid requests instead of dropping the connection.
func (c *Connection) rejected(ev transport.Rejected) {
	msg := ev.Message
	if msg == nil || msg.ID() == "" {
		return
	}

	reason := fmt.Sprintf("Invalid %s message: %s", msg.Type(), ev.Err)
	var verr *protocol.ValidationError
	if errors.As(protocol.CheckVersion(msg), &verr) {
		reason = verr.Message
	}

	switch msg.Type() {
	case protocol.TypeBuildRequest:
		c.link.Send(protocol.MustNew(protocol.TypeBuildFailed, protocol.Fields{
			"id":     msg.ID(),
			"reason": reason,
		}))
	case protocol.TypeListRequests, protocol.TypeBuildStatus, protocol.TypeBuildCancel:
		c.output(msg.ID(), reason)
	}
}

func (c *Connection) forward(ev controller.Event) {
	msgID, ok := c.requests[ev.RequestID()]
	if !ok {
		return
	}
	c.link.Send(ev.Wire(msgID))

	switch ev.(type) {
	case controller.BuildFinished, controller.BuildFailed, controller.BuildCancelled:
		delete(c.requests, ev.RequestID())
	}
}

func (c *Connection) disconnected(ev transport.Disconnected) {
	slog.Info("initiator disconnected", "initiator", c.Name(), "pending", len(c.requests), "error", ev.Err)
	_ = c.link.Close()
	c.Broadcast(controller.Class, controller.InitiatorDisconnected{Initiator: c.Name()})
}
