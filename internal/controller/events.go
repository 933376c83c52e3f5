package controller

import (
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
)

// InitiatorClass receives initiator-facing events while the requesting
// initiator is attached.
const InitiatorClass mainloop.Class = "initiator-connection"

// ObserverClass receives every initiator-facing event, attached or not.
const ObserverClass mainloop.Class = "build-observer"

// Event is an initiator-facing event. ID is the controller's request id;
// Wire renders the event as a protocol message with the initiator's own
// message id.
type Event interface {
	mainloop.Event
	RequestID() string
	Wire(msgID string) protocol.Message
}

func wire(t protocol.Type, msgID string, fields protocol.Fields) protocol.Message {
	if fields == nil {
		fields = protocol.Fields{}
	}
	fields[protocol.FieldID] = msgID
	return protocol.MustNew(t, fields)
}

type BuildProgress struct {
	ID      string
	Message string
}

func (BuildProgress) Kind() string        { return string(protocol.TypeBuildProgress) }
func (e BuildProgress) RequestID() string { return e.ID }
func (e BuildProgress) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeBuildProgress, msgID, protocol.Fields{"message": e.Message})
}

type BuildStarted struct {
	ID string
}

func (BuildStarted) Kind() string        { return string(protocol.TypeBuildStarted) }
func (e BuildStarted) RequestID() string { return e.ID }
func (e BuildStarted) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeBuildStarted, msgID, nil)
}

type GraphingStarted struct {
	ID string
}

func (GraphingStarted) Kind() string        { return string(protocol.TypeGraphingStarted) }
func (e GraphingStarted) RequestID() string { return e.ID }
func (e GraphingStarted) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeGraphingStarted, msgID, nil)
}

type GraphingFinished struct {
	ID string
}

func (GraphingFinished) Kind() string        { return string(protocol.TypeGraphingFinished) }
func (e GraphingFinished) RequestID() string { return e.ID }
func (e GraphingFinished) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeGraphingFinished, msgID, nil)
}

// CacheState reports how many of the graph's artifacts need building.
type CacheState struct {
	ID      string
	Unbuilt int
	Total   int
}

func (CacheState) Kind() string        { return string(protocol.TypeCacheState) }
func (e CacheState) RequestID() string { return e.ID }
func (e CacheState) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeCacheState, msgID, protocol.Fields{"unbuilt": e.Unbuilt, "total": e.Total})
}

type BuildStepStarted struct {
	ID         string
	StepName   string
	WorkerName string
}

func (BuildStepStarted) Kind() string        { return string(protocol.TypeStepStarted) }
func (e BuildStepStarted) RequestID() string { return e.ID }
func (e BuildStepStarted) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeStepStarted, msgID, protocol.Fields{"step_name": e.StepName, "worker_name": e.WorkerName})
}

// BuildStepAlreadyStarted tells the initiator its step joined a build
// already running for another request.
type BuildStepAlreadyStarted struct {
	ID         string
	StepName   string
	WorkerName string
}

func (BuildStepAlreadyStarted) Kind() string        { return string(protocol.TypeStepAlreadyStarted) }
func (e BuildStepAlreadyStarted) RequestID() string { return e.ID }
func (e BuildStepAlreadyStarted) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeStepAlreadyStarted, msgID, protocol.Fields{"step_name": e.StepName, "worker_name": e.WorkerName})
}

type BuildOutput struct {
	ID       string
	StepName string
	Stdout   string
	Stderr   string
}

func (BuildOutput) Kind() string        { return string(protocol.TypeStepOutput) }
func (e BuildOutput) RequestID() string { return e.ID }
func (e BuildOutput) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeStepOutput, msgID, protocol.Fields{
		"step_name": e.StepName,
		"stdout":    e.Stdout,
		"stderr":    e.Stderr,
	})
}

type BuildStepFinished struct {
	ID       string
	StepName string
}

func (BuildStepFinished) Kind() string        { return string(protocol.TypeStepFinished) }
func (e BuildStepFinished) RequestID() string { return e.ID }
func (e BuildStepFinished) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeStepFinished, msgID, protocol.Fields{"step_name": e.StepName})
}

type BuildStepFailed struct {
	ID       string
	StepName string
}

func (BuildStepFailed) Kind() string        { return string(protocol.TypeStepFailed) }
func (e BuildStepFailed) RequestID() string { return e.ID }
func (e BuildStepFailed) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeStepFailed, msgID, protocol.Fields{"step_name": e.StepName})
}

// BuildFinished is terminal success. URLs locate the requested artifacts in
// the shared cache.
type BuildFinished struct {
	ID   string
	URLs []string
}

func (BuildFinished) Kind() string        { return string(protocol.TypeBuildFinished) }
func (e BuildFinished) RequestID() string { return e.ID }
func (e BuildFinished) Wire(msgID string) protocol.Message {
	urls := e.URLs
	if urls == nil {
		urls = []string{}
	}
	return wire(protocol.TypeBuildFinished, msgID, protocol.Fields{"urls": urls})
}

// BuildFailed is terminal failure.
type BuildFailed struct {
	ID     string
	Reason string
}

func (BuildFailed) Kind() string        { return string(protocol.TypeBuildFailed) }
func (e BuildFailed) RequestID() string { return e.ID }
func (e BuildFailed) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeBuildFailed, msgID, protocol.Fields{"reason": e.Reason})
}

// BuildCancelled is terminal cancellation by User.
type BuildCancelled struct {
	ID   string
	User string
}

func (BuildCancelled) Kind() string        { return string(protocol.TypeBuildCancelled) }
func (e BuildCancelled) RequestID() string { return e.ID }
func (e BuildCancelled) Wire(msgID string) protocol.Message {
	return wire(protocol.TypeBuildCancelled, msgID, protocol.Fields{"user": e.User})
}

// Start begins a newly created controller.
type Start struct{}

func (Start) Kind() string { return "controller-start" }

// InitiatorDisconnected is broadcast when an initiator connection closes.
type InitiatorDisconnected struct {
	Initiator string
}

func (InitiatorDisconnected) Kind() string { return "initiator-disconnected" }

// Cancel asks a controller to abandon its build.
type Cancel struct {
	User string
}

func (Cancel) Kind() string { return "controller-cancel" }

// ScoreboardReleased tells waiting controllers that cache keys they deferred
// to another request are free to claim.
type ScoreboardReleased struct {
	CacheKeys []string
}

func (ScoreboardReleased) Kind() string { return "scoreboard-released" }
