package testutil

import (
	"fmt"
	"strings"

	"github.com/perryl/distbuild/internal/mainloop"
)

const recording mainloop.State = "recording"

// Recorder is a machine that stores every event it is subscribed to, in
// delivery order. Give it the class whose traffic a test wants to observe.
type Recorder struct {
	*mainloop.Machine
	Events []mainloop.Event
}

// NewRecorder creates a recorder of the given class.
func NewRecorder(class mainloop.Class, name string) *Recorder {
	return &Recorder{Machine: mainloop.NewMachine(class, name, recording)}
}

// Record subscribes r to events of type E.
func Record[E mainloop.Event](r *Recorder) {
	mainloop.On(r.Machine, recording, recording, func(ev E) {
		r.Events = append(r.Events, ev)
	})
}

// Reset forgets recorded events.
func (r *Recorder) Reset() {
	r.Events = nil
}

// Kinds returns the Kind of each recorded event.
func (r *Recorder) Kinds() []string {
	kinds := make([]string, len(r.Events))
	for i, ev := range r.Events {
		kinds[i] = ev.Kind()
	}
	return kinds
}

// Trace renders the recorded events one per line, for golden files.
func (r *Recorder) Trace() string {
	var b strings.Builder
	for _, ev := range r.Events {
		fmt.Fprintf(&b, "%s %+v\n", ev.Kind(), ev)
	}
	return b.String()
}

// Of returns the recorded events of type E.
func Of[E mainloop.Event](r *Recorder) []E {
	var out []E
	for _, ev := range r.Events {
		if e, ok := ev.(E); ok {
			out = append(out, e)
		}
	}
	return out
}
