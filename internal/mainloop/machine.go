package mainloop

import "fmt"

// State is a machine's current state tag.
type State string

// Terminated is the state of a machine that has left the loop.
const Terminated State = ""

// Class names a family of machines. Broadcast events are delivered to every
// live machine of the target class, and transitions may be restricted to
// events emitted by a particular class.
type Class string

// AnySource matches events regardless of which class emitted them.
const AnySource Class = ""

// Event is a value delivered through the loop.
//
// Kind must be implemented on a value receiver: the transition table calls it
// on the zero value of the event type when a row is registered.
type Event interface {
	Kind() string
}

type transitionKey struct {
	state  State
	source Class
	kind   string
}

type transition struct {
	fn func(Event) State
}

// Machine is one finite-state machine instance living in a Loop.
//
// Actors embed *Machine and register their transition table in their
// constructor with On, OnFrom, OnChoice and OnChoiceFrom.
type Machine struct {
	class Class
	name  string
	state State
	loop  *Loop
	rows  map[transitionKey]transition
}

// NewMachine creates a machine of the given class in its initial state.
// The machine receives nothing until it is added to a Loop.
func NewMachine(class Class, name string, initial State) *Machine {
	if initial == Terminated {
		panic("mainloop: initial state must not be Terminated")
	}
	return &Machine{
		class: class,
		name:  name,
		state: initial,
		rows:  make(map[transitionKey]transition),
	}
}

// Class returns the machine's class.
func (m *Machine) Class() Class {
	return m.class
}

// Name returns the machine's instance name, used in logs.
func (m *Machine) Name() string {
	return m.name
}

// State returns the machine's current state.
func (m *Machine) State() State {
	return m.state
}

// Target returns the machine itself, for addressing targeted events.
func (m *Machine) Target() *Machine {
	return m
}

// Alive reports whether the machine is still registered in a loop.
func (m *Machine) Alive() bool {
	return m.loop != nil && m.state != Terminated
}

// Loop returns the loop the machine was added to, or nil.
func (m *Machine) Loop() *Loop {
	return m.loop
}

// Send queues ev for delivery to target. Must be called from the loop goroutine,
// normally from inside a transition callback.
func (m *Machine) Send(target *Machine, ev Event) {
	m.mustLoop().enqueue(envelope{source: m.class, target: target, event: ev})
}

// SendSelf queues ev for delivery back to this machine.
func (m *Machine) SendSelf(ev Event) {
	m.Send(m, ev)
}

// Broadcast queues ev for delivery to every live machine of class.
func (m *Machine) Broadcast(class Class, ev Event) {
	m.mustLoop().enqueue(envelope{source: m.class, class: class, event: ev})
}

func (m *Machine) mustLoop() *Loop {
	if m.loop == nil {
		panic(fmt.Sprintf("mainloop: machine %s/%s is not in a loop", m.class, m.name))
	}
	return m.loop
}

func (m *Machine) addRow(from State, source Class, kind string, fn func(Event) State) {
	key := transitionKey{state: from, source: source, kind: kind}
	if _, exists := m.rows[key]; exists {
		panic(fmt.Sprintf("mainloop: duplicate transition %s/%q on %s from %q", m.class, from, kind, source))
	}
	m.rows[key] = transition{fn: fn}
}

// lookup finds the row for an event, preferring a source-specific row over
// an AnySource row.
func (m *Machine) lookup(source Class, kind string) (transition, bool) {
	if source != AnySource {
		if t, ok := m.rows[transitionKey{state: m.state, source: source, kind: kind}]; ok {
			return t, true
		}
	}
	t, ok := m.rows[transitionKey{state: m.state, source: AnySource, kind: kind}]
	return t, ok
}

// On registers a transition from state from to state to, taken when an event of
// type E arrives from any source. fn may be nil.
func On[E Event](m *Machine, from, to State, fn func(E)) {
	OnFrom(m, from, AnySource, to, fn)
}

// OnFrom is On restricted to events emitted by machines of class source.
func OnFrom[E Event](m *Machine, from State, source Class, to State, fn func(E)) {
	var zero E
	m.addRow(from, source, zero.Kind(), func(ev Event) State {
		if fn != nil {
			fn(ev.(E))
		}
		return to
	})
}

// OnChoice registers a transition whose next state is decided by fn.
// Returning from keeps the machine in place.
func OnChoice[E Event](m *Machine, from State, fn func(E) State) {
	OnChoiceFrom(m, from, AnySource, fn)
}

// OnChoiceFrom is OnChoice restricted to events emitted by machines of class
// source.
func OnChoiceFrom[E Event](m *Machine, from State, source Class, fn func(E) State) {
	var zero E
	m.addRow(from, source, zero.Kind(), func(ev Event) State {
		return fn(ev.(E))
	})
}
