package mainloop

import (
	"context"
	"fmt"
	"log/slog"
)

type envelope struct {
	source Class
	target *Machine // nil means broadcast to class
	class  Class
	event  Event
}

// Loop owns every live machine and delivers events to them one at a time.
//
// Thread-safety model:
//   - Post(), PostBroadcast(), Stop(): safe from any goroutine
//   - everything else: loop goroutine only (or before Run starts)
type Loop struct {
	external *Queue[envelope]
	pending  []envelope
	machines []*Machine
	byClass  map[Class][]*Machine
	clock    Clock
}

// New creates an empty loop.
func New() *Loop {
	return &Loop{
		external: NewQueue[envelope](),
		byClass:  make(map[Class][]*Machine),
	}
}

// Add registers m with the loop. m starts receiving events immediately.
func (l *Loop) Add(m *Machine) {
	if m.loop != nil {
		panic(fmt.Sprintf("mainloop: machine %s/%s added twice", m.class, m.name))
	}
	m.loop = l
	l.machines = append(l.machines, m)
	l.byClass[m.class] = append(l.byClass[m.class], m)

	slog.Debug("machine added", "class", m.class, "name", m.name, "state", m.state)
}

// Remove takes m out of the loop and marks it Terminated.
func (l *Loop) Remove(m *Machine) {
	if m.loop != l || m.state == Terminated {
		return
	}
	m.state = Terminated
	l.machines = without(l.machines, m)
	members := without(l.byClass[m.class], m)
	if len(members) == 0 {
		delete(l.byClass, m.class)
	} else {
		l.byClass[m.class] = members
	}

	slog.Debug("machine removed", "class", m.class, "name", m.name)
}

func without(list []*Machine, m *Machine) []*Machine {
	out := list[:0:0]
	for _, x := range list {
		if x != m {
			out = append(out, x)
		}
	}
	return out
}

// Instances returns the live machines of class in insertion order.
func (l *Loop) Instances(class Class) []*Machine {
	members := l.byClass[class]
	out := make([]*Machine, len(members))
	copy(out, members)
	return out
}

// Delivered returns how many events the loop has dispatched, including
// targeted events dropped because their machine had gone.
func (l *Loop) Delivered() int64 {
	return l.clock.Ticks()
}

// Len returns the number of live machines.
func (l *Loop) Len() int {
	return len(l.machines)
}

// Send queues ev for target from outside any machine. Loop goroutine only.
func (l *Loop) Send(target *Machine, ev Event) {
	l.enqueue(envelope{target: target, event: ev})
}

// Broadcast queues ev for every live machine of class. Loop goroutine only.
func (l *Loop) Broadcast(class Class, ev Event) {
	l.enqueue(envelope{class: class, event: ev})
}

// Post hands ev for target to the loop from any goroutine.
// Returns false if the loop has been stopped.
func (l *Loop) Post(target *Machine, ev Event) bool {
	return l.external.Enqueue(envelope{target: target, event: ev})
}

// PostBroadcast hands a class broadcast to the loop from any goroutine.
// Returns false if the loop has been stopped.
func (l *Loop) PostBroadcast(class Class, ev Event) bool {
	return l.external.Enqueue(envelope{class: class, event: ev})
}

func (l *Loop) enqueue(env envelope) {
	l.pending = append(l.pending, env)
}

// Run starts the event loop.
// Blocks until context is cancelled or Stop() is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("mainloop starting", "machines", len(l.machines))

	// Events queued during setup are delivered first.
	l.Drain()

	for {
		env, ok := l.external.TryDequeue()
		if ok {
			l.enqueue(env)
			l.Drain()
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("mainloop stopping: context cancelled")
			l.external.Close()
			return ctx.Err()

		case <-l.external.Wait():
			// The signal channel closes when the queue is closed.
			if l.external.Closed() && l.external.Len() == 0 {
				slog.Info("mainloop stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop makes Run return once the external queue is empty.
func (l *Loop) Stop() {
	l.external.Close()
}

// Drain delivers pending events breadth-first until none remain, then does
// the same for any external events already posted. Used by Run and by tests
// that drive the loop synchronously.
func (l *Loop) Drain() {
	for {
		for len(l.pending) > 0 {
			env := l.pending[0]
			l.pending[0] = envelope{}
			l.pending = l.pending[1:]
			l.deliver(env)
		}
		env, ok := l.external.TryDequeue()
		if !ok {
			l.pending = nil
			return
		}
		l.enqueue(env)
	}
}

func (l *Loop) deliver(env envelope) {
	seq := l.clock.Tick()

	if env.target != nil {
		if env.target.loop != l || env.target.state == Terminated {
			slog.Debug("event for dead machine dropped",
				"seq", seq,
				"event", env.event.Kind(),
				"target", env.target.name,
			)
			return
		}
		l.handle(seq, env.target, env)
		return
	}

	for _, m := range l.Instances(env.class) {
		if m.state == Terminated {
			continue
		}
		l.handle(seq, m, env)
	}
}

func (l *Loop) handle(seq int64, m *Machine, env envelope) {
	kind := env.event.Kind()
	t, ok := m.lookup(env.source, kind)
	if !ok {
		return
	}

	from := m.state
	next, err := l.invoke(t, env.event)
	if err != nil {
		// Log and continue: one broken callback must not stop the loop.
		slog.Error("transition callback failed",
			"error", err,
			"seq", seq,
			"class", m.class,
			"machine", m.name,
			"state", from,
			"event", kind,
		)
		return
	}

	// The callback may have removed the machine explicitly.
	if m.state == Terminated {
		return
	}

	slog.Debug("transition",
		"seq", seq,
		"class", m.class,
		"machine", m.name,
		"event", kind,
		"from", from,
		"to", next,
	)

	if next == Terminated {
		l.Remove(m)
		return
	}
	m.state = next
}

func (l *Loop) invoke(t transition, ev Event) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(ev), nil
}
