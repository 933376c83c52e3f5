package mainloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct{ N int }

func (ping) Kind() string { return "ping" }

type pong struct{ N int }

func (pong) Kind() string { return "pong" }

type stop struct{}

func (stop) Kind() string { return "stop" }

const (
	classCounter Class = "counter"
	classEcho    Class = "echo"
)

// counter counts pings while "on" and terminates on stop.
type counter struct {
	*Machine
	pings []int
	pongs []int
}

func newCounter(name string) *counter {
	c := &counter{Machine: NewMachine(classCounter, name, "on")}
	On(c.Machine, "on", "on", func(ev ping) { c.pings = append(c.pings, ev.N) })
	On(c.Machine, "on", "on", func(ev pong) { c.pongs = append(c.pongs, ev.N) })
	On[stop](c.Machine, "on", Terminated, nil)
	return c
}

// echo answers each ping with a pong broadcast to counters, then a second
// ping to itself until N reaches zero.
type echo struct {
	*Machine
	order []string
}

func newEcho() *echo {
	e := &echo{Machine: NewMachine(classEcho, "echo", "idle")}
	On(e.Machine, "idle", "idle", func(ev ping) {
		e.order = append(e.order, "ping")
		e.Broadcast(classCounter, pong{N: ev.N})
		if ev.N > 0 {
			e.SendSelf(ping{N: ev.N - 1})
		}
	})
	return e
}

func TestLoop_TargetedDelivery(t *testing.T) {
	l := New()
	a := newCounter("a")
	b := newCounter("b")
	l.Add(a.Machine)
	l.Add(b.Machine)

	l.Send(a.Machine, ping{N: 1})
	l.Drain()

	assert.Equal(t, []int{1}, a.pings)
	assert.Empty(t, b.pings)
}

func TestLoop_BroadcastToClass(t *testing.T) {
	l := New()
	a := newCounter("a")
	b := newCounter("b")
	e := newEcho()
	l.Add(a.Machine)
	l.Add(b.Machine)
	l.Add(e.Machine)

	l.Broadcast(classCounter, ping{N: 7})
	l.Drain()

	assert.Equal(t, []int{7}, a.pings)
	assert.Equal(t, []int{7}, b.pings)
	assert.Empty(t, e.order, "echo is not a counter")
	assert.Equal(t, int64(1), l.Delivered(), "one broadcast is one delivery")
}

func TestLoop_UnmatchedEventIgnored(t *testing.T) {
	l := New()
	e := newEcho()
	l.Add(e.Machine)

	l.Send(e.Machine, pong{N: 1})
	l.Send(e.Machine, stop{})
	l.Drain()

	assert.Equal(t, State("idle"), e.State())
	assert.True(t, e.Alive())
}

func TestLoop_CausalChainDrainedBreadthFirst(t *testing.T) {
	l := New()
	a := newCounter("a")
	e := newEcho()
	l.Add(a.Machine)
	l.Add(e.Machine)

	l.Send(e.Machine, ping{N: 2})
	l.Send(a.Machine, ping{N: 100})
	l.Drain()

	// ping(2) -> pong(2)+ping(1); ping(100) delivered before the echo's
	// follow-ups because it was queued first.
	assert.Equal(t, []int{100}, a.pings)
	assert.Equal(t, []int{2, 1, 0}, a.pongs)
	assert.Equal(t, []string{"ping", "ping", "ping"}, e.order)
}

func TestLoop_TerminatedMachineRemoved(t *testing.T) {
	l := New()
	a := newCounter("a")
	l.Add(a.Machine)
	require.Equal(t, 1, l.Len())

	l.Send(a.Machine, stop{})
	l.Send(a.Machine, ping{N: 1})
	l.Drain()

	assert.Equal(t, Terminated, a.State())
	assert.False(t, a.Alive())
	assert.Empty(t, a.pings, "events after termination are dropped")
	assert.Equal(t, 0, l.Len())
	assert.Empty(t, l.Instances(classCounter))
}

func TestLoop_SourceSpecificRowWins(t *testing.T) {
	l := New()
	m := NewMachine("subject", "s1", "s")
	var got []string
	On(m, "s", "s", func(ping) { got = append(got, "any") })
	OnFrom(m, "s", classEcho, "s", func(ping) { got = append(got, "echo") })
	l.Add(m)

	sender := NewMachine(classEcho, "sender", "x")
	l.Add(sender)
	sender.Send(m, ping{})
	l.Send(m, ping{})
	l.Drain()

	assert.Equal(t, []string{"echo", "any"}, got)
}

func TestLoop_OnChoiceFromIgnoresOtherSources(t *testing.T) {
	l := New()
	m := NewMachine("subject", "s1", "waiting")
	OnChoiceFrom(m, "waiting", classEcho, func(ev ping) State { return "done" })
	l.Add(m)

	other := NewMachine(classCounter, "other", "x")
	l.Add(other)
	other.Send(m, ping{})
	l.Send(m, ping{})
	l.Drain()
	assert.Equal(t, State("waiting"), m.State(), "only echo machines may move it")

	sender := NewMachine(classEcho, "sender", "x")
	l.Add(sender)
	sender.Send(m, ping{})
	l.Drain()
	assert.Equal(t, State("done"), m.State())
}

func TestLoop_OnChoice(t *testing.T) {
	l := New()
	m := NewMachine("subject", "s1", "waiting")
	OnChoice(m, "waiting", func(ev ping) State {
		if ev.N > 0 {
			return "positive"
		}
		return "waiting"
	})
	l.Add(m)

	l.Send(m, ping{N: 0})
	l.Drain()
	assert.Equal(t, State("waiting"), m.State())

	l.Send(m, ping{N: 1})
	l.Drain()
	assert.Equal(t, State("positive"), m.State())
}

func TestLoop_PanickingCallbackDoesNotStopLoop(t *testing.T) {
	l := New()
	m := NewMachine("subject", "s1", "s")
	On(m, "s", "t", func(ping) { panic("boom") })
	a := newCounter("a")
	l.Add(m)
	l.Add(a.Machine)

	l.Send(m, ping{})
	l.Send(a.Machine, ping{N: 3})
	l.Drain()

	assert.Equal(t, State("s"), m.State(), "state unchanged when callback panics")
	assert.Equal(t, []int{3}, a.pings)
}

func TestLoop_DuplicateRowPanics(t *testing.T) {
	m := NewMachine("subject", "s1", "s")
	On[ping](m, "s", "s", nil)
	assert.Panics(t, func() { On[ping](m, "s", "t", nil) })
}

func TestLoop_RunProcessesPostedEvents(t *testing.T) {
	l := New()
	a := newCounter("a")
	l.Add(a.Machine)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.True(t, l.Post(a.Machine, ping{N: 1}))
	require.True(t, l.PostBroadcast(classCounter, ping{N: 2}))
	l.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not return after Stop")
	}

	assert.Equal(t, []int{1, 2}, a.pings)
	assert.False(t, l.Post(a.Machine, ping{N: 3}), "post after stop fails")
}

func TestLoop_RunReturnsOnContextCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return on cancel")
	}
}
