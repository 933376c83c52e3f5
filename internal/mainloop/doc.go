// Package mainloop implements the event-driven state-machine substrate that
// every distbuild actor runs on.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// All machines live in one Loop and all of their fields are mutated from the
// goroutine running Loop.Run. Network readers, helper processes and timers run
// in their own goroutines and hand results to the loop with Post or
// PostBroadcast, which are the only thread-safe entry points.
//
// Event Processing Flow:
//  1. An external event is dequeued (FIFO).
//  2. It is delivered to its target machine, or to every live machine of a class.
//  3. The receiving machine looks up (state, source, kind) in its transition table.
//     No matching row means the event is ignored.
//  4. The callback runs and may Send or Broadcast further events; these are
//     appended to the pending list, not delivered recursively.
//  5. Pending events are drained breadth-first before the next external event.
//
// A machine whose next state is Terminated is removed from the loop after its
// callback returns.
//
// Events must be value types with value-receiver Kind methods: the transition
// table is keyed on the Kind of the zero value.
package mainloop
