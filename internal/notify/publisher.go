// Package notify publishes build events to Redis so that dashboards and
// chat bots can follow builds without holding an initiator connection.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/perryl/distbuild/internal/controller"
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "distbuild:events"

const statePublishing mainloop.State = "publishing"

// Envelope is the JSON published for each event. Message is the event as an
// initiator would receive it, with the request id as message id.
type Envelope struct {
	RequestID string           `json:"request_id"`
	Message   protocol.Message `json:"message"`
}

// Publisher observes every build controller and publishes its events.
// Publishing happens on the Run goroutine; the loop only queues payloads.
type Publisher struct {
	*mainloop.Machine

	rdb     *redis.Client
	channel string
	out     *mainloop.Queue[[]byte]
	running atomic.Bool
	done    chan struct{}
}

// New connects to the Redis server at url, e.g. redis://localhost:6379/0.
func New(url, channel string) (*Publisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), channel), nil
}

// NewWithClient publishes through an existing client. An empty channel
// means DefaultChannel.
func NewWithClient(rdb *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	p := &Publisher{
		Machine: mainloop.NewMachine(controller.ObserverClass, "redis-publisher", statePublishing),
		rdb:     rdb,
		channel: channel,
		out:     mainloop.NewQueue[[]byte](),
		done:    make(chan struct{}),
	}

	observe[controller.BuildProgress](p)
	observe[controller.BuildStarted](p)
	observe[controller.GraphingStarted](p)
	observe[controller.GraphingFinished](p)
	observe[controller.CacheState](p)
	observe[controller.BuildStepStarted](p)
	observe[controller.BuildStepAlreadyStarted](p)
	observe[controller.BuildOutput](p)
	observe[controller.BuildStepFinished](p)
	observe[controller.BuildStepFailed](p)
	observe[controller.BuildFinished](p)
	observe[controller.BuildFailed](p)
	observe[controller.BuildCancelled](p)
	return p
}

func observe[E controller.Event](p *Publisher) {
	mainloop.On(p.Machine, statePublishing, statePublishing, func(ev E) {
		p.enqueue(ev)
	})
}

// Ping checks that Redis is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *Publisher) enqueue(ev controller.Event) {
	payload, err := json.Marshal(Envelope{
		RequestID: ev.RequestID(),
		Message:   ev.Wire(ev.RequestID()),
	})
	if err != nil {
		slog.Error("encode event for redis", "event", ev.Kind(), "request_id", ev.RequestID(), "error", err)
		return
	}
	p.out.Enqueue(payload)
}

// Pending returns the number of payloads waiting to be published.
func (p *Publisher) Pending() int {
	return p.out.Len()
}

// Run publishes queued events until ctx is done or Close is called.
// Failed publishes are logged and dropped.
func (p *Publisher) Run(ctx context.Context) {
	p.running.Store(true)
	defer close(p.done)

	for {
		for {
			payload, ok := p.out.TryDequeue()
			if !ok {
				break
			}
			if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
				slog.Warn("redis publish failed", "channel", p.channel, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-p.out.Wait():
			if p.out.Closed() && p.out.Len() == 0 {
				return
			}
		}
	}
}

// Close stops accepting events, waits for Run to publish what is already
// queued, then closes the Redis client.
func (p *Publisher) Close() error {
	p.out.Close()
	if p.running.Load() {
		<-p.done
	}
	return p.rdb.Close()
}
