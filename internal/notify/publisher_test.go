package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perryl/distbuild/internal/controller"
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
)

func setupRedis(t *testing.T) *miniredis.Miniredis {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	return mr
}

func subscribe(t *testing.T, addr, channel string) <-chan *redis.Message {
	t.Helper()
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	sub := rdb.Subscribe(ctx, channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	return sub.Channel()
}

func next(t *testing.T, ch <-chan *redis.Message) Envelope {
	t.Helper()
	select {
	case msg := <-ch:
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no message published")
		return Envelope{}
	}
}

func TestPublisher_PublishesObservedEvents(t *testing.T) {
	mr := setupRedis(t)
	msgs := subscribe(t, mr.Addr(), DefaultChannel)

	p, err := New("redis://"+mr.Addr()+"/0", "")
	require.NoError(t, err)
	require.NoError(t, p.Ping(context.Background()))

	l := mainloop.New()
	l.Add(p.Machine)
	l.Broadcast(controller.ObserverClass, controller.BuildStepStarted{ID: "req-1", StepName: "base", WorkerName: "w1"})
	l.Broadcast(controller.ObserverClass, controller.BuildFinished{ID: "req-1", URLs: []string{"http://cache/x"}})
	l.Drain()
	assert.Equal(t, 2, p.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	first := next(t, msgs)
	assert.Equal(t, "req-1", first.RequestID)
	assert.Equal(t, string(protocol.TypeStepStarted), first.Message["type"])
	assert.Equal(t, "req-1", first.Message["id"])
	assert.Equal(t, "w1", first.Message["worker_name"])

	second := next(t, msgs)
	assert.Equal(t, string(protocol.TypeBuildFinished), second.Message["type"])
	assert.Equal(t, []any{"http://cache/x"}, second.Message["urls"])

	assert.NoError(t, p.Close())
}

func TestPublisher_CustomChannel(t *testing.T) {
	mr := setupRedis(t)
	msgs := subscribe(t, mr.Addr(), "builds")

	p := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "builds")
	l := mainloop.New()
	l.Add(p.Machine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	l.Broadcast(controller.ObserverClass, controller.BuildFailed{ID: "req-2", Reason: "Building failed for base"})
	l.Drain()

	env := next(t, msgs)
	assert.Equal(t, "req-2", env.RequestID)
	assert.Equal(t, "Building failed for base", env.Message["reason"])
	assert.NoError(t, p.Close())
}

func TestPublisher_BadURL(t *testing.T) {
	_, err := New("not a url", "")
	assert.Error(t, err)
}

func TestPublisher_RedisDownDoesNotBlock(t *testing.T) {
	mr := setupRedis(t)
	p := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "")
	mr.Close()

	l := mainloop.New()
	l.Add(p.Machine)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	l.Broadcast(controller.ObserverClass, controller.BuildStarted{ID: "req-1"})
	l.Drain()

	require.Eventually(t, func() bool { return p.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)
	_ = p.Close()
	<-done
}
