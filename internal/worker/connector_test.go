package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/scheduler"
	"github.com/perryl/distbuild/internal/testutil"
)

// flakyDialer fails the first failures dials to each address.
type flakyDialer struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	links    map[string]*fakeLink
}

func newFlakyDialer(failures int) *flakyDialer {
	return &flakyDialer{failures: failures, attempts: map[string]int{}, links: map[string]*fakeLink{}}
}

func (d *flakyDialer) dial(ctx context.Context, addr string) (DialedLink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[addr]++
	if d.attempts[addr] <= d.failures {
		return nil, errors.New("connection refused")
	}
	link := &fakeLink{}
	d.links[addr] = link
	return link, nil
}

func (d *flakyDialer) attemptsFor(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts[addr]
}

func TestConnector_DialsWithRetryAndStartsConnections(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newFlakyDialer(2)
	l := mainloop.New()
	queuer := testutil.NewRecorder(scheduler.QueuerClass, "queuer")
	testutil.Record[scheduler.WorkerWantsJob](queuer)
	c := NewConnector(ctx, ConnectorConfig{
		Workers:           []string{"w1:3434", "w2:3434"},
		CachePort:         8080,
		WriteableCacheURL: "http://cache:8081",
		InitialInterval:   time.Millisecond,
		MaxInterval:       5 * time.Millisecond,
	}, dialer.dial, testutil.NewSequenceGenerator("id"))
	l.Add(queuer.Machine)
	l.Add(c.Machine)

	c.ConnectAll()
	require.Eventually(t, func() bool {
		l.Drain()
		return len(queuer.Events) == 2
	}, 2*time.Second, 5*time.Millisecond)

	conns := l.Instances(ConnectionClass)
	require.Len(t, conns, 2)
	names := []string{conns[0].Name(), conns[1].Name()}
	assert.ElementsMatch(t, []string{"w1:3434", "w2:3434"}, names)
	assert.Equal(t, 3, dialer.attemptsFor("w1:3434"))

	for _, m := range conns {
		assert.Same(t, m, dialer.links[m.Name()].started)
	}
}

func TestConnector_ReconnectRedials(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := newFlakyDialer(0)
	l := mainloop.New()
	c := NewConnector(ctx, ConnectorConfig{CachePort: 8080}, dialer.dial, testutil.NewSequenceGenerator("id"))
	l.Add(c.Machine)

	l.Send(c.Machine, Reconnect{Addr: "w1:3434"})
	require.Eventually(t, func() bool {
		l.Drain()
		return len(l.Instances(ConnectionClass)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, dialer.attemptsFor("w1:3434"))
}

func TestConnector_StopsRetryingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	dialer := newFlakyDialer(1 << 30)
	l := mainloop.New()
	c := NewConnector(ctx, ConnectorConfig{InitialInterval: time.Millisecond}, dialer.dial, testutil.NewSequenceGenerator("id"))
	l.Add(c.Machine)

	l.Send(c.Machine, Reconnect{Addr: "w1:3434"})
	l.Drain()
	require.Eventually(t, func() bool { return dialer.attemptsFor("w1:3434") > 1 }, time.Second, time.Millisecond)

	cancel()
	time.Sleep(50 * time.Millisecond)
	n := dialer.attemptsFor("w1:3434")
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, dialer.attemptsFor("w1:3434"), n+1)

	l.Drain()
	assert.Empty(t, l.Instances(ConnectionClass))
}

func TestCacheAddr(t *testing.T) {
	assert.Equal(t, "w1:8080", cacheAddr("w1:3434", 8080))
	assert.Equal(t, "w1:8080", cacheAddr("w1", 8080))
	assert.Equal(t, "[::1]:8080", cacheAddr("[::1]:3434", 8080))
}
