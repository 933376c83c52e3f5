package initiator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perryl/distbuild/internal/controller"
	"github.com/perryl/distbuild/internal/helper"
	"github.com/perryl/distbuild/internal/mainloop"
	"github.com/perryl/distbuild/internal/protocol"
	"github.com/perryl/distbuild/internal/testutil"
	"github.com/perryl/distbuild/internal/transport"
)

type fakeLink struct {
	sent   []protocol.Message
	closed bool
}

func (l *fakeLink) Send(msg protocol.Message) { l.sent = append(l.sent, msg) }
func (l *fakeLink) Close() error              { l.closed = true; return nil }

func (l *fakeLink) types() []protocol.Type {
	out := make([]protocol.Type, len(l.sent))
	for i, m := range l.sent {
		out[i] = m.Type()
	}
	return out
}

type fixture struct {
	loop   *mainloop.Loop
	reg    *controller.Registry
	helper *testutil.Recorder
	link   *fakeLink
	conn   *Connection
}

func newFixture() *fixture {
	f := &fixture{
		loop:   mainloop.New(),
		reg:    controller.NewRegistry(controller.Config{GraphCommand: []string{"graph"}, ArtifactCacheURL: "http://cache"}, testutil.NewSequenceGenerator("req")),
		helper: testutil.NewRecorder(helper.Class, "helper"),
		link:   &fakeLink{},
	}
	testutil.Record[helper.ExecRequest](f.helper)
	testutil.Record[helper.ExecCancel](f.helper)
	f.conn = NewConnection("client-1", f.link, f.reg)
	f.loop.Add(f.helper.Machine)
	f.loop.Add(f.conn.Machine)
	return f
}

func (f *fixture) receive(t protocol.Type, fields protocol.Fields) {
	f.loop.Send(f.conn.Machine, transport.Received{Message: protocol.MustNew(t, fields)})
	f.loop.Drain()
}

func buildRequest(id string) protocol.Fields {
	return protocol.Fields{
		"id":               id,
		"repo":             "repo",
		"ref":              "master",
		"morphology":       "systems/app.morph",
		"partial":          false,
		"protocol_version": protocol.Version,
		"allow_detach":     false,
	}
}

func control(id string) protocol.Fields {
	return protocol.Fields{"id": id, "protocol_version": protocol.Version, "user": "alice"}
}

// graphReply answers the controller's graph computation.
func (f *fixture) graphReply(resp helper.ExecResponse) {
	req := testutil.Of[helper.ExecRequest](f.helper)[0]
	resp.ID = req.ID
	f.loop.Send(req.Reply, resp)
	f.loop.Drain()
}

func TestConnection_BuildRequestStartsController(t *testing.T) {
	f := newFixture()

	f.receive(protocol.TypeBuildRequest, buildRequest("7"))

	require.Equal(t, 1, f.reg.Len())
	ctl := f.reg.List()[0]
	assert.Equal(t, controller.Request{
		ID:          "req-1",
		Initiator:   "client-1",
		Repo:        "repo",
		Ref:         "master",
		Morphology:  "systems/app.morph",
		AllowDetach: false,
	}, ctl.Request())
	assert.Equal(t, 1, f.conn.Pending())

	assert.Equal(t, []protocol.Type{protocol.TypeGraphingStarted, protocol.TypeBuildProgress}, f.link.types())
	for _, m := range f.link.sent {
		assert.Equal(t, "7", m.ID(), "relayed under the client's message id")
	}
}

func TestConnection_TerminalEventEndsRelay(t *testing.T) {
	f := newFixture()
	f.receive(protocol.TypeBuildRequest, buildRequest("7"))

	f.graphReply(helper.ExecResponse{Exit: 1, Stderr: "no such ref"})

	last := f.link.sent[len(f.link.sent)-1]
	assert.Equal(t, protocol.TypeBuildFailed, last.Type())
	assert.Equal(t, "7", last.ID())
	assert.Equal(t, "Failed to compute build graph: no such ref", last.String("reason"))
	assert.Equal(t, 0, f.conn.Pending())
	assert.Equal(t, 0, f.reg.Len())
}

func TestConnection_IgnoresOtherClientsEvents(t *testing.T) {
	f := newFixture()
	other := &fakeLink{}
	otherConn := NewConnection("client-2", other, f.reg)
	f.loop.Add(otherConn.Machine)

	f.receive(protocol.TypeBuildRequest, buildRequest("7"))

	assert.NotEmpty(t, f.link.sent)
	assert.Empty(t, other.sent)
}

func TestConnection_ListRequests(t *testing.T) {
	f := newFixture()

	f.receive(protocol.TypeListRequests, control("1"))
	require.Len(t, f.link.sent, 1)
	assert.Equal(t, protocol.TypeRequestOutput, f.link.sent[0].Type())
	assert.Equal(t, "No current build requests", f.link.sent[0].String("message"))

	f.receive(protocol.TypeBuildRequest, buildRequest("7"))
	f.receive(protocol.TypeBuildRequest, buildRequest("8"))
	f.link.sent = nil

	f.receive(protocol.TypeListRequests, control("2"))
	require.Len(t, f.link.sent, 1)
	lines := strings.Split(f.link.sent[0].String("message"), "\n")
	assert.Equal(t, []string{
		"req-1: repo master systems/app.morph: graphing",
		"req-3: repo master systems/app.morph: graphing",
	}, lines)
}

func TestConnection_BuildStatus(t *testing.T) {
	f := newFixture()
	f.receive(protocol.TypeBuildRequest, buildRequest("7"))
	f.link.sent = nil

	f.receive(protocol.TypeBuildStatus, control("req-1"))
	f.receive(protocol.TypeBuildStatus, control("req-99"))

	require.Len(t, f.link.sent, 2)
	assert.Equal(t, "req-1: repo master systems/app.morph: graphing", f.link.sent[0].String("message"))
	assert.Equal(t, "Build request ID req-99 not found", f.link.sent[1].String("message"))
}

func TestConnection_BuildCancel(t *testing.T) {
	f := newFixture()
	f.receive(protocol.TypeBuildRequest, buildRequest("7"))
	f.link.sent = nil

	f.receive(protocol.TypeBuildCancel, control("req-1"))

	assert.Equal(t, 0, f.reg.Len())
	assert.Len(t, testutil.Of[helper.ExecCancel](f.helper), 1)

	var cancelled, output protocol.Message
	for _, m := range f.link.sent {
		switch m.Type() {
		case protocol.TypeBuildCancelled:
			cancelled = m
		case protocol.TypeRequestOutput:
			output = m
		}
	}
	require.NotNil(t, cancelled)
	assert.Equal(t, "7", cancelled.ID())
	assert.Equal(t, "alice", cancelled.String("user"))
	require.NotNil(t, output)
	assert.Equal(t, "Cancelling build request req-1", output.String("message"))
	assert.Equal(t, 0, f.conn.Pending())
}

func TestConnection_VersionMismatchAnswered(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  protocol.Type
	}{
		{
			name:  "build-request",
			frame: `{"type":"build-request","id":"9","repo":"r","ref":"m","morphology":"s","protocol_version":1}`,
			want:  protocol.TypeBuildFailed,
		},
		{
			name:  "list-requests",
			frame: `{"type":"list-requests","id":"10","protocol_version":99,"user":"bob"}`,
			want:  protocol.TypeRequestOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			msg, err := protocol.NewDecoder(strings.NewReader(tt.frame), protocol.MustSchema()).Decode()
			require.True(t, protocol.IsVersionMismatch(err))
			var verr *protocol.ValidationError
			require.ErrorAs(t, err, &verr)

			f.loop.Send(f.conn.Machine, transport.Rejected{Message: msg, Err: verr})
			f.loop.Drain()

			require.Len(t, f.link.sent, 1)
			reply := f.link.sent[0]
			assert.Equal(t, tt.want, reply.Type())
			assert.Equal(t, msg.ID(), reply.ID())
			text := reply.String("reason") + reply.String("message")
			assert.Contains(t, text, "Protocol version mismatch")
			assert.True(t, f.conn.Alive(), "connection stays open")
			assert.False(t, f.link.closed)
			assert.Equal(t, 0, f.reg.Len())
		})
	}
}

func TestConnection_InvalidBuildRequestAnswered(t *testing.T) {
	f := newFixture()
	frame := fmt.Sprintf(`{"type":"build-request","id":"3","repo":"r","ref":"m","morphology":"s","protocol_version":%d,"partial":false}`,
		protocol.Version)
	msg, err := protocol.NewDecoder(strings.NewReader(frame), protocol.MustSchema()).Decode()
	var verr *protocol.ValidationError
	require.ErrorAs(t, err, &verr)

	f.loop.Send(f.conn.Machine, transport.Rejected{Message: msg, Err: verr})
	f.loop.Drain()

	require.Len(t, f.link.sent, 1)
	assert.Equal(t, protocol.TypeBuildFailed, f.link.sent[0].Type())
	assert.Contains(t, f.link.sent[0].String("reason"), "Invalid build-request message")
	assert.Contains(t, f.link.sent[0].String("reason"), "allow_detach")
}

func TestConnection_DisconnectNotifiesControllers(t *testing.T) {
	f := newFixture()
	f.receive(protocol.TypeBuildRequest, buildRequest("7"))
	require.Equal(t, 1, f.reg.Len())

	f.loop.Send(f.conn.Machine, transport.Disconnected{})
	f.loop.Drain()

	assert.False(t, f.conn.Alive())
	assert.True(t, f.link.closed)
	assert.Equal(t, 0, f.reg.Len(), "a graphing request is abandoned")
	assert.Len(t, testutil.Of[helper.ExecCancel](f.helper), 1)
}
