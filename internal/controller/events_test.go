package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perryl/distbuild/internal/protocol"
)

func TestEvents_WireUsesInitiatorMessageID(t *testing.T) {
	tests := []struct {
		ev   Event
		want protocol.Message
	}{
		{
			ev:   BuildProgress{ID: "req-1", Message: "hello"},
			want: protocol.MustNew(protocol.TypeBuildProgress, protocol.Fields{"id": "7", "message": "hello"}),
		},
		{
			ev:   CacheState{ID: "req-1", Unbuilt: 1, Total: 3},
			want: protocol.MustNew(protocol.TypeCacheState, protocol.Fields{"id": "7", "unbuilt": 1, "total": 3}),
		},
		{
			ev:   BuildFinished{ID: "req-1"},
			want: protocol.MustNew(protocol.TypeBuildFinished, protocol.Fields{"id": "7", "urls": []string{}}),
		},
		{
			ev:   BuildCancelled{ID: "req-1", User: "alice"},
			want: protocol.MustNew(protocol.TypeBuildCancelled, protocol.Fields{"id": "7", "user": "alice"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.ev.Kind(), func(t *testing.T) {
			assert.Equal(t, "req-1", tt.ev.RequestID())
			got := tt.ev.Wire("7")
			require.NoError(t, protocol.Validate(got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvents_KindsMatchWireTypes(t *testing.T) {
	events := []Event{
		BuildProgress{}, BuildStarted{}, GraphingStarted{}, GraphingFinished{}, CacheState{},
		BuildStepStarted{}, BuildStepAlreadyStarted{}, BuildOutput{}, BuildStepFinished{},
		BuildStepFailed{}, BuildFinished{}, BuildFailed{}, BuildCancelled{},
	}
	for _, ev := range events {
		assert.Equal(t, ev.Kind(), string(ev.Wire("1").Type()))
	}
}
