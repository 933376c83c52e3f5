package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreboard_Claims(t *testing.T) {
	sb := NewScoreboard()

	assert.True(t, sb.Claim("k-base", "req-1"))
	assert.True(t, sb.Claim("k-base", "req-1"), "reclaiming your own key")
	assert.False(t, sb.Claim("k-base", "req-2"))

	owner, ok := sb.Claimer("k-base")
	assert.True(t, ok)
	assert.Equal(t, "req-1", owner)

	assert.False(t, sb.Release("k-base", "req-2"))
	assert.True(t, sb.Release("k-base", "req-1"))
	_, ok = sb.Claimer("k-base")
	assert.False(t, ok)
	assert.True(t, sb.Claim("k-base", "req-2"))
}

func TestScoreboard_ReleaseAll(t *testing.T) {
	sb := NewScoreboard()
	sb.Claim("k-tool", "req-1")
	sb.Claim("k-base", "req-1")
	sb.Claim("k-app", "req-2")

	assert.Equal(t, []string{"k-base", "k-tool"}, sb.ReleaseAll("req-1"))
	assert.Nil(t, sb.ReleaseAll("req-1"))
	assert.Equal(t, 1, sb.Len())
}
