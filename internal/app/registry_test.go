package app

import (
	"testing"

	"github.com/edgecam/edgecam/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())

	r.Put(&Session{ID: "b", State: core.ConnStateChecking})
	r.Put(&Session{ID: "a", State: core.ConnStateConnected, EverCompleted: true})

	s, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, core.ConnStateConnected, s.State)

	assert.Equal(t, []SessionInfo{
		{ID: "a", State: "connected", EverCompleted: true},
		{ID: "b", State: "checking"},
	}, r.Snapshot())

	_, ok = r.Remove("a")
	assert.True(t, ok)
	_, ok = r.Remove("a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}
