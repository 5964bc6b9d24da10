package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("org_1", "session-abc")
	sid, ok := r.SessionFor("org_1")
	assert.True(t, ok)
	assert.Equal(t, "session-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("org_1", "session-old")
	r.Register("org_1", "session-new")

	sid, ok := r.SessionFor("org_1")
	assert.True(t, ok)
	assert.Equal(t, "session-new", sid)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("org_1", "session-abc")
	r.Register("org_2", "session-abc")
	r.Register("org_3", "session-xyz")

	r.Remove("session-abc")

	_, ok := r.SessionFor("org_1")
	assert.False(t, ok, "org_1 should be removed")

	_, ok = r.SessionFor("org_2")
	assert.False(t, ok, "org_2 should be removed")

	sid, ok := r.SessionFor("org_3")
	assert.True(t, ok, "org_3 should still exist")
	assert.Equal(t, "session-xyz", sid)
}
