package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("sess-1", "mcp-abc")
	sid, ok := r.MCPSessionFor("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "mcp-abc", sid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.MCPSessionFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Overwrite(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("sess-1", "mcp-old")
	r.Register("sess-1", "mcp-new")

	sid, ok := r.MCPSessionFor("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "mcp-new", sid)
}

func TestSessionRegistry_Remove(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("sess-1", "mcp-abc")
	r.Register("sess-2", "mcp-abc")
	r.Register("sess-3", "mcp-xyz")

	r.Remove("mcp-abc")

	_, ok := r.MCPSessionFor("sess-1")
	assert.False(t, ok, "sess-1 should be removed")

	_, ok = r.MCPSessionFor("sess-2")
	assert.False(t, ok, "sess-2 should be removed")

	sid, ok := r.MCPSessionFor("sess-3")
	assert.True(t, ok, "sess-3 should still exist")
	assert.Equal(t, "mcp-xyz", sid)
}

func TestSessionRegistry_MultipleSessions(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("sess-1", "mcp-1")
	r.Register("sess-2", "mcp-2")

	sid1, ok := r.MCPSessionFor("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "mcp-1", sid1)

	sid2, ok := r.MCPSessionFor("sess-2")
	assert.True(t, ok)
	assert.Equal(t, "mcp-2", sid2)
}
