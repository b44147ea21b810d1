package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_Watchers(t *testing.T) {
	r := NewRegistry()
	r.Bind("c1", "patient", nil)
	r.Bind("c2", "provider", nil)
	r.Bind("c3", "provider", nil)

	assert.True(t, r.Watch("c1", "sub-a", "s1"))
	assert.True(t, r.Watch("c2", "sub-b", "s1"))
	assert.True(t, r.Watch("c3", "sub-c", "s1"))
	assert.True(t, r.Watch("c3", "sub-d", "s2"))
	assert.False(t, r.Watch("missing", "sub-e", "s1"))

	assert.Equal(t, []string{"patient", "provider"}, r.Watchers("s1"))
	assert.Equal(t, []string{"provider"}, r.Watchers("s2"))

	r.Unwatch("c1", "sub-a")
	r.Unbind("c3")
	assert.Equal(t, []string{"provider"}, r.Watchers("s1"))
	assert.Empty(t, r.Watchers("s2"))
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_CancelAndKick(t *testing.T) {
	r := NewRegistry()
	var canceled []string
	r.Bind("c1", "x", func() { canceled = append(canceled, "c1") })
	r.Bind("c2", "x", func() { canceled = append(canceled, "c2") })
	r.Bind("c3", "y", func() { canceled = append(canceled, "c3") })

	assert.True(t, r.Cancel("c3"))
	assert.False(t, r.Cancel("nope"))
	assert.Equal(t, 2, r.KickClient("x"))
	assert.ElementsMatch(t, []string{"c1", "c2", "c3"}, canceled)
}

func TestSimplePolicy(t *testing.T) {
	assert.Equal(t, CloseConn, SimplePolicy{}.OnBackPressure("any"))
}
