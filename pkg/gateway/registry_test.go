package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRegistry_AddRemove(t *testing.T) {
	r := NewClientRegistry()
	assert.Equal(t, 0, r.Count())

	r.Add(NewClient("c1", nil))
	r.Add(NewClient("c2", nil))
	assert.Equal(t, 2, r.Count())

	c, ok := r.Get("c1")
	assert.True(t, ok)
	assert.Equal(t, "c1", c.ID)

	r.Remove("c1")
	assert.Equal(t, 1, r.Count())
	_, ok = r.Get("c1")
	assert.False(t, ok)
}

func TestClientRegistry_SubscribersOf(t *testing.T) {
	r := NewClientRegistry()

	authed := NewClient("authed", nil)
	authed.SetAuthenticated()
	authed.Subscribe("shell_a")
	r.Add(authed)

	unauthed := NewClient("unauthed", nil)
	unauthed.Subscribe("shell_a")
	r.Add(unauthed)

	other := NewClient("other", nil)
	other.SetAuthenticated()
	other.Subscribe("shell_b")
	r.Add(other)

	subs := r.SubscribersOf("shell_a")
	assert.Len(t, subs, 1)
	assert.Equal(t, "authed", subs[0].ID)
}

func TestClient_Subscriptions(t *testing.T) {
	c := NewClient("c1", nil)

	assert.False(t, c.SubscribedTo("shell_a"))
	c.Subscribe("shell_a")
	assert.True(t, c.SubscribedTo("shell_a"))
	c.Unsubscribe("shell_a")
	assert.False(t, c.SubscribedTo("shell_a"))

	assert.False(t, c.Authenticated())
	c.SetAuthenticated()
	assert.True(t, c.Authenticated())
}
