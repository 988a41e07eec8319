package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryPick_EmptyRegistry(t *testing.T) {
	r := NewGatewayRegistry()
	_, err := r.Pick(context.Background(), "")
	require.ErrorIs(t, err, ErrNoGateways)
	assert.EqualError(t, err, "No gateways configured")
}

func TestRegistryPick_ConnectsFirstWorkingGateway(t *testing.T) {
	g := newStubGateway(t)
	r := NewGatewayRegistry()
	r.backoffInterval = 10 * time.Millisecond

	dead := NewClient(ClientConfig{
		Name:     "dead",
		URL:      "ws://127.0.0.1:1",
		Identity: newTestIdentity(t),
	})
	live := newTestClient(t, g, "")
	live.cfg.Name = "live"
	r.Add(dead)
	r.Add(live)

	picked, err := r.Pick(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, live, picked)
	assert.True(t, picked.Connected())
}

func TestRegistryPick_PrefersNamedGateway(t *testing.T) {
	g := newStubGateway(t)
	r := NewGatewayRegistry()
	r.backoffInterval = 10 * time.Millisecond

	a := newTestClient(t, g, "")
	a.cfg.Name = "a"
	b := newTestClient(t, g, "")
	b.cfg.Name = "b"
	r.Add(a)
	r.Add(b)

	picked, err := r.Pick(context.Background(), "b")
	require.NoError(t, err)
	assert.Same(t, b, picked)
}

func TestRegistryPick_AllCandidatesFail(t *testing.T) {
	r := NewGatewayRegistry()
	r.backoffInterval = time.Millisecond
	r.Add(NewClient(ClientConfig{
		Name:     "dead",
		URL:      "ws://127.0.0.1:1",
		Identity: newTestIdentity(t),
	}))

	_, err := r.Pick(context.Background(), "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoGateways)
}

func TestRegistryNamesAndGet(t *testing.T) {
	g := newStubGateway(t)
	r := NewGatewayRegistry()

	c := newTestClient(t, g, "")
	c.cfg.Name = "primary"
	r.Add(c)

	assert.Equal(t, []string{"primary"}, r.Names())
	got, ok := r.Get("primary")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, r.Len())
}
