package authority

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/runtime"
)

func newZonedRegistry(t *testing.T, local string, endpoints []string, hosts int) *runtime.Registry {
	t.Helper()
	reg := runtime.New(bus.New(), local)
	require.NoError(t, reg.Register(&objects.Zone{
		Meta:      objects.Meta{Name: "primary"},
		Endpoints: endpoints,
	}))
	for _, ep := range endpoints {
		require.NoError(t, reg.Register(&objects.Endpoint{Meta: objects.Meta{Name: ep}}))
	}
	for i := 0; i < hosts; i++ {
		require.NoError(t, reg.Register(&objects.Host{
			Meta: objects.Meta{Name: fmt.Sprintf("host%02d", i)},
			Zone: "primary",
		}))
	}
	return reg
}

func TestHashDeterministic(t *testing.T) {
	h1 := Hash("web01", objects.FeatureChecker)
	h2 := Hash("web01", objects.FeatureChecker)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, Hash("web01", objects.FeatureNotifier),
		"features arbitrate independently")
	assert.NotEqual(t, h1, Hash("web02", objects.FeatureChecker))

	// The separator keeps (name, feature) pairs unambiguous.
	assert.NotEqual(t, Hash("ab", "c"), Hash("a", "bc"))
}

func TestPeersAgreeOnOwnership(t *testing.T) {
	endpoints := []string{"node-a", "node-b", "node-c"}
	var arbiters []*Arbiter
	for _, local := range endpoints {
		reg := newZonedRegistry(t, local, endpoints, 20)
		a := New(reg, local)
		for _, ep := range endpoints {
			a.SetConnected(ep, true)
		}
		arbiters = append(arbiters, a)
	}

	// Every peer computes the same owner for every object.
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("host%02d", i)
		owner := arbiters[0].Owner("Host", name, objects.FeatureChecker)
		for _, a := range arbiters[1:] {
			assert.Equal(t, owner, a.Owner("Host", name, objects.FeatureChecker), name)
		}
	}

	// Each object has exactly one authoritative peer.
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("host%02d", i)
		owners := 0
		for _, a := range arbiters {
			if a.IsAuthoritative("Host", name, objects.FeatureChecker) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, name)
	}
}

func TestOwnershipSpreads(t *testing.T) {
	endpoints := []string{"node-a", "node-b", "node-c"}
	reg := newZonedRegistry(t, "node-a", endpoints, 60)
	a := New(reg, "node-a")
	for _, ep := range endpoints {
		a.SetConnected(ep, true)
	}

	counts := make(map[string]int)
	for i := 0; i < 60; i++ {
		counts[a.Owner("Host", fmt.Sprintf("host%02d", i), objects.FeatureChecker)]++
	}
	for _, ep := range endpoints {
		assert.Greater(t, counts[ep], 0, "no objects landed on %s", ep)
	}
}

func TestDisconnectedPeerLosesOwnership(t *testing.T) {
	endpoints := []string{"node-a", "node-b"}
	reg := newZonedRegistry(t, "node-a", endpoints, 30)
	a := New(reg, "node-a")
	a.SetConnected("node-b", true)

	owned := 0
	for i := 0; i < 30; i++ {
		if a.IsAuthoritative("Host", fmt.Sprintf("host%02d", i), objects.FeatureChecker) {
			owned++
		}
	}
	require.Less(t, owned, 30, "two connected peers should split the objects")

	a.SetConnected("node-b", false)
	for i := 0; i < 30; i++ {
		assert.True(t, a.IsAuthoritative("Host", fmt.Sprintf("host%02d", i), objects.FeatureChecker),
			"sole connected peer owns everything")
	}
}

func TestRebalanceCallback(t *testing.T) {
	endpoints := []string{"node-a", "node-b"}
	reg := newZonedRegistry(t, "node-a", endpoints, 30)
	a := New(reg, "node-a")

	var gained, lost []runtime.CheckableRef
	a.OnRebalance = func(g, l []runtime.CheckableRef) {
		gained, lost = g, l
	}

	// Initial pass: alone in the zone, everything is gained.
	a.Rebalance()
	assert.Len(t, gained, 30)
	assert.Empty(t, lost)

	// A peer joining takes its share away.
	a.SetConnected("node-b", true)
	assert.NotEmpty(t, lost, "the joining peer must take some objects")
	assert.Empty(t, gained)

	// The peer leaving hands them back.
	prevLost := len(lost)
	a.SetConnected("node-b", false)
	assert.Len(t, gained, prevLost)
	assert.Empty(t, lost)
}

func TestZonelessObjectsAreLocal(t *testing.T) {
	reg := runtime.New(bus.New(), "node-a")
	require.NoError(t, reg.Register(&objects.Host{Meta: objects.Meta{Name: "standalone"}}))
	a := New(reg, "node-a")

	assert.Equal(t, "node-a", a.Owner("Host", "standalone", objects.FeatureChecker))
	assert.True(t, a.IsAuthoritative("Host", "standalone", objects.FeatureChecker))
}

func TestZoneEndpointsSorted(t *testing.T) {
	endpoints := []string{"node-c", "node-a", "node-b"}
	reg := newZonedRegistry(t, "node-a", endpoints, 0)
	a := New(reg, "node-a")
	a.SetConnected("node-c", true)
	a.SetConnected("node-b", true)

	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, a.ZoneEndpoints("primary"))
	assert.Nil(t, a.ZoneEndpoints("missing"))
}
