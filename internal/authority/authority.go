// Package authority deterministically assigns each checkable to
// exactly one peer per feature. Every peer computes the same
// assignment from the same zone membership, so authority converges
// within one connectivity round-trip without coordination.
package authority

import (
	"hash/fnv"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/runtime"
)

// Hash is the fixed arbitration hash: FNV-1a over
// name || "\0" || feature.
func Hash(objectName, feature string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(objectName))
	h.Write([]byte{0})
	h.Write([]byte(feature))
	return h.Sum64()
}

// Arbiter tracks zone connectivity and answers ownership queries.
type Arbiter struct {
	mu        sync.RWMutex
	reg       *runtime.Registry
	local     string
	connected map[string]bool
	owned     map[string]bool // "Type/name" -> checker ownership

	// OnRebalance is invoked after a membership change with the
	// checkables whose checker authority moved to or away from this
	// peer.
	OnRebalance func(gained, lost []runtime.CheckableRef)
}

// New creates an arbiter. The local endpoint always counts as
// connected.
func New(reg *runtime.Registry, localEndpoint string) *Arbiter {
	a := &Arbiter{
		reg:       reg,
		local:     localEndpoint,
		connected: map[string]bool{localEndpoint: true},
		owned:     make(map[string]bool),
	}
	return a
}

// ZoneEndpoints returns the connected endpoints of a zone sorted by
// name.
func (a *Arbiter) ZoneEndpoints(zone string) []string {
	z := a.reg.Zone(zone)
	if z == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.zoneEndpointsLocked(z)
}

func (a *Arbiter) zoneEndpointsLocked(z *objects.Zone) []string {
	var out []string
	for _, name := range z.Endpoints {
		if a.connected[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Owner returns the endpoint currently authoritative for one feature
// of an object. Objects without a zone, or in a zone with no connected
// endpoints, fall to the local peer.
func (a *Arbiter) Owner(objType, objName, feature string) string {
	zone := a.reg.ZoneOf(objType, objName)
	if zone == "" {
		return a.local
	}
	z := a.reg.Zone(zone)
	if z == nil {
		return a.local
	}
	a.mu.RLock()
	endpoints := a.zoneEndpointsLocked(z)
	a.mu.RUnlock()
	if len(endpoints) == 0 {
		return a.local
	}
	return endpoints[Hash(objName, feature)%uint64(len(endpoints))]
}

// IsAuthoritative reports whether the local peer owns the feature for
// the object.
func (a *Arbiter) IsAuthoritative(objType, objName, feature string) bool {
	return a.Owner(objType, objName, feature) == a.local
}

// SetConnected records a peer link coming up or going down and
// rebalances checker ownership. Gained objects and lost objects are
// reported through OnRebalance.
func (a *Arbiter) SetConnected(endpoint string, connected bool) {
	a.mu.Lock()
	was := a.connected[endpoint]
	if was == connected {
		a.mu.Unlock()
		return
	}
	if connected {
		a.connected[endpoint] = true
	} else {
		delete(a.connected, endpoint)
	}
	a.mu.Unlock()

	log.WithFields(log.Fields{"endpoint": endpoint, "connected": connected}).
		Info("Zone membership changed, recomputing authority")
	a.rebalance()
}

// Rebalance recomputes checker ownership for every checkable, for use
// after config load.
func (a *Arbiter) Rebalance() {
	a.rebalance()
}

func (a *Arbiter) rebalance() {
	var gained, lost []runtime.CheckableRef
	next := make(map[string]bool)
	for _, ref := range a.reg.Checkables() {
		key := ref.Type + "/" + ref.Name
		owns := a.IsAuthoritative(ref.Type, ref.Name, objects.FeatureChecker)
		next[key] = owns

		a.mu.RLock()
		had := a.owned[key]
		a.mu.RUnlock()
		if owns && !had {
			gained = append(gained, ref)
		} else if !owns && had {
			lost = append(lost, ref)
		}
	}
	a.mu.Lock()
	a.owned = next
	a.mu.Unlock()

	if (len(gained) > 0 || len(lost) > 0) && a.OnRebalance != nil {
		a.OnRebalance(gained, lost)
	}
}

// Local returns the local endpoint name.
func (a *Arbiter) Local() string { return a.local }
