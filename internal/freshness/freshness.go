// Package freshness detects checkables whose results have gone stale.
// A stale object with active checks enabled gets an immediate forced
// check; a passive-only object gets a synthetic stale result so its
// state reflects that updates stopped arriving.
package freshness

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/runtime"
)

const goldenRatio = 0.618

// Checker sweeps the registered checkables for stale results.
type Checker struct {
	// EventStart is when the engine started; objects that have never
	// been checked are measured against it.
	EventStart time.Time

	// ForceCheck schedules an immediate active check for a stale
	// object.
	ForceCheck func(typ, name string)
	// SubmitStale records a synthetic stale result for a passive-only
	// object. age is how long ago the last result arrived.
	SubmitStale func(typ, name string, age time.Duration)
	// Now is the clock; tests override it.
	Now func() time.Time

	reg *runtime.Registry
}

// New creates a freshness checker over the registry.
func New(reg *runtime.Registry, eventStart time.Time) *Checker {
	return &Checker{reg: reg, EventStart: eventStart}
}

func (c *Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Sweep examines every checkable with freshness checking enabled and
// returns the number found stale.
func (c *Checker) Sweep() int {
	now := c.now()
	stale := 0
	for _, ref := range c.reg.Checkables() {
		ck, obj := c.reg.Checkable(ref.Type, ref.Name)
		if ck == nil {
			continue
		}
		obj.Lock()
		isStale, active, age := c.evaluate(ck, now)
		obj.Unlock()
		if !isStale {
			continue
		}
		stale++
		log.WithFields(log.Fields{"object": ref.Type + "/" + ref.Name, "age": age}).
			Warn("Check result is stale")
		if active {
			if c.ForceCheck != nil {
				c.ForceCheck(ref.Type, ref.Name)
			}
		} else if c.SubmitStale != nil {
			c.SubmitStale(ref.Type, ref.Name, age)
		}
	}
	return stale
}

// evaluate decides staleness under the entity lock. It returns whether
// the object is stale, whether a forced active check can refresh it,
// and the age of the newest result.
func (c *Checker) evaluate(ck *objects.Checkable, now time.Time) (bool, bool, time.Duration) {
	if !ck.CheckFreshness || ck.Executing {
		return false, false, 0
	}
	if !ck.EnableActiveChecks && !ck.EnablePassiveChecks {
		return false, false, 0
	}
	threshold := c.threshold(ck)
	if threshold <= 0 {
		return false, false, 0
	}
	expiry := c.expirationTime(ck, threshold)
	if !now.After(expiry) {
		return false, false, 0
	}
	last := ck.LastCheck
	if last.IsZero() {
		last = c.EventStart
	}
	return true, ck.EnableActiveChecks, now.Sub(last)
}

// threshold is the configured freshness threshold, or one derived from
// the check cadence: the retry interval while a problem is still soft,
// the check interval otherwise.
func (c *Checker) threshold(ck *objects.Checkable) float64 {
	if ck.FreshnessThreshold > 0 {
		return ck.FreshnessThreshold
	}
	if ck.State != 0 && ck.StateType == objects.StateTypeSoft {
		return ck.RetryInterval
	}
	return ck.CheckInterval
}

// expirationTime is when the newest result goes stale. Results that
// predate engine start by more than 61.8% of the threshold are
// measured from the start time instead, so a long outage does not
// mark everything stale the moment the engine comes back.
func (c *Checker) expirationTime(ck *objects.Checkable, threshold float64) time.Time {
	threshDur := time.Duration(threshold * float64(time.Second))

	if ck.LastCheck.IsZero() {
		return c.EventStart.Add(threshDur)
	}
	if ck.LastCheck.Before(c.EventStart) {
		downtime := c.EventStart.Sub(ck.LastCheck)
		if downtime.Seconds() > goldenRatio*threshold {
			return c.EventStart.Add(threshDur)
		}
	}
	return ck.LastCheck.Add(threshDur)
}
