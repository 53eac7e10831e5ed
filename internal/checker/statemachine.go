package checker

import (
	"time"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
)

// StateMachine consumes CheckResults and produces the next (state,
// state_type, current_attempt), emitting the corresponding events.
//
// Attempt counter rules:
//   - new state equals previous, previous hard: stay hard; attempt is
//     pinned to max for problems and resets to 1 for OK/UP
//   - new state equals previous, previous soft: keep the attempt if the
//     state is OK (which promotes to hard), otherwise increment
//   - new state differs from previous: attempt 1, soft
//
// Promotion to hard happens when the attempt reaches max_check_attempts.
type StateMachine struct {
	Bus       *bus.Bus
	Authority string

	// LookupHost resolves hosts for reachability decisions.
	LookupHost func(name string) *objects.Host
	// OnNotification is called, with the entity lock held, whenever a
	// result warrants a notification attempt. Gating lives in the
	// notifier, not here.
	OnNotification func(objType, objName string, c *objects.Checkable, reachable bool)
	// Now is the clock; tests override it.
	Now func() time.Time
}

func (m *StateMachine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// ProcessHost applies a check result to a host. A DOWN result on a
// host whose parents are not all up is recorded as UNREACHABLE.
func (m *StateMachine) ProcessHost(h *objects.Host, cr *objects.CheckResult) {
	h.Lock()
	defer h.Unlock()

	reachable := true
	if m.LookupHost != nil {
		reachable = h.IsReachable(m.LookupHost)
	}
	state := cr.State
	if state == objects.HostDown && !reachable {
		state = objects.HostUnreachable
	}
	m.apply("Host", h.Name, &h.Checkable, state, reachable, cr)
}

// ProcessService applies a check result to a service. Checks continue
// while the owning host is down or unreachable, but the reachability
// flag suppresses notifications downstream.
func (m *StateMachine) ProcessService(s *objects.Service, cr *objects.CheckResult) {
	var host *objects.Host
	if m.LookupHost != nil {
		host = m.LookupHost(s.HostName)
	}

	s.Lock()
	defer s.Unlock()

	reachable := true
	if host != nil {
		reachable = host.LastHardState == objects.HostUp && host.IsReachable(m.LookupHost)
	}
	m.apply("Service", s.Name, &s.Checkable, cr.State, reachable, cr)
}

// apply runs the state machine core. The entity lock is held by the
// caller and stays held across event publication; handlers must not
// relock the entity.
func (m *StateMachine) apply(typ, name string, c *objects.Checkable, newState int, reachable bool, cr *objects.CheckResult) {
	now := m.now()
	isOK := newState == 0 // HostUp and ServiceOK share the zero value

	before := &objects.StateSnapshot{
		State:     c.State,
		StateType: c.StateType,
		Attempt:   c.CurrentAttempt,
		Reachable: reachable,
	}

	old := c.State
	oldType := c.StateType
	stateChange := newState != old
	hardChange := false

	maxAttempts := c.MaxCheckAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	switch {
	case stateChange:
		c.CurrentAttempt = 1
		c.StateType = objects.StateTypeSoft
	case oldType == objects.StateTypeHard:
		if isOK {
			c.CurrentAttempt = 1
		} else {
			c.CurrentAttempt = maxAttempts
		}
	default: // soft, same state
		if !isOK {
			c.CurrentAttempt++
		}
	}
	if c.CurrentAttempt < 1 {
		c.CurrentAttempt = 1
	}

	if c.StateType == objects.StateTypeSoft {
		if (!stateChange && isOK) || c.CurrentAttempt >= maxAttempts {
			if c.CurrentAttempt > maxAttempts {
				c.CurrentAttempt = maxAttempts
			}
			c.StateType = objects.StateTypeHard
			hardChange = true
		}
	}

	// Acknowledgements: any ack clears on recovery; a normal
	// (non-sticky) ack clears on any state change.
	ackCleared := false
	if stateChange && c.Acknowledgement != objects.AckNone {
		if isOK || c.Acknowledgement == objects.AckNormal {
			c.Acknowledgement = objects.AckNone
			c.AckAuthor = ""
			c.AckComment = ""
			c.AckExpiry = time.Time{}
			ackCleared = true
		}
	}

	c.LastState = old
	c.State = newState
	if stateChange {
		c.LastStateChange = now
	}
	if hardChange {
		c.LastHardState = newState
		c.LastHardStateChange = now
		// Keep last_hard_state_change <= last_state_change.
		c.LastStateChange = now
	}

	flapEdge := false
	if c.EnableFlapping {
		UpdateFlapHistory(&c.FlapHistory, &c.FlapIndex, &c.FlappingCurrent, newState)
		newFlapping, changed := CheckFlapping(c.IsFlapping, c.FlappingCurrent,
			c.LowFlapThreshold, c.HighFlapThreshold)
		if changed {
			c.IsFlapping = newFlapping
			flapEdge = true
		}
	}

	// Retry interval while a problem is still soft, check interval
	// once a result is hard or OK.
	if c.StateType == objects.StateTypeSoft && !isOK {
		c.NextCheck = now.Add(seconds(c.RetryInterval, 60))
	} else {
		c.NextCheck = now.Add(seconds(c.CheckInterval, 300))
	}

	c.LastCheck = now
	c.HasBeenChecked = true
	c.Executing = false

	cr.VarsBefore = before
	cr.VarsAfter = &objects.StateSnapshot{
		State:     c.State,
		StateType: c.StateType,
		Attempt:   c.CurrentAttempt,
		Reachable: reachable,
	}
	c.LastCheckResult = cr

	m.publish(bus.Event{
		Kind:       bus.KindCheckResult,
		ObjectType: typ,
		ObjectName: name,
		Data:       bus.CheckResultData{Result: cr},
	})
	if stateChange || hardChange {
		m.publish(bus.Event{
			Kind:       bus.KindStateChange,
			ObjectType: typ,
			ObjectName: name,
			Data:       bus.StateChangeData{State: c.State, StateType: c.StateType},
		})
	}
	m.publish(bus.Event{
		Kind:       bus.KindNextCheckChanged,
		ObjectType: typ,
		ObjectName: name,
		Data:       bus.NextCheckChangedData{NextCheck: c.NextCheck},
	})
	if flapEdge {
		m.publish(bus.Event{
			Kind:       bus.KindFlappingChanged,
			ObjectType: typ,
			ObjectName: name,
			Data:       bus.FlappingChangedData{IsFlapping: c.IsFlapping, Current: c.FlappingCurrent},
		})
	}
	if ackCleared {
		m.publish(bus.Event{
			Kind:       bus.KindAcknowledgementCleared,
			ObjectType: typ,
			ObjectName: name,
			Data:       bus.AcknowledgementData{},
		})
	}

	if m.OnNotification == nil {
		return
	}
	if hardChange && !isOK {
		m.OnNotification(typ, name, c, reachable)
		return
	}
	// Continuing hard problem: keep attempting until the first
	// notification for this hard state actually goes out (the one at
	// the transition may have been suppressed by a downtime or ack
	// that has since been lifted), then honor the interval.
	if !stateChange && c.StateType == objects.StateTypeHard && !isOK {
		switch {
		case c.LastNotification.Before(c.LastHardStateChange):
			m.OnNotification(typ, name, c, reachable)
		case c.NotificationInterval > 0 && now.Sub(c.LastNotification) >= seconds(c.NotificationInterval, 0):
			m.OnNotification(typ, name, c, reachable)
		}
	}
}

// ExpireAcknowledgement clears an acknowledgement whose expiry has
// passed and emits AcknowledgementCleared. The caller holds the entity
// lock. Returns true if an acknowledgement was cleared.
func (m *StateMachine) ExpireAcknowledgement(typ, name string, c *objects.Checkable) bool {
	now := m.now()
	if c.Acknowledgement == objects.AckNone || c.AckExpiry.IsZero() || now.Before(c.AckExpiry) {
		return false
	}
	c.Acknowledgement = objects.AckNone
	c.AckAuthor = ""
	c.AckComment = ""
	c.AckExpiry = time.Time{}
	m.publish(bus.Event{
		Kind:       bus.KindAcknowledgementCleared,
		ObjectType: typ,
		ObjectName: name,
		Data:       bus.AcknowledgementData{},
	})
	return true
}

func (m *StateMachine) publish(ev bus.Event) {
	if m.Bus == nil {
		return
	}
	ev.Authority = m.Authority
	ev.Timestamp = m.now()
	m.Bus.Publish(ev)
}

func seconds(v, def float64) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v * float64(time.Second))
}
