// Package downtime manages the runtime-created entities parented to
// checkables: comments, scheduled downtimes and acknowledgements. Each
// carries a UUID object name plus a stable legacy integer id.
package downtime

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/runtime"
)

// Manager creates, removes and sweeps comments and downtimes and sets
// acknowledgements on checkables.
type Manager struct {
	reg       *runtime.Registry
	bus       *bus.Bus
	authority string

	nextCommentID  atomic.Uint64
	nextDowntimeID atomic.Uint64

	// Now is the clock; tests override it.
	Now func() time.Time
}

// NewManager creates a manager emitting events as localEndpoint.
func NewManager(reg *runtime.Registry, b *bus.Bus, localEndpoint string) *Manager {
	m := &Manager{reg: reg, bus: b, authority: localEndpoint}
	m.nextCommentID.Store(1)
	m.nextDowntimeID.Store(1)
	return m
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) publish(kind bus.Kind, objType, objName string, data interface{}) {
	m.bus.Publish(bus.Event{
		Kind:       kind,
		Authority:  m.authority,
		Timestamp:  m.now(),
		ObjectType: objType,
		ObjectName: objName,
		Data:       data,
	})
}

func (m *Manager) checkable(typ, name string) (*objects.Checkable, runtime.Object, error) {
	c, obj := m.reg.Checkable(typ, name)
	if c == nil {
		return nil, nil, trace.NotFound("%s %q not found", typ, name)
	}
	return c, obj, nil
}

// AddComment creates a comment on a checkable.
func (m *Manager) AddComment(entryType int, objType, objName, author, text string, expiry time.Time) (*objects.Comment, error) {
	if _, _, err := m.checkable(objType, objName); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &objects.Comment{
		CheckableType: objType,
		CheckableName: objName,
		EntryType:     entryType,
		Author:        author,
		Text:          text,
		EntryTime:     m.now(),
		Expiry:        expiry,
		LegacyID:      m.nextCommentID.Add(1) - 1,
	}
	c.Name = uuid.NewString()
	if err := m.AdoptComment(c); err != nil {
		return nil, trace.Wrap(err)
	}
	m.publish(bus.KindCommentAdded, objType, objName, bus.CommentData{Comment: c})
	return c, nil
}

// AdoptComment registers a comment entity without emitting events,
// for replicated comments arriving from a peer.
func (m *Manager) AdoptComment(c *objects.Comment) error {
	if err := m.reg.Register(c); err != nil {
		return trace.Wrap(err)
	}
	bumpCounter(&m.nextCommentID, c.LegacyID)
	return nil
}

// RemoveComment deletes a comment by UUID.
func (m *Manager) RemoveComment(name string) error {
	obj, err := m.reg.Lookup("Comment", name)
	if err != nil {
		return trace.Wrap(err)
	}
	c := obj.(*objects.Comment)
	if err := m.reg.Remove("Comment", name); err != nil {
		return trace.Wrap(err)
	}
	m.publish(bus.KindCommentRemoved, c.CheckableType, c.CheckableName, bus.CommentData{Comment: c})
	return nil
}

// ScheduleDowntime creates a downtime window on a checkable. Fixed
// downtimes activate when their start time passes; flexible downtimes
// activate on the first problem inside the window and last Duration.
func (m *Manager) ScheduleDowntime(objType, objName, author, text string, start, end time.Time, fixed bool, duration float64, triggeredBy string) (*objects.Downtime, error) {
	if _, _, err := m.checkable(objType, objName); err != nil {
		return nil, trace.Wrap(err)
	}
	if !end.After(start) {
		return nil, trace.BadParameter("downtime end %v is not after start %v", end, start)
	}
	d := &objects.Downtime{
		CheckableType: objType,
		CheckableName: objName,
		Author:        author,
		Text:          text,
		EntryTime:     m.now(),
		StartTime:     start,
		EndTime:       end,
		Fixed:         fixed,
		Duration:      duration,
		TriggeredBy:   triggeredBy,
		LegacyID:      m.nextDowntimeID.Add(1) - 1,
	}
	d.Name = uuid.NewString()
	if err := m.AdoptDowntime(d); err != nil {
		return nil, trace.Wrap(err)
	}
	m.publish(bus.KindDowntimeAdded, objType, objName, bus.DowntimeData{Downtime: d})
	return d, nil
}

// AdoptDowntime registers a downtime entity without emitting events,
// for replicated downtimes arriving from a peer.
func (m *Manager) AdoptDowntime(d *objects.Downtime) error {
	if err := m.reg.Register(d); err != nil {
		return trace.Wrap(err)
	}
	bumpCounter(&m.nextDowntimeID, d.LegacyID)
	return nil
}

// RemoveDowntime cancels a downtime by UUID, ending it first if it is
// in effect.
func (m *Manager) RemoveDowntime(name string) error {
	obj, err := m.reg.Lookup("Downtime", name)
	if err != nil {
		return trace.Wrap(err)
	}
	d := obj.(*objects.Downtime)
	if d.InEffect {
		m.endDowntime(d)
	}
	if err := m.reg.Remove("Downtime", name); err != nil {
		return trace.Wrap(err)
	}
	m.publish(bus.KindDowntimeRemoved, d.CheckableType, d.CheckableName, bus.DowntimeData{Downtime: d})
	return nil
}

// TriggerDowntime puts a downtime into effect: the checkable's
// downtime depth is incremented and chained downtimes trigger too.
func (m *Manager) TriggerDowntime(name string) error {
	obj, err := m.reg.Lookup("Downtime", name)
	if err != nil {
		return trace.Wrap(err)
	}
	d := obj.(*objects.Downtime)
	if d.InEffect {
		return nil
	}
	c, owner, err := m.checkable(d.CheckableType, d.CheckableName)
	if err != nil {
		return trace.Wrap(err)
	}

	d.Lock()
	d.InEffect = true
	d.TriggerTime = m.now()
	d.Unlock()

	owner.Lock()
	c.DowntimeDepth++
	owner.Unlock()

	m.publish(bus.KindDowntimeTriggered, d.CheckableType, d.CheckableName, bus.DowntimeData{Downtime: d})

	// Chained downtimes trigger with their parent.
	for _, child := range m.reg.Enumerate("Downtime") {
		cd := child.(*objects.Downtime)
		if cd.TriggeredBy == d.Name && !cd.InEffect {
			if err := m.TriggerDowntime(cd.Name); err != nil {
				log.WithError(err).WithField("downtime", cd.Name).
					Warn("Failed to trigger chained downtime")
			}
		}
	}
	return nil
}

func (m *Manager) endDowntime(d *objects.Downtime) {
	c, owner, err := m.checkable(d.CheckableType, d.CheckableName)
	if err != nil {
		return
	}
	d.Lock()
	d.InEffect = false
	d.Unlock()
	owner.Lock()
	if c.DowntimeDepth > 0 {
		c.DowntimeDepth--
	}
	owner.Unlock()
}

// Sweep activates fixed downtimes whose window has opened and expires
// downtimes whose window has closed. Call it periodically.
func (m *Manager) Sweep() {
	now := m.now()
	for _, obj := range m.reg.Enumerate("Downtime") {
		d := obj.(*objects.Downtime)
		switch {
		case !d.InEffect && d.Fixed && !now.Before(d.StartTime) && now.Before(d.EndTime):
			if err := m.TriggerDowntime(d.Name); err != nil {
				log.WithError(err).WithField("downtime", d.Name).Warn("Failed to trigger downtime")
			}
		case now.After(d.EndTime):
			if err := m.RemoveDowntime(d.Name); err != nil && !trace.IsNotFound(err) {
				log.WithError(err).WithField("downtime", d.Name).Warn("Failed to expire downtime")
			}
		}
	}
}

// Acknowledge sets an acknowledgement on a problem state.
func (m *Manager) Acknowledge(objType, objName, author, comment string, ackType int, expiry time.Time) error {
	c, owner, err := m.checkable(objType, objName)
	if err != nil {
		return trace.Wrap(err)
	}
	owner.Lock()
	if c.State == 0 {
		owner.Unlock()
		return trace.BadParameter("%s %q is not in a problem state", objType, objName)
	}
	c.Acknowledgement = ackType
	c.AckAuthor = author
	c.AckComment = comment
	c.AckExpiry = expiry
	owner.Unlock()

	if _, err := m.AddComment(objects.AcknowledgementCommentEntry, objType, objName, author, comment, expiry); err != nil {
		log.WithError(err).Warn("Failed to add acknowledgement comment")
	}
	m.publish(bus.KindAcknowledgementSet, objType, objName, bus.AcknowledgementData{
		Author:  author,
		Comment: comment,
		AckType: ackType,
		Expiry:  expiry,
	})
	return nil
}

// ClearAcknowledgement removes an acknowledgement.
func (m *Manager) ClearAcknowledgement(objType, objName string) error {
	c, owner, err := m.checkable(objType, objName)
	if err != nil {
		return trace.Wrap(err)
	}
	owner.Lock()
	had := c.Acknowledgement != objects.AckNone
	c.Acknowledgement = objects.AckNone
	c.AckAuthor = ""
	c.AckComment = ""
	c.AckExpiry = time.Time{}
	owner.Unlock()
	if had {
		m.publish(bus.KindAcknowledgementCleared, objType, objName, bus.AcknowledgementData{})
	}
	return nil
}

// RemoveCommentByLegacyID deletes a comment by its integer id, the
// form the external command pipe uses.
func (m *Manager) RemoveCommentByLegacyID(id uint64) error {
	for _, obj := range m.reg.Enumerate("Comment") {
		if c := obj.(*objects.Comment); c.LegacyID == id {
			return trace.Wrap(m.RemoveComment(c.Name))
		}
	}
	return trace.NotFound("comment %d not found", id)
}

// RemoveDowntimeByLegacyID cancels a downtime by its integer id.
func (m *Manager) RemoveDowntimeByLegacyID(id uint64) error {
	for _, obj := range m.reg.Enumerate("Downtime") {
		if d := obj.(*objects.Downtime); d.LegacyID == id {
			return trace.Wrap(m.RemoveDowntime(d.Name))
		}
	}
	return trace.NotFound("downtime %d not found", id)
}

// Replication entry points. They mutate the runtime without
// re-emitting events; the originating peer already published them.

// DropComment removes a comment without emitting events.
func (m *Manager) DropComment(name string) error {
	return trace.Wrap(m.reg.Remove("Comment", name))
}

// DropDowntime ends and removes a downtime without emitting events.
func (m *Manager) DropDowntime(name string) error {
	obj, err := m.reg.Lookup("Downtime", name)
	if err != nil {
		return trace.Wrap(err)
	}
	d := obj.(*objects.Downtime)
	if d.InEffect {
		m.endDowntime(d)
	}
	return trace.Wrap(m.reg.Remove("Downtime", name))
}

// AdoptTrigger puts a replicated downtime into effect. Chained
// downtimes are not followed; their triggers replicate on their own.
func (m *Manager) AdoptTrigger(name string) error {
	obj, err := m.reg.Lookup("Downtime", name)
	if err != nil {
		return trace.Wrap(err)
	}
	d := obj.(*objects.Downtime)
	if d.InEffect {
		return nil
	}
	c, owner, err := m.checkable(d.CheckableType, d.CheckableName)
	if err != nil {
		return trace.Wrap(err)
	}
	d.Lock()
	d.InEffect = true
	d.TriggerTime = m.now()
	d.Unlock()
	owner.Lock()
	c.DowntimeDepth++
	owner.Unlock()
	return nil
}

// AdoptAcknowledgement sets acknowledgement fields from a replicated
// event.
func (m *Manager) AdoptAcknowledgement(objType, objName, author, comment string, ackType int, expiry time.Time) error {
	c, owner, err := m.checkable(objType, objName)
	if err != nil {
		return trace.Wrap(err)
	}
	owner.Lock()
	c.Acknowledgement = ackType
	c.AckAuthor = author
	c.AckComment = comment
	c.AckExpiry = expiry
	owner.Unlock()
	return nil
}

// DropAcknowledgement clears acknowledgement fields without emitting
// events.
func (m *Manager) DropAcknowledgement(objType, objName string) error {
	c, owner, err := m.checkable(objType, objName)
	if err != nil {
		return trace.Wrap(err)
	}
	owner.Lock()
	c.Acknowledgement = objects.AckNone
	c.AckAuthor = ""
	c.AckComment = ""
	c.AckExpiry = time.Time{}
	owner.Unlock()
	return nil
}

func bumpCounter(counter *atomic.Uint64, seen uint64) {
	for {
		cur := counter.Load()
		if seen < cur {
			return
		}
		if counter.CompareAndSwap(cur, seen+1) {
			return
		}
	}
}
