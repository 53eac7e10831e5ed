// Package notify decides whether a state transition may produce a
// notification and emits NotificationSent events for the delivery
// back-ends subscribed to the bus.
package notify

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
)

// Notifier applies the suppression rules and emits NotificationSent.
type Notifier struct {
	Bus       *bus.Bus
	Authority string

	// LookupPeriod resolves notification periods by name.
	LookupPeriod func(name string) *objects.TimePeriod
	// IsAuthoritative reports whether this peer holds the notifier
	// feature for the object. Nil means always authoritative.
	IsAuthoritative func(objType, objName string) bool
	// Now is the clock; tests override it.
	Now func() time.Time
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// Deliver attempts a notification for the checkable's current state.
// The caller holds the entity lock. Returns true if NotificationSent
// was emitted.
//
// A notification is suppressed if: notifications are disabled for the
// object, the state is OK, a downtime is active, an unexpired
// acknowledgement is set, the object is flapping, the host is
// unreachable, the current time is outside the notification period, or
// this peer is not the notifier authority.
func (n *Notifier) Deliver(objType, objName string, c *objects.Checkable, reachable bool) bool {
	now := n.now()
	if reason := n.suppressionReason(objType, objName, c, reachable, now); reason != "" {
		log.WithFields(log.Fields{
			"object": objType + "/" + objName,
			"reason": reason,
		}).Debug("Notification suppressed")
		return false
	}

	c.LastNotification = now
	output := ""
	if c.LastCheckResult != nil {
		output = c.LastCheckResult.Output
	}
	n.Bus.Publish(bus.Event{
		Kind:       bus.KindNotificationSent,
		Authority:  n.Authority,
		Timestamp:  now,
		ObjectType: objType,
		ObjectName: objName,
		Data: bus.NotificationData{
			NotificationType: "PROBLEM",
			State:            c.State,
			Output:           output,
		},
	})
	return true
}

func (n *Notifier) suppressionReason(objType, objName string, c *objects.Checkable, reachable bool, now time.Time) string {
	switch {
	case !c.EnableNotifications:
		return "notifications disabled"
	case c.State == 0: // OK / UP
		return "state is OK"
	case c.DowntimeDepth > 0:
		return "in downtime"
	case c.Acknowledged(now):
		return "acknowledged"
	case c.IsFlapping:
		return "flapping"
	case !reachable:
		return "host unreachable"
	}
	if c.NotificationPeriod != "" && n.LookupPeriod != nil {
		tp := n.LookupPeriod(c.NotificationPeriod)
		if tp != nil && !tp.Contains(now, n.LookupPeriod) {
			return "outside notification period"
		}
	}
	if n.IsAuthoritative != nil && !n.IsAuthoritative(objType, objName) {
		return "not notifier authority"
	}
	return ""
}
