package notify

import (
	"testing"
	"time"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
)

func newTestNotifier() (*Notifier, *[]bus.Event) {
	b := bus.New()
	events := &[]bus.Event{}
	b.Subscribe(bus.KindNotificationSent, func(ev bus.Event) {
		*events = append(*events, ev)
	})
	return &Notifier{Bus: b, Authority: "node-a"}, events
}

func problemCheckable() *objects.Checkable {
	return &objects.Checkable{
		EnableNotifications: true,
		State:               objects.ServiceCritical,
		StateType:           objects.StateTypeHard,
	}
}

func TestDeliverProblem(t *testing.T) {
	n, events := newTestNotifier()
	c := problemCheckable()
	c.LastCheckResult = &objects.CheckResult{Output: "CRITICAL - down"}

	if !n.Deliver("Service", "web01!http", c, true) {
		t.Fatal("expected delivery")
	}
	if len(*events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(*events))
	}
	data := (*events)[0].Data.(bus.NotificationData)
	if data.State != objects.ServiceCritical || data.Output != "CRITICAL - down" {
		t.Errorf("unexpected payload: %+v", data)
	}
	if c.LastNotification.IsZero() {
		t.Error("last_notification not stamped")
	}
}

func TestDeliverSuppression(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(c *objects.Checkable)
		reachable bool
	}{
		{"disabled", func(c *objects.Checkable) { c.EnableNotifications = false }, true},
		{"ok state", func(c *objects.Checkable) { c.State = objects.ServiceOK }, true},
		{"in downtime", func(c *objects.Checkable) { c.DowntimeDepth = 1 }, true},
		{"acknowledged", func(c *objects.Checkable) { c.Acknowledgement = objects.AckNormal }, true},
		{"flapping", func(c *objects.Checkable) { c.IsFlapping = true }, true},
		{"unreachable", func(c *objects.Checkable) {}, false},
	}
	for _, tc := range cases {
		n, events := newTestNotifier()
		c := problemCheckable()
		tc.mutate(c)
		if n.Deliver("Service", "web01!http", c, tc.reachable) {
			t.Errorf("%s: notification should be suppressed", tc.name)
		}
		if len(*events) != 0 {
			t.Errorf("%s: unexpected event", tc.name)
		}
		if !c.LastNotification.IsZero() {
			t.Errorf("%s: suppressed delivery stamped last_notification", tc.name)
		}
	}
}

func TestDeliverExpiredAckDoesNotSuppress(t *testing.T) {
	n, _ := newTestNotifier()
	c := problemCheckable()
	c.Acknowledgement = objects.AckNormal
	c.AckExpiry = time.Now().Add(-time.Hour)

	if !n.Deliver("Service", "web01!http", c, true) {
		t.Error("expired acknowledgement should not suppress")
	}
}

func TestDeliverNotificationPeriod(t *testing.T) {
	never := &objects.TimePeriod{Meta: objects.Meta{Name: "never"}}
	never.Ranges[0] = "00:00-00:01" // effectively closed outside one minute on sundays
	lookup := func(name string) *objects.TimePeriod {
		if name == "never" {
			return never
		}
		return nil
	}

	n, _ := newTestNotifier()
	n.LookupPeriod = lookup
	// Pin the clock well outside the period window.
	n.Now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }

	c := problemCheckable()
	c.NotificationPeriod = "never"
	if n.Deliver("Service", "web01!http", c, true) {
		t.Error("notification outside period should be suppressed")
	}

	// A dangling period reference does not suppress.
	c.NotificationPeriod = "missing"
	if !n.Deliver("Service", "web01!http", c, true) {
		t.Error("missing period should not suppress")
	}
}

func TestDeliverAuthority(t *testing.T) {
	n, _ := newTestNotifier()
	n.IsAuthoritative = func(objType, objName string) bool { return false }

	c := problemCheckable()
	if n.Deliver("Service", "web01!http", c, true) {
		t.Error("non-authoritative peer should not notify")
	}

	n.IsAuthoritative = func(objType, objName string) bool { return true }
	if !n.Deliver("Service", "web01!http", c, true) {
		t.Error("authoritative peer should notify")
	}
}

func TestDeliverHostDown(t *testing.T) {
	n, events := newTestNotifier()
	c := &objects.Checkable{
		EnableNotifications: true,
		State:               objects.HostDown,
		StateType:           objects.StateTypeHard,
	}
	if !n.Deliver("Host", "web01", c, true) {
		t.Fatal("expected delivery for down host")
	}
	data := (*events)[0].Data.(bus.NotificationData)
	if data.State != objects.HostDown {
		t.Errorf("unexpected state: %d", data.State)
	}
}
