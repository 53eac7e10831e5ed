package downtime

import (
	"testing"
	"time"

	"github.com/gravitational/trace"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/runtime"
)

func newTestManager(t *testing.T) (*Manager, *runtime.Registry, *[]bus.Event) {
	t.Helper()
	b := bus.New()
	events := &[]bus.Event{}
	b.SubscribeAll(func(ev bus.Event) { *events = append(*events, ev) })
	reg := runtime.New(b, "node-a")
	h := &objects.Host{Meta: objects.Meta{Name: "web01"}}
	if err := reg.Register(h); err != nil {
		t.Fatalf("register host: %v", err)
	}
	return NewManager(reg, b, "node-a"), reg, events
}

func countKind(events []bus.Event, kind bus.Kind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestAddRemoveComment(t *testing.T) {
	m, reg, events := newTestManager(t)

	c, err := m.AddComment(objects.UserCommentEntry, "Host", "web01", "admin", "planned work", time.Time{})
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if c.Name == "" || c.LegacyID != 1 {
		t.Errorf("unexpected comment identity: name=%q legacy=%d", c.Name, c.LegacyID)
	}
	if countKind(*events, bus.KindCommentAdded) != 1 {
		t.Error("expected CommentAdded event")
	}

	c2, _ := m.AddComment(objects.UserCommentEntry, "Host", "web01", "admin", "more", time.Time{})
	if c2.LegacyID != 2 {
		t.Errorf("legacy ids should increment, got %d", c2.LegacyID)
	}

	if err := m.RemoveComment(c.Name); err != nil {
		t.Fatalf("remove comment: %v", err)
	}
	if reg.Get("Comment", c.Name) != nil {
		t.Error("comment still registered")
	}
	if countKind(*events, bus.KindCommentRemoved) != 1 {
		t.Error("expected CommentRemoved event")
	}

	if err := m.RemoveComment(c.Name); !trace.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestCommentOnUnknownCheckable(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.AddComment(objects.UserCommentEntry, "Host", "missing", "a", "b", time.Time{}); !trace.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestDowntimeLifecycle(t *testing.T) {
	m, reg, events := newTestManager(t)
	base := time.Unix(1700000000, 0)
	m.Now = func() time.Time { return base }

	d, err := m.ScheduleDowntime("Host", "web01", "admin", "maintenance",
		base.Add(-time.Minute), base.Add(time.Hour), true, 0, "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if countKind(*events, bus.KindDowntimeAdded) != 1 {
		t.Error("expected DowntimeAdded event")
	}

	// The sweep activates a fixed downtime inside its window.
	m.Sweep()
	host := reg.Host("web01")
	if host.DowntimeDepth != 1 {
		t.Errorf("expected depth 1, got %d", host.DowntimeDepth)
	}
	if countKind(*events, bus.KindDowntimeTriggered) != 1 {
		t.Error("expected DowntimeTriggered event")
	}

	// A second sweep inside the window does not re-trigger.
	m.Sweep()
	if host.DowntimeDepth != 1 {
		t.Errorf("depth changed on repeated sweep: %d", host.DowntimeDepth)
	}

	// Past the end time the downtime expires and the depth drops.
	m.Now = func() time.Time { return base.Add(2 * time.Hour) }
	m.Sweep()
	if host.DowntimeDepth != 0 {
		t.Errorf("expected depth 0 after expiry, got %d", host.DowntimeDepth)
	}
	if reg.Get("Downtime", d.Name) != nil {
		t.Error("expired downtime still registered")
	}
	if countKind(*events, bus.KindDowntimeRemoved) != 1 {
		t.Error("expected DowntimeRemoved event")
	}
}

func TestDowntimeValidation(t *testing.T) {
	m, _, _ := newTestManager(t)
	now := time.Now()
	if _, err := m.ScheduleDowntime("Host", "web01", "a", "b", now, now, true, 0, ""); !trace.IsBadParameter(err) {
		t.Errorf("expected BadParameter for empty window, got %v", err)
	}
	if _, err := m.ScheduleDowntime("Host", "missing", "a", "b", now, now.Add(time.Hour), true, 0, ""); !trace.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestTriggeredDowntimeChain(t *testing.T) {
	m, reg, _ := newTestManager(t)
	svc := &objects.Service{Meta: objects.Meta{Name: "web01!http"}, HostName: "web01", Description: "http"}
	if err := reg.Register(svc); err != nil {
		t.Fatalf("register service: %v", err)
	}
	now := time.Now()

	parent, err := m.ScheduleDowntime("Host", "web01", "admin", "outer", now, now.Add(time.Hour), false, 600, "")
	if err != nil {
		t.Fatalf("schedule parent: %v", err)
	}
	child, err := m.ScheduleDowntime("Service", "web01!http", "admin", "chained", now, now.Add(time.Hour), false, 600, parent.Name)
	if err != nil {
		t.Fatalf("schedule child: %v", err)
	}

	if err := m.TriggerDowntime(parent.Name); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !parent.InEffect || !child.InEffect {
		t.Error("chained downtime should trigger with its parent")
	}
	if reg.Host("web01").DowntimeDepth != 1 || svc.DowntimeDepth != 1 {
		t.Error("downtime depth not incremented on both checkables")
	}

	if err := m.RemoveDowntime(parent.Name); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if reg.Host("web01").DowntimeDepth != 0 {
		t.Error("removing an in-effect downtime should decrement depth")
	}
}

func TestLegacyIDRemoval(t *testing.T) {
	m, _, _ := newTestManager(t)
	now := time.Now()

	d, _ := m.ScheduleDowntime("Host", "web01", "admin", "x", now, now.Add(time.Hour), true, 0, "")
	if err := m.RemoveDowntimeByLegacyID(d.LegacyID); err != nil {
		t.Fatalf("remove by legacy id: %v", err)
	}
	if err := m.RemoveDowntimeByLegacyID(d.LegacyID); !trace.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}

	c, _ := m.AddComment(objects.UserCommentEntry, "Host", "web01", "admin", "y", time.Time{})
	if err := m.RemoveCommentByLegacyID(c.LegacyID); err != nil {
		t.Fatalf("remove comment by legacy id: %v", err)
	}
}

func TestAcknowledge(t *testing.T) {
	m, reg, events := newTestManager(t)
	host := reg.Host("web01")
	host.State = objects.HostDown
	host.StateType = objects.StateTypeHard

	if err := m.Acknowledge("Host", "web01", "admin", "looking at it", objects.AckSticky, time.Time{}); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if host.Acknowledgement != objects.AckSticky || host.AckAuthor != "admin" {
		t.Error("acknowledgement fields not set")
	}
	if countKind(*events, bus.KindAcknowledgementSet) != 1 {
		t.Error("expected AcknowledgementSet event")
	}
	// The acknowledgement leaves a comment trail.
	if countKind(*events, bus.KindCommentAdded) != 1 {
		t.Error("expected acknowledgement comment")
	}

	if err := m.ClearAcknowledgement("Host", "web01"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if host.Acknowledgement != objects.AckNone {
		t.Error("acknowledgement not cleared")
	}
	if countKind(*events, bus.KindAcknowledgementCleared) != 1 {
		t.Error("expected AcknowledgementCleared event")
	}

	// Clearing again is a silent no-op.
	if err := m.ClearAcknowledgement("Host", "web01"); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if countKind(*events, bus.KindAcknowledgementCleared) != 1 {
		t.Error("no-op clear should not emit")
	}
}

func TestAcknowledgeOKState(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Acknowledge("Host", "web01", "admin", "x", objects.AckNormal, time.Time{})
	if !trace.IsBadParameter(err) {
		t.Errorf("expected BadParameter for OK state, got %v", err)
	}
}

func TestAdoptionCountersAdvance(t *testing.T) {
	m, _, events := newTestManager(t)

	// A replicated comment with a high legacy id advances the local
	// counter past it and emits nothing.
	c := &objects.Comment{
		CheckableType: "Host",
		CheckableName: "web01",
		EntryType:     objects.UserCommentEntry,
		LegacyID:      41,
	}
	c.Name = "11111111-2222-3333-4444-555555555555"
	if err := m.AdoptComment(c); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	if countKind(*events, bus.KindCommentAdded) != 0 {
		t.Error("adoption must not emit events")
	}

	local, err := m.AddComment(objects.UserCommentEntry, "Host", "web01", "admin", "z", time.Time{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if local.LegacyID != 42 {
		t.Errorf("expected legacy id 42 after adoption, got %d", local.LegacyID)
	}
}
