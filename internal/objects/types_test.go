package objects

import (
	"testing"
	"time"
)

func TestServiceName(t *testing.T) {
	if got := ServiceName("web01", "http"); got != "web01!http" {
		t.Errorf("expected web01!http, got %s", got)
	}
}

func TestStateNames(t *testing.T) {
	if HostStateName(HostUp) != "UP" || HostStateName(HostDown) != "DOWN" ||
		HostStateName(HostUnreachable) != "UNREACHABLE" {
		t.Error("host state names wrong")
	}
	if HostStateName(99) != "UNKNOWN" {
		t.Error("unknown host state should be UNKNOWN")
	}
	if ServiceStateName(ServiceOK) != "OK" || ServiceStateName(ServiceWarning) != "WARNING" ||
		ServiceStateName(ServiceCritical) != "CRITICAL" || ServiceStateName(ServiceUnknown) != "UNKNOWN" {
		t.Error("service state names wrong")
	}
	if StateTypeName(StateTypeSoft) != "SOFT" || StateTypeName(StateTypeHard) != "HARD" {
		t.Error("state type names wrong")
	}
}

func TestHostIsReachable(t *testing.T) {
	parents := map[string]*Host{
		"router": {Meta: Meta{Name: "router"}, Checkable: Checkable{LastHardState: HostUp}},
		"switch": {Meta: Meta{Name: "switch"}, Checkable: Checkable{LastHardState: HostDown}},
	}
	lookup := func(name string) *Host { return parents[name] }

	h := &Host{Meta: Meta{Name: "web01"}}
	if !h.IsReachable(lookup) {
		t.Error("host with no parents should be reachable")
	}

	h.Parents = []string{"router"}
	if !h.IsReachable(lookup) {
		t.Error("host with up parent should be reachable")
	}

	h.Parents = []string{"router", "switch"}
	if h.IsReachable(lookup) {
		t.Error("host with a down parent should be unreachable")
	}

	// A dangling parent reference does not block reachability.
	h.Parents = []string{"missing"}
	if !h.IsReachable(lookup) {
		t.Error("missing parent should not make the host unreachable")
	}
}

func TestAcknowledged(t *testing.T) {
	now := time.Now()
	c := &Checkable{}
	if c.Acknowledged(now) {
		t.Error("unacknowledged checkable reported acknowledged")
	}

	c.Acknowledgement = AckNormal
	if !c.Acknowledged(now) {
		t.Error("acknowledgement without expiry should hold")
	}

	c.AckExpiry = now.Add(time.Hour)
	if !c.Acknowledged(now) {
		t.Error("acknowledgement before expiry should hold")
	}

	c.AckExpiry = now.Add(-time.Hour)
	if c.Acknowledged(now) {
		t.Error("expired acknowledgement should not hold")
	}
}

func TestCheckResultLatency(t *testing.T) {
	base := time.Unix(1700000000, 0)
	cr := &CheckResult{
		ScheduleStart:  base,
		ScheduleEnd:    base.Add(5 * time.Second),
		ExecutionStart: base.Add(2 * time.Second),
		ExecutionEnd:   base.Add(5 * time.Second),
	}
	if got := cr.Latency(); got != 2*time.Second {
		t.Errorf("expected 2s latency, got %v", got)
	}
	if got := cr.ExecutionTime(); got != 3*time.Second {
		t.Errorf("expected 3s execution time, got %v", got)
	}

	// Malformed timestamps clamp to zero rather than going negative.
	cr = &CheckResult{
		ScheduleStart:  base,
		ScheduleEnd:    base,
		ExecutionStart: base,
		ExecutionEnd:   base.Add(time.Second),
	}
	if got := cr.Latency(); got != 0 {
		t.Errorf("expected zero latency, got %v", got)
	}
}

func TestCommandTimeoutDuration(t *testing.T) {
	c := &CheckCommand{}
	if c.TimeoutDuration() != 60*time.Second {
		t.Error("default timeout should be 60s")
	}
	c.Timeout = 2.5
	if c.TimeoutDuration() != 2500*time.Millisecond {
		t.Errorf("expected 2.5s, got %v", c.TimeoutDuration())
	}
}
