package scheduler

import (
	"testing"
	"time"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/checker"
	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/runtime"
)

type allowAll struct{}

func (allowAll) IsAuthoritative(objType, objName, feature string) bool { return true }

func newTestEngine(t *testing.T) (*runtime.Registry, *bus.Bus, *Scheduler, *checker.Executor) {
	t.Helper()
	b := bus.New()
	reg := runtime.New(b, "node-a")
	exec := checker.NewExecutor(4)
	machine := &checker.StateMachine{Bus: b, LookupHost: reg.Host}
	sched := New(reg, exec, machine, allowAll{}, b)
	return reg, b, sched, exec
}

func registerService(t *testing.T, reg *runtime.Registry, name string) *objects.Service {
	t.Helper()
	svc := &objects.Service{
		Meta: objects.Meta{Name: name},
		Checkable: objects.Checkable{
			CheckCommand:        "check_dummy",
			CheckInterval:       300,
			RetryInterval:       60,
			MaxCheckAttempts:    3,
			CurrentAttempt:      1,
			EnablePassiveChecks: true,
		},
		HostName:    "web01",
		Description: "http",
	}
	if err := reg.Register(svc); err != nil {
		t.Fatalf("register service: %v", err)
	}
	return svc
}

func TestSchedulerPassiveResult(t *testing.T) {
	reg, b, sched, exec := newTestEngine(t)
	defer exec.Shutdown(time.Second)
	svc := registerService(t, reg, "web01!http")

	processed := make(chan bus.Event, 1)
	b.Subscribe(bus.KindCheckResult, func(ev bus.Event) {
		select {
		case processed <- ev:
		default:
		}
	})

	go sched.Run()
	defer sched.Stop()

	now := time.Now()
	sched.SubmitPassive(PassiveResult{
		ObjectType: "Service",
		ObjectName: "web01!http",
		Result: &objects.CheckResult{
			ScheduleStart:  now,
			ScheduleEnd:    now,
			ExecutionStart: now,
			ExecutionEnd:   now,
			ExitStatus:     2,
			Output:         "CRITICAL - connection refused",
			State:          objects.ServiceCritical,
			Active:         false,
		},
	})

	select {
	case ev := <-processed:
		if ev.ObjectName != "web01!http" {
			t.Errorf("unexpected object: %s", ev.ObjectName)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for passive result")
	}

	svc.Lock()
	state, stateType := svc.State, svc.StateType
	svc.Unlock()
	if state != objects.ServiceCritical || stateType != objects.StateTypeSoft {
		t.Errorf("expected (critical,soft), got (%d,%d)", state, stateType)
	}
}

func TestSchedulerPassiveDisabled(t *testing.T) {
	reg, b, sched, exec := newTestEngine(t)
	defer exec.Shutdown(time.Second)
	svc := registerService(t, reg, "web01!http")
	svc.EnablePassiveChecks = false

	processed := make(chan bus.Event, 1)
	b.Subscribe(bus.KindCheckResult, func(ev bus.Event) {
		select {
		case processed <- ev:
		default:
		}
	})

	go sched.Run()
	defer sched.Stop()

	sched.SubmitPassive(PassiveResult{
		ObjectType: "Service",
		ObjectName: "web01!http",
		Result:     &objects.CheckResult{State: objects.ServiceCritical},
	})

	select {
	case <-processed:
		t.Fatal("passive result processed with passive checks disabled")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSchedulerActiveCheckRuns(t *testing.T) {
	reg, b, sched, exec := newTestEngine(t)
	defer exec.Shutdown(5 * time.Second)
	svc := registerService(t, reg, "web01!http")
	svc.EnableActiveChecks = true
	svc.NextCheck = time.Now()

	cmd := &objects.CheckCommand{
		Meta:        objects.Meta{Name: "check_dummy"},
		CommandLine: "echo 'OK - dummy'; exit 0",
	}
	if err := reg.Register(cmd); err != nil {
		t.Fatalf("register command: %v", err)
	}

	processed := make(chan bus.Event, 1)
	b.Subscribe(bus.KindCheckResult, func(ev bus.Event) {
		select {
		case processed <- ev:
		default:
		}
	})

	sched.Init()
	go sched.Run()
	defer sched.Stop()

	select {
	case <-processed:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for active check")
	}

	svc.Lock()
	state := svc.State
	checked := svc.HasBeenChecked
	svc.Unlock()
	if state != objects.ServiceOK || !checked {
		t.Errorf("expected checked OK service, got state=%d checked=%v", state, checked)
	}
}

func TestSchedulerRemoveCheckable(t *testing.T) {
	reg, _, sched, exec := newTestEngine(t)
	defer exec.Shutdown(time.Second)
	registerService(t, reg, "web01!http")

	go sched.Run()
	defer sched.Stop()

	sched.AddCheckable("Service", "web01!http")
	sched.RemoveCheckable("Service", "web01!http")

	// Queue state is owned by the loop; verify through another op.
	done := make(chan bool, 1)
	sched.op(func() { done <- sched.idle.Contains("Service", "web01!http") })
	if <-done {
		t.Error("checkable still queued after removal")
	}
}
