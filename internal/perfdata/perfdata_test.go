package perfdata

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oceanplexian/icingo/internal/bus"
	"github.com/oceanplexian/icingo/internal/objects"
)

func TestExpandMacros_Basic(t *testing.T) {
	got := expandMacros("Hello $NAME$", map[string]string{"NAME": "World"})
	if got != "Hello World" {
		t.Errorf("expected 'Hello World', got %q", got)
	}
}

func TestExpandMacros_NoMatch(t *testing.T) {
	got := expandMacros("$UNKNOWN$", map[string]string{"NAME": "x"})
	if got != "$UNKNOWN$" {
		t.Errorf("expected '$UNKNOWN$' unchanged, got %q", got)
	}
}

func TestServiceMacros_SplitsObjectName(t *testing.T) {
	cr := &objects.CheckResult{PerformanceData: "time=0.01s"}
	m := serviceMacros("web1!HTTP", cr)
	if m["HOSTNAME"] != "web1" || m["SERVICEDESC"] != "HTTP" {
		t.Errorf("unexpected split: %q / %q", m["HOSTNAME"], m["SERVICEDESC"])
	}
}

func TestNewWriter_ServiceFileOpenFailure(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{
		HostFile:    filepath.Join(dir, "host-perfdata"),
		ServiceFile: filepath.Join(dir, "missing", "service-perfdata"),
	})
	if err == nil {
		w.Close(nil)
		t.Fatal("expected error for unopenable service file")
	}
}

func TestWriter_WritesHostAndServiceLines(t *testing.T) {
	dir := t.TempDir()
	hostPath := filepath.Join(dir, "host-perfdata")
	svcPath := filepath.Join(dir, "service-perfdata")

	w, err := NewWriter(Config{
		HostFile:        hostPath,
		HostTemplate:    "$HOSTNAME$ $HOSTPERFDATA$",
		ServiceFile:     svcPath,
		ServiceTemplate: "$HOSTNAME$/$SERVICEDESC$ $SERVICEPERFDATA$",
	})
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	w.Subscribe(b)

	end := time.Unix(1700000000, 0)
	b.Publish(bus.Event{
		Kind:       bus.KindCheckResult,
		ObjectType: "Host",
		ObjectName: "h1",
		Data: bus.CheckResultData{Result: &objects.CheckResult{
			ExecutionEnd:    end,
			PerformanceData: "rta=1.00ms",
		}},
	})
	b.Publish(bus.Event{
		Kind:       bus.KindCheckResult,
		ObjectType: "Service",
		ObjectName: "h1!HTTP",
		Data: bus.CheckResultData{Result: &objects.CheckResult{
			ExecutionEnd:    end,
			PerformanceData: "time=0.010s",
		}},
	})
	// Results without perfdata produce no line.
	b.Publish(bus.Event{
		Kind:       bus.KindCheckResult,
		ObjectType: "Host",
		ObjectName: "h2",
		Data:       bus.CheckResultData{Result: &objects.CheckResult{ExecutionEnd: end}},
	})
	w.Close(b)

	hostData, err := os.ReadFile(hostPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(hostData)) != "h1 rta=1.00ms" {
		t.Errorf("unexpected host perfdata: %q", hostData)
	}
	svcData, err := os.ReadFile(svcPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(svcData)) != "h1/HTTP time=0.010s" {
		t.Errorf("unexpected service perfdata: %q", svcData)
	}
}
