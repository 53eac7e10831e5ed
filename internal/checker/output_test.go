package checker

import (
	"testing"

	"github.com/oceanplexian/icingo/internal/objects"
)

func TestParseOutput_Simple(t *testing.T) {
	p := ParseOutput("OK - everything fine")
	if p.ShortOutput != "OK - everything fine" {
		t.Errorf("unexpected short output: %q", p.ShortOutput)
	}
	if p.LongOutput != "" || p.PerfData != "" {
		t.Error("expected no long output or perfdata")
	}
}

func TestParseOutput_WithPerfData(t *testing.T) {
	p := ParseOutput("DISK OK - 12% used | /=2643MB;5948;5958;0;5968")
	if p.ShortOutput != "DISK OK - 12% used" {
		t.Errorf("unexpected short output: %q", p.ShortOutput)
	}
	if p.PerfData != "/=2643MB;5948;5958;0;5968" {
		t.Errorf("unexpected perfdata: %q", p.PerfData)
	}
}

func TestParseOutput_MultiLine(t *testing.T) {
	raw := "DISK OK | /=2643MB;5948;5958;0;5968\n" +
		"/ 15272 MB (77%);\n" +
		"/boot 68 MB (69%);\n" +
		"| /boot=68MB;88;93;0;98"
	p := ParseOutput(raw)
	if p.ShortOutput != "DISK OK" {
		t.Errorf("unexpected short output: %q", p.ShortOutput)
	}
	if p.LongOutput != "/ 15272 MB (77%);\n/boot 68 MB (69%);" {
		t.Errorf("unexpected long output: %q", p.LongOutput)
	}
	if p.PerfData != "/=2643MB;5948;5958;0;5968 /boot=68MB;88;93;0;98" {
		t.Errorf("unexpected perfdata: %q", p.PerfData)
	}
}

func TestParseOutput_Empty(t *testing.T) {
	p := ParseOutput("")
	if p.ShortOutput != "" || p.LongOutput != "" || p.PerfData != "" {
		t.Error("empty input should produce empty output")
	}
}

func TestServiceStateFromExit(t *testing.T) {
	cases := map[int]int{
		0:   objects.ServiceOK,
		1:   objects.ServiceWarning,
		2:   objects.ServiceCritical,
		3:   objects.ServiceUnknown,
		126: objects.ServiceCritical,
		127: objects.ServiceCritical,
		-1:  objects.ServiceCritical,
	}
	for code, want := range cases {
		if got := ServiceStateFromExit(code); got != want {
			t.Errorf("exit %d: expected state %d, got %d", code, want, got)
		}
	}
}

func TestHostStateFromExit(t *testing.T) {
	if HostStateFromExit(0) != objects.HostUp {
		t.Error("exit 0 should be UP")
	}
	for _, code := range []int{1, 2, 3, 127} {
		if HostStateFromExit(code) != objects.HostDown {
			t.Errorf("exit %d should be DOWN", code)
		}
	}
}
