// Package checker executes check plugins and drives the SOFT/HARD
// state machine over their results.
package checker

import (
	"strings"

	"github.com/oceanplexian/icingo/internal/objects"
)

// ParsedOutput contains the parsed components of plugin output.
type ParsedOutput struct {
	ShortOutput string
	LongOutput  string
	PerfData    string
}

// ParseOutput splits raw plugin output into the first-line short
// output, the remaining long output, and performance data.
//
// Format:
//
//	SHORT OUTPUT | perfdata
//	LONG OUTPUT LINE 1
//	LONG OUTPUT LINE 2
//	| more perfdata
func ParseOutput(raw string) ParsedOutput {
	if raw == "" {
		return ParsedOutput{}
	}

	lines := strings.Split(raw, "\n")
	var p ParsedOutput
	var longLines []string
	var perfLines []string
	inPerfData := false

	for i, line := range lines {
		if i == 0 {
			if idx := strings.Index(line, "|"); idx >= 0 {
				p.ShortOutput = strings.TrimSpace(line[:idx])
				perfLines = append(perfLines, strings.TrimSpace(line[idx+1:]))
			} else {
				p.ShortOutput = strings.TrimSpace(line)
			}
			continue
		}

		if inPerfData {
			perfLines = append(perfLines, strings.TrimSpace(line))
			continue
		}

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") {
			inPerfData = true
			if rest := strings.TrimSpace(trimmed[1:]); rest != "" {
				perfLines = append(perfLines, rest)
			}
			continue
		}

		if idx := strings.Index(line, "|"); idx >= 0 {
			longLines = append(longLines, strings.TrimSpace(line[:idx]))
			inPerfData = true
			if rest := strings.TrimSpace(line[idx+1:]); rest != "" {
				perfLines = append(perfLines, rest)
			}
			continue
		}

		longLines = append(longLines, line)
	}

	p.LongOutput = strings.Join(longLines, "\n")
	p.PerfData = strings.Join(perfLines, " ")
	return p
}

// ServiceStateFromExit maps a plugin exit status to a service state.
func ServiceStateFromExit(code int) int {
	switch code {
	case 0:
		return objects.ServiceOK
	case 1:
		return objects.ServiceWarning
	case 2:
		return objects.ServiceCritical
	case 3:
		return objects.ServiceUnknown
	default:
		// 126/127 (not executable / not found) and anything exotic.
		return objects.ServiceCritical
	}
}

// HostStateFromExit maps a plugin exit status to a host state. The
// unreachable state is never produced here; it is derived from parent
// reachability by the state machine.
func HostStateFromExit(code int) int {
	if code == 0 {
		return objects.HostUp
	}
	return objects.HostDown
}
