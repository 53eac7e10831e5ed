// Package macros resolves $MACRO$ references in command lines before
// they are handed to the plugin executor.
package macros

import (
	"strconv"
	"strings"
	"time"

	"github.com/oceanplexian/icingo/internal/objects"
)

// maxArgs caps the $ARGn$ macro index.
const maxArgs = 32

// SplitCommand splits a check_command reference of the form
// "command!arg1!arg2" into the command name and its arguments.
func SplitCommand(spec string) (string, []string) {
	parts := strings.Split(spec, "!")
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts[0], parts[1:]
}

// Expander resolves macros against the object runtime.
type Expander struct {
	Host    func(name string) *objects.Host
	Service func(name string) *objects.Service

	// Now is the clock; tests override it.
	Now func() time.Time
}

func (e *Expander) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Expand replaces all $MACRO$ references in the input string. typ and
// name identify the checkable the command runs against; args are the
// !-separated arguments from the object's check_command reference.
// Unknown macros are left as-is; $$ is a literal dollar.
func (e *Expander) Expand(input, typ, name string, args []string) string {
	var host *objects.Host
	var svc *objects.Service
	switch typ {
	case "Host":
		if e.Host != nil {
			host = e.Host(name)
		}
	case "Service":
		if e.Service != nil {
			svc = e.Service(name)
		}
		if svc != nil && e.Host != nil {
			host = e.Host(svc.HostName)
		}
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		if input[i] != '$' {
			result.WriteByte(input[i])
			i++
			continue
		}

		// $$ is a literal dollar.
		if i+1 < len(input) && input[i+1] == '$' {
			result.WriteByte('$')
			i += 2
			continue
		}

		end := strings.IndexByte(input[i+1:], '$')
		if end < 0 {
			result.WriteByte('$')
			i++
			continue
		}
		end += i + 1

		macroName := input[i+1 : end]
		resolved, ok := e.resolve(macroName, host, svc, args)
		if ok {
			result.WriteString(resolved)
		} else {
			result.WriteString(input[i : end+1])
		}
		i = end + 1
	}

	return result.String()
}

func (e *Expander) resolve(name string, host *objects.Host, svc *objects.Service, args []string) (string, bool) {
	if strings.HasPrefix(name, "ARG") {
		n, err := strconv.Atoi(name[3:])
		if err == nil && n >= 1 && n <= maxArgs {
			if n-1 < len(args) {
				return args[n-1], true
			}
			return "", true
		}
	}

	switch name {
	case "HOSTNAME":
		if host != nil {
			return host.Name, true
		}
	case "HOSTADDRESS":
		if host != nil {
			if host.Address != "" {
				return host.Address, true
			}
			return host.Name, true
		}
	case "HOSTSTATE":
		if host != nil {
			return objects.HostStateName(host.State), true
		}
	case "HOSTSTATEID":
		if host != nil {
			return strconv.Itoa(host.State), true
		}
	case "HOSTSTATETYPE":
		if host != nil {
			return objects.StateTypeName(host.StateType), true
		}
	case "HOSTATTEMPT":
		if host != nil {
			return strconv.Itoa(host.CurrentAttempt), true
		}
	case "MAXHOSTATTEMPTS":
		if host != nil {
			return strconv.Itoa(host.MaxCheckAttempts), true
		}
	case "HOSTOUTPUT":
		if host != nil {
			return lastOutput(&host.Checkable), true
		}
	case "HOSTPERFDATA":
		if host != nil {
			return lastPerfData(&host.Checkable), true
		}
	case "LASTHOSTCHECK":
		if host != nil {
			return strconv.FormatInt(host.LastCheck.Unix(), 10), true
		}
	case "LASTHOSTSTATECHANGE":
		if host != nil {
			return strconv.FormatInt(host.LastStateChange.Unix(), 10), true
		}
	case "SERVICEDESC":
		if svc != nil {
			return svc.Description, true
		}
	case "SERVICESTATE":
		if svc != nil {
			return objects.ServiceStateName(svc.State), true
		}
	case "SERVICESTATEID":
		if svc != nil {
			return strconv.Itoa(svc.State), true
		}
	case "SERVICESTATETYPE":
		if svc != nil {
			return objects.StateTypeName(svc.StateType), true
		}
	case "SERVICEATTEMPT":
		if svc != nil {
			return strconv.Itoa(svc.CurrentAttempt), true
		}
	case "MAXSERVICEATTEMPTS":
		if svc != nil {
			return strconv.Itoa(svc.MaxCheckAttempts), true
		}
	case "SERVICEOUTPUT":
		if svc != nil {
			return lastOutput(&svc.Checkable), true
		}
	case "SERVICEPERFDATA":
		if svc != nil {
			return lastPerfData(&svc.Checkable), true
		}
	case "LASTSERVICECHECK":
		if svc != nil {
			return strconv.FormatInt(svc.LastCheck.Unix(), 10), true
		}
	case "TIMET":
		return strconv.FormatInt(e.now().Unix(), 10), true
	case "SHORTDATETIME":
		return e.now().Format("2006-01-02 15:04:05"), true
	}

	return "", false
}

func lastOutput(c *objects.Checkable) string {
	if c.LastCheckResult == nil {
		return ""
	}
	return c.LastCheckResult.Output
}

func lastPerfData(c *objects.Checkable) string {
	if c.LastCheckResult == nil {
		return ""
	}
	return c.LastCheckResult.PerformanceData
}
