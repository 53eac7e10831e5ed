package config

import (
	"fmt"

	"github.com/gravitational/trace"

	"github.com/oceanplexian/icingo/internal/macros"
	"github.com/oceanplexian/icingo/internal/objects"
	"github.com/oceanplexian/icingo/internal/runtime"
)

// Validate runs pre-flight checks over the parsed configuration and
// returns every problem found.
func Validate(f *File) []error {
	var errs []error

	commands := make(map[string]bool)
	for _, c := range f.Commands {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("command has no name"))
			continue
		}
		if c.CommandLine == "" {
			errs = append(errs, fmt.Errorf("command '%s': missing command_line", c.Name))
		}
		commands[c.Name] = true
	}

	periods := make(map[string]bool)
	for _, tp := range f.TimePeriods {
		if tp.Name == "" {
			errs = append(errs, fmt.Errorf("timeperiod has no name"))
			continue
		}
		periods[tp.Name] = true
		for day, spec := range tp.weekdays() {
			if _, err := objects.ParseTimeRanges(spec); err != nil {
				errs = append(errs, fmt.Errorf("timeperiod '%s' day %d: %v", tp.Name, day, err))
			}
		}
	}

	hosts := make(map[string]bool)
	for _, h := range f.Hosts {
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("host has no name"))
			continue
		}
		if hosts[h.Name] {
			errs = append(errs, fmt.Errorf("host '%s': defined twice", h.Name))
		}
		hosts[h.Name] = true
		errs = append(errs, validateCheckable(&h.CheckableDef, commands, periods,
			fmt.Sprintf("host '%s'", h.Name))...)
	}
	for _, h := range f.Hosts {
		for _, parent := range h.Parents {
			if !hosts[parent] {
				errs = append(errs, fmt.Errorf("host '%s': unknown parent '%s'", h.Name, parent))
			}
		}
	}

	services := make(map[string]bool)
	for _, s := range f.Services {
		if s.Host == "" || s.Description == "" {
			errs = append(errs, fmt.Errorf("service '%s!%s': host and description are required",
				s.Host, s.Description))
			continue
		}
		if !hosts[s.Host] {
			errs = append(errs, fmt.Errorf("service '%s!%s': unknown host", s.Host, s.Description))
		}
		name := objects.ServiceName(s.Host, s.Description)
		if services[name] {
			errs = append(errs, fmt.Errorf("service '%s': defined twice", name))
		}
		services[name] = true
		errs = append(errs, validateCheckable(&s.CheckableDef, commands, periods,
			fmt.Sprintf("service '%s'", name))...)
	}

	endpoints := make(map[string]bool)
	for _, e := range f.Endpoints {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("endpoint has no name"))
			continue
		}
		endpoints[e.Name] = true
	}
	zones := make(map[string]bool)
	for _, z := range f.Zones {
		if z.Name == "" {
			errs = append(errs, fmt.Errorf("zone has no name"))
			continue
		}
		zones[z.Name] = true
		for _, e := range z.Endpoints {
			if !endpoints[e] {
				errs = append(errs, fmt.Errorf("zone '%s': unknown endpoint '%s'", z.Name, e))
			}
		}
	}
	for _, z := range f.Zones {
		if z.Parent != "" && !zones[z.Parent] {
			errs = append(errs, fmt.Errorf("zone '%s': unknown parent zone '%s'", z.Name, z.Parent))
		}
	}
	for _, h := range f.Hosts {
		if h.Zone != "" && !zones[h.Zone] {
			errs = append(errs, fmt.Errorf("host '%s': unknown zone '%s'", h.Name, h.Zone))
		}
	}
	for _, s := range f.Services {
		if s.Zone != "" && !zones[s.Zone] {
			errs = append(errs, fmt.Errorf("service '%s!%s': unknown zone '%s'", s.Host, s.Description, s.Zone))
		}
	}

	if f.Cluster.Endpoint != "" && len(f.Endpoints) > 0 && !endpoints[f.Cluster.Endpoint] {
		errs = append(errs, fmt.Errorf("cluster endpoint '%s' has no endpoint definition", f.Cluster.Endpoint))
	}

	return errs
}

func validateCheckable(d *CheckableDef, commands, periods map[string]bool, what string) []error {
	var errs []error
	if d.CheckCommand == "" {
		errs = append(errs, fmt.Errorf("%s: missing check_command", what))
	} else if name, _ := macros.SplitCommand(d.CheckCommand); !commands[name] {
		errs = append(errs, fmt.Errorf("%s: unknown check_command '%s'", what, name))
	}
	if d.MaxCheckAttempts < 1 {
		errs = append(errs, fmt.Errorf("%s: max_check_attempts must be >= 1 (got %d)", what, d.MaxCheckAttempts))
	}
	if d.CheckPeriod != "" && !periods[d.CheckPeriod] {
		errs = append(errs, fmt.Errorf("%s: unknown check_period '%s'", what, d.CheckPeriod))
	}
	if d.NotificationPeriod != "" && !periods[d.NotificationPeriod] {
		errs = append(errs, fmt.Errorf("%s: unknown notification_period '%s'", what, d.NotificationPeriod))
	}
	if d.HighFlapThreshold < d.LowFlapThreshold {
		errs = append(errs, fmt.Errorf("%s: high_flap_threshold below low_flap_threshold", what))
	}
	return errs
}

// Apply registers every configured entity with the registry. The
// configuration must have passed Validate.
func Apply(f *File, reg *runtime.Registry) error {
	for _, tp := range f.TimePeriods {
		obj := &objects.TimePeriod{Ranges: tp.weekdays(), Excludes: tp.Excludes}
		obj.Name = tp.Name
		if err := reg.Register(obj); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, c := range f.Commands {
		obj := &objects.CheckCommand{CommandLine: c.CommandLine, Timeout: c.Timeout}
		obj.Name = c.Name
		if err := reg.Register(obj); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, e := range f.Endpoints {
		obj := &objects.Endpoint{Host: e.Host, Port: e.Port, Features: e.Features}
		obj.Name = e.Name
		if err := reg.Register(obj); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, z := range f.Zones {
		obj := &objects.Zone{Endpoints: z.Endpoints, Parent: z.Parent}
		obj.Name = z.Name
		if err := reg.Register(obj); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, h := range f.Hosts {
		obj := &objects.Host{
			Checkable: h.CheckableDef.checkable(),
			Address:   h.Address,
			Parents:   h.Parents,
			Zone:      h.Zone,
		}
		obj.Name = h.Name
		if err := reg.Register(obj); err != nil {
			return trace.Wrap(err)
		}
	}
	for _, s := range f.Services {
		obj := &objects.Service{
			Checkable:   s.CheckableDef.checkable(),
			HostName:    s.Host,
			Description: s.Description,
			Zone:        s.Zone,
		}
		obj.Name = objects.ServiceName(s.Host, s.Description)
		if err := reg.Register(obj); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// checkable builds the runtime attribute set from a definition. The
// attempt counter starts at 1 so the first hard OK satisfies
// current_attempt >= 1.
func (d *CheckableDef) checkable() objects.Checkable {
	return objects.Checkable{
		CheckCommand:         d.CheckCommand,
		CheckInterval:        d.CheckInterval,
		RetryInterval:        d.RetryInterval,
		MaxCheckAttempts:     d.MaxCheckAttempts,
		CheckPeriod:          d.CheckPeriod,
		NotificationPeriod:   d.NotificationPeriod,
		NotificationInterval: d.NotificationInterval,
		EnableActiveChecks:   enabled(d.ActiveChecks),
		EnablePassiveChecks:  enabled(d.PassiveChecks),
		EnableNotifications:  enabled(d.Notifications),
		EnableFlapping:       d.FlapDetection,
		LowFlapThreshold:     d.LowFlapThreshold,
		HighFlapThreshold:    d.HighFlapThreshold,
		CheckFreshness:       d.CheckFreshness,
		FreshnessThreshold:   d.FreshnessThreshold,
		CurrentAttempt:       1,
	}
}
