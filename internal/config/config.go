// Package config loads the TOML configuration file and registers the
// declared entities with the object runtime.
package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gravitational/trace"
)

// Defaults applied to checkables that do not set their own values.
const (
	DefaultCheckInterval     = 300.0 // seconds
	DefaultRetryInterval     = 60.0
	DefaultMaxCheckAttempts  = 3
	DefaultLowFlapThreshold  = 20.0
	DefaultHighFlapThreshold = 30.0
)

// File is the top-level TOML document.
type File struct {
	Engine  Engine  `toml:"engine"`
	Cluster Cluster `toml:"cluster"`

	TimePeriods []TimePeriodDef `toml:"timeperiod"`
	Commands    []CommandDef    `toml:"command"`
	Hosts       []HostDef       `toml:"host"`
	Services    []ServiceDef    `toml:"service"`
	Endpoints   []EndpointDef   `toml:"endpoint"`
	Zones       []ZoneDef       `toml:"zone"`
}

// Engine holds process-wide settings.
type Engine struct {
	StateDir            string `toml:"state_dir"`
	LogDir              string `toml:"log_dir"`
	MaxConcurrentChecks int    `toml:"max_concurrent_checks"`
	CommandFile         string `toml:"command_file"`
	Debug               bool   `toml:"debug"`

	HostPerfdataFile        string `toml:"host_perfdata_file"`
	HostPerfdataTemplate    string `toml:"host_perfdata_template"`
	ServicePerfdataFile     string `toml:"service_perfdata_file"`
	ServicePerfdataTemplate string `toml:"service_perfdata_template"`
}

// Cluster holds the peering settings. Endpoint names the local peer
// and must match the CN of the certificate.
type Cluster struct {
	Endpoint      string `toml:"endpoint"`
	BindHost      string `toml:"bind_host"`
	BindPort      string `toml:"bind_port"`
	CertFile      string `toml:"cert_file"`
	KeyFile       string `toml:"key_file"`
	CAFile        string `toml:"ca_file"`
	MaxMessageMB  int64  `toml:"max_message_mb"`
	SegmentSizeMB int64  `toml:"log_segment_mb"`
	RetentionDays int    `toml:"log_retention_days"`
}

// CheckableDef holds the attributes shared by host and service
// definitions. Pointer fields distinguish "unset" from "false".
type CheckableDef struct {
	CheckCommand         string  `toml:"check_command"`
	CheckInterval        float64 `toml:"check_interval"`
	RetryInterval        float64 `toml:"retry_interval"`
	MaxCheckAttempts     int     `toml:"max_check_attempts"`
	CheckPeriod          string  `toml:"check_period"`
	NotificationPeriod   string  `toml:"notification_period"`
	NotificationInterval float64 `toml:"notification_interval"`
	ActiveChecks         *bool   `toml:"active_checks"`
	PassiveChecks        *bool   `toml:"passive_checks"`
	Notifications        *bool   `toml:"notifications"`
	FlapDetection        bool    `toml:"flap_detection"`
	LowFlapThreshold     float64 `toml:"low_flap_threshold"`
	HighFlapThreshold    float64 `toml:"high_flap_threshold"`
	CheckFreshness       bool    `toml:"check_freshness"`
	FreshnessThreshold   float64 `toml:"freshness_threshold"`
}

// HostDef declares one host.
type HostDef struct {
	CheckableDef

	Name    string   `toml:"name"`
	Address string   `toml:"address"`
	Parents []string `toml:"parents"`
	Zone    string   `toml:"zone"`
}

// ServiceDef declares one service on a host.
type ServiceDef struct {
	CheckableDef

	Host        string `toml:"host"`
	Description string `toml:"description"`
	Zone        string `toml:"zone"`
}

// CommandDef declares a check plugin invocation.
type CommandDef struct {
	Name        string  `toml:"name"`
	CommandLine string  `toml:"command_line"`
	Timeout     float64 `toml:"timeout"`
}

// TimePeriodDef declares a timeperiod with one range list per weekday.
type TimePeriodDef struct {
	Name      string   `toml:"name"`
	Sunday    string   `toml:"sunday"`
	Monday    string   `toml:"monday"`
	Tuesday   string   `toml:"tuesday"`
	Wednesday string   `toml:"wednesday"`
	Thursday  string   `toml:"thursday"`
	Friday    string   `toml:"friday"`
	Saturday  string   `toml:"saturday"`
	Excludes  []string `toml:"excludes"`
}

// EndpointDef declares a cluster peer.
type EndpointDef struct {
	Name     string   `toml:"name"`
	Host     string   `toml:"host"`
	Port     string   `toml:"port"`
	Features []string `toml:"features"`
}

// ZoneDef declares a zone of mutually authoritative endpoints.
type ZoneDef struct {
	Name      string   `toml:"name"`
	Endpoints []string `toml:"endpoints"`
	Parent    string   `toml:"parent"`
}

// Load reads and decodes the configuration file. Unknown keys are
// configuration errors.
func Load(path string) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, trace.BadParameter("parse %s: %v", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, trace.BadParameter("unknown configuration keys in %s: %s",
			path, strings.Join(keys, ", "))
	}
	f.applyDefaults()
	f.applyEnv()
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Engine.MaxConcurrentChecks <= 0 {
		f.Engine.MaxConcurrentChecks = 256
	}
	for i := range f.Hosts {
		f.Hosts[i].CheckableDef.applyDefaults()
	}
	for i := range f.Services {
		f.Services[i].CheckableDef.applyDefaults()
	}
}

func (d *CheckableDef) applyDefaults() {
	if d.CheckInterval <= 0 {
		d.CheckInterval = DefaultCheckInterval
	}
	if d.RetryInterval <= 0 {
		d.RetryInterval = DefaultRetryInterval
	}
	if d.MaxCheckAttempts <= 0 {
		d.MaxCheckAttempts = DefaultMaxCheckAttempts
	}
	if d.LowFlapThreshold <= 0 {
		d.LowFlapThreshold = DefaultLowFlapThreshold
	}
	if d.HighFlapThreshold <= 0 {
		d.HighFlapThreshold = DefaultHighFlapThreshold
	}
}

// applyEnv lets the environment override the state and log
// directories.
func (f *File) applyEnv() {
	if dir := os.Getenv("ICINGA_STATE_DIR"); dir != "" {
		f.Engine.StateDir = dir
	}
	if dir := os.Getenv("ICINGA_LOG_DIR"); dir != "" {
		f.Engine.LogDir = dir
	}
}

// enabled resolves an optional boolean that defaults to true.
func enabled(v *bool) bool {
	return v == nil || *v
}

// weekdays returns the per-weekday range strings, sunday first.
func (d *TimePeriodDef) weekdays() [7]string {
	return [7]string{d.Sunday, d.Monday, d.Tuesday, d.Wednesday, d.Thursday, d.Friday, d.Saturday}
}
