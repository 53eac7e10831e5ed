// Package objects defines the core entity types the engine operates on.
// Every entity is identified by (type, name) and registered with the
// object runtime; cross-entity references are by name, never by pointer.
package objects

import (
	"sync"
	"time"
)

// State constants
const (
	HostUp          = 0
	HostDown        = 1
	HostUnreachable = 2

	ServiceOK       = 0
	ServiceWarning  = 1
	ServiceCritical = 2
	ServiceUnknown  = 3

	StateTypeSoft = 0
	StateTypeHard = 1

	MaxFlapHistoryEntries = 21

	AckNone   = 0
	AckNormal = 1
	AckSticky = 2
)

// Comment entry types
const (
	UserCommentEntry            = 1
	DowntimeCommentEntry        = 2
	FlappingCommentEntry        = 3
	AcknowledgementCommentEntry = 4
)

// Cluster features a peer may be authoritative for.
const (
	FeatureChecker  = "checker"
	FeatureNotifier = "notifier"
)

// Meta is embedded by every entity. It supplies the object name and the
// per-entity mutex the runtime locks around attribute mutations.
type Meta struct {
	mu sync.Mutex

	Name string `json:"name" class:"config"`
}

// ObjectName returns the entity's unique name within its type.
func (m *Meta) ObjectName() string { return m.Name }

// Lock acquires the per-entity mutex.
func (m *Meta) Lock() { m.mu.Lock() }

// Unlock releases the per-entity mutex.
func (m *Meta) Unlock() { m.mu.Unlock() }

// Checkable holds the attributes shared by Host and Service. The two
// concrete types embed it; behavior that differs between them
// (reachability, exit status mapping) lives on the concrete types.
type Checkable struct {
	// Config
	CheckCommand         string  `json:"check_command" class:"config"`
	CheckInterval        float64 `json:"check_interval" class:"config"` // seconds
	RetryInterval        float64 `json:"retry_interval" class:"config"` // seconds
	MaxCheckAttempts     int     `json:"max_check_attempts" class:"config"`
	CheckPeriod          string  `json:"check_period" class:"config"`
	NotificationPeriod   string  `json:"notification_period" class:"config"`
	NotificationInterval float64 `json:"notification_interval" class:"config"` // seconds, 0 = no renotification
	EnableActiveChecks   bool    `json:"enable_active_checks" class:"config"`
	EnablePassiveChecks  bool    `json:"enable_passive_checks" class:"config"`
	EnableNotifications  bool    `json:"enable_notifications" class:"config"`
	EnableFlapping       bool    `json:"enable_flapping" class:"config"`
	CheckFreshness       bool    `json:"check_freshness" class:"config"`
	FreshnessThreshold   float64 `json:"freshness_threshold" class:"config"` // seconds, 0 = derive from interval
	LowFlapThreshold     float64 `json:"low_flap_threshold" class:"config"`
	HighFlapThreshold    float64 `json:"high_flap_threshold" class:"config"`

	// State (persisted and replicated)
	State               int                       `json:"state" class:"state"`
	StateType           int                       `json:"state_type" class:"state"`
	CurrentAttempt      int                       `json:"current_attempt" class:"state"`
	LastState           int                       `json:"last_state" class:"state"`
	LastHardState       int                       `json:"last_hard_state" class:"state"`
	LastStateChange     time.Time                 `json:"last_state_change" class:"state"`
	LastHardStateChange time.Time                 `json:"last_hard_state_change" class:"state"`
	LastCheck           time.Time                 `json:"last_check" class:"state"`
	NextCheck           time.Time                 `json:"next_check" class:"state"`
	LastCheckResult     *CheckResult              `json:"last_check_result" class:"state"`
	FlapHistory         [MaxFlapHistoryEntries]int `json:"flap_history" class:"state"`
	FlapIndex           int                       `json:"flap_index" class:"state"`
	FlappingCurrent     float64                   `json:"flapping_current" class:"state"`
	IsFlapping          bool                      `json:"is_flapping" class:"state"`
	Acknowledgement     int                       `json:"acknowledgement" class:"state"`
	AckAuthor           string                    `json:"ack_author" class:"state"`
	AckComment          string                    `json:"ack_comment" class:"state"`
	AckExpiry           time.Time                 `json:"ack_expiry" class:"state"`
	DowntimeDepth       int                       `json:"downtime_depth" class:"state"`
	LastNotification    time.Time                 `json:"last_notification" class:"state"`
	HasBeenChecked      bool                      `json:"has_been_checked" class:"state"`

	// Runtime (volatile, local-only)
	Executing bool `json:"-" class:"runtime"`
}

// Acknowledged reports whether an unexpired acknowledgement is set.
func (c *Checkable) Acknowledged(now time.Time) bool {
	if c.Acknowledgement == AckNone {
		return false
	}
	if !c.AckExpiry.IsZero() && now.After(c.AckExpiry) {
		return false
	}
	return true
}

// Host is a checkable network host.
type Host struct {
	Meta
	Checkable

	Address string   `json:"address" class:"config"`
	Parents []string `json:"parents" class:"config"`
	Zone    string   `json:"zone" class:"config"`
}

// TypeName implements runtime.Object.
func (*Host) TypeName() string { return "Host" }

// IsReachable reports whether every parent host's last known hard state
// is up. A host with no parents is always reachable.
func (h *Host) IsReachable(lookup func(name string) *Host) bool {
	for _, name := range h.Parents {
		parent := lookup(name)
		if parent == nil {
			continue
		}
		if parent.LastHardState != HostUp {
			return false
		}
	}
	return true
}

// Service is a checkable service running on a host.
type Service struct {
	Meta
	Checkable

	HostName    string `json:"host_name" class:"config"`
	Description string `json:"description" class:"config"`
	Zone        string `json:"zone" class:"config"`
}

// TypeName implements runtime.Object.
func (*Service) TypeName() string { return "Service" }

// ServiceName builds the unique service object name from its owning
// host and its description.
func ServiceName(hostName, description string) string {
	return hostName + "!" + description
}

// CheckCommand names an external check plugin invocation.
type CheckCommand struct {
	Meta

	CommandLine string  `json:"command_line" class:"config"`
	Timeout     float64 `json:"timeout" class:"config"` // seconds
}

// TypeName implements runtime.Object.
func (*CheckCommand) TypeName() string { return "CheckCommand" }

// TimeoutDuration returns the command timeout, defaulting to 60s.
func (c *CheckCommand) TimeoutDuration() time.Duration {
	if c.Timeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Timeout * float64(time.Second))
}

// Comment is a runtime-created annotation on a checkable. Its object
// name is a UUID; LegacyID is the stable integer id external consumers
// expect.
type Comment struct {
	Meta

	CheckableType string    `json:"checkable_type" class:"config"`
	CheckableName string    `json:"checkable_name" class:"config"`
	EntryType     int       `json:"entry_type" class:"config"`
	Author        string    `json:"author" class:"state"`
	Text          string    `json:"text" class:"state"`
	EntryTime     time.Time `json:"entry_time" class:"state"`
	Expiry        time.Time `json:"expiry" class:"state"`
	LegacyID      uint64    `json:"legacy_id" class:"state"`
}

// TypeName implements runtime.Object.
func (*Comment) TypeName() string { return "Comment" }

// Downtime is a runtime-created scheduled downtime window on a
// checkable. Its object name is a UUID.
type Downtime struct {
	Meta

	CheckableType string    `json:"checkable_type" class:"config"`
	CheckableName string    `json:"checkable_name" class:"config"`
	Author        string    `json:"author" class:"state"`
	Text          string    `json:"text" class:"state"`
	EntryTime     time.Time `json:"entry_time" class:"state"`
	StartTime     time.Time `json:"start_time" class:"state"`
	EndTime       time.Time `json:"end_time" class:"state"`
	Fixed         bool      `json:"fixed" class:"state"`
	Duration      float64   `json:"duration" class:"state"` // seconds, flexible downtimes
	TriggeredBy   string    `json:"triggered_by" class:"state"` // UUID of triggering downtime
	TriggerTime   time.Time `json:"trigger_time" class:"state"`
	InEffect      bool      `json:"in_effect" class:"state"`
	LegacyID      uint64    `json:"legacy_id" class:"state"`
}

// TypeName implements runtime.Object.
func (*Downtime) TypeName() string { return "Downtime" }

// Endpoint is a peer identity. Its name must match the CN of the
// peer's TLS certificate.
type Endpoint struct {
	Meta

	Host     string   `json:"host" class:"config"`
	Port     string   `json:"port" class:"config"`
	Features []string `json:"features" class:"config"`

	Seen              time.Time `json:"seen" class:"state"`
	LocalLogPosition  float64   `json:"local_log_position" class:"state"`
	RemoteLogPosition float64   `json:"remote_log_position" class:"state"`

	Connected bool `json:"-" class:"runtime"`
}

// TypeName implements runtime.Object.
func (*Endpoint) TypeName() string { return "Endpoint" }

// Zone is a named group of mutually authoritative endpoints. Zones form
// a tree rooted at the local zone; parent/child relations bound the
// replication direction.
type Zone struct {
	Meta

	Endpoints []string `json:"endpoints" class:"config"`
	Parent    string   `json:"parent" class:"config"`
}

// TypeName implements runtime.Object.
func (*Zone) TypeName() string { return "Zone" }

// HostStateName returns the text form of a host state.
func HostStateName(state int) string {
	switch state {
	case HostUp:
		return "UP"
	case HostDown:
		return "DOWN"
	case HostUnreachable:
		return "UNREACHABLE"
	}
	return "UNKNOWN"
}

// ServiceStateName returns the text form of a service state.
func ServiceStateName(state int) string {
	switch state {
	case ServiceOK:
		return "OK"
	case ServiceWarning:
		return "WARNING"
	case ServiceCritical:
		return "CRITICAL"
	case ServiceUnknown:
		return "UNKNOWN"
	}
	return "UNKNOWN"
}

// StateTypeName returns "SOFT" or "HARD".
func StateTypeName(stateType int) string {
	if stateType == StateTypeHard {
		return "HARD"
	}
	return "SOFT"
}
