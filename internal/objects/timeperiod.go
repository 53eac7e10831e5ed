package objects

import (
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// TimePeriod defines when checks may run or notifications may be sent.
// Ranges holds one comma-separated "HH:MM-HH:MM" list per weekday,
// sunday=0 through saturday=6. An empty period matches all times.
type TimePeriod struct {
	Meta

	Ranges   [7]string `json:"ranges" class:"config"`
	Excludes []string  `json:"excludes" class:"config"`
}

// TypeName implements runtime.Object.
func (*TimePeriod) TypeName() string { return "TimePeriod" }

// TimeRange represents a single HH:MM-HH:MM range.
type TimeRange struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

// ParseTimeRanges parses "HH:MM-HH:MM,HH:MM-HH:MM,..." into a slice of
// TimeRange.
func ParseTimeRanges(s string) ([]TimeRange, error) {
	if s == "" {
		return nil, nil
	}
	var ranges []TimeRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tr, err := parseOneRange(part)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		ranges = append(ranges, tr)
	}
	return ranges, nil
}

func parseOneRange(s string) (TimeRange, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return TimeRange{}, trace.BadParameter("invalid time range: %s", s)
	}
	start, err := parseHHMM(parts[0])
	if err != nil {
		return TimeRange{}, trace.Wrap(err)
	}
	end, err := parseHHMM(parts[1])
	if err != nil {
		return TimeRange{}, trace.Wrap(err)
	}
	return TimeRange{StartHour: start[0], StartMin: start[1], EndHour: end[0], EndMin: end[1]}, nil
}

func parseHHMM(s string) ([2]int, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return [2]int{}, trace.BadParameter("invalid time: %s", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return [2]int{}, trace.BadParameter("invalid hour: %s", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return [2]int{}, trace.BadParameter("invalid minute: %s", parts[1])
	}
	return [2]int{h, m}, nil
}

// Validate checks that every configured range parses.
func (tp *TimePeriod) Validate() error {
	for day, s := range tp.Ranges {
		if _, err := ParseTimeRanges(s); err != nil {
			return trace.Wrap(err, "timeperiod %q day %d", tp.Name, day)
		}
	}
	return nil
}

// Contains reports whether t falls within the period. lookup resolves
// excluded periods by name; a nil period is treated as always-on.
func (tp *TimePeriod) Contains(t time.Time, lookup func(name string) *TimePeriod) bool {
	if tp == nil {
		return true
	}
	for _, name := range tp.Excludes {
		if lookup == nil {
			break
		}
		if exc := lookup(name); exc != nil && exc.Contains(t, lookup) {
			return false
		}
	}

	spec := tp.Ranges[int(t.Weekday())]
	if spec == "" {
		// A period with no ranges at all matches everything; a period
		// with ranges on other days excludes this day.
		for _, s := range tp.Ranges {
			if s != "" {
				return false
			}
		}
		return true
	}

	ranges, err := ParseTimeRanges(spec)
	if err != nil {
		return false
	}
	minutes := t.Hour()*60 + t.Minute()
	for _, r := range ranges {
		start := r.StartHour*60 + r.StartMin
		end := r.EndHour*60 + r.EndMin
		if minutes >= start && minutes < end {
			return true
		}
	}
	return false
}
