package guard

import (
	"fmt"
	"time"
)

// GateResult is the maintenance-window decision for a disruptive
// action.
type GateResult string

const (
	GateAllow    GateResult = "allow"    // inside the window, execute now
	GateDefer    GateResult = "defer"    // window opens within 24h, reopen next cycle
	GateEscalate GateResult = "escalate" // window more than 24h away, hand to L3
)

// escalateHorizon is how far away the next window open may be before a
// deferred action escalates instead.
const escalateHorizon = 24 * time.Hour

// MaintenanceWindow is a site's declared daily window in which
// disruptive actions may run. Days is a set of permitted weekdays;
// empty means every day.
type MaintenanceWindow struct {
	Start    string         `yaml:"start"` // "HH:MM", site-local
	End      string         `yaml:"end"`   // "HH:MM"
	Days     []time.Weekday `yaml:"days,omitempty"`
	Location *time.Location `yaml:"-"`
}

// Validate checks the window definition at startup.
func (w *MaintenanceWindow) Validate() error {
	if w.Start == "" && w.End == "" {
		return nil
	}
	if _, err := time.Parse("15:04", w.Start); err != nil {
		return fmt.Errorf("maintenance window start %q: %w", w.Start, err)
	}
	if _, err := time.Parse("15:04", w.End); err != nil {
		return fmt.Errorf("maintenance window end %q: %w", w.End, err)
	}
	return nil
}

// Gate decides what a disruptive action may do at the given instant.
// Non-disruptive actions always get GateAllow. A site with no declared
// window allows everything.
func (w *MaintenanceWindow) Gate(now time.Time, disruptive bool) GateResult {
	if !disruptive || w == nil || (w.Start == "" && w.End == "") {
		return GateAllow
	}

	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	if w.contains(local) {
		return GateAllow
	}
	next := w.nextOpen(local)
	if next.Sub(local) > escalateHorizon {
		return GateEscalate
	}
	return GateDefer
}

func (w *MaintenanceWindow) dayAllowed(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, allowed := range w.Days {
		if allowed == d {
			return true
		}
	}
	return false
}

// contains reports whether t falls inside the window. A window whose
// end precedes its start wraps past midnight.
func (w *MaintenanceWindow) contains(t time.Time) bool {
	start, _ := time.Parse("15:04", w.Start)
	end, _ := time.Parse("15:04", w.End)

	minutes := t.Hour()*60 + t.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return w.dayAllowed(t.Weekday()) && minutes >= startMin && minutes < endMin
	}
	// Wraps midnight: the tail belongs to the previous day's window.
	if minutes >= startMin {
		return w.dayAllowed(t.Weekday())
	}
	if minutes < endMin {
		return w.dayAllowed(t.AddDate(0, 0, -1).Weekday())
	}
	return false
}

// nextOpen finds the next instant the window opens at or after t.
func (w *MaintenanceWindow) nextOpen(t time.Time) time.Time {
	start, _ := time.Parse("15:04", w.Start)
	for day := 0; day < 8; day++ {
		candidate := time.Date(t.Year(), t.Month(), t.Day(), start.Hour(), start.Minute(), 0, 0, t.Location()).AddDate(0, 0, day)
		if candidate.Before(t) || !w.dayAllowed(candidate.Weekday()) {
			continue
		}
		return candidate
	}
	return t.Add(escalateHorizon + time.Hour)
}
