package attendance

import (
	"time"

	"checkin/internal/window"
)

// Display states that exist only at read time. They are never stored.
const (
	StatusUpcoming    Status = "UPCOMING"
	StatusAwaiting    Status = "AWAITING"
	StatusNotRequired Status = "NOT_REQUIRED"
)

// Display is the human-facing rendering of a settlement or its absence.
type Display struct {
	Status     Status `json:"status"`
	Label      string `json:"label"`
	ColorClass string `json:"color_class"`
	Points     int    `json:"points"`
	Derived    bool   `json:"derived"`
}

// Points maps a status to its point value.
type Points map[Status]int

// DefaultPoints is the standard points table.
var DefaultPoints = Points{
	StatusPresent:         10,
	StatusLate:            5,
	StatusExcused:         3,
	StatusSick:            3,
	StatusPendingApproval: 0,
	StatusAbsent:          0,
}

// For returns the points for s, zero when unlisted.
func (p Points) For(s Status) int {
	return p[s]
}

var presentation = map[Status]struct{ label, color string }{
	StatusPresent:         {"Present", "bg-green-100 text-green-800"},
	StatusLate:            {"Late", "bg-yellow-100 text-yellow-800"},
	StatusExcused:         {"Excused", "bg-blue-100 text-blue-800"},
	StatusSick:            {"Sick", "bg-purple-100 text-purple-800"},
	StatusPendingApproval: {"Pending approval", "bg-orange-100 text-orange-800"},
	StatusAbsent:          {"Absent", "bg-red-100 text-red-800"},
	StatusUpcoming:        {"Not open yet", "bg-gray-100 text-gray-600"},
	StatusAwaiting:        {"Not checked in", "bg-gray-100 text-gray-800"},
	StatusNotRequired:     {"Not required", "bg-gray-50 text-gray-500"},
}

// Reconcile derives the display for a participant in an activity. A nil
// record after a required activity's window has closed reads as ABSENT;
// nothing is written.
func Reconcile(rec *Record, act Activity, now time.Time, points Points) Display {
	if rec != nil {
		return display(rec.Status, rec.Points, false)
	}
	switch window.PhaseAt(now, act.AttendanceOpenTime, act.AttendanceCloseTime) {
	case window.NotYetOpen:
		return display(StatusUpcoming, 0, true)
	case window.Open:
		return display(StatusAwaiting, 0, true)
	}
	if !act.AttendanceRequired {
		return display(StatusNotRequired, 0, true)
	}
	return display(StatusAbsent, points.For(StatusAbsent), true)
}

func display(s Status, pts int, derived bool) Display {
	p, ok := presentation[s]
	if !ok {
		p.label, p.color = string(s), "bg-gray-100 text-gray-800"
	}
	return Display{Status: s, Label: p.label, ColorClass: p.color, Points: pts, Derived: derived}
}
