// Package window maps the current time onto an activity's attendance
// window.
package window

import "time"

// Phase is the state of an attendance window at a given instant.
type Phase string

const (
	NotYetOpen Phase = "NOT_YET_OPEN"
	Open       Phase = "OPEN"
	Closed     Phase = "CLOSED"
)

// PhaseAt reports the phase of [opens, closes] at now. Both bounds are
// inclusive.
func PhaseAt(now, opens, closes time.Time) Phase {
	switch {
	case now.Before(opens):
		return NotYetOpen
	case now.After(closes):
		return Closed
	default:
		return Open
	}
}

// Remaining returns the countdown shown next to a phase: time until the
// window opens, time until it closes, or zero once closed.
func Remaining(now, opens, closes time.Time) time.Duration {
	switch PhaseAt(now, opens, closes) {
	case NotYetOpen:
		return opens.Sub(now)
	case Open:
		return closes.Sub(now)
	default:
		return 0
	}
}
