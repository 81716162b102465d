package credential

import (
	"context"
	"time"

	"checkin/internal/attendance"
	"checkin/internal/metrics"
	"checkin/internal/window"
)

// Subscriber streams the settlement state of a pair.
type Subscriber interface {
	Subscribe(ctx context.Context, activityID, participantID string) (<-chan attendance.Update, error)
}

// State is what a participant's check-in screen shows at one tick.
type State struct {
	Now                 time.Time          `json:"now"`
	Phase               window.Phase       `json:"phase"`
	PhaseRemaining      int64              `json:"phase_remaining_seconds"`
	Credential          *Credential        `json:"credential,omitempty"`
	CredentialRemaining int64              `json:"credential_remaining_seconds"`
	Settled             *attendance.Record `json:"settled,omitempty"`
}

// Session follows one participant's check-in screen for one activity.
// Ticks only recompute display state; issuing stays an explicit call.
type Session struct {
	gen           *Generator
	subs          Subscriber
	tick          time.Duration
	participantID string
	activityID    string
}

// NewSession builds a session ticking every tick (1s when zero).
func (g *Generator) NewSession(subs Subscriber, participantID, activityID string, tick time.Duration) *Session {
	if tick <= 0 {
		tick = time.Second
	}
	return &Session{gen: g, subs: subs, tick: tick, participantID: participantID, activityID: activityID}
}

// Run streams states until ctx is done. The first settlement observed
// discards any cached credential for the pair.
func (s *Session) Run(ctx context.Context) (<-chan State, error) {
	act, err := s.gen.activity(ctx, s.activityID)
	if err != nil {
		return nil, err
	}
	updates, err := s.subs.Subscribe(ctx, s.activityID, s.participantID)
	if err != nil {
		return nil, err
	}

	out := make(chan State, 1)
	go func() {
		metrics.LiveSessions.Inc()
		defer metrics.LiveSessions.Dec()
		defer close(out)
		ticker := s.gen.clock.NewTicker(s.tick)
		defer ticker.Stop()

		var settled *attendance.Record
		emit := func() bool {
			select {
			case out <- s.snapshot(ctx, act, settled):
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.Record != nil && settled == nil {
					settled = u.Record
					if err := s.gen.Discard(ctx, s.participantID, s.activityID); err != nil {
						s.gen.log.Warn("discard settled credential", "key", u.Key, "err", err)
					}
				}
				if !emit() {
					return
				}
			case <-ticker.C:
				if !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Session) snapshot(ctx context.Context, act attendance.Activity, settled *attendance.Record) State {
	now := s.gen.clock.Now()
	st := State{
		Now:            now,
		Phase:          window.PhaseAt(now, act.AttendanceOpenTime, act.AttendanceCloseTime),
		PhaseRemaining: int64(window.Remaining(now, act.AttendanceOpenTime, act.AttendanceCloseTime) / time.Second),
		Settled:        settled,
	}
	if settled != nil {
		return st
	}
	cred, err := s.gen.Current(ctx, s.participantID, s.activityID)
	if err != nil {
		s.gen.log.Warn("read cached credential", "activity", s.activityID, "participant", s.participantID, "err", err)
		return st
	}
	if cred != nil {
		st.Credential = cred
		st.CredentialRemaining = int64(cred.Remaining(now) / time.Second)
	}
	return st
}
