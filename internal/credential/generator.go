// Package credential issues the short-lived check-in credentials that
// participants display as QR codes, and tracks them until they expire or
// the participant settles.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"checkin/internal/attendance"
	"checkin/internal/clock"
	"checkin/internal/metrics"
	"checkin/internal/token"
	"checkin/internal/window"
)

// DefaultTTL is the lifetime of an issued credential.
const DefaultTTL = 5 * time.Minute

// Credential is an issued, displayable token.
type Credential struct {
	ParticipantID string    `json:"participant_id"`
	ActivityID    string    `json:"activity_id"`
	Payload       string    `json:"payload"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Remaining is the countdown shown next to the code.
func (c Credential) Remaining(now time.Time) time.Duration {
	if d := c.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Settlements reports whether a pair has already settled.
type Settlements interface {
	Record(ctx context.Context, activityID, participantID string) (*attendance.Record, error)
}

// Options tunes a Generator. Zero values select defaults.
type Options struct {
	TTL    time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

// Generator issues credentials gated by the activity's attendance
// window.
type Generator struct {
	activities attendance.ActivityLookup
	records    Settlements
	cache      Cache
	codec      *token.Codec
	ttl        time.Duration
	clock      clock.Clock
	log        *slog.Logger
}

// NewGenerator wires a generator.
func NewGenerator(activities attendance.ActivityLookup, records Settlements, cache Cache, codec *token.Codec, opts Options) *Generator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Generator{
		activities: activities,
		records:    records,
		cache:      cache,
		codec:      codec,
		ttl:        opts.TTL,
		clock:      opts.Clock,
		log:        opts.Logger,
	}
}

// Issue returns a credential for the pair. The window is evaluated at
// call time. A still-valid cached credential is returned as is, so a
// reload does not force regeneration.
func (g *Generator) Issue(ctx context.Context, participantID, activityID string) (Credential, error) {
	cred, err := g.issue(ctx, participantID, activityID)
	result := "issued"
	if err != nil {
		result = string(attendance.KindOf(err))
	}
	metrics.CredentialsIssued.WithLabelValues(result).Inc()
	return cred, err
}

func (g *Generator) issue(ctx context.Context, participantID, activityID string) (Credential, error) {
	act, err := g.activity(ctx, activityID)
	if err != nil {
		return Credential{}, err
	}

	now := g.clock.Now()
	if !act.AttendanceEnabled {
		return Credential{}, attendance.Errorf(attendance.KindWindowNotOpen, "attendance is not enabled for %q", act.Title)
	}
	switch window.PhaseAt(now, act.AttendanceOpenTime, act.AttendanceCloseTime) {
	case window.NotYetOpen:
		return Credential{}, attendance.Errorf(attendance.KindWindowNotOpen, "check-in opens at %s", act.AttendanceOpenTime.Format(time.RFC3339))
	case window.Closed:
		return Credential{}, attendance.Errorf(attendance.KindWindowNotOpen, "check-in closed at %s", act.AttendanceCloseTime.Format(time.RFC3339))
	}

	key := attendance.Key(activityID, participantID)
	rec, err := g.records.Record(ctx, activityID, participantID)
	if err != nil {
		return Credential{}, &attendance.Error{Kind: attendance.KindTransientIO, Message: "read record", Err: err}
	}
	if rec != nil {
		if err := g.cache.Delete(ctx, key); err != nil {
			g.log.Warn("credential cache delete", "key", key, "err", err)
		}
		return Credential{}, attendance.Errorf(attendance.KindAlreadySettled, "already recorded as %s", rec.Status)
	}

	if e, ok, err := g.cache.Get(ctx, key); err != nil {
		g.log.Warn("credential cache read", "key", key, "err", err)
	} else if ok {
		return Credential{ParticipantID: participantID, ActivityID: activityID, Payload: e.Payload, ExpiresAt: e.ExpiresAt}, nil
	}

	expiresAt := now.Add(g.ttl)
	if expiresAt.After(act.AttendanceCloseTime) {
		expiresAt = act.AttendanceCloseTime
	}
	if !expiresAt.After(now) {
		return Credential{}, attendance.Errorf(attendance.KindWindowNotOpen, "check-in is closing")
	}
	tok, payload, err := g.codec.Seal(participantID, activityID, expiresAt)
	if err != nil {
		return Credential{}, attendance.Errorf(attendance.KindBadRequest, "%v", err)
	}
	cred := Credential{ParticipantID: participantID, ActivityID: activityID, Payload: payload, ExpiresAt: tok.ExpiresAt}
	if err := g.cache.Put(ctx, Entry{Key: key, Payload: payload, ExpiresAt: tok.ExpiresAt}); err != nil {
		g.log.Warn("credential cache write", "key", key, "err", err)
	}
	g.log.Info("credential issued", "activity", activityID, "participant", participantID, "expires_at", tok.ExpiresAt)
	return cred, nil
}

func (g *Generator) activity(ctx context.Context, id string) (attendance.Activity, error) {
	act, err := g.activities.Activity(ctx, id)
	if errors.Is(err, attendance.ErrNotFound) {
		return attendance.Activity{}, attendance.Errorf(attendance.KindInvalidCode, "unknown activity %q", id)
	}
	if err != nil {
		return attendance.Activity{}, &attendance.Error{Kind: attendance.KindTransientIO, Message: "lookup activity", Err: err}
	}
	return act, nil
}

// Now is the generator's clock reading.
func (g *Generator) Now() time.Time { return g.clock.Now() }

// Current returns the live cached credential for the pair, if any.
func (g *Generator) Current(ctx context.Context, participantID, activityID string) (*Credential, error) {
	e, ok, err := g.cache.Get(ctx, attendance.Key(activityID, participantID))
	if err != nil || !ok {
		return nil, err
	}
	return &Credential{ParticipantID: participantID, ActivityID: activityID, Payload: e.Payload, ExpiresAt: e.ExpiresAt}, nil
}

// Discard drops the cached credential for the pair.
func (g *Generator) Discard(ctx context.Context, participantID, activityID string) error {
	return g.cache.Delete(ctx, attendance.Key(activityID, participantID))
}
