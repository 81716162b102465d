package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"checkin/internal/clock"
	"checkin/internal/metrics"
	"checkin/internal/realtime"
	"checkin/internal/token"
	"checkin/internal/window"
)

// DefaultCooldown separates two accepted scans of the same opaque code.
const DefaultCooldown = 10 * time.Minute

// Options tunes a Service. Zero values select defaults.
type Options struct {
	Cooldown time.Duration
	Points   Points
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Service validates presented credentials and owns every settlement
// write.
type Service struct {
	store    Store
	hub      realtime.Hub
	codec    *token.Codec
	cooldown time.Duration
	points   Points
	clock    clock.Clock
	log      *slog.Logger
}

// NewService creates a service backed by a store and a realtime hub.
// A nil hub selects an in-process one.
func NewService(store Store, hub realtime.Hub, codec *token.Codec, opts Options) *Service {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Points == nil {
		opts.Points = DefaultPoints
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if hub == nil {
		hub = realtime.NewInMemory(16)
	}
	return &Service{
		store:    store,
		hub:      hub,
		codec:    codec,
		cooldown: opts.Cooldown,
		points:   opts.Points,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
}

// Validate settles a presented credential. Token payloads settle the
// (activity, participant) record; anything else is treated as an opaque
// registry code and appended to that code's scan log.
func (s *Service) Validate(ctx context.Context, req ScanRequest) (out Outcome, err error) {
	payload := strings.TrimSpace(req.Payload)
	variant := VariantToken
	defer func() { s.observe(variant, payload, err) }()

	if payload == "" {
		return Outcome{}, Errorf(KindBadRequest, "empty payload")
	}
	tok, err := s.codec.Open(payload)
	switch {
	case err == nil:
		return s.settleToken(ctx, tok, req)
	case errors.Is(err, token.ErrNotToken):
		variant = VariantCode
		return s.settleCode(ctx, payload, req)
	default:
		return Outcome{}, newError(KindInvalidCode, "credential failed integrity check", err)
	}
}

func (s *Service) settleToken(ctx context.Context, tok token.Token, req ScanRequest) (Outcome, error) {
	now := s.clock.Now()
	if tok.Expired(now) {
		return Outcome{}, Errorf(KindTokenExpired, "credential expired at %s", tok.ExpiresAt.Format(time.RFC3339))
	}
	act, err := s.store.Activity(ctx, tok.ActivityID)
	if errors.Is(err, ErrNotFound) {
		return Outcome{}, Errorf(KindInvalidCode, "unknown activity %q", tok.ActivityID)
	}
	if err != nil {
		return Outcome{}, transient("lookup activity", err)
	}
	if !act.AttendanceEnabled {
		return Outcome{}, Errorf(KindWindowNotOpen, "attendance is disabled for %q", act.Title)
	}
	p, err := s.store.ParticipantByID(ctx, tok.ParticipantID)
	if errors.Is(err, ErrNotFound) {
		return Outcome{}, Errorf(KindInvalidCode, "unknown participant")
	}
	if err != nil {
		return Outcome{}, transient("lookup participant", err)
	}

	rec, err := s.commit(ctx, Record{
		ActivityID:    act.ID,
		ParticipantID: p.ID,
		Status:        StatusPresent,
		CheckedInAt:   now,
		Method:        MethodQRCode,
		ActorID:       req.ActorID,
		Location:      req.Location,
		Points:        s.points.For(StatusPresent),
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Variant: VariantToken, Participant: p, Record: &rec}, nil
}

func (s *Service) settleCode(ctx context.Context, code string, req ScanRequest) (Outcome, error) {
	p, err := s.store.ParticipantByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return Outcome{}, Errorf(KindInvalidCode, "code %q is not registered", code)
	}
	if err != nil {
		return Outcome{}, transient("lookup code", err)
	}

	now := s.clock.Now()
	entry, err := s.store.AppendScan(ctx, ScanEntry{
		ID:          uuid.NewString(),
		Code:        code,
		Participant: p,
		ScannedAt:   now,
		ActorID:     req.ActorID,
	}, s.cooldown)
	if errors.Is(err, ErrWithinCooldown) {
		wait := s.cooldown - now.Sub(entry.ScannedAt)
		return Outcome{}, Errorf(KindDuplicate, "%s already scanned at %s, try again in %s",
			p.Name, entry.ScannedAt.Format("15:04:05"), wait.Round(time.Second))
	}
	if err != nil {
		return Outcome{}, transient("append scan", err)
	}
	return Outcome{Variant: VariantCode, Participant: p, Scan: &entry}, nil
}

// commit writes rec insert-if-absent and pushes it to live listeners.
func (s *Service) commit(ctx context.Context, rec Record) (Record, error) {
	saved, err := s.store.Commit(ctx, rec)
	if errors.Is(err, ErrAlreadySettled) {
		return Record{}, Errorf(KindAlreadySettled, "already recorded as %s at %s",
			saved.Status, saved.CheckedInAt.Format("15:04:05"))
	}
	if err != nil {
		return Record{}, transient("commit record", err)
	}
	s.publish(ctx, saved)
	return saved, nil
}

func (s *Service) publish(ctx context.Context, rec Record) {
	key := Key(rec.ActivityID, rec.ParticipantID)
	body, err := json.Marshal(Update{Key: key, Record: &rec})
	if err != nil {
		s.log.Error("encode settlement update", "key", key, "err", err)
		return
	}
	if err := s.hub.Publish(ctx, key, body); err != nil {
		s.log.Warn("publish settlement update", "key", key, "err", err)
	}
}

func (s *Service) observe(variant Variant, payload string, err error) {
	result := "accepted"
	if err != nil {
		result = string(KindOf(err))
	}
	metrics.ScansTotal.WithLabelValues(string(variant), result).Inc()
	switch {
	case err == nil:
		s.log.Info("scan accepted", "variant", variant)
	case IsRejection(err):
		s.log.Info("scan rejected", "variant", variant, "kind", KindOf(err), "reason", MessageOf(err))
	default:
		s.log.Error("scan failed", "variant", variant, "payload_len", len(payload), "err", err)
	}
}

// MarkRequest is an administrator's manual settlement.
type MarkRequest struct {
	ActivityID    string
	ParticipantID string
	Status        Status
	ActorID       string
	Notes         string
}

// Mark settles a participant without a QR interaction. Like a scan it
// never overwrites an existing record.
func (s *Service) Mark(ctx context.Context, req MarkRequest) (Record, error) {
	switch req.Status {
	case StatusPresent, StatusLate, StatusExcused, StatusSick:
	default:
		return Record{}, Errorf(KindBadRequest, "status %q cannot be set manually", req.Status)
	}
	if req.ActorID == "" {
		return Record{}, Errorf(KindBadRequest, "actor required")
	}
	if _, _, err := s.resolvePair(ctx, req.ActivityID, req.ParticipantID); err != nil {
		return Record{}, err
	}
	rec, err := s.commit(ctx, Record{
		ActivityID:    req.ActivityID,
		ParticipantID: req.ParticipantID,
		Status:        req.Status,
		CheckedInAt:   s.clock.Now(),
		Method:        MethodManual,
		ActorID:       req.ActorID,
		Notes:         req.Notes,
		Points:        s.points.For(req.Status),
	})
	if err == nil {
		metrics.ManualMarks.WithLabelValues(string(req.Status)).Inc()
	}
	return rec, err
}

// SubmitExcuse records an excused or sick claim awaiting approval.
func (s *Service) SubmitExcuse(ctx context.Context, activityID, participantID string, claim Status, notes string) (Record, error) {
	if claim != StatusExcused && claim != StatusSick {
		return Record{}, Errorf(KindBadRequest, "claim must be %s or %s", StatusExcused, StatusSick)
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return Record{}, Errorf(KindBadRequest, "a reason is required")
	}
	if _, _, err := s.resolvePair(ctx, activityID, participantID); err != nil {
		return Record{}, err
	}
	rec, err := s.commit(ctx, Record{
		ActivityID:    activityID,
		ParticipantID: participantID,
		Status:        StatusPendingApproval,
		CheckedInAt:   s.clock.Now(),
		Method:        MethodManual,
		ActorID:       participantID,
		Notes:         string(claim) + ": " + notes,
		Points:        s.points.For(StatusPendingApproval),
	})
	if err == nil {
		metrics.ManualMarks.WithLabelValues(string(StatusPendingApproval)).Inc()
	}
	return rec, err
}

func (s *Service) resolvePair(ctx context.Context, activityID, participantID string) (Activity, Participant, error) {
	act, err := s.Activity(ctx, activityID)
	if err != nil {
		return Activity{}, Participant{}, err
	}
	p, err := s.store.ParticipantByID(ctx, participantID)
	if errors.Is(err, ErrNotFound) {
		return Activity{}, Participant{}, Errorf(KindInvalidCode, "unknown participant %q", participantID)
	}
	if err != nil {
		return Activity{}, Participant{}, transient("lookup participant", err)
	}
	return act, p, nil
}

// Activity looks up an activity, mapping a miss to INVALID_CODE.
func (s *Service) Activity(ctx context.Context, id string) (Activity, error) {
	act, err := s.store.Activity(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Activity{}, Errorf(KindInvalidCode, "unknown activity %q", id)
	}
	if err != nil {
		return Activity{}, transient("lookup activity", err)
	}
	return act, nil
}

// PhaseView is an activity's window state at one instant.
type PhaseView struct {
	Activity         Activity     `json:"activity"`
	Phase            window.Phase `json:"phase"`
	RemainingSeconds int64        `json:"remaining_seconds"`
	Now              time.Time    `json:"now"`
}

// Phase evaluates the activity's window against the service clock.
func (s *Service) Phase(ctx context.Context, activityID string) (PhaseView, error) {
	act, err := s.Activity(ctx, activityID)
	if err != nil {
		return PhaseView{}, err
	}
	now := s.clock.Now()
	return PhaseView{
		Activity:         act,
		Phase:            window.PhaseAt(now, act.AttendanceOpenTime, act.AttendanceCloseTime),
		RemainingSeconds: int64(window.Remaining(now, act.AttendanceOpenTime, act.AttendanceCloseTime) / time.Second),
		Now:              now,
	}, nil
}

// StatusView is a participant's reconciled standing in one activity.
type StatusView struct {
	Record  *Record `json:"record"`
	Display Display `json:"display"`
}

// Status reconciles the participant's record, or its absence.
func (s *Service) Status(ctx context.Context, activityID, participantID string) (StatusView, error) {
	act, err := s.Activity(ctx, activityID)
	if err != nil {
		return StatusView{}, err
	}
	rec, err := s.store.Record(ctx, activityID, participantID)
	if err != nil {
		return StatusView{}, transient("read record", err)
	}
	return StatusView{Record: rec, Display: Reconcile(rec, act, s.clock.Now(), s.points)}, nil
}

// RosterEntry is one settled participant with its display.
type RosterEntry struct {
	Record  Record  `json:"record"`
	Display Display `json:"display"`
}

// Records lists the settlements of an activity.
func (s *Service) Records(ctx context.Context, activityID string) ([]RosterEntry, error) {
	act, err := s.Activity(ctx, activityID)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.Records(ctx, activityID)
	if err != nil {
		return nil, transient("list records", err)
	}
	now := s.clock.Now()
	out := make([]RosterEntry, 0, len(recs))
	for i := range recs {
		out = append(out, RosterEntry{Record: recs[i], Display: Reconcile(&recs[i], act, now, s.points)})
	}
	return out, nil
}

// Settled reports the current record for a pair, nil if unsettled.
func (s *Service) Settled(ctx context.Context, activityID, participantID string) (*Record, error) {
	rec, err := s.store.Record(ctx, activityID, participantID)
	if err != nil {
		return nil, transient("read record", err)
	}
	return rec, nil
}

// ScanHistory lists accepted scans of a code, most recent first.
func (s *Service) ScanHistory(ctx context.Context, code string, limit int) ([]ScanEntry, error) {
	entries, err := s.store.Scans(ctx, strings.TrimSpace(code), limit)
	if err != nil {
		return nil, transient("list scans", err)
	}
	return entries, nil
}

// Subscribe streams the settlement state of one pair: the current
// record-or-absent first, then every pushed record. The channel closes
// when ctx is done.
func (s *Service) Subscribe(ctx context.Context, activityID, participantID string) (<-chan Update, error) {
	key := Key(activityID, participantID)
	ctx, cancel := context.WithCancel(ctx)
	pushed, err := s.hub.Subscribe(ctx, key)
	if err != nil {
		cancel()
		return nil, transient("subscribe", err)
	}
	current, err := s.store.Record(ctx, activityID, participantID)
	if err != nil {
		cancel()
		return nil, transient("read record", err)
	}

	out := make(chan Update, 1)
	out <- Update{Key: key, Record: current}
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case body, ok := <-pushed:
				if !ok {
					return
				}
				var u Update
				if err := json.Unmarshal(body, &u); err != nil {
					s.log.Warn("decode settlement update", "key", key, "err", err)
					continue
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
