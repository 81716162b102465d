// Package scanner runs a check-in scan station: it feeds decoded QR
// payloads to a validator one at a time and pauses after each decision
// so the operator can read the result.
package scanner

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"checkin/internal/attendance"
	"checkin/internal/clock"
)

// Default pauses after a decision.
const (
	DefaultSuccessPause = 10 * time.Second
	DefaultFailurePause = 5 * time.Second
)

// Validator decides one scan. Both *attendance.Service and *Client
// satisfy it.
type Validator interface {
	Validate(ctx context.Context, req attendance.ScanRequest) (attendance.Outcome, error)
}

// Result is one decided scan as shown to the operator.
type Result struct {
	Payload   string             `json:"payload"`
	Outcome   attendance.Outcome `json:"outcome"`
	Kind      attendance.Kind    `json:"kind,omitempty"`
	Message   string             `json:"message,omitempty"`
	Retryable bool               `json:"retryable,omitempty"`
	DecidedAt time.Time          `json:"decided_at"`
	ResumeAt  time.Time          `json:"resume_at"`
}

// OK reports whether the scan was accepted.
func (r Result) OK() bool { return r.Kind == "" }

// Options tunes a Station. Zero values select defaults.
type Options struct {
	SuccessPause time.Duration
	FailurePause time.Duration
	ActorID      string
	Location     *attendance.GeoPoint
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Station accepts at most one decode at a time and ignores decodes
// while paused.
type Station struct {
	v            Validator
	successPause time.Duration
	failurePause time.Duration
	actorID      string
	location     *attendance.GeoPoint
	clock        clock.Clock
	log          *slog.Logger

	mu       sync.Mutex
	busy     bool
	resumeAt time.Time
}

// NewStation builds a station around v.
func NewStation(v Validator, opts Options) *Station {
	if opts.SuccessPause <= 0 {
		opts.SuccessPause = DefaultSuccessPause
	}
	if opts.FailurePause <= 0 {
		opts.FailurePause = DefaultFailurePause
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Station{
		v:            v,
		successPause: opts.SuccessPause,
		failurePause: opts.FailurePause,
		actorID:      opts.ActorID,
		location:     opts.Location,
		clock:        opts.Clock,
		log:          opts.Logger,
	}
}

// Ready reports whether the next decode would be processed.
func (s *Station) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy && !s.clock.Now().Before(s.resumeAt)
}

// Handle validates payload unless a decision is in flight or the
// station is paused, in which case it returns false and does nothing.
func (s *Station) Handle(ctx context.Context, payload string) (Result, bool) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Result{}, false
	}
	s.mu.Lock()
	if s.busy || s.clock.Now().Before(s.resumeAt) {
		s.mu.Unlock()
		return Result{}, false
	}
	s.busy = true
	s.mu.Unlock()

	out, err := s.v.Validate(ctx, attendance.ScanRequest{Payload: payload, ActorID: s.actorID, Location: s.location})

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	res := Result{Payload: payload, Outcome: out, DecidedAt: now}
	pause := s.successPause
	if err != nil {
		res.Kind = attendance.KindOf(err)
		res.Message = attendance.MessageOf(err)
		res.Retryable = !attendance.IsRejection(err)
		pause = s.failurePause
	}
	s.busy = false
	s.resumeAt = now.Add(pause)
	res.ResumeAt = s.resumeAt
	return res, true
}

// Run reads newline-terminated payloads from r, as typed by a
// keyboard-wedge scanner, and passes each decision to sink. It returns
// when r is exhausted or ctx is done.
func (s *Station) Run(ctx context.Context, r io.Reader, sink func(Result)) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, ok := s.Handle(ctx, sc.Text())
		if !ok {
			s.log.Debug("scan dropped", "reason", "paused")
			continue
		}
		sink(res)
	}
	return sc.Err()
}
