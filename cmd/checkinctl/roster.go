package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"checkin/internal/attendance"
)

// Roster is the YAML document accepted by `checkinctl import`.
type Roster struct {
	Activities   []attendance.Activity    `yaml:"activities"`
	Participants []attendance.Participant `yaml:"participants"`
}

type rosterWriter interface {
	UpsertActivity(ctx context.Context, a attendance.Activity) error
	UpsertParticipant(ctx context.Context, p attendance.Participant) error
}

func loadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseRoster(data)
}

func parseRoster(data []byte) (*Roster, error) {
	var r Roster
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate rejects entries the check-in service could not serve.
func (r *Roster) Validate() error {
	seen := map[string]bool{}
	for i, a := range r.Activities {
		if a.ID == "" {
			return fmt.Errorf("activities[%d]: id is required", i)
		}
		if strings.Contains(a.ID, "_") {
			return fmt.Errorf("activity %q: id must not contain '_'", a.ID)
		}
		if a.AttendanceOpenTime.IsZero() || a.AttendanceCloseTime.IsZero() {
			return fmt.Errorf("activity %q: attendance_open_time and attendance_close_time are required", a.ID)
		}
		if a.AttendanceCloseTime.Before(a.AttendanceOpenTime) {
			return fmt.Errorf("activity %q: attendance window closes before it opens", a.ID)
		}
	}
	for i, p := range r.Participants {
		if p.ID == "" {
			return fmt.Errorf("participants[%d]: id is required", i)
		}
		if strings.Contains(p.ID, "_") {
			return fmt.Errorf("participant %q: id must not contain '_'", p.ID)
		}
		if p.Code == "" {
			continue
		}
		if seen[p.Code] {
			return fmt.Errorf("participant %q: code %q is already assigned", p.ID, p.Code)
		}
		seen[p.Code] = true
	}
	return nil
}

// apply upserts every entry and returns the counts written.
func (r *Roster) apply(ctx context.Context, w rosterWriter) (int, int, error) {
	for _, a := range r.Activities {
		if err := w.UpsertActivity(ctx, a); err != nil {
			return 0, 0, fmt.Errorf("activity %q: %w", a.ID, err)
		}
	}
	for _, p := range r.Participants {
		if err := w.UpsertParticipant(ctx, p); err != nil {
			return len(r.Activities), 0, fmt.Errorf("participant %q: %w", p.ID, err)
		}
	}
	return len(r.Activities), len(r.Participants), nil
}
