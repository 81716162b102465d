package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ActivityLookup resolves activity metadata owned by the scheduling side.
type ActivityLookup interface {
	Activity(ctx context.Context, id string) (Activity, error)
}

// Registry resolves participants by opaque code or by id.
type Registry interface {
	ParticipantByCode(ctx context.Context, code string) (Participant, error)
	ParticipantByID(ctx context.Context, id string) (Participant, error)
}

// RecordStore holds at most one settlement per (activity, participant).
type RecordStore interface {
	// Record returns nil, nil when the pair has not settled.
	Record(ctx context.Context, activityID, participantID string) (*Record, error)
	// Commit inserts rec if no record exists for its key. Otherwise it
	// returns the existing record and ErrAlreadySettled.
	Commit(ctx context.Context, rec Record) (Record, error)
	Records(ctx context.Context, activityID string) ([]Record, error)
}

// ScanLog is the per-code log of accepted opaque-code scans.
type ScanLog interface {
	// AppendScan atomically checks the most recent entry for e.Code and
	// appends e unless that entry is less than cooldown older than
	// e.ScannedAt. On rejection it returns the prior entry and
	// ErrWithinCooldown.
	AppendScan(ctx context.Context, e ScanEntry, cooldown time.Duration) (ScanEntry, error)
	// Scans lists entries for code, most recent first.
	Scans(ctx context.Context, code string, limit int) ([]ScanEntry, error)
}

// Store is everything the check-in service reads and writes.
type Store interface {
	ActivityLookup
	Registry
	RecordStore
	ScanLog
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*Repository)(nil)
)

// MemoryStore is an in-process Store for dev mode and tests.
type MemoryStore struct {
	mu           sync.Mutex
	activities   map[string]Activity
	participants map[string]Participant
	codes        map[string]string
	records      map[string]Record
	scans        map[string][]ScanEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activities:   make(map[string]Activity),
		participants: make(map[string]Participant),
		codes:        make(map[string]string),
		records:      make(map[string]Record),
		scans:        make(map[string][]ScanEntry),
	}
}

// UpsertActivity stores or replaces an activity.
func (m *MemoryStore) UpsertActivity(_ context.Context, a Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[a.ID] = a
	return nil
}

// UpsertParticipant stores or replaces a participant and its code.
func (m *MemoryStore) UpsertParticipant(_ context.Context, p Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.participants[p.ID]; ok && old.Code != "" {
		delete(m.codes, old.Code)
	}
	m.participants[p.ID] = p
	if p.Code != "" {
		m.codes[p.Code] = p.ID
	}
	return nil
}

func (m *MemoryStore) Activity(_ context.Context, id string) (Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activities[id]
	if !ok {
		return Activity{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) ParticipantByCode(_ context.Context, code string) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.codes[code]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return m.participants[id], nil
}

func (m *MemoryStore) ParticipantByID(_ context.Context, id string) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) Record(_ context.Context, activityID, participantID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[Key(activityID, participantID)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Commit(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := Key(rec.ActivityID, rec.ParticipantID)
	if existing, ok := m.records[key]; ok {
		return existing, ErrAlreadySettled
	}
	if rec.ID == "" {
		rec.ID = key
	}
	m.records[key] = rec
	return rec, nil
}

func (m *MemoryStore) Records(_ context.Context, activityID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.ActivityID == activityID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckedInAt.Before(out[j].CheckedInAt) })
	return out, nil
}

func (m *MemoryStore) AppendScan(_ context.Context, e ScanEntry, cooldown time.Duration) (ScanEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.scans[e.Code]
	if n := len(log); n > 0 {
		prior := log[n-1]
		if e.ScannedAt.Sub(prior.ScannedAt) < cooldown {
			return prior, ErrWithinCooldown
		}
	}
	m.scans[e.Code] = append(log, e)
	return e, nil
}

func (m *MemoryStore) Scans(_ context.Context, code string, limit int) ([]ScanEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.scans[code]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	out := make([]ScanEntry, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}
