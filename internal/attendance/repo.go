package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository persists check-in data in Postgres.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a repo.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type recordRow struct {
	ID            string          `db:"id"`
	ActivityID    string          `db:"activity_id"`
	ParticipantID string          `db:"participant_id"`
	Status        string          `db:"status"`
	CheckedInAt   time.Time       `db:"checked_in_at"`
	Method        string          `db:"method"`
	ActorID       string          `db:"actor_id"`
	Latitude      sql.NullFloat64 `db:"latitude"`
	Longitude     sql.NullFloat64 `db:"longitude"`
	Notes         string          `db:"notes"`
	Points        int             `db:"points"`
}

func (r recordRow) record() Record {
	rec := Record{
		ID:            r.ID,
		ActivityID:    r.ActivityID,
		ParticipantID: r.ParticipantID,
		Status:        Status(r.Status),
		CheckedInAt:   r.CheckedInAt.UTC(),
		Method:        Method(r.Method),
		ActorID:       r.ActorID,
		Notes:         r.Notes,
		Points:        r.Points,
	}
	if r.Latitude.Valid && r.Longitude.Valid {
		rec.Location = &GeoPoint{Latitude: r.Latitude.Float64, Longitude: r.Longitude.Float64}
	}
	return rec
}

const recordColumns = `id, activity_id, participant_id, status, checked_in_at, method, actor_id, latitude, longitude, notes, points`

type scanRow struct {
	ID            string    `db:"id"`
	Code          string    `db:"code"`
	ParticipantID string    `db:"participant_id"`
	Name          string    `db:"name"`
	Team          string    `db:"team"`
	Category      string    `db:"category"`
	Institution   string    `db:"institution"`
	ScannedAt     time.Time `db:"scanned_at"`
	ActorID       string    `db:"actor_id"`
}

func (r scanRow) entry() ScanEntry {
	return ScanEntry{
		ID:   r.ID,
		Code: r.Code,
		Participant: Participant{
			ID:          r.ParticipantID,
			Code:        r.Code,
			Name:        r.Name,
			Team:        r.Team,
			Category:    r.Category,
			Institution: r.Institution,
		},
		ScannedAt: r.ScannedAt.UTC(),
		ActorID:   r.ActorID,
	}
}

const scanColumns = `id, code, participant_id, name, team, category, institution, scanned_at, actor_id`

// Activity returns an activity by id.
func (r *Repository) Activity(ctx context.Context, id string) (Activity, error) {
	var a Activity
	err := r.db.GetContext(ctx, &a, `
		SELECT id, title, attendance_open_time, attendance_close_time, attendance_enabled, attendance_required
		FROM activities WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Activity{}, ErrNotFound
	}
	if err != nil {
		return Activity{}, err
	}
	a.AttendanceOpenTime = a.AttendanceOpenTime.UTC()
	a.AttendanceCloseTime = a.AttendanceCloseTime.UTC()
	return a, nil
}

// UpsertActivity creates or updates an activity.
func (r *Repository) UpsertActivity(ctx context.Context, a Activity) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO activities (id, title, attendance_open_time, attendance_close_time, attendance_enabled, attendance_required)
		VALUES (:id, :title, :attendance_open_time, :attendance_close_time, :attendance_enabled, :attendance_required)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			attendance_open_time = EXCLUDED.attendance_open_time,
			attendance_close_time = EXCLUDED.attendance_close_time,
			attendance_enabled = EXCLUDED.attendance_enabled,
			attendance_required = EXCLUDED.attendance_required
	`, a)
	return err
}

const participantColumns = `id, COALESCE(code, '') AS code, name, team, category, institution`

// ParticipantByCode resolves an opaque code by exact match.
func (r *Repository) ParticipantByCode(ctx context.Context, code string) (Participant, error) {
	var p Participant
	err := r.db.GetContext(ctx, &p, `SELECT `+participantColumns+` FROM participants WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrNotFound
	}
	return p, err
}

// ParticipantByID returns a participant profile.
func (r *Repository) ParticipantByID(ctx context.Context, id string) (Participant, error) {
	var p Participant
	err := r.db.GetContext(ctx, &p, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Participant{}, ErrNotFound
	}
	return p, err
}

// UpsertParticipant creates or updates a participant. An empty code is
// stored as NULL so that uniqueness only applies to assigned codes.
func (r *Repository) UpsertParticipant(ctx context.Context, p Participant) error {
	var code any
	if p.Code != "" {
		code = p.Code
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO participants (id, code, name, team, category, institution)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			name = EXCLUDED.name,
			team = EXCLUDED.team,
			category = EXCLUDED.category,
			institution = EXCLUDED.institution
	`, p.ID, code, p.Name, p.Team, p.Category, p.Institution)
	return err
}

// Record returns the settlement for a pair, or nil if none exists.
func (r *Repository) Record(ctx context.Context, activityID, participantID string) (*Record, error) {
	var row recordRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE activity_id = $1 AND participant_id = $2
	`, activityID, participantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := row.record()
	return &rec, nil
}

// Commit inserts a settlement unless one already exists for the pair.
// The unique (activity_id, participant_id) constraint makes the check
// and the write one statement.
func (r *Repository) Commit(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = Key(rec.ActivityID, rec.ParticipantID)
	}
	var lat, lng sql.NullFloat64
	if rec.Location != nil {
		lat = sql.NullFloat64{Float64: rec.Location.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: rec.Location.Longitude, Valid: true}
	}
	var row recordRow
	err := r.db.GetContext(ctx, &row, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (activity_id, participant_id) DO NOTHING
		RETURNING `+recordColumns,
		rec.ID, rec.ActivityID, rec.ParticipantID, string(rec.Status), rec.CheckedInAt, string(rec.Method),
		rec.ActorID, lat, lng, rec.Notes, rec.Points)
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := r.Record(ctx, rec.ActivityID, rec.ParticipantID)
		if gerr != nil {
			return Record{}, gerr
		}
		if existing == nil {
			return Record{}, fmt.Errorf("commit %s: conflict without existing record", rec.ID)
		}
		return *existing, ErrAlreadySettled
	}
	if err != nil {
		return Record{}, err
	}
	return row.record(), nil
}

// Records lists settlements for an activity in check-in order.
func (r *Repository) Records(ctx context.Context, activityID string) ([]Record, error) {
	var rows []recordRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE activity_id = $1
		ORDER BY checked_in_at
	`, activityID); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.record())
	}
	return out, nil
}

// AppendScan serializes scans of one code with a transaction-scoped
// advisory lock, so the cooldown read and the insert cannot interleave
// with another scan of the same code.
func (r *Repository) AppendScan(ctx context.Context, e ScanEntry, cooldown time.Duration) (ScanEntry, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return ScanEntry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.Code); err != nil {
		return ScanEntry{}, err
	}

	var prior scanRow
	err = tx.GetContext(ctx, &prior, `
		SELECT `+scanColumns+` FROM scan_log
		WHERE code = $1
		ORDER BY scanned_at DESC
		LIMIT 1
	`, e.Code)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return ScanEntry{}, err
	case e.ScannedAt.Sub(prior.ScannedAt) < cooldown:
		return prior.entry(), ErrWithinCooldown
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	p := e.Participant
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scan_log (`+scanColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.Code, p.ID, p.Name, p.Team, p.Category, p.Institution, e.ScannedAt, e.ActorID); err != nil {
		return ScanEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return ScanEntry{}, err
	}
	return e, nil
}

// Scans returns the scan log for a code, most recent first.
func (r *Repository) Scans(ctx context.Context, code string, limit int) ([]ScanEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []scanRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT `+scanColumns+` FROM scan_log
		WHERE code = $1
		ORDER BY scanned_at DESC
		LIMIT $2
	`, code, limit); err != nil {
		return nil, err
	}
	out := make([]ScanEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.entry())
	}
	return out, nil
}
