package attendance

import "time"

// Status of a settlement record.
type Status string

const (
	StatusPresent         Status = "PRESENT"
	StatusLate            Status = "LATE"
	StatusExcused         Status = "EXCUSED"
	StatusSick            Status = "SICK"
	StatusAbsent          Status = "ABSENT"
	StatusPendingApproval Status = "PENDING_APPROVAL"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusExcused, StatusSick, StatusAbsent, StatusPendingApproval:
		return true
	}
	return false
}

// Method records how a settlement was made.
type Method string

const (
	MethodQRCode Method = "QR_CODE"
	MethodManual Method = "MANUAL"
)

// Activity is the read-only view of a scheduled activity.
// AttendanceRequired drives derived absence once the window closes.
type Activity struct {
	ID                  string    `json:"id" db:"id" yaml:"id"`
	Title               string    `json:"title" db:"title" yaml:"title"`
	AttendanceOpenTime  time.Time `json:"attendance_open_time" db:"attendance_open_time" yaml:"attendance_open_time"`
	AttendanceCloseTime time.Time `json:"attendance_close_time" db:"attendance_close_time" yaml:"attendance_close_time"`
	AttendanceEnabled   bool      `json:"attendance_enabled" db:"attendance_enabled" yaml:"attendance_enabled"`
	AttendanceRequired  bool      `json:"attendance_required" db:"attendance_required" yaml:"attendance_required"`
}

// Participant is the registry snapshot shown to staff after a scan.
type Participant struct {
	ID          string `json:"id" db:"id" yaml:"id"`
	Code        string `json:"code,omitempty" db:"code" yaml:"code"`
	Name        string `json:"name" db:"name" yaml:"name"`
	Team        string `json:"team,omitempty" db:"team" yaml:"team"`
	Category    string `json:"category,omitempty" db:"category" yaml:"category"`
	Institution string `json:"institution,omitempty" db:"institution" yaml:"institution"`
}

// GeoPoint is an optional scan location.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Record is the canonical settlement for one participant in one activity.
type Record struct {
	ID            string    `json:"id"`
	ActivityID    string    `json:"activity_id"`
	ParticipantID string    `json:"participant_id"`
	Status        Status    `json:"status"`
	CheckedInAt   time.Time `json:"checked_in_at"`
	Method        Method    `json:"method"`
	ActorID       string    `json:"actor_id,omitempty"`
	Location      *GeoPoint `json:"location,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	Points        int       `json:"points"`
}

// Key returns the settlement key activityId_participantId.
func Key(activityID, participantID string) string {
	return activityID + "_" + participantID
}

// ScanEntry is one accepted scan of an opaque code.
type ScanEntry struct {
	ID          string      `json:"id"`
	Code        string      `json:"code"`
	Participant Participant `json:"participant"`
	ScannedAt   time.Time   `json:"scanned_at"`
	ActorID     string      `json:"actor_id,omitempty"`
}

// Update is one observation on a settlement subscription. Record is nil
// while the participant has not settled.
type Update struct {
	Key    string  `json:"key"`
	Record *Record `json:"record"`
}

// Variant names which credential scheme a scan used.
type Variant string

const (
	VariantToken Variant = "token"
	VariantCode  Variant = "code"
)

// ScanRequest is one presented credential.
type ScanRequest struct {
	Payload  string    `json:"payload" binding:"required"`
	ActorID  string    `json:"-"`
	Location *GeoPoint `json:"location,omitempty"`
}

// Outcome is the result of a successful validation.
type Outcome struct {
	Variant     Variant     `json:"variant"`
	Participant Participant `json:"participant"`
	Record      *Record     `json:"record,omitempty"`
	Scan        *ScanEntry  `json:"scan,omitempty"`
}
