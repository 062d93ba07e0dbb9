package attendance

import (
	"context"
	"time"

	"qrattend/internal/geo"
)

// Status is the lifecycle state of an attendance session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

// Session is one instructor-initiated attendance window for a class meeting.
type Session struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Subject          string     `json:"subject"`
	StartsAt         time.Time  `json:"starts_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
	Geofence         *geo.Fence `json:"geofence,omitempty"`
	EnrollmentTarget int        `json:"enrollment_target"`
	Roster           []string   `json:"roster,omitempty"`
	PresentCount     int        `json:"present_count"`
	// Status is the stored state; expired is never stored, see EffectiveStatus.
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveStatus evaluates the lifecycle lazily against now.
func (s Session) EffectiveStatus(now time.Time) Status {
	switch {
	case s.Status == StatusCompleted:
		return StatusCompleted
	case now.After(s.ExpiresAt):
		return StatusExpired
	case now.Before(s.StartsAt):
		return StatusScheduled
	default:
		return StatusActive
	}
}

// Percentage is present/target as a percentage, 0 when the target is 0.
func (s Session) Percentage() float64 {
	if s.EnrollmentTarget <= 0 {
		return 0
	}
	return float64(s.PresentCount) / float64(s.EnrollmentTarget) * 100
}

// Decision is the outcome of a scan.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// Reason explains a rejected scan.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonExpired          Reason = "expired"
	ReasonSessionNotActive Reason = "session_not_active"
	ReasonAlreadyMarked    Reason = "already_marked"
	ReasonLocationRequired Reason = "location_required"
	ReasonOutOfRange       Reason = "out_of_range"
)

// Message is the user-facing text for a rejection reason.
func (r Reason) Message() string {
	switch r {
	case ReasonInvalidToken:
		return "This QR code is not valid."
	case ReasonExpired:
		return "This QR code has expired. Ask your instructor for a new code."
	case ReasonSessionNotActive:
		return "This attendance session is not open."
	case ReasonAlreadyMarked:
		return "Your attendance is already marked for this session."
	case ReasonLocationRequired:
		return "Location access is required to mark attendance for this session."
	case ReasonOutOfRange:
		return "You are too far from the classroom. Move closer and scan again."
	default:
		return ""
	}
}

// Mark is the attendance classification of a user for a session.
type Mark string

const (
	MarkPresent Mark = "present"
	MarkLate    Mark = "late"
	MarkAbsent  Mark = "absent"
)

// Valid reports whether m is a known mark.
func (m Mark) Valid() bool {
	return m == MarkPresent || m == MarkLate || m == MarkAbsent
}

// Attended reports whether m counts towards the present aggregate.
func (m Mark) Attended() bool {
	return m == MarkPresent || m == MarkLate
}

// Source records how an attendance record came to exist.
type Source string

const (
	SourceScan     Source = "scan"
	SourceBackfill Source = "backfill"
	SourceManual   Source = "manual"
)

// ScanAttempt is the immutable audit record of one scan.
type ScanAttempt struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id,omitempty"`
	UserID     string     `json:"user_id"`
	DeviceID   string     `json:"device_id"`
	Token      string     `json:"-"`
	Location   *geo.Point `json:"location,omitempty"`
	AccuracyM  *float64   `json:"accuracy_m,omitempty"`
	ScannedAt  time.Time  `json:"scanned_at"`
	Decision   Decision   `json:"decision"`
	Reason     Reason     `json:"reason,omitempty"`
	Mark       Mark       `json:"mark,omitempty"`
	Suspicious bool       `json:"suspicious"`
}

// Record is the attendance mark of one user (or one anonymous seat) in a session.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Seat      int       `json:"seat,omitempty"`
	Mark      Mark      `json:"mark"`
	Source    Source    `json:"source"`
	AttemptID string    `json:"attempt_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Device is the heuristic identity a scan was made from.
type Device struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Users       []string  `json:"users"`
}

// Alert is emitted to the session owner when a device scans suspiciously often.
type Alert struct {
	SessionID string        `json:"session_id"`
	OwnerID   string        `json:"owner_id"`
	UserID    string        `json:"user_id"`
	DeviceID  string        `json:"device_id"`
	AttemptID string        `json:"attempt_id"`
	ScanCount int           `json:"scan_count"`
	Window    time.Duration `json:"window"`
	RaisedAt  time.Time     `json:"raised_at"`
}

// AlertSink receives anomaly alerts. Emission is fire-and-forget.
type AlertSink interface {
	Emit(ctx context.Context, alert Alert)
}

// Observer is notified after session aggregates or status change.
type Observer interface {
	SessionChanged(s Session)
}

// planBackfill returns the absent records that complete a session: roster members
// without any record first, then anonymous seats, so that present plus absent
// records reach the enrollment target.
func planBackfill(s Session, recorded map[string]Mark, now time.Time) []Record {
	absent := 0
	for _, m := range recorded {
		if m == MarkAbsent {
			absent++
		}
	}
	n := s.EnrollmentTarget - s.PresentCount - absent
	if n <= 0 {
		return nil
	}
	out := make([]Record, 0, n)
	for _, userID := range s.Roster {
		if len(out) == n {
			break
		}
		if _, ok := recorded[userID]; ok {
			continue
		}
		out = append(out, Record{SessionID: s.ID, UserID: userID, Mark: MarkAbsent, Source: SourceBackfill, CreatedAt: now})
	}
	for seat := 1; len(out) < n; seat++ {
		out = append(out, Record{SessionID: s.ID, Seat: seat, Mark: MarkAbsent, Source: SourceBackfill, CreatedAt: now})
	}
	return out
}
