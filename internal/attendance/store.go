package attendance

import (
	"context"
	"time"
)

// Store persists sessions, scan attempts, attendance records and devices.
//
// Implementations must make CommitAccepted atomic per (session, user): of two
// concurrent calls for the same pair exactly one succeeds and the other returns
// ErrDuplicate. Aggregates are recomputed from records, never read-modify-written.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (Session, error)
	// UpdateExpiry moves the token horizon. Returns ErrInvalidState when the session is completed.
	UpdateExpiry(ctx context.Context, id string, expiresAt, updatedAt time.Time) (Session, error)

	HasAccepted(ctx context.Context, sessionID, userID string) (bool, error)
	// InsertAttempt records a rejected attempt. Rejected attempts never count as duplicates.
	InsertAttempt(ctx context.Context, a ScanAttempt) error
	// CommitAccepted inserts the accepted attempt and its record and recomputes
	// the present count. Returns ErrDuplicate, ErrNotFound or ErrInvalidState (completed).
	CommitAccepted(ctx context.Context, a ScanAttempt, r Record) (Session, error)
	FlagSuspicious(ctx context.Context, attemptID string) error
	CountRecentByDevice(ctx context.Context, deviceID string, since, until time.Time) (int, error)
	ListAttempts(ctx context.Context, sessionID string, limit, offset int) ([]ScanAttempt, error)

	// CompleteSession marks the session completed and inserts the absent back-fill
	// in one step. Returns ErrInvalidState when already completed.
	CompleteSession(ctx context.Context, id string, endsAt time.Time) (Session, []Record, error)
	// UpsertManualRecord sets a user's mark and recomputes the present count.
	UpsertManualRecord(ctx context.Context, r Record) (Session, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)

	UpsertDevice(ctx context.Context, fingerprint, userID string, seenAt time.Time) error
	GetDevice(ctx context.Context, fingerprint string) (*Device, error)
}
