package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/geo"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `id, owner_id, subject, starts_at, expires_at, ends_at, geo_lat, geo_lng, geo_radius_m,
	enrollment_target, present_count, status, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		s                 Session
		endsAt            sql.NullTime
		lat, lng, radiusM sql.NullFloat64
		status            string
	)
	if err := row.Scan(&s.ID, &s.OwnerID, &s.Subject, &s.StartsAt, &s.ExpiresAt, &endsAt, &lat, &lng, &radiusM,
		&s.EnrollmentTarget, &s.PresentCount, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	s.Status = Status(status)
	if endsAt.Valid {
		t := endsAt.Time
		s.EndsAt = &t
	}
	if lat.Valid && lng.Valid && radiusM.Valid {
		s.Geofence = &geo.Fence{Center: geo.Point{Lat: lat.Float64, Lng: lng.Float64}, RadiusMeters: radiusM.Float64}
	}
	return s, nil
}

func (r *Repository) loadSession(ctx context.Context, q queryer, id string, forUpdate bool) (Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSession(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return Session{}, err
	}
	rows, err := q.QueryContext(ctx, `SELECT user_id FROM session_roster WHERE session_id = $1 ORDER BY position`, id)
	if err != nil {
		return Session{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return Session{}, err
		}
		s.Roster = append(s.Roster, u)
	}
	return s, rows.Err()
}

// recount recomputes present_count from attendance records.
func (r *Repository) recount(ctx context.Context, q queryer, id string, at time.Time) (Session, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE sessions
		SET present_count = (
			SELECT COUNT(*) FROM attendance_records
			WHERE session_id = $1 AND mark IN ('present', 'late')
		), updated_at = GREATEST(updated_at, $2)
		WHERE id = $1
		RETURNING `+sessionColumns, id, at)
	return scanSession(row)
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CreateSession inserts the session and its roster.
func (r *Repository) CreateSession(ctx context.Context, s Session) error {
	var lat, lng, radiusM sql.NullFloat64
	if s.Geofence != nil {
		lat = sql.NullFloat64{Float64: s.Geofence.Center.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: s.Geofence.Center.Lng, Valid: true}
		radiusM = sql.NullFloat64{Float64: s.Geofence.RadiusMeters, Valid: true}
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, owner_id, subject, starts_at, expires_at, geo_lat, geo_lng, geo_radius_m,
				enrollment_target, present_count, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11,$11)
		`, s.ID, s.OwnerID, s.Subject, s.StartsAt, s.ExpiresAt, lat, lng, radiusM,
			s.EnrollmentTarget, string(s.Status), s.CreatedAt); err != nil {
			return err
		}
		for i, u := range s.Roster {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO session_roster (session_id, user_id, position) VALUES ($1,$2,$3)
				ON CONFLICT (session_id, user_id) DO NOTHING
			`, s.ID, u, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSession returns a session with its roster.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	return r.loadSession(ctx, r.db, id, false)
}

// UpdateExpiry moves the token horizon of a non-completed session.
func (r *Repository) UpdateExpiry(ctx context.Context, id string, expiresAt, updatedAt time.Time) (Session, error) {
	var out Session
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		s, err := r.loadSession(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if s.Status == StatusCompleted {
			return ErrInvalidState
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE sessions SET expires_at = $2, updated_at = $3 WHERE id = $1
			RETURNING `+sessionColumns, id, expiresAt, updatedAt)
		out, err = scanSession(row)
		out.Roster = s.Roster
		return err
	})
	return out, err
}

// HasAccepted reports whether the user already has an accepted attempt for the session.
func (r *Repository) HasAccepted(ctx context.Context, sessionID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM scan_attempts
			WHERE session_id = $1 AND user_id = $2 AND decision = 'accepted'
		)
	`, sessionID, userID).Scan(&exists)
	return exists, err
}

func insertAttempt(ctx context.Context, q queryer, a ScanAttempt, onConflict string) (int64, error) {
	var lat, lng, acc sql.NullFloat64
	if a.Location != nil {
		lat = sql.NullFloat64{Float64: a.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: a.Location.Lng, Valid: true}
	}
	if a.AccuracyM != nil {
		acc = sql.NullFloat64{Float64: *a.AccuracyM, Valid: true}
	}
	var sessionID sql.NullString
	if a.SessionID != "" {
		sessionID = sql.NullString{String: a.SessionID, Valid: true}
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO scan_attempts (id, session_id, user_id, device_id, token, lat, lng, accuracy_m,
			scanned_at, decision, reason, mark, suspicious)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`+onConflict, a.ID, sessionID, a.UserID, a.DeviceID, a.Token, lat, lng, acc,
		a.ScannedAt, string(a.Decision), string(a.Reason), string(a.Mark), a.Suspicious)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertAttempt records a rejected attempt.
func (r *Repository) InsertAttempt(ctx context.Context, a ScanAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := insertAttempt(ctx, r.db, a, "")
	return err
}

// CommitAccepted relies on uq_scan_attempts_accepted for insert-if-not-exists and
// locks the session row so a concurrent completion cannot interleave.
func (r *Repository) CommitAccepted(ctx context.Context, a ScanAttempt, rec Record) (Session, error) {
	var out Session
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		s, err := r.loadSession(ctx, tx, a.SessionID, true)
		if err != nil {
			return err
		}
		if s.Status == StatusCompleted {
			return ErrInvalidState
		}
		n, err := insertAttempt(ctx, tx, a, `
		ON CONFLICT (session_id, user_id) WHERE decision = 'accepted' DO NOTHING`)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrDuplicate
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_records (id, session_id, user_id, mark, source, attempt_id, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
			ON CONFLICT (session_id, user_id) DO NOTHING
		`, rec.ID, rec.SessionID, rec.UserID, string(rec.Mark), string(rec.Source), rec.AttemptID, rec.CreatedAt); err != nil {
			return err
		}
		out, err = r.recount(ctx, tx, a.SessionID, a.ScannedAt)
		out.Roster = s.Roster
		return err
	})
	return out, err
}

// FlagSuspicious sets the advisory suspicion flag on an attempt.
func (r *Repository) FlagSuspicious(ctx context.Context, attemptID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scan_attempts SET suspicious = TRUE WHERE id = $1`, attemptID)
	return err
}

// CountRecentByDevice counts attempts of any decision from the device in [since, until].
func (r *Repository) CountRecentByDevice(ctx context.Context, deviceID string, since, until time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scan_attempts
		WHERE device_id = $1 AND scanned_at >= $2 AND scanned_at <= $3
	`, deviceID, since, until).Scan(&n)
	return n, err
}

// ListAttempts returns the audit trail of a session, newest first.
func (r *Repository) ListAttempts(ctx context.Context, sessionID string, limit, offset int) ([]ScanAttempt, error) {
	limit, offset = page(limit, offset)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, COALESCE(session_id, ''), user_id, device_id, lat, lng, accuracy_m, scanned_at,
			decision, reason, mark, suspicious
		FROM scan_attempts
		WHERE session_id = $1
		ORDER BY scanned_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ScanAttempt
	for rows.Next() {
		var (
			a                ScanAttempt
			lat, lng, acc    sql.NullFloat64
			decision, reason string
			mark             string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.UserID, &a.DeviceID, &lat, &lng, &acc, &a.ScannedAt,
			&decision, &reason, &mark, &a.Suspicious); err != nil {
			return nil, err
		}
		if lat.Valid && lng.Valid {
			a.Location = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
		}
		if acc.Valid {
			v := acc.Float64
			a.AccuracyM = &v
		}
		a.Decision, a.Reason, a.Mark = Decision(decision), Reason(reason), Mark(mark)
		res = append(res, a)
	}
	return res, rows.Err()
}

// CompleteSession finalizes the session and back-fills absent records in one transaction.
func (r *Repository) CompleteSession(ctx context.Context, id string, endsAt time.Time) (Session, []Record, error) {
	var (
		out      Session
		backfill []Record
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		s, err := r.loadSession(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if s.Status == StatusCompleted {
			return ErrInvalidState
		}
		roster := s.Roster
		if s, err = r.recount(ctx, tx, id, endsAt); err != nil {
			return err
		}
		s.Roster = roster

		recorded, err := recordedMarks(ctx, tx, id)
		if err != nil {
			return err
		}
		backfill = planBackfill(s, recorded, endsAt)
		for i := range backfill {
			rec := &backfill[i]
			rec.ID = uuid.NewString()
			var userID sql.NullString
			var seat sql.NullInt64
			if rec.UserID != "" {
				userID = sql.NullString{String: rec.UserID, Valid: true}
			} else {
				seat = sql.NullInt64{Int64: int64(rec.Seat), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attendance_records (id, session_id, user_id, seat, mark, source, created_at, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
			`, rec.ID, id, userID, seat, string(rec.Mark), string(rec.Source), rec.CreatedAt); err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE sessions SET status = 'completed', ends_at = $2, updated_at = $2 WHERE id = $1
			RETURNING `+sessionColumns, id, endsAt)
		out, err = scanSession(row)
		out.Roster = roster
		return err
	})
	return out, backfill, err
}

func recordedMarks(ctx context.Context, q queryer, sessionID string) (map[string]Mark, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, mark FROM attendance_records WHERE session_id = $1 AND user_id IS NOT NULL
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Mark)
	for rows.Next() {
		var u, m string
		if err := rows.Scan(&u, &m); err != nil {
			return nil, err
		}
		out[u] = Mark(m)
	}
	return out, rows.Err()
}

// UpsertManualRecord applies an owner's correction and recomputes the aggregate.
func (r *Repository) UpsertManualRecord(ctx context.Context, rec Record) (Session, error) {
	var out Session
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		s, err := r.loadSession(ctx, tx, rec.SessionID, true)
		if err != nil {
			return err
		}
		if s.Status == StatusCompleted {
			return ErrInvalidState
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_records (id, session_id, user_id, mark, source, created_at, updated_at)
			VALUES ($1,$2,$3,$4,'manual',$5,$5)
			ON CONFLICT (session_id, user_id) DO UPDATE SET
				mark = EXCLUDED.mark,
				source = 'manual',
				updated_at = EXCLUDED.updated_at
		`, rec.ID, rec.SessionID, rec.UserID, string(rec.Mark), rec.CreatedAt); err != nil {
			return err
		}
		out, err = r.recount(ctx, tx, rec.SessionID, rec.CreatedAt)
		out.Roster = s.Roster
		return err
	})
	return out, err
}

// ListRecords returns every attendance record of a session.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(user_id, ''), COALESCE(seat, 0), mark, source, COALESCE(attempt_id, ''), created_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY created_at, seat
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		var mark, source string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.Seat, &mark, &source, &rec.AttemptID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Mark, rec.Source = Mark(mark), Source(source)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// UpsertDevice ensures a device record exists and links it to the user.
func (r *Repository) UpsertDevice(ctx context.Context, fingerprint, userID string, seenAt time.Time) error {
	if fingerprint == "" {
		return errors.New("device fingerprint required")
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO devices (fingerprint, first_seen_at, last_seen_at)
			VALUES ($1, $2, $2)
			ON CONFLICT (fingerprint) DO UPDATE SET last_seen_at = GREATEST(devices.last_seen_at, EXCLUDED.last_seen_at)
		`, fingerprint, seenAt); err != nil {
			return err
		}
		if userID == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO device_users (fingerprint, user_id, first_seen_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (fingerprint, user_id) DO NOTHING
		`, fingerprint, userID, seenAt)
		return err
	})
}

// GetDevice returns the device and its associated users, or nil when unknown.
func (r *Repository) GetDevice(ctx context.Context, fingerprint string) (*Device, error) {
	var d Device
	err := r.db.QueryRowContext(ctx, `
		SELECT fingerprint, first_seen_at, last_seen_at FROM devices WHERE fingerprint = $1
	`, fingerprint).Scan(&d.Fingerprint, &d.FirstSeenAt, &d.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM device_users WHERE fingerprint = $1 ORDER BY first_seen_at
	`, fingerprint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		d.Users = append(d.Users, u)
	}
	return &d, rows.Err()
}
