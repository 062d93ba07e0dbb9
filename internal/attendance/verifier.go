package attendance

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/geo"
	"qrattend/internal/token"
)

// DefaultLateAfter is how long after session start a scan still counts as present.
const DefaultLateAfter = 15 * time.Minute

// VerifierConfig tunes the scan checks.
type VerifierConfig struct {
	LateAfter time.Duration
	// StrictRotation accepts only the session's current token. By default a
	// refreshed-away token stays valid until its own expiry.
	StrictRotation bool
}

// ScanInput is a scanned token plus the scanner's context.
type ScanInput struct {
	Token     string
	UserID    string
	DeviceID  string
	Location  *geo.Point
	AccuracyM *float64
}

// Outcome is the result of a scan. Rejections are outcomes, not errors.
type Outcome struct {
	Attempt ScanAttempt
	// Session is set once the token resolved to an existing session.
	Session *Session
}

// Accepted reports whether the scan marked attendance.
func (o Outcome) Accepted() bool { return o.Attempt.Decision == DecisionAccepted }

// Reason is the rejection reason, empty for accepted scans.
func (o Outcome) Reason() Reason { return o.Attempt.Reason }

// Verifier runs the ordered scan checks and commits accepted scans.
type Verifier struct {
	sessions *Manager
	store    Store
	codec    *token.Codec
	detector *Detector
	alerts   AlertSink
	cfg      VerifierConfig
	now      func() time.Time
}

// NewVerifier wires the verifier. alerts may be nil.
func NewVerifier(sessions *Manager, store Store, codec *token.Codec, detector *Detector, alerts AlertSink, cfg VerifierConfig) *Verifier {
	if cfg.LateAfter <= 0 {
		cfg.LateAfter = DefaultLateAfter
	}
	return &Verifier{
		sessions: sessions,
		store:    store,
		codec:    codec,
		detector: detector,
		alerts:   alerts,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Verify evaluates a scan: decode, expiry, session state, duplicate, geofence,
// commit, then the advisory anomaly pass. The first failing check wins. Exactly
// one attempt is recorded per call; only persistence failures return an error.
func (v *Verifier) Verify(ctx context.Context, in ScanInput) (Outcome, error) {
	now := v.now().UTC()
	attempt := ScanAttempt{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		DeviceID:  in.DeviceID,
		Token:     in.Token,
		Location:  in.Location,
		AccuracyM: in.AccuracyM,
		ScannedAt: now,
	}

	claims, err := v.codec.Verify(in.Token)
	if err != nil {
		return v.reject(ctx, attempt, nil, ReasonInvalidToken)
	}
	attempt.SessionID = claims.SessionID

	if now.After(claims.ExpiresAt) {
		return v.reject(ctx, attempt, nil, ReasonExpired)
	}

	s, err := v.sessions.Get(ctx, claims.SessionID)
	if errors.Is(err, ErrNotFound) {
		return v.reject(ctx, attempt, nil, ReasonSessionNotActive)
	}
	if err != nil {
		return Outcome{}, err
	}
	if s.Status != StatusActive {
		return v.reject(ctx, attempt, &s, ReasonSessionNotActive)
	}
	if v.cfg.StrictRotation && !claims.ExpiresAt.Equal(s.ExpiresAt) {
		return v.reject(ctx, attempt, &s, ReasonExpired)
	}

	marked, err := v.store.HasAccepted(ctx, s.ID, in.UserID)
	if err != nil {
		return Outcome{}, transient("duplicate check", err)
	}
	if marked {
		return v.reject(ctx, attempt, &s, ReasonAlreadyMarked)
	}

	if s.Geofence != nil {
		if in.Location == nil || !in.Location.Valid() {
			return v.reject(ctx, attempt, &s, ReasonLocationRequired)
		}
		if !s.Geofence.Contains(*in.Location) {
			return v.reject(ctx, attempt, &s, ReasonOutOfRange)
		}
	}

	attempt.Decision = DecisionAccepted
	attempt.Mark = MarkPresent
	if now.After(s.StartsAt.Add(v.cfg.LateAfter)) {
		attempt.Mark = MarkLate
	}
	updated, err := v.sessions.RecordPresence(ctx, attempt)
	switch {
	case errors.Is(err, ErrDuplicate):
		attempt.Mark = ""
		return v.reject(ctx, attempt, &s, ReasonAlreadyMarked)
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		attempt.Mark = ""
		return v.reject(ctx, attempt, &s, ReasonSessionNotActive)
	case err != nil:
		return Outcome{}, err
	}
	v.touchDevice(ctx, attempt)

	if v.detector != nil {
		if flagged, count := v.detector.Check(ctx, attempt.DeviceID); flagged {
			attempt.Suspicious = true
			if err := v.store.FlagSuspicious(ctx, attempt.ID); err != nil {
				log.Printf("scan %s: flag suspicious: %v", attempt.ID, err)
			}
			v.emit(ctx, Alert{
				SessionID: updated.ID,
				OwnerID:   updated.OwnerID,
				UserID:    attempt.UserID,
				DeviceID:  attempt.DeviceID,
				AttemptID: attempt.ID,
				ScanCount: count,
				Window:    v.detector.Window(),
				RaisedAt:  now,
			})
		}
	}
	return Outcome{Attempt: attempt, Session: &updated}, nil
}

func (v *Verifier) reject(ctx context.Context, a ScanAttempt, s *Session, reason Reason) (Outcome, error) {
	a.Decision = DecisionRejected
	a.Reason = reason
	if err := v.store.InsertAttempt(ctx, a); err != nil {
		return Outcome{}, transient("record attempt", err)
	}
	v.touchDevice(ctx, a)
	return Outcome{Attempt: a, Session: s}, nil
}

func (v *Verifier) touchDevice(ctx context.Context, a ScanAttempt) {
	if a.DeviceID == "" {
		return
	}
	if err := v.store.UpsertDevice(ctx, a.DeviceID, a.UserID, a.ScannedAt); err != nil {
		log.Printf("scan %s: upsert device: %v", a.ID, err)
	}
}

func (v *Verifier) emit(ctx context.Context, alert Alert) {
	if v.alerts == nil {
		return
	}
	v.alerts.Emit(ctx, alert)
}
