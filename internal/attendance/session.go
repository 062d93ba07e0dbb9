package attendance

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/geo"
	"qrattend/internal/token"
)

// DefaultTokenTTL is the validity horizon of a freshly minted token.
const DefaultTokenTTL = 10 * time.Minute

// CreateInput describes a new attendance session.
type CreateInput struct {
	OwnerID          string
	Subject          string
	StartsAt         time.Time
	ExpiresAt        time.Time
	Geofence         *geo.Fence
	EnrollmentTarget int
	Roster           []string
}

// Manager owns the session lifecycle. All session mutation goes through it.
type Manager struct {
	store    Store
	codec    *token.Codec
	tokenTTL time.Duration
	observer Observer
	now      func() time.Time
}

// NewManager creates a lifecycle manager backed by store.
func NewManager(store Store, codec *token.Codec, tokenTTL time.Duration) *Manager {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Manager{store: store, codec: codec, tokenTTL: tokenTTL, now: time.Now}
}

// SetObserver registers the receiver of aggregate updates.
func (m *Manager) SetObserver(o Observer) { m.observer = o }

// TokenTTL returns the horizon used when refreshing tokens.
func (m *Manager) TokenTTL() time.Duration { return m.tokenTTL }

func (m *Manager) notify(s Session) {
	if m.observer != nil {
		m.observer.SessionChanged(s)
	}
}

// CreateSession validates the window and stores a new session. It returns the
// session and its first token.
func (m *Manager) CreateSession(ctx context.Context, in CreateInput) (Session, string, error) {
	now := m.now().UTC()
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.Subject = strings.TrimSpace(in.Subject)
	if in.OwnerID == "" {
		return Session{}, "", invalidInput("owner required")
	}
	if in.Subject == "" {
		return Session{}, "", invalidInput("subject required")
	}
	if in.StartsAt.IsZero() {
		in.StartsAt = now
	}
	startsAt := in.StartsAt.UTC().Truncate(time.Second)
	expiresAt := in.ExpiresAt.UTC().Truncate(time.Second)
	if in.ExpiresAt.IsZero() {
		expiresAt = startsAt.Add(m.tokenTTL)
	}
	if !expiresAt.After(startsAt) {
		return Session{}, "", invalidInput("expiry must be after start")
	}
	if in.Geofence != nil && !in.Geofence.Valid() {
		return Session{}, "", invalidInput("geofence needs a valid center and a positive radius")
	}
	if in.EnrollmentTarget < 0 {
		return Session{}, "", invalidInput("enrollment target must not be negative")
	}
	roster := dedupe(in.Roster)
	target := in.EnrollmentTarget
	if target == 0 {
		target = len(roster)
	}

	s := Session{
		ID:               uuid.NewString(),
		OwnerID:          in.OwnerID,
		Subject:          in.Subject,
		StartsAt:         startsAt,
		ExpiresAt:        expiresAt,
		Geofence:         in.Geofence,
		EnrollmentTarget: target,
		Roster:           roster,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if startsAt.After(now) {
		s.Status = StatusScheduled
	}
	tok, err := m.codec.Mint(s.ID, s.ExpiresAt)
	if err != nil {
		return Session{}, "", err
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return Session{}, "", transient("create session", err)
	}
	s.Status = s.EffectiveStatus(now)
	return s, tok, nil
}

// Get returns the session with its lazily evaluated status.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, transient("get session", err)
	}
	s.Status = s.EffectiveStatus(m.now())
	return s, nil
}

// Owned returns the session if issuer owns it.
func (m *Manager) Owned(ctx context.Context, id, issuer string) (Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.OwnerID != issuer {
		return Session{}, ErrForbidden
	}
	return s, nil
}

// CurrentToken re-derives the session's current token; tokens are never stored.
func (m *Manager) CurrentToken(ctx context.Context, id, issuer string) (string, error) {
	s, err := m.Owned(ctx, id, issuer)
	if err != nil {
		return "", err
	}
	return m.codec.Mint(s.ID, s.ExpiresAt)
}

// RefreshToken rotates the token to a new expiry horizon. Identity and aggregates
// are unchanged. Older tokens stay valid until their own expiry.
func (m *Manager) RefreshToken(ctx context.Context, id, issuer string) (string, Session, error) {
	s, err := m.Owned(ctx, id, issuer)
	if err != nil {
		return "", Session{}, err
	}
	if s.Status == StatusCompleted || s.Status == StatusExpired {
		return "", Session{}, ErrInvalidState
	}
	now := m.now().UTC()
	base := now
	if s.StartsAt.After(base) {
		base = s.StartsAt
	}
	expiresAt := base.Add(m.tokenTTL).Truncate(time.Second)
	if !expiresAt.After(s.StartsAt) {
		expiresAt = s.StartsAt.Add(time.Second)
	}
	updated, err := m.store.UpdateExpiry(ctx, id, expiresAt, now)
	if err != nil {
		return "", Session{}, transient("refresh token", err)
	}
	tok, err := m.codec.Mint(updated.ID, updated.ExpiresAt)
	if err != nil {
		return "", Session{}, err
	}
	updated.Status = updated.EffectiveStatus(now)
	m.notify(updated)
	return tok, updated, nil
}

// RecordPresence commits an accepted attempt and recomputes the aggregates.
// It returns ErrDuplicate when another accepted attempt won the race.
func (m *Manager) RecordPresence(ctx context.Context, a ScanAttempt) (Session, error) {
	if a.Decision != DecisionAccepted || !a.Mark.Attended() {
		return Session{}, invalidInput("only accepted present or late attempts can be recorded")
	}
	rec := Record{
		SessionID: a.SessionID,
		UserID:    a.UserID,
		Mark:      a.Mark,
		Source:    SourceScan,
		AttemptID: a.ID,
		CreatedAt: a.ScannedAt,
	}
	s, err := m.store.CommitAccepted(ctx, a, rec)
	if err != nil {
		return Session{}, transient("record presence", err)
	}
	s.Status = s.EffectiveStatus(m.now())
	m.notify(s)
	return s, nil
}

// Complete finalizes the session and back-fills absent records. It returns the
// completed session and the number of records back-filled.
func (m *Manager) Complete(ctx context.Context, id, issuer string) (Session, int, error) {
	s, err := m.Owned(ctx, id, issuer)
	if err != nil {
		return Session{}, 0, err
	}
	if s.Status == StatusCompleted {
		return Session{}, 0, ErrInvalidState
	}
	done, backfill, err := m.store.CompleteSession(ctx, id, m.now().UTC())
	if err != nil {
		return Session{}, 0, transient("complete session", err)
	}
	m.notify(done)
	return done, len(backfill), nil
}

// CorrectMark applies the owner's manual correction for a user.
func (m *Manager) CorrectMark(ctx context.Context, id, issuer, userID string, mark Mark) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, invalidInput("user required")
	}
	if !mark.Valid() {
		return Session{}, invalidInput("mark must be present, late or absent")
	}
	s, err := m.Owned(ctx, id, issuer)
	if err != nil {
		return Session{}, err
	}
	if s.Status == StatusCompleted {
		return Session{}, ErrInvalidState
	}
	updated, err := m.store.UpsertManualRecord(ctx, Record{
		SessionID: id,
		UserID:    userID,
		Mark:      mark,
		Source:    SourceManual,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		return Session{}, transient("correct mark", err)
	}
	updated.Status = updated.EffectiveStatus(m.now())
	m.notify(updated)
	return updated, nil
}

// ListAttempts returns the session's audit trail to its owner.
func (m *Manager) ListAttempts(ctx context.Context, id, issuer string, limit, offset int) ([]ScanAttempt, error) {
	if _, err := m.Owned(ctx, id, issuer); err != nil {
		return nil, err
	}
	attempts, err := m.store.ListAttempts(ctx, id, limit, offset)
	return attempts, transient("list attempts", err)
}

// ListRecords returns the session's attendance records to its owner.
func (m *Manager) ListRecords(ctx context.Context, id, issuer string) ([]Record, error) {
	if _, err := m.Owned(ctx, id, issuer); err != nil {
		return nil, err
	}
	records, err := m.store.ListRecords(ctx, id)
	return records, transient("list records", err)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
