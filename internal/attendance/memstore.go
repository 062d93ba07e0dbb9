package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for development and tests. A single mutex
// serializes all writes, which makes CommitAccepted atomic.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	attempts []ScanAttempt
	accepted map[[2]string]struct{}
	records  map[string][]Record
	devices  map[string]*Device
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]Session),
		accepted: make(map[[2]string]struct{}),
		records:  make(map[string][]Record),
		devices:  make(map[string]*Device),
	}
}

func (m *MemStore) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return invalidInput("session id already exists")
	}
	s.Roster = append([]string(nil), s.Roster...)
	m.sessions[s.ID] = s
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return copySession(s), nil
}

func (m *MemStore) UpdateExpiry(ctx context.Context, id string, expiresAt, updatedAt time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status == StatusCompleted {
		return Session{}, ErrInvalidState
	}
	s.ExpiresAt = expiresAt
	s.UpdatedAt = updatedAt
	m.sessions[id] = s
	return copySession(s), nil
}

func (m *MemStore) HasAccepted(ctx context.Context, sessionID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.accepted[[2]string{sessionID, userID}]
	return ok, nil
}

func (m *MemStore) InsertAttempt(ctx context.Context, a ScanAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *MemStore) CommitAccepted(ctx context.Context, a ScanAttempt, r Record) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[a.SessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status == StatusCompleted {
		return Session{}, ErrInvalidState
	}
	key := [2]string{a.SessionID, a.UserID}
	if _, dup := m.accepted[key]; dup {
		return Session{}, ErrDuplicate
	}
	m.accepted[key] = struct{}{}
	m.attempts = append(m.attempts, a)
	if m.recordIndex(a.SessionID, r.UserID) < 0 {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		m.records[a.SessionID] = append(m.records[a.SessionID], r)
	}
	return m.recount(a.SessionID, a.ScannedAt), nil
}

func (m *MemStore) FlagSuspicious(ctx context.Context, attemptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.attempts {
		if m.attempts[i].ID == attemptID {
			m.attempts[i].Suspicious = true
			return nil
		}
	}
	return nil
}

func (m *MemStore) CountRecentByDevice(ctx context.Context, deviceID string, since, until time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts {
		if a.DeviceID == deviceID && !a.ScannedAt.Before(since) && !a.ScannedAt.After(until) {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) ListAttempts(ctx context.Context, sessionID string, limit, offset int) ([]ScanAttempt, error) {
	limit, offset = page(limit, offset)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []ScanAttempt
	for _, a := range m.attempts {
		if a.SessionID == sessionID {
			res = append(res, a)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].ScannedAt.After(res[j].ScannedAt) })
	if offset >= len(res) {
		return nil, nil
	}
	res = res[offset:]
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemStore) CompleteSession(ctx context.Context, id string, endsAt time.Time) (Session, []Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, nil, ErrNotFound
	}
	if s.Status == StatusCompleted {
		return Session{}, nil, ErrInvalidState
	}
	s = m.recount(id, endsAt)
	recorded := make(map[string]Mark)
	for _, r := range m.records[id] {
		if r.UserID != "" {
			recorded[r.UserID] = r.Mark
		}
	}
	backfill := planBackfill(s, recorded, endsAt)
	for i := range backfill {
		backfill[i].ID = uuid.NewString()
	}
	m.records[id] = append(m.records[id], backfill...)

	s.Status = StatusCompleted
	s.EndsAt = &endsAt
	s.UpdatedAt = endsAt
	m.sessions[id] = s
	return copySession(s), backfill, nil
}

func (m *MemStore) UpsertManualRecord(ctx context.Context, r Record) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[r.SessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Status == StatusCompleted {
		return Session{}, ErrInvalidState
	}
	if i := m.recordIndex(r.SessionID, r.UserID); i >= 0 {
		existing := &m.records[r.SessionID][i]
		existing.Mark = r.Mark
		existing.Source = SourceManual
	} else {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		m.records[r.SessionID] = append(m.records[r.SessionID], r)
	}
	return m.recount(r.SessionID, r.CreatedAt), nil
}

func (m *MemStore) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records[sessionID]...), nil
}

func (m *MemStore) UpsertDevice(ctx context.Context, fingerprint, userID string, seenAt time.Time) error {
	if fingerprint == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[fingerprint]
	if !ok {
		d = &Device{Fingerprint: fingerprint, FirstSeenAt: seenAt}
		m.devices[fingerprint] = d
	}
	if seenAt.After(d.LastSeenAt) {
		d.LastSeenAt = seenAt
	}
	for _, u := range d.Users {
		if u == userID {
			return nil
		}
	}
	if userID != "" {
		d.Users = append(d.Users, userID)
	}
	return nil
}

func (m *MemStore) GetDevice(ctx context.Context, fingerprint string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[fingerprint]
	if !ok {
		return nil, nil
	}
	cp := *d
	cp.Users = append([]string(nil), d.Users...)
	return &cp, nil
}

// recordIndex must be called with mu held.
func (m *MemStore) recordIndex(sessionID, userID string) int {
	if userID == "" {
		return -1
	}
	for i, r := range m.records[sessionID] {
		if r.UserID == userID {
			return i
		}
	}
	return -1
}

// recount must be called with mu held.
func (m *MemStore) recount(id string, at time.Time) Session {
	s := m.sessions[id]
	n := 0
	for _, r := range m.records[id] {
		if r.Mark.Attended() {
			n++
		}
	}
	s.PresentCount = n
	if at.After(s.UpdatedAt) {
		s.UpdatedAt = at
	}
	m.sessions[id] = s
	return copySession(s)
}

func copySession(s Session) Session {
	s.Roster = append([]string(nil), s.Roster...)
	if s.EndsAt != nil {
		t := *s.EndsAt
		s.EndsAt = &t
	}
	if s.Geofence != nil {
		f := *s.Geofence
		s.Geofence = &f
	}
	return s
}

func page(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
