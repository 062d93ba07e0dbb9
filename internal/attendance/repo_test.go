package attendance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/store"
)

// newTestRepository connects to DATABASE_URL and applies the migrations.
// Rows are keyed by fresh uuids, so tests share the database without cleanup.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	db, err := store.NewDB(context.Background(), dsn)
	if err != nil {
		if db != nil {
			db.Close()
		}
		t.Skipf("Database connection failed (expected in test environment): %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(dsn, "up"); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return NewRepository(db.Client)
}

func createTestSession(t *testing.T, r *Repository, target int, roster ...string) Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	s := Session{
		ID:               uuid.NewString(),
		OwnerID:          "faculty-1",
		Subject:          "CS101",
		StartsAt:         now.Add(-time.Minute),
		ExpiresAt:        now.Add(10 * time.Minute),
		EnrollmentTarget: target,
		Roster:           roster,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.CreateSession(context.Background(), s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func acceptedAttempt(sessionID, userID string, at time.Time) (ScanAttempt, Record) {
	a := ScanAttempt{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		DeviceID:  "dev-" + userID,
		ScannedAt: at,
		Decision:  DecisionAccepted,
		Mark:      MarkPresent,
	}
	return a, Record{SessionID: sessionID, UserID: userID, Mark: MarkPresent, Source: SourceScan, AttemptID: a.ID, CreatedAt: at}
}

func TestRepository_CreateGetSession(t *testing.T) {
	r := newTestRepository(t)
	s := createTestSession(t, r, 3, "a", "b", "c")

	got, err := r.GetSession(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.OwnerID != s.OwnerID || !got.ExpiresAt.Equal(s.ExpiresAt) || got.EnrollmentTarget != 3 {
		t.Errorf("session = %+v", got)
	}
	if len(got.Roster) != 3 || got.Roster[0] != "a" || got.Roster[2] != "c" {
		t.Errorf("roster = %v, want [a b c] in order", got.Roster)
	}
	if _, err := r.GetSession(context.Background(), uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session: err = %v, want ErrNotFound", err)
	}
}

func TestRepository_CommitAcceptedConcurrent(t *testing.T) {
	r := newTestRepository(t)
	s := createTestSession(t, r, 10)
	ctx := context.Background()

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			a, rec := acceptedAttempt(s.ID, "student-1", time.Now().UTC())
			_, err := r.CommitAccepted(ctx, a, rec)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	ok, dup := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicate):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Errorf("successes = %d, duplicates = %d, want 1 and %d", ok, dup, n-1)
	}

	got, err := r.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PresentCount != 1 {
		t.Errorf("present = %d, want 1", got.PresentCount)
	}
	marked, err := r.HasAccepted(ctx, s.ID, "student-1")
	if err != nil || !marked {
		t.Errorf("HasAccepted = %v, %v", marked, err)
	}
}

func TestRepository_CommitAcceptedOnCompletedSession(t *testing.T) {
	r := newTestRepository(t)
	s := createTestSession(t, r, 1)
	ctx := context.Background()
	if _, _, err := r.CompleteSession(ctx, s.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	a, rec := acceptedAttempt(s.ID, "late-comer", time.Now().UTC())
	if _, err := r.CommitAccepted(ctx, a, rec); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestRepository_CompleteSessionBackfill(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	s := createTestSession(t, r, 6, "a", "b", "c", "d")
	now := time.Now().UTC().Truncate(time.Second)

	a, rec := acceptedAttempt(s.ID, "a", now)
	if _, err := r.CommitAccepted(ctx, a, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := r.UpsertManualRecord(ctx, Record{SessionID: s.ID, UserID: "b", Mark: MarkAbsent, Source: SourceManual, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	done, backfill, err := r.CompleteSession(ctx, s.ID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if done.Status != StatusCompleted || done.EndsAt == nil || done.PresentCount != 1 {
		t.Errorf("completed session = %+v", done)
	}
	// target 6 - present 1 - manual absence 1
	if len(backfill) != 4 {
		t.Fatalf("backfilled %d records, want 4", len(backfill))
	}
	users, seats := 0, 0
	for _, b := range backfill {
		if b.Mark != MarkAbsent || b.Source != SourceBackfill {
			t.Errorf("backfill record = %+v", b)
		}
		if b.UserID != "" {
			users++
		} else {
			seats++
		}
	}
	if users != 2 || seats != 2 {
		t.Errorf("backfill users = %d seats = %d, want 2 and 2", users, seats)
	}

	records, err := r.ListRecords(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	absent := 0
	for _, rec := range records {
		if rec.Mark == MarkAbsent {
			absent++
		}
	}
	if len(records) != 6 || absent != 5 {
		t.Errorf("records = %d (absent %d), want 6 (absent 5)", len(records), absent)
	}

	if _, _, err := r.CompleteSession(ctx, s.ID, now.Add(2*time.Minute)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second complete: err = %v, want ErrInvalidState", err)
	}
	if records, _ := r.ListRecords(ctx, s.ID); len(records) != 6 {
		t.Errorf("records after retry = %d, want 6", len(records))
	}
}

func TestRepository_UpsertManualRecordRecount(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	s := createTestSession(t, r, 5)
	now := time.Now().UTC().Truncate(time.Second)

	a, rec := acceptedAttempt(s.ID, "x", now)
	if _, err := r.CommitAccepted(ctx, a, rec); err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		user string
		mark Mark
		want int
	}{
		{"y", MarkLate, 2},
		{"x", MarkAbsent, 1},
		{"y", MarkPresent, 1},
		{"x", MarkPresent, 2},
	}
	for i, st := range steps {
		got, err := r.UpsertManualRecord(ctx, Record{SessionID: s.ID, UserID: st.user, Mark: st.mark, Source: SourceManual, CreatedAt: now.Add(time.Duration(i+1) * time.Second)})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.PresentCount != st.want {
			t.Errorf("step %d (%s=%s): present = %d, want %d", i, st.user, st.mark, got.PresentCount, st.want)
		}
	}

	records, err := r.ListRecords(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("records = %d, want one per user", len(records))
	}
	for _, rec := range records {
		if rec.Source != SourceManual {
			t.Errorf("record %s source = %s, want manual", rec.UserID, rec.Source)
		}
	}

	if _, _, err := r.CompleteSession(ctx, s.ID, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.UpsertManualRecord(ctx, Record{SessionID: s.ID, UserID: "z", Mark: MarkPresent, Source: SourceManual, CreatedAt: now}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("correction after complete: err = %v, want ErrInvalidState", err)
	}
}

func TestRepository_ListAttemptsPaging(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	s := createTestSession(t, r, 5)
	base := time.Now().UTC().Truncate(time.Second)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = uuid.NewString()
		err := r.InsertAttempt(ctx, ScanAttempt{
			ID:        ids[i],
			SessionID: s.ID,
			UserID:    fmt.Sprintf("u%d", i),
			DeviceID:  "dev",
			ScannedAt: base.Add(time.Duration(i) * time.Second),
			Decision:  DecisionRejected,
			Reason:    ReasonOutOfRange,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	testCases := []struct {
		name          string
		limit, offset int
		want          []string
	}{
		{"first page newest first", 2, 0, []string{ids[4], ids[3]}},
		{"second page", 2, 2, []string{ids[2], ids[1]}},
		{"last partial page", 2, 4, []string{ids[0]}},
		{"past the end", 2, 5, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.ListAttempts(ctx, s.ID, tc.limit, tc.offset)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d attempts, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i].ID != tc.want[i] {
					t.Errorf("attempt %d = %s, want %s", i, got[i].ID, tc.want[i])
				}
				if got[i].Reason != ReasonOutOfRange || got[i].Decision != DecisionRejected {
					t.Errorf("attempt %d = %+v", i, got[i])
				}
			}
		})
	}

	n, err := r.CountRecentByDevice(ctx, "dev", base, base.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n < 3 {
		t.Errorf("CountRecentByDevice = %d, want at least 3", n)
	}
}
