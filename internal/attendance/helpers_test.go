package attendance

import (
	"context"
	"sync"
	"time"

	"qrattend/internal/token"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recordingSink) Emit(ctx context.Context, a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type recordingObserver struct {
	mu      sync.Mutex
	changes []Session
}

func (o *recordingObserver) SessionChanged(s Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changes = append(o.changes, s)
}

type fixture struct {
	clock    *clock
	store    *MemStore
	codec    *token.Codec
	manager  *Manager
	detector *Detector
	verifier *Verifier
	alerts   *recordingSink
	observer *recordingObserver
}

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newFixture(cfg VerifierConfig) *fixture {
	f := &fixture{
		clock:    newClock(epoch),
		store:    NewMemStore(),
		codec:    token.NewCodec("test-secret"),
		alerts:   &recordingSink{},
		observer: &recordingObserver{},
	}
	f.manager = NewManager(f.store, f.codec, 10*time.Minute)
	f.manager.now = f.clock.Now
	f.manager.SetObserver(f.observer)
	f.detector = NewDetector(f.store, 0, 0)
	f.detector.now = f.clock.Now
	f.verifier = NewVerifier(f.manager, f.store, f.codec, f.detector, f.alerts, cfg)
	f.verifier.now = f.clock.Now
	return f
}

func defaultConfig() VerifierConfig {
	return VerifierConfig{}
}

func (f *fixture) create(in CreateInput) (Session, string) {
	if in.OwnerID == "" {
		in.OwnerID = "faculty-1"
	}
	if in.Subject == "" {
		in.Subject = "CS101"
	}
	s, tok, err := f.manager.CreateSession(context.Background(), in)
	if err != nil {
		panic(err)
	}
	return s, tok
}

func (f *fixture) scan(tok, userID, deviceID string) Outcome {
	out, err := f.verifier.Verify(context.Background(), ScanInput{Token: tok, UserID: userID, DeviceID: deviceID})
	if err != nil {
		panic(err)
	}
	return out
}
