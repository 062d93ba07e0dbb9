package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/token"
)

const (
	signingKey = "handler-test-key"
	issuer     = "qrattend-test"
)

type server struct {
	t      *testing.T
	router *gin.Engine
	store  *attendance.MemStore
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := attendance.NewMemStore()
	codec := token.NewCodec("handler-test-token-secret")
	sessions := attendance.NewManager(store, codec, 10*time.Minute)
	detector := attendance.NewDetector(store, 5*time.Minute, 3)
	verifier := attendance.NewVerifier(sessions, store, codec, detector, nil, attendance.VerifierConfig{})
	api := New(sessions, verifier, nil, Config{SigningKey: signingKey, Issuer: issuer})
	r := gin.New()
	api.Register(r)
	return &server{t: t, router: r, store: store}
}

func bearer(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := auth.Issue(subject, role, issuer, signingKey, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok.Token
}

func (s *server) do(method, path, jwt string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

type createdSession struct {
	Session struct {
		ID               string  `json:"id"`
		Status           string  `json:"status"`
		PresentCount     int     `json:"present_count"`
		EnrollmentTarget int     `json:"enrollment_target"`
		Percentage       float64 `json:"percentage"`
	} `json:"session"`
	Token string `json:"token"`
}

func (s *server) create(faculty string, body map[string]any) createdSession {
	s.t.Helper()
	w := s.do(http.MethodPost, "/v1/sessions", faculty, body)
	if w.Code != http.StatusCreated {
		s.t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	var out createdSession
	decode(s.t, w, &out)
	return out
}

func TestCreateAndScan(t *testing.T) {
	s := newServer(t)
	faculty := bearer(t, "faculty-1", auth.RoleFaculty)
	created := s.create(faculty, map[string]any{
		"subject":           "CS101",
		"expires_in":        600,
		"enrollment_target": 4,
		"geofence":          map[string]any{"lat": 12.9716, "lng": 77.5946, "radius_m": 100},
	})
	if created.Session.Status != "active" || created.Token == "" {
		t.Fatalf("created = %+v", created)
	}

	student := bearer(t, "student-1", auth.RoleStudent)
	scan := map[string]any{
		"token":    created.Token,
		"location": map[string]any{"lat": 12.9716, "lng": 77.5946, "accuracy_m": 8},
		"device":   map[string]any{"signals": map[string]any{"platform": "Linux", "timezone": "Asia/Kolkata"}},
	}
	w := s.do(http.MethodPost, "/v1/scans", student, scan)
	if w.Code != http.StatusCreated {
		t.Fatalf("scan: status %d body %s", w.Code, w.Body.String())
	}
	var accepted struct {
		Mark     string `json:"mark"`
		Present  int    `json:"present"`
		DeviceID string `json:"device_id"`
	}
	decode(t, w, &accepted)
	if accepted.Mark != "present" || accepted.Present != 1 || len(accepted.DeviceID) != 64 {
		t.Errorf("accepted = %+v", accepted)
	}

	w = s.do(http.MethodPost, "/v1/scans", student, scan)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate scan: status %d", w.Code)
	}
	var rejected struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	decode(t, w, &rejected)
	if rejected.Reason != "already_marked" || rejected.Message == "" {
		t.Errorf("rejected = %+v", rejected)
	}

	w = s.do(http.MethodGet, "/v1/sessions/"+created.Session.ID, faculty, nil)
	var got createdSession
	decode(t, w, &got)
	if got.Session.PresentCount != 1 || got.Session.Percentage != 25 {
		t.Errorf("session = %+v", got.Session)
	}
}

func TestScan_Rejections(t *testing.T) {
	s := newServer(t)
	faculty := bearer(t, "faculty-1", auth.RoleFaculty)
	created := s.create(faculty, map[string]any{
		"subject":  "CS101",
		"geofence": map[string]any{"lat": 12.9716, "lng": 77.5946, "radius_m": 100},
	})
	student := bearer(t, "student-2", auth.RoleStudent)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		reason string
	}{
		{"tampered token", map[string]any{"token": created.Token + "0"}, http.StatusUnprocessableEntity, "invalid_token"},
		{"empty token", map[string]any{"token": ""}, http.StatusUnprocessableEntity, "invalid_token"},
		{"no location", map[string]any{"token": created.Token}, http.StatusUnprocessableEntity, "location_required"},
		{"far away", map[string]any{"token": created.Token, "location": map[string]any{"lat": 13.0827, "lng": 80.2707}}, http.StatusUnprocessableEntity, "out_of_range"},
		{"bad coordinate", map[string]any{"token": created.Token, "location": map[string]any{"lat": 91, "lng": 0}}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/v1/scans", student, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if tt.reason == "" {
				return
			}
			var out struct {
				Reason string `json:"reason"`
			}
			decode(t, w, &out)
			if out.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", out.Reason, tt.reason)
			}
		})
	}
}

func TestSessionRoutes_Authorization(t *testing.T) {
	s := newServer(t)
	faculty := bearer(t, "faculty-1", auth.RoleFaculty)
	other := bearer(t, "faculty-2", auth.RoleFaculty)
	student := bearer(t, "student-1", auth.RoleStudent)
	created := s.create(faculty, map[string]any{"subject": "CS101"})
	path := "/v1/sessions/" + created.Session.ID

	tests := []struct {
		name   string
		method string
		path   string
		jwt    string
		want   int
	}{
		{"no token", http.MethodGet, path, "", http.StatusUnauthorized},
		{"student create", http.MethodPost, "/v1/sessions", student, http.StatusForbidden},
		{"student read", http.MethodGet, path, student, http.StatusForbidden},
		{"other faculty", http.MethodGet, path, other, http.StatusForbidden},
		{"unknown session", http.MethodGet, "/v1/sessions/does-not-exist", faculty, http.StatusNotFound},
		{"owner", http.MethodGet, path, faculty, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body any
			if tt.method == http.MethodPost {
				body = map[string]any{"subject": "x"}
			}
			if w := s.do(tt.method, tt.path, tt.jwt, body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCreateSession_Validation(t *testing.T) {
	s := newServer(t)
	faculty := bearer(t, "faculty-1", auth.RoleFaculty)
	now := time.Now().UTC()
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing subject", map[string]any{"expires_in": 60}},
		{"both expiries", map[string]any{"subject": "x", "expires_in": 60, "expires_at": now.Add(time.Hour)}},
		{"expiry before start", map[string]any{"subject": "x", "starts_at": now, "expires_at": now.Add(-time.Minute)}},
		{"negative target", map[string]any{"subject": "x", "enrollment_target": -1}},
		{"bad geofence", map[string]any{"subject": "x", "geofence": map[string]any{"lat": 0, "lng": 0, "radius_m": 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := s.do(http.MethodPost, "/v1/sessions", faculty, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestRefreshCompleteAndCorrect(t *testing.T) {
	s := newServer(t)
	faculty := bearer(t, "faculty-1", auth.RoleFaculty)
	created := s.create(faculty, map[string]any{
		"subject": "CS101",
		"roster":  []string{"student-1", "student-2", "student-3"},
	})
	base := "/v1/sessions/" + created.Session.ID

	w := s.do(http.MethodPost, base+"/refresh", faculty, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", w.Code, w.Body.String())
	}
	var refreshed createdSession
	decode(t, w, &refreshed)
	if refreshed.Token == "" || refreshed.Session.ID != created.Session.ID {
		t.Errorf("refreshed = %+v", refreshed)
	}

	student := bearer(t, "student-1", auth.RoleStudent)
	if w := s.do(http.MethodPost, "/v1/scans", student, map[string]any{"token": refreshed.Token}); w.Code != http.StatusCreated {
		t.Fatalf("scan: %d %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodPut, base+"/marks/student-2", faculty, map[string]any{"mark": "late"})
	if w.Code != http.StatusOK {
		t.Fatalf("correct: %d %s", w.Code, w.Body.String())
	}
	if w := s.do(http.MethodPut, base+"/marks/student-2", faculty, map[string]any{"mark": "excused"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown mark: status %d", w.Code)
	}

	w = s.do(http.MethodPost, base+"/complete", faculty, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}
	var completed struct {
		Session struct {
			Status       string `json:"status"`
			PresentCount int    `json:"present_count"`
		} `json:"session"`
		Backfilled int `json:"backfilled"`
	}
	decode(t, w, &completed)
	if completed.Session.Status != "completed" || completed.Session.PresentCount != 2 || completed.Backfilled != 1 {
		t.Errorf("completed = %+v", completed)
	}

	if w := s.do(http.MethodPost, base+"/complete", faculty, nil); w.Code != http.StatusConflict {
		t.Errorf("second complete: %d, want 409", w.Code)
	}
	if w := s.do(http.MethodPost, base+"/refresh", faculty, nil); w.Code != http.StatusConflict {
		t.Errorf("refresh after complete: %d, want 409", w.Code)
	}

	w = s.do(http.MethodGet, base+"/records", faculty, nil)
	var records struct {
		Records []attendance.Record `json:"records"`
	}
	decode(t, w, &records)
	if len(records.Records) != 3 {
		t.Errorf("records = %d, want 3", len(records.Records))
	}

	w = s.do(http.MethodGet, base+"/attempts?limit=10", faculty, nil)
	var attempts struct {
		Attempts []attendance.ScanAttempt `json:"attempts"`
	}
	decode(t, w, &attempts)
	if len(attempts.Attempts) != 1 || attempts.Attempts[0].Decision != attendance.DecisionAccepted {
		t.Errorf("attempts = %+v", attempts.Attempts)
	}
}

func TestQRImage(t *testing.T) {
	s := newServer(t)
	faculty := bearer(t, "faculty-1", auth.RoleFaculty)
	created := s.create(faculty, map[string]any{"subject": "CS101"})

	w := s.do(http.MethodGet, "/v1/sessions/"+created.Session.ID+"/qr.png?size=200", faculty, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if _, err := png.Decode(bytes.NewReader(w.Body.Bytes())); err != nil {
		t.Errorf("body is not a png: %v", err)
	}
}

func TestLive_DisabledWithoutHub(t *testing.T) {
	s := newServer(t)
	faculty := bearer(t, "faculty-1", auth.RoleFaculty)
	created := s.create(faculty, map[string]any{"subject": "CS101"})
	if w := s.do(http.MethodGet, "/v1/sessions/"+created.Session.ID+"/live", faculty, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

type fakeCheck bool

func (f fakeCheck) Healthy(ctx context.Context) bool { return bool(f) }

func TestHealthz(t *testing.T) {
	s := newServer(t)
	if w := s.do(http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("no checks: %d", w.Code)
	}

	gin.SetMode(gin.TestMode)
	api := New(nil, nil, nil, Config{SigningKey: signingKey, Issuer: issuer})
	api.AddHealthCheck("db", fakeCheck(true))
	api.AddHealthCheck("redis", fakeCheck(false))
	r := gin.New()
	api.Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), `"redis":false`) {
		t.Errorf("status %d body %s", w.Code, w.Body.String())
	}
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err  error
		want int
	}{
		{attendance.ErrNotFound, http.StatusNotFound},
		{attendance.ErrForbidden, http.StatusForbidden},
		{attendance.ErrInvalidState, http.StatusConflict},
		{fmt.Errorf("%w: bad", attendance.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: db down", attendance.ErrTransient), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(c, tt.err)
		if w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := attendance.NewMemStore()
	codec := token.NewCodec("handler-test-token-secret")
	sessions := attendance.NewManager(store, codec, 10*time.Minute)
	verifier := attendance.NewVerifier(sessions, store, codec, nil, nil, attendance.VerifierConfig{})
	api := New(sessions, verifier, nil, Config{SigningKey: signingKey, Issuer: issuer, RateLimitPerMin: 2})
	r := gin.New()
	api.Register(r)
	s := &server{t: t, router: r, store: store}

	student := bearer(t, "student-1", auth.RoleStudent)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(http.MethodPost, "/v1/scans", student, map[string]any{"token": "x"}).Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want third request limited", codes)
	}
	other := bearer(t, "student-2", auth.RoleStudent)
	if got := s.do(http.MethodPost, "/v1/scans", other, map[string]any{"token": "x"}).Code; got == http.StatusTooManyRequests {
		t.Error("limits are per user")
	}
}

func TestScan_EmptyDevicePayloadIsNotCorrelated(t *testing.T) {
	s := newServer(t)
	faculty := bearer(t, "faculty-1", auth.RoleFaculty)
	created := s.create(faculty, map[string]any{"subject": "CS101", "enrollment_target": 10})

	shared := map[string]any{"signals": map[string]any{"platform": "Linux", "timezone": "UTC"}}
	for i := 0; i < 5; i++ {
		empty := bearer(t, fmt.Sprintf("anon-%d", i), auth.RoleStudent)
		w := s.do(http.MethodPost, "/v1/scans", empty, map[string]any{"token": created.Token, "device": map[string]any{}})
		if w.Code != http.StatusCreated {
			t.Fatalf("scan %d: status %d body %s", i, w.Code, w.Body.String())
		}
		var out struct {
			DeviceID *string `json:"device_id"`
		}
		decode(t, w, &out)
		if out.DeviceID == nil || *out.DeviceID != "" {
			t.Errorf("scan %d: device_id = %v, want empty", i, out.DeviceID)
		}

		same := bearer(t, fmt.Sprintf("shared-%d", i), auth.RoleStudent)
		if w := s.do(http.MethodPost, "/v1/scans", same, map[string]any{"token": created.Token, "device": shared}); w.Code != http.StatusCreated {
			t.Fatalf("shared scan %d: status %d", i, w.Code)
		}
	}

	w := s.do(http.MethodGet, "/v1/sessions/"+created.Session.ID+"/attempts?limit=100", faculty, nil)
	var attempts struct {
		Attempts []attendance.ScanAttempt `json:"attempts"`
	}
	decode(t, w, &attempts)
	flagged := map[bool]int{}
	for _, a := range attempts.Attempts {
		if a.Suspicious {
			flagged[a.DeviceID == ""]++
		}
	}
	if flagged[true] != 0 {
		t.Errorf("%d scans without a device payload were flagged", flagged[true])
	}
	if flagged[false] != 2 {
		t.Errorf("shared device flagged %d times, want 2 (scans 4 and 5)", flagged[false])
	}
}
