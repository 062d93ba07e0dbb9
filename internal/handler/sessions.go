package handler

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/geo"
	"qrattend/internal/metrics"
	"qrattend/internal/qr"
)

type geofenceRequest struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RadiusMeters float64 `json:"radius_m"`
}

type createSessionRequest struct {
	Subject          string           `json:"subject" binding:"required"`
	StartsAt         *time.Time       `json:"starts_at"`
	ExpiresAt        *time.Time       `json:"expires_at"`
	ExpiresIn        int              `json:"expires_in"`
	Geofence         *geofenceRequest `json:"geofence"`
	EnrollmentTarget int              `json:"enrollment_target"`
	Roster           []string         `json:"roster"`
}

type sessionView struct {
	attendance.Session
	Percentage float64 `json:"percentage"`
}

func viewOf(s attendance.Session) sessionView {
	return sessionView{Session: s, Percentage: s.Percentage()}
}

func (a *API) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExpiresAt != nil && req.ExpiresIn != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "set expires_at or expires_in, not both"})
		return
	}
	if req.ExpiresIn < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expires_in must be positive"})
		return
	}

	in := attendance.CreateInput{
		OwnerID:          caller(c),
		Subject:          req.Subject,
		EnrollmentTarget: req.EnrollmentTarget,
		Roster:           req.Roster,
	}
	if req.StartsAt != nil {
		in.StartsAt = *req.StartsAt
	}
	switch {
	case req.ExpiresAt != nil:
		in.ExpiresAt = *req.ExpiresAt
	case req.ExpiresIn > 0:
		start := in.StartsAt
		if start.IsZero() {
			start = time.Now()
		}
		in.ExpiresAt = start.Add(time.Duration(req.ExpiresIn) * time.Second)
	}
	if req.Geofence != nil {
		in.Geofence = &geo.Fence{
			Center:       geo.Point{Lat: req.Geofence.Lat, Lng: req.Geofence.Lng},
			RadiusMeters: req.Geofence.RadiusMeters,
		}
	}

	s, tok, err := a.sessions.CreateSession(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.SessionsCreatedTotal.Inc()
	log.Printf("session %s created by %s subject=%q target=%d", s.ID, s.OwnerID, s.Subject, s.EnrollmentTarget)
	c.JSON(http.StatusCreated, gin.H{"session": viewOf(s), "token": tok})
}

func (a *API) getSession(c *gin.Context) {
	s, err := a.sessions.Owned(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(s)})
}

func (a *API) refreshToken(c *gin.Context) {
	tok, s, err := a.sessions.RefreshToken(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": viewOf(s), "token": tok})
}

func (a *API) qrImage(c *gin.Context) {
	tok, err := a.sessions.CurrentToken(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	content, err := qr.Content(a.cfg.ScanBaseURL, tok)
	if err != nil {
		writeError(c, err)
		return
	}
	png, err := qr.Render(content, queryInt(c, "size", qr.DefaultSize))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (a *API) completeSession(c *gin.Context) {
	s, backfilled, err := a.sessions.Complete(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.SessionsCompletedTotal.Inc()
	log.Printf("session %s completed present=%d target=%d backfilled=%d", s.ID, s.PresentCount, s.EnrollmentTarget, backfilled)
	c.JSON(http.StatusOK, gin.H{"session": viewOf(s), "backfilled": backfilled})
}

func (a *API) correctMark(c *gin.Context) {
	var req struct {
		Mark attendance.Mark `json:"mark" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := a.sessions.CorrectMark(c.Request.Context(), c.Param("id"), caller(c), c.Param("user_id"), req.Mark)
	if err != nil {
		writeError(c, err)
		return
	}
	log.Printf("session %s: %s marked %s by %s", s.ID, c.Param("user_id"), req.Mark, caller(c))
	c.JSON(http.StatusOK, gin.H{"session": viewOf(s)})
}

func (a *API) listAttempts(c *gin.Context) {
	attempts, err := a.sessions.ListAttempts(c.Request.Context(), c.Param("id"), caller(c), queryInt(c, "limit", 50), queryInt(c, "offset", 0))
	if err != nil {
		writeError(c, err)
		return
	}
	if attempts == nil {
		attempts = []attendance.ScanAttempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (a *API) listRecords(c *gin.Context) {
	records, err := a.sessions.ListRecords(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (a *API) liveUpdates(c *gin.Context) {
	if a.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live updates disabled"})
		return
	}
	s, err := a.sessions.Owned(c.Request.Context(), c.Param("id"), caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := a.hub.Serve(c.Writer, c.Request, s.ID); err != nil {
		log.Printf("live: upgrade session %s: %v", s.ID, err)
	}
}
