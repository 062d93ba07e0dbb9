// Package handler exposes the attendance engine over HTTP.
package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/live"
)

// Config carries the settings the HTTP layer needs.
type Config struct {
	SigningKey      string
	Issuer          string
	ScanBaseURL     string
	RateLimitPerMin int
}

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// API holds the dependencies shared by all routes.
type API struct {
	sessions *attendance.Manager
	verifier *attendance.Verifier
	hub      *live.Hub
	cfg      Config
	checks   map[string]HealthChecker
}

// New builds the HTTP API. hub may be nil, in which case live updates are unavailable.
func New(sessions *attendance.Manager, verifier *attendance.Verifier, hub *live.Hub, cfg Config) *API {
	return &API{
		sessions: sessions,
		verifier: verifier,
		hub:      hub,
		cfg:      cfg,
		checks:   make(map[string]HealthChecker),
	}
}

// AddHealthCheck includes a dependency in /healthz.
func (a *API) AddHealthCheck(name string, hc HealthChecker) {
	a.checks[name] = hc
}

// Register mounts every route on r.
func (a *API) Register(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", a.healthz)

	v1 := r.Group("/v1", auth.Bearer(a.cfg.SigningKey, a.cfg.Issuer))
	if a.cfg.RateLimitPerMin > 0 {
		limiter := httpmiddleware.NewSimpleTokenBucket(a.cfg.RateLimitPerMin, a.cfg.RateLimitPerMin)
		v1.Use(limiter.GinMiddleware(subjectKey))
	}

	v1.POST("/scans", a.scan)

	hosted := v1.Group("/sessions", auth.RequireHost())
	hosted.POST("", a.createSession)
	hosted.GET("/:id", a.getSession)
	hosted.POST("/:id/refresh", a.refreshToken)
	hosted.GET("/:id/qr.png", a.qrImage)
	hosted.POST("/:id/complete", a.completeSession)
	hosted.PUT("/:id/marks/:user_id", a.correctMark)
	hosted.GET("/:id/attempts", a.listAttempts)
	hosted.GET("/:id/records", a.listRecords)
	hosted.GET("/:id/live", a.liveUpdates)
}

func (a *API) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, hc := range a.checks {
		ok := hc.Healthy(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func subjectKey(c *gin.Context) string {
	if claims, ok := auth.FromContext(c); ok {
		return "sub:" + claims.Subject
	}
	return "ip:" + c.ClientIP()
}

func caller(c *gin.Context) string {
	claims, _ := auth.FromContext(c)
	return claims.Subject
}

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, attendance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, attendance.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "not the session owner"})
	case errors.Is(err, attendance.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "operation not allowed in the session's current state"})
	case errors.Is(err, attendance.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, attendance.ErrTransient):
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry"})
	default:
		log.Printf("%s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
