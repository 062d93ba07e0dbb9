package handler

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/device"
	"qrattend/internal/geo"
	"qrattend/internal/metrics"
)

type scanRequest struct {
	Token    string `json:"token"`
	Location *struct {
		Lat       float64  `json:"lat"`
		Lng       float64  `json:"lng"`
		AccuracyM *float64 `json:"accuracy_m"`
	} `json:"location"`
	Device *struct {
		Fingerprint string          `json:"fingerprint"`
		Signals     *device.Signals `json:"signals"`
	} `json:"device"`
}

func (a *API) scan(c *gin.Context) {
	started := time.Now()
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := attendance.ScanInput{Token: req.Token, UserID: caller(c)}
	if req.Location != nil {
		p := geo.Point{Lat: req.Location.Lat, Lng: req.Location.Lng}
		if !p.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "location out of range"})
			return
		}
		if acc := req.Location.AccuracyM; acc != nil && *acc < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "accuracy_m must not be negative"})
			return
		}
		in.Location = &p
		in.AccuracyM = req.Location.AccuracyM
	}
	if req.Device != nil && device.Identifiable(req.Device.Fingerprint, req.Device.Signals) {
		in.DeviceID = device.FromRequest(req.Device.Fingerprint, req.Device.Signals)
	}

	out, err := a.verifier.Verify(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, attendance.ErrTransient) {
			metrics.ObserveScan("error", "transient", false, started)
		}
		writeError(c, err)
		return
	}
	metrics.ObserveScan(string(out.Attempt.Decision), string(out.Reason()), out.Attempt.Suspicious, started)

	if !out.Accepted() {
		log.Printf("scan %s rejected user=%s session=%s reason=%s", out.Attempt.ID, in.UserID, out.Attempt.SessionID, out.Reason())
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"attempt_id": out.Attempt.ID,
			"reason":     out.Reason(),
			"message":    out.Reason().Message(),
		})
		return
	}
	body := gin.H{
		"attempt_id": out.Attempt.ID,
		"session_id": out.Attempt.SessionID,
		"mark":       out.Attempt.Mark,
		"device_id":  out.Attempt.DeviceID,
	}
	if out.Session != nil {
		body["present"] = out.Session.PresentCount
		body["target"] = out.Session.EnrollmentTarget
	}
	c.JSON(http.StatusCreated, body)
}
