package attendance

import (
	"context"
	"log"
	"time"
)

const (
	DefaultAnomalyWindow    = 5 * time.Minute
	DefaultAnomalyThreshold = 3
)

// AttemptCounter counts scan attempts from a device within a time range.
type AttemptCounter interface {
	CountRecentByDevice(ctx context.Context, deviceID string, since, until time.Time) (int, error)
}

// Detector flags devices that scan unusually often. Its result is advisory and
// never changes a scan decision.
type Detector struct {
	counter   AttemptCounter
	window    time.Duration
	threshold int
	now       func() time.Time
}

// NewDetector creates a detector with the given defaults; non-positive values fall
// back to 5 minutes and 3 scans.
func NewDetector(counter AttemptCounter, window time.Duration, threshold int) *Detector {
	if window <= 0 {
		window = DefaultAnomalyWindow
	}
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	return &Detector{counter: counter, window: window, threshold: threshold, now: time.Now}
}

// Window returns the configured trailing window.
func (d *Detector) Window() time.Duration { return d.window }

// Check applies the configured window and threshold.
func (d *Detector) Check(ctx context.Context, deviceID string) (bool, int) {
	return d.evaluate(ctx, deviceID, d.window, d.threshold)
}

// IsSuspicious reports whether more than threshold attempts from deviceID fall
// within the trailing window.
func (d *Detector) IsSuspicious(ctx context.Context, deviceID string, window time.Duration, threshold int) bool {
	flagged, _ := d.evaluate(ctx, deviceID, window, threshold)
	return flagged
}

func (d *Detector) evaluate(ctx context.Context, deviceID string, window time.Duration, threshold int) (bool, int) {
	if deviceID == "" || d.counter == nil {
		return false, 0
	}
	now := d.now()
	n, err := d.counter.CountRecentByDevice(ctx, deviceID, now.Add(-window), now)
	if err != nil {
		log.Printf("anomaly: count scans for device %s: %v", deviceID, err)
		return false, 0
	}
	return n > threshold, n
}
