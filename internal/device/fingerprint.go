// Package device derives a heuristic device identity from passive client signals.
//
// The fingerprint is spoofable and is only used to correlate scans for anomaly
// detection. It must never be used for access control.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Unavailable marks a signal the client could not collect.
const Unavailable = "unavailable"

// Signals are the passive values a browser reports about itself. Zero values mean the
// signal could not be collected.
type Signals struct {
	Canvas              string   `json:"canvas"`
	ScreenWidth         int      `json:"screen_width"`
	ScreenHeight        int      `json:"screen_height"`
	ColorDepth          int      `json:"color_depth"`
	PixelRatio          float64  `json:"pixel_ratio"`
	Timezone            string   `json:"timezone"`
	Languages           []string `json:"languages"`
	Platform            string   `json:"platform"`
	HardwareConcurrency int      `json:"hardware_concurrency"`
	DeviceMemory        float64  `json:"device_memory"`
	TouchPoints         *int     `json:"touch_points,omitempty"`
	WebGLRenderer       string   `json:"webgl_renderer"`
}

// Resolve reduces the signals to a stable fingerprint (lowercase hex SHA-256).
func Resolve(s Signals) string {
	parts := []string{
		"canvas=" + str(s.Canvas),
		"screen=" + screen(s),
		"tz=" + str(s.Timezone),
		"lang=" + languages(s.Languages),
		"platform=" + str(s.Platform),
		"cores=" + positive(s.HardwareConcurrency),
		"memory=" + positiveFloat(s.DeviceMemory),
		"touch=" + touch(s.TouchPoints),
		"webgl=" + str(s.WebGLRenderer),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// WellFormed reports whether fp looks like a fingerprint produced by Resolve.
func WellFormed(fp string) bool {
	if len(fp) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// FromRequest reuses a client-cached fingerprint when it is well formed and regenerates
// it from signals otherwise.
func FromRequest(cached string, signals *Signals) string {
	cached = strings.ToLower(strings.TrimSpace(cached))
	if WellFormed(cached) {
		return cached
	}
	if signals == nil {
		return Resolve(Signals{})
	}
	return Resolve(*signals)
}

// Identifiable reports whether a request carries anything to tell its device apart:
// a well-formed cached fingerprint or at least one collected signal. Without either,
// FromRequest would yield the shared all-placeholder fingerprint.
func Identifiable(cached string, signals *Signals) bool {
	if WellFormed(strings.ToLower(strings.TrimSpace(cached))) {
		return true
	}
	return signals != nil && Resolve(*signals) != Resolve(Signals{})
}

func str(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return Unavailable
	}
	return v
}

func positive(v int) string {
	if v <= 0 {
		return Unavailable
	}
	return strconv.Itoa(v)
}

func positiveFloat(v float64) string {
	if v <= 0 {
		return Unavailable
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func screen(s Signals) string {
	if s.ScreenWidth <= 0 || s.ScreenHeight <= 0 {
		return Unavailable
	}
	// orientation changes swap width and height
	w, h := s.ScreenWidth, s.ScreenHeight
	if w < h {
		w, h = h, w
	}
	return strconv.Itoa(w) + "x" + strconv.Itoa(h) + "x" + positive(s.ColorDepth) + "@" + positiveFloat(s.PixelRatio)
}

func languages(langs []string) string {
	var out []string
	for _, l := range langs {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return Unavailable
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func touch(v *int) string {
	if v == nil || *v < 0 {
		return Unavailable
	}
	return strconv.Itoa(*v)
}
