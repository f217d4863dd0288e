// Package timebase reconciles stream-reported timestamps with the
// local wall clock and tracks their relative drift.
package timebase

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DriftWarning records a drift estimate that exceeded the configured
// tolerance. Warnings are attached to session metadata and never abort
// a recording.
type DriftWarning struct {
	StreamID string    `yaml:"stream_id"`
	Drift    float64   `yaml:"drift"` // seconds of skew per second
	At       time.Time `yaml:"at"`
}

// Corrector maps one stream's raw timestamps onto the local wall
// clock. The first CalibrationWindow observations establish a baseline
// offset; afterwards the mapping is refined by least-squares over the
// most recent window. Correct is safe for use by a single consumer
// goroutine while recalibration happens inline.
type Corrector struct {
	streamID  string
	window    int
	tolerance float64
	onWarning func(DriftWarning)
	now       func() time.Time

	mu sync.Mutex

	// observation window, newest last
	raws    []float64
	offsets []float64 // local - raw at arrival
	pending int       // observations since last fit

	calibrated bool
	intercept  float64
	drift      float64 // slope of (local-raw) over raw
}

// New creates a corrector for one stream. window is the number of
// observations per calibration; tolerance is the drift magnitude (s/s)
// beyond which a warning is emitted. onWarning may be nil.
func New(streamID string, window int, tolerance float64, onWarning func(DriftWarning)) *Corrector {
	if window < 2 {
		window = 2
	}
	return &Corrector{
		streamID:  streamID,
		window:    window,
		tolerance: tolerance,
		onWarning: onWarning,
		now:       time.Now,
	}
}

// Correct converts a raw stream timestamp to corrected local time in
// float seconds since the Unix epoch.
func (c *Corrector) Correct(raw float64) float64 {
	local := float64(c.now().UnixNano()) / 1e9

	c.mu.Lock()
	defer c.mu.Unlock()

	c.observe(raw, local)

	if !c.calibrated {
		// Pre-baseline: trust the local arrival clock.
		return local
	}
	return raw + c.intercept + c.drift*raw
}

// Drift returns the current drift estimate in seconds per second.
func (c *Corrector) Drift() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drift
}

func (c *Corrector) observe(raw, local float64) {
	c.raws = append(c.raws, raw)
	c.offsets = append(c.offsets, local-raw)
	if len(c.raws) > c.window {
		c.raws = c.raws[1:]
		c.offsets = c.offsets[1:]
	}
	c.pending++

	if !c.calibrated {
		if len(c.raws) >= c.window {
			c.intercept = median(c.offsets)
			c.drift = 0
			c.calibrated = true
			c.pending = 0
			slog.Debug("Clock baseline established", "stream", c.streamID, "offset", c.intercept)
		}
		return
	}

	if c.pending >= c.window {
		c.recalibrate()
		c.pending = 0
	}
}

// recalibrate refits offset and drift over the current window. The
// parameter swap is a single assignment pair under the mutex, so a
// correction never mixes old and new parameters.
func (c *Corrector) recalibrate() {
	alpha, beta := stat.LinearRegression(c.raws, c.offsets, nil, false)
	c.intercept = alpha
	c.drift = beta

	if c.tolerance > 0 && (beta > c.tolerance || beta < -c.tolerance) {
		w := DriftWarning{StreamID: c.streamID, Drift: beta, At: c.now()}
		slog.Warn("Clock drift exceeds tolerance", "stream", c.streamID, "drift", beta, "tolerance", c.tolerance)
		if c.onWarning != nil {
			c.onWarning(w)
		}
	}
}

func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
