package bwe

import (
	"time"

	"github.com/gammazero/deque"
)

// RateStatsConfig configures the sliding window rate measurement.
type RateStatsConfig struct {
	// WindowSize is the length of the sliding window. Default: 1s, as in
	// libwebrtc's RateStatistics.
	WindowSize time.Duration
}

// DefaultRateStatsConfig returns the default configuration.
func DefaultRateStatsConfig() RateStatsConfig {
	return RateStatsConfig{WindowSize: time.Second}
}

type rateSample struct {
	timestamp time.Time
	bytes     int64
}

// RateStats measures the incoming bitrate over a sliding time window.
//
//	r := NewRateStats(DefaultRateStatsConfig())
//	r.Update(packetSize, arrivalTime)
//	if rate, ok := r.Rate(now); ok {
//	    fmt.Printf("Current rate: %d bps\n", rate)
//	}
type RateStats struct {
	windowSize time.Duration
	samples    deque.Deque[rateSample]
	totalBytes int64
}

// NewRateStats creates a RateStats.
func NewRateStats(config RateStatsConfig) *RateStats {
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = time.Second
	}
	r := &RateStats{windowSize: windowSize}
	r.samples.SetBaseCap(64)
	return r
}

// Update adds bytes received at now.
func (r *RateStats) Update(bytes int64, now time.Time) {
	r.removeExpired(now)
	r.samples.PushBack(rateSample{timestamp: now, bytes: bytes})
	r.totalBytes += bytes
}

// Rate returns the bitrate in bits per second over the samples in the
// window. ok is false with fewer than two samples or when they span less
// than a millisecond.
func (r *RateStats) Rate(now time.Time) (bitsPerSec int64, ok bool) {
	r.removeExpired(now)

	if r.samples.Len() < 2 {
		return 0, false
	}
	elapsed := r.samples.Back().timestamp.Sub(r.samples.Front().timestamp)
	if elapsed < time.Millisecond {
		return 0, false
	}

	return int64(float64(r.totalBytes*8) / elapsed.Seconds()), true
}

// Reset drops all samples.
func (r *RateStats) Reset() {
	r.samples.Clear()
	r.totalBytes = 0
}

func (r *RateStats) removeExpired(now time.Time) {
	cutoff := now.Add(-r.windowSize)
	for r.samples.Len() > 0 && r.samples.Front().timestamp.Before(cutoff) {
		r.totalBytes -= r.samples.PopFront().bytes
	}
}
