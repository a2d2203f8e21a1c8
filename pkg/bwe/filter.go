package bwe

import (
	"math"
	"time"
)

// FilterType selects the delay-gradient filter used by the DelayEstimator.
type FilterType int

const (
	// FilterKalman is the scalar Kalman filter of draft-ietf-rmcat-gcc.
	FilterKalman FilterType = iota

	// FilterTrendline is the linear-regression trendline used by current
	// libwebrtc receivers.
	FilterTrendline
)

// String returns the filter name.
func (f FilterType) String() string {
	switch f {
	case FilterKalman:
		return "kalman"
	case FilterTrendline:
		return "trendline"
	default:
		return "unknown"
	}
}

// delayFilter smooths raw delay variation samples (ms) into a gradient
// estimate for the overuse detector.
type delayFilter interface {
	Update(arrivalTime time.Time, delayMs float64) float64
	Reset()
}

func newDelayFilter(config DelayEstimatorConfig) delayFilter {
	if config.FilterType == FilterTrendline {
		return NewTrendlineEstimator(config.TrendlineConfig)
	}
	return NewKalmanFilter(config.KalmanConfig)
}

// KalmanConfig holds the tunables of the Kalman filter.
type KalmanConfig struct {
	// ProcessNoise is the state noise variance q. Default: 1e-3.
	ProcessNoise float64

	// InitialError is the initial error covariance e(0). Default: 0.1.
	InitialError float64

	// Chi is the smoothing factor of the measurement noise variance,
	// normally in [0.001, 0.1]. Default: 0.01.
	Chi float64
}

// DefaultKalmanConfig returns the draft-ietf-rmcat-gcc defaults.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoise: 0.001,
		InitialError: 0.1,
		Chi:          0.01,
	}
}

// KalmanFilter tracks the queuing delay gradient m_hat from noisy delay
// variation measurements. A positive estimate means delay is growing.
type KalmanFilter struct {
	config       KalmanConfig
	estimate     float64 // m_hat, ms
	errorCov     float64 // e
	measureNoise float64 // var_v_hat
}

// NewKalmanFilter creates a KalmanFilter.
func NewKalmanFilter(config KalmanConfig) *KalmanFilter {
	k := &KalmanFilter{config: config}
	k.Reset()
	return k
}

// Update feeds one measurement and returns the new estimate. The arrival
// time is unused; it is accepted so the filter can stand in for a trendline.
func (k *KalmanFilter) Update(_ time.Time, measurementMs float64) float64 {
	z := measurementMs - k.estimate

	// The noise variance is learned from the innovation capped at three
	// standard deviations, so a single outlier cannot inflate it.
	limit := 3 * math.Sqrt(k.measureNoise)
	capped := math.Max(-limit, math.Min(z, limit))
	k.measureNoise = math.Max(1.0, (1-k.config.Chi)*k.measureNoise+k.config.Chi*capped*capped)

	prior := k.errorCov + k.config.ProcessNoise
	gain := prior / (k.measureNoise + prior)

	k.estimate += gain * z
	k.errorCov = (1 - gain) * prior

	return k.estimate
}

// Estimate returns the current estimate.
func (k *KalmanFilter) Estimate() float64 {
	return k.estimate
}

// Reset restores the initial state.
func (k *KalmanFilter) Reset() {
	k.estimate = 0
	k.errorCov = k.config.InitialError
	k.measureNoise = 1.0
}

// TrendlineConfig holds the tunables of the trendline estimator.
type TrendlineConfig struct {
	// WindowSize is the number of samples in the regression. Default: 20.
	WindowSize int

	// SmoothingCoef weights history in the accumulated delay. Default: 0.9.
	SmoothingCoef float64

	// ThresholdGain scales the slope into the detector's range. Default: 4.0.
	ThresholdGain float64
}

// DefaultTrendlineConfig returns the libwebrtc defaults.
func DefaultTrendlineConfig() TrendlineConfig {
	return TrendlineConfig{
		WindowSize:    20,
		SmoothingCoef: 0.9,
		ThresholdGain: 4.0,
	}
}

// maxTrendlineDeltas caps the sample-count multiplier of the modified trend.
const maxTrendlineDeltas = 60

type trendSample struct {
	arrivalMs     float64
	smoothedDelay float64
}

// TrendlineEstimator fits a least-squares line through the recent
// (arrival time, smoothed accumulated delay) samples. The slope is the delay
// gradient.
type TrendlineEstimator struct {
	config TrendlineConfig

	history       []trendSample
	accumulated   float64
	smoothedDelay float64
	numDeltas     int
	firstArrival  time.Time
}

// NewTrendlineEstimator creates a TrendlineEstimator. A window smaller than
// two samples selects the default.
func NewTrendlineEstimator(config TrendlineConfig) *TrendlineEstimator {
	if config.WindowSize < 2 {
		config.WindowSize = DefaultTrendlineConfig().WindowSize
	}
	return &TrendlineEstimator{
		config:  config,
		history: make([]trendSample, 0, config.WindowSize+1),
	}
}

// Update feeds one delay variation sample and returns the modified trend,
// min(numDeltas, 60) * slope * gain.
func (t *TrendlineEstimator) Update(arrivalTime time.Time, delayVariationMs float64) float64 {
	if t.firstArrival.IsZero() {
		t.firstArrival = arrivalTime
	}

	t.accumulated += delayVariationMs
	t.smoothedDelay = t.config.SmoothingCoef*t.smoothedDelay + (1-t.config.SmoothingCoef)*t.accumulated

	arrivalMs := float64(arrivalTime.Sub(t.firstArrival).Microseconds()) / 1000.0
	t.history = append(t.history, trendSample{arrivalMs, t.smoothedDelay})
	if len(t.history) > t.config.WindowSize {
		copy(t.history, t.history[1:])
		t.history = t.history[:t.config.WindowSize]
	}

	if t.numDeltas < maxTrendlineDeltas {
		t.numDeltas++
	}

	return float64(t.numDeltas) * t.slope() * t.config.ThresholdGain
}

func (t *TrendlineEstimator) slope() float64 {
	n := len(t.history)
	if n < 2 {
		return 0
	}

	var sumX, sumY float64
	for _, s := range t.history {
		sumX += s.arrivalMs
		sumY += s.smoothedDelay
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var num, den float64
	for _, s := range t.history {
		dx := s.arrivalMs - meanX
		num += dx * (s.smoothedDelay - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Reset clears the history.
func (t *TrendlineEstimator) Reset() {
	t.history = t.history[:0]
	t.accumulated = 0
	t.smoothedDelay = 0
	t.numDeltas = 0
	t.firstArrival = time.Time{}
}
