package bwe

import (
	"time"
)

// DelayEstimatorConfig configures the delay-based detector.
type DelayEstimatorConfig struct {
	// FilterType selects the gradient filter.
	FilterType FilterType

	// BurstThreshold groups packets arriving this close to each other.
	BurstThreshold time.Duration

	// KalmanConfig is used when FilterType is FilterKalman.
	KalmanConfig KalmanConfig

	// TrendlineConfig is used when FilterType is FilterTrendline.
	TrendlineConfig TrendlineConfig

	// OveruseConfig configures the overuse detector.
	OveruseConfig OveruseConfig
}

// DefaultDelayEstimatorConfig returns the default configuration, using the
// trendline filter.
func DefaultDelayEstimatorConfig() DelayEstimatorConfig {
	return DelayEstimatorConfig{
		FilterType:      FilterTrendline,
		BurstThreshold:  DefaultBurstThreshold,
		KalmanConfig:    DefaultKalmanConfig(),
		TrendlineConfig: DefaultTrendlineConfig(),
		OveruseConfig:   DefaultOveruseConfig(),
	}
}

// DelayEstimator chains burst grouping, gradient filtering and overuse
// detection into a single congestion signal per packet.
type DelayEstimator struct {
	config       DelayEstimatorConfig
	interarrival *InterArrivalCalculator
	filter       delayFilter
	detector     *OveruseDetector
}

// NewDelayEstimator creates a DelayEstimator.
func NewDelayEstimator(config DelayEstimatorConfig) *DelayEstimator {
	return &DelayEstimator{
		config:       config,
		interarrival: NewInterArrivalCalculator(config.BurstThreshold),
		filter:       newDelayFilter(config),
		detector:     NewOveruseDetector(config.OveruseConfig),
	}
}

// OnPacket feeds a packet and returns the current congestion signal. The
// signal only changes when the packet completes a group.
func (e *DelayEstimator) OnPacket(pkt PacketInfo) BandwidthUsage {
	delayVariation, ok := e.interarrival.AddPacket(pkt)
	if !ok {
		return e.detector.State()
	}

	delayMs := float64(delayVariation.Microseconds()) / 1000.0
	estimate := e.filter.Update(pkt.ArrivalTime, delayMs)
	return e.detector.Detect(estimate, pkt.ArrivalTime)
}

// State returns the current congestion signal.
func (e *DelayEstimator) State() BandwidthUsage {
	return e.detector.State()
}

// Threshold returns the detector's adaptive threshold.
func (e *DelayEstimator) Threshold() float64 {
	return e.detector.Threshold()
}

// SetCallback registers a callback for congestion signal changes.
func (e *DelayEstimator) SetCallback(cb StateChangeCallback) {
	e.detector.SetCallback(cb)
}

// Reset clears all stages.
func (e *DelayEstimator) Reset() {
	e.interarrival.Reset()
	e.filter.Reset()
	e.detector.Reset()
}
