package bwe

import (
	"sync"
	"time"
)

// NoEstimate is returned by GetCurrentBw until the estimator has seen enough
// traffic to produce a bitrate.
const NoEstimate int64 = -1

// StreamTimeout is the silence after which the delay pipeline is restarted
// on the next packet. Delay variation across such a gap says nothing about
// the queue.
const StreamTimeout = 2 * time.Second

// CongestionEstimator estimates the available receive bitrate from per-packet
// timing samples.
type CongestionEstimator interface {
	// ProcessPacketArrival feeds one packet. now is the local time of the
	// call, sendTime the reconstructed remote send instant and arrivalTime
	// the local receive time declared by the transport (zero if unknown).
	ProcessPacketArrival(now, sendTime, arrivalTime time.Time, seq uint16, size int)

	// GetCurrentBw returns the estimate in bps, or NoEstimate.
	GetCurrentBw(now time.Time) int64

	// OnRTTUpdate reports a new round-trip time measurement.
	OnRTTUpdate(now time.Time, rtt time.Duration)
}

// BandwidthEstimatorConfig configures an AbsSendTimeEstimator.
type BandwidthEstimatorConfig struct {
	// DelayConfig configures the delay-based detector.
	DelayConfig DelayEstimatorConfig

	// RateStatsConfig configures incoming rate measurement.
	RateStatsConfig RateStatsConfig

	// RateControllerConfig configures the AIMD rate controller.
	RateControllerConfig RateControllerConfig
}

// DefaultBandwidthEstimatorConfig returns the default configuration.
func DefaultBandwidthEstimatorConfig() BandwidthEstimatorConfig {
	return BandwidthEstimatorConfig{
		DelayConfig:          DefaultDelayEstimatorConfig(),
		RateStatsConfig:      DefaultRateStatsConfig(),
		RateControllerConfig: DefaultRateControllerConfig(),
	}
}

// AbsSendTimeEstimator is a CongestionEstimator combining:
//   - DelayEstimator for the congestion signal
//   - RateStats for the incoming bitrate
//   - RateController for the AIMD estimate
//
// It is safe for concurrent use: packets are usually fed from the stream's
// read goroutine while the estimate is polled by a feedback scheduler.
type AbsSendTimeEstimator struct {
	config BandwidthEstimatorConfig

	mu             sync.Mutex
	delayEstimator *DelayEstimator
	rateStats      *RateStats
	rateController *RateController
	estimate       int64
	lastArrival    time.Time
	numPackets     int64
}

var _ CongestionEstimator = (*AbsSendTimeEstimator)(nil)

// NewAbsSendTimeEstimator creates an AbsSendTimeEstimator.
func NewAbsSendTimeEstimator(config BandwidthEstimatorConfig) *AbsSendTimeEstimator {
	return &AbsSendTimeEstimator{
		config:         config,
		delayEstimator: NewDelayEstimator(config.DelayConfig),
		rateStats:      NewRateStats(config.RateStatsConfig),
		rateController: NewRateController(config.RateControllerConfig),
		estimate:       NoEstimate,
	}
}

// ProcessPacketArrival implements CongestionEstimator.
func (e *AbsSendTimeEstimator) ProcessPacketArrival(now, sendTime, arrivalTime time.Time, seq uint16, size int) {
	if arrivalTime.IsZero() {
		arrivalTime = now
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastArrival.IsZero() && arrivalTime.Sub(e.lastArrival) > StreamTimeout {
		e.delayEstimator.Reset()
		e.rateStats.Reset()
	}
	if arrivalTime.After(e.lastArrival) {
		e.lastArrival = arrivalTime
	}
	e.numPackets++

	e.rateStats.Update(int64(size), arrivalTime)
	signal := e.delayEstimator.OnPacket(PacketInfo{
		ArrivalTime:    arrivalTime,
		SendTime:       sendTime,
		SequenceNumber: seq,
		Size:           size,
	})

	incomingRate, ok := e.rateStats.Rate(arrivalTime)
	if !ok {
		return
	}
	e.estimate = e.rateController.Update(signal, incomingRate, arrivalTime)
}

// GetCurrentBw implements CongestionEstimator.
func (e *AbsSendTimeEstimator) GetCurrentBw(_ time.Time) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimate
}

// OnRTTUpdate implements CongestionEstimator.
func (e *AbsSendTimeEstimator) OnRTTUpdate(_ time.Time, rtt time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateController.SetRTT(rtt)
}

// CongestionState returns the current congestion signal.
func (e *AbsSendTimeEstimator) CongestionState() BandwidthUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delayEstimator.State()
}

// RateControlState returns the current AIMD state.
func (e *AbsSendTimeEstimator) RateControlState() RateControlState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateController.State()
}

// RTT returns the round-trip time the rate controller is using.
func (e *AbsSendTimeEstimator) RTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateController.RTT()
}

// IncomingRate returns the measured incoming bitrate in bps.
func (e *AbsSendTimeEstimator) IncomingRate(now time.Time) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rateStats.Rate(now)
}

// NumPackets returns how many packets have been processed.
func (e *AbsSendTimeEstimator) NumPackets() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numPackets
}

// Reset returns the estimator to its initial state, including NoEstimate.
func (e *AbsSendTimeEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delayEstimator.Reset()
	e.rateStats.Reset()
	e.rateController.Reset()
	e.estimate = NoEstimate
	e.lastArrival = time.Time{}
	e.numPackets = 0
}
