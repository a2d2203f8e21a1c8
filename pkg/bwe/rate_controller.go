package bwe

import (
	"math"
	"time"
)

// RateControlState represents the AIMD state machine state.
type RateControlState int

const (
	// RateHold keeps the rate unchanged. Initial state.
	RateHold RateControlState = iota
	// RateIncrease grows the rate.
	RateIncrease
	// RateDecrease cuts the rate to a fraction of the incoming rate.
	RateDecrease
)

// String returns a string representation of the RateControlState.
func (s RateControlState) String() string {
	switch s {
	case RateHold:
		return "Hold"
	case RateIncrease:
		return "Increase"
	case RateDecrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

// RateControllerConfig configures the AIMD rate controller.
type RateControllerConfig struct {
	// MinBitrate is the lower bound in bps. Default: 10 kbps.
	MinBitrate int64

	// MaxBitrate is the upper bound in bps. Default: 30 Mbps.
	MaxBitrate int64

	// InitialBitrate is the starting estimate in bps. Default: 300 kbps.
	InitialBitrate int64

	// Beta is the multiplicative decrease factor applied to the incoming
	// rate on overuse. Default: 0.85.
	Beta float64

	// DefaultRTT is used for the additive increase until OnRTTUpdate
	// reports a measurement. Default: 200ms.
	DefaultRTT time.Duration
}

// DefaultRateControllerConfig returns the default configuration.
func DefaultRateControllerConfig() RateControllerConfig {
	return RateControllerConfig{
		MinBitrate:     10_000,
		MaxBitrate:     30_000_000,
		InitialBitrate: 300_000,
		Beta:           0.85,
		DefaultRTT:     200 * time.Millisecond,
	}
}

const (
	// multiplicativeIncreaseFactor is the per-second growth far from the
	// last known link capacity.
	multiplicativeIncreaseFactor = 1.08

	// minAdditiveIncreaseBps is the floor of the additive increase per second.
	minAdditiveIncreaseBps = 4000.0

	// assumedPacketSizeBits and assumedFrameInterval size the additive step
	// to roughly one packet per response time.
	assumedPacketSizeBits = 1200 * 8
	assumedFrameInterval  = time.Second / 30

	// responseTimeSlack is added to the RTT to get the time the sender
	// needs to react to a new estimate.
	responseTimeSlack = 100 * time.Millisecond

	maxThroughputSmoothing = 0.05
	minMaxThroughputVar    = 0.4
	maxMaxThroughputVar    = 2.5
)

// RateController implements the GCC AIMD rate control.
//
//	Signal     | Hold     | Increase | Decrease
//	-----------+----------+----------+----------
//	Overusing  | Decrease | Decrease | (stay)
//	Normal     | Increase | (stay)   | Hold
//	Underusing | (stay)   | Hold     | Hold
//
// The decrease is applied to the measured incoming rate, not the current
// estimate, so the controller follows what the sender actually transmits.
// Every decrease also updates a smoothed estimate of the link capacity. While
// the incoming rate is close to that capacity the controller grows
// additively, by about one packet per response time (RTT + 100ms), and
// multiplicatively otherwise.
type RateController struct {
	config      RateControllerConfig
	state       RateControlState
	currentRate int64
	lastUpdate  time.Time
	rtt         time.Duration

	// avgMaxKbps is the smoothed incoming rate at decrease time, -1 when
	// unknown. varMaxKbps is its normalized variance.
	avgMaxKbps float64
	varMaxKbps float64
}

// NewRateController creates a RateController. Zero or invalid fields of
// config take their defaults.
func NewRateController(config RateControllerConfig) *RateController {
	def := DefaultRateControllerConfig()
	if config.MinBitrate <= 0 {
		config.MinBitrate = def.MinBitrate
	}
	if config.MaxBitrate <= 0 {
		config.MaxBitrate = def.MaxBitrate
	}
	if config.InitialBitrate <= 0 {
		config.InitialBitrate = def.InitialBitrate
	}
	if config.Beta <= 0 || config.Beta >= 1.0 {
		config.Beta = def.Beta
	}
	if config.DefaultRTT <= 0 {
		config.DefaultRTT = def.DefaultRTT
	}

	c := &RateController{config: config}
	c.Reset()
	return c
}

// Update applies a congestion signal together with the measured incoming
// rate (bps) and returns the new estimate in bps.
func (c *RateController) Update(signal BandwidthUsage, incomingRate int64, now time.Time) int64 {
	prev := c.state
	c.transitionState(signal)
	c.adjustRate(prev, incomingRate, now)
	c.clampRate()

	// Never run too far ahead of what is actually arriving.
	if incomingRate > 0 {
		if maxByRatio := int64(1.5 * float64(incomingRate)); c.currentRate > maxByRatio {
			c.currentRate = max(maxByRatio, c.config.MinBitrate)
		}
	}

	c.lastUpdate = now
	return c.currentRate
}

func (c *RateController) transitionState(signal BandwidthUsage) {
	switch signal {
	case BwOverusing:
		c.state = RateDecrease
	case BwNormal:
		switch c.state {
		case RateHold:
			c.state = RateIncrease
		case RateDecrease:
			c.state = RateHold
		}
	case BwUnderusing:
		c.state = RateHold
	}
}

func (c *RateController) adjustRate(prev RateControlState, incomingRate int64, now time.Time) {
	switch c.state {
	case RateDecrease:
		decreased := int64(c.config.Beta * float64(incomingRate))
		if decreased < c.currentRate {
			c.currentRate = decreased
		}
		if prev != RateDecrease {
			c.updateMaxThroughput(float64(incomingRate) / 1000)
		}

	case RateIncrease:
		incomingKbps := float64(incomingRate) / 1000
		if c.avgMaxKbps >= 0 && incomingKbps > c.avgMaxKbps+3*c.stdMaxKbps() {
			// The link got faster than anything seen before; forget it.
			c.avgMaxKbps = -1
		}
		if c.lastUpdate.IsZero() {
			return
		}
		elapsed := min(now.Sub(c.lastUpdate), time.Second)
		if elapsed <= 0 {
			return
		}
		if c.avgMaxKbps >= 0 {
			c.currentRate += int64(c.additiveIncreaseBps() * elapsed.Seconds())
		} else {
			c.currentRate = int64(math.Pow(multiplicativeIncreaseFactor, elapsed.Seconds()) * float64(c.currentRate))
		}
	}
}

// additiveIncreaseBps returns the near-capacity growth rate in bps per second.
func (c *RateController) additiveIncreaseBps() float64 {
	frameBits := float64(c.currentRate) * assumedFrameInterval.Seconds()
	packetsPerFrame := math.Ceil(frameBits / assumedPacketSizeBits)
	avgPacketBits := frameBits / math.Max(packetsPerFrame, 1)
	responseTime := c.rtt + responseTimeSlack
	return math.Max(minAdditiveIncreaseBps, avgPacketBits/responseTime.Seconds())
}

func (c *RateController) updateMaxThroughput(incomingKbps float64) {
	if c.avgMaxKbps < 0 {
		c.avgMaxKbps = incomingKbps
	} else {
		c.avgMaxKbps = (1-maxThroughputSmoothing)*c.avgMaxKbps + maxThroughputSmoothing*incomingKbps
	}
	norm := math.Max(c.avgMaxKbps, 1)
	diff := c.avgMaxKbps - incomingKbps
	c.varMaxKbps = (1-maxThroughputSmoothing)*c.varMaxKbps + maxThroughputSmoothing*diff*diff/norm
	c.varMaxKbps = math.Max(minMaxThroughputVar, math.Min(c.varMaxKbps, maxMaxThroughputVar))
}

func (c *RateController) stdMaxKbps() float64 {
	return math.Sqrt(c.varMaxKbps * c.avgMaxKbps)
}

func (c *RateController) clampRate() {
	c.currentRate = max(c.config.MinBitrate, min(c.currentRate, c.config.MaxBitrate))
}

// SetRTT updates the round-trip time used to size the additive increase.
// Non-positive values are ignored.
func (c *RateController) SetRTT(rtt time.Duration) {
	if rtt > 0 {
		c.rtt = rtt
	}
}

// RTT returns the round-trip time in use.
func (c *RateController) RTT() time.Duration {
	return c.rtt
}

// NearMaxCapacity reports whether a link capacity estimate exists, which
// switches the increase to additive mode.
func (c *RateController) NearMaxCapacity() bool {
	return c.avgMaxKbps >= 0
}

// State returns the current AIMD state.
func (c *RateController) State() RateControlState {
	return c.state
}

// Estimate returns the current estimate in bps.
func (c *RateController) Estimate() int64 {
	return c.currentRate
}

// Reset restores the initial state. The RTT falls back to the default.
func (c *RateController) Reset() {
	c.state = RateHold
	c.currentRate = c.config.InitialBitrate
	c.lastUpdate = time.Time{}
	c.rtt = c.config.DefaultRTT
	c.avgMaxKbps = -1
	c.varMaxKbps = minMaxThroughputVar
}
