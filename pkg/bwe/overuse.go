package bwe

import (
	"math"
	"time"
)

// StateChangeCallback is invoked with the previous and the new state whenever
// the detector changes its hypothesis.
type StateChangeCallback func(old, new BandwidthUsage)

// OveruseConfig holds the adaptive-threshold parameters of the overuse
// detector. Thresholds are in milliseconds of filtered delay gradient.
type OveruseConfig struct {
	// InitialThreshold is the starting threshold. Default: 12.5.
	InitialThreshold float64

	// MinThreshold and MaxThreshold bound the adaptation. Defaults: 6, 600.
	MinThreshold float64
	MaxThreshold float64

	// Ku is the adaptation rate while the estimate is above the threshold,
	// Kd while it is below. Defaults: 0.01 and 0.00018.
	Ku float64
	Kd float64

	// OveruseTimeThresh is how long the estimate has to stay above the
	// threshold before overuse is signaled. Default: 10ms.
	OveruseTimeThresh time.Duration

	// MaxAdaptationStep bounds the time step used for one threshold update,
	// so a long pause does not swing the threshold. Default: 100ms.
	MaxAdaptationStep time.Duration
}

// DefaultOveruseConfig returns the draft-ietf-rmcat-gcc defaults.
func DefaultOveruseConfig() OveruseConfig {
	return OveruseConfig{
		InitialThreshold:  12.5,
		MinThreshold:      6.0,
		MaxThreshold:      600.0,
		Ku:                0.01,
		Kd:                0.00018,
		OveruseTimeThresh: 10 * time.Millisecond,
		MaxAdaptationStep: 100 * time.Millisecond,
	}
}

// estimates this far above the threshold are treated as outliers and do not
// move it.
const thresholdOutlierMargin = 15.0

// OveruseDetector compares the filtered delay gradient with an adaptive
// threshold and turns it into a BandwidthUsage hypothesis.
//
// Overuse is only signaled when the gradient has stayed above the threshold
// for OveruseTimeThresh and at least two samples, and is not shrinking.
type OveruseDetector struct {
	config OveruseConfig

	threshold       float64
	lastUpdate      time.Time
	overuseStart    time.Time
	overuseCounter  int
	inOveruseRegion bool
	prevEstimate    float64
	hypothesis      BandwidthUsage
	callback        StateChangeCallback
}

// NewOveruseDetector creates an OveruseDetector.
func NewOveruseDetector(config OveruseConfig) *OveruseDetector {
	if config.MaxAdaptationStep <= 0 {
		config.MaxAdaptationStep = DefaultOveruseConfig().MaxAdaptationStep
	}
	return &OveruseDetector{
		config:     config,
		threshold:  config.InitialThreshold,
		hypothesis: BwNormal,
	}
}

// SetCallback registers the state change callback. nil disables it.
func (d *OveruseDetector) SetCallback(cb StateChangeCallback) {
	d.callback = cb
}

func (d *OveruseDetector) updateThreshold(estimate float64, now time.Time) {
	if d.lastUpdate.IsZero() {
		d.lastUpdate = now
		return
	}

	abs := math.Abs(estimate)
	if abs > d.threshold+thresholdOutlierMargin {
		d.lastUpdate = now
		return
	}

	step := now.Sub(d.lastUpdate)
	if step > d.config.MaxAdaptationStep {
		step = d.config.MaxAdaptationStep
	}
	d.lastUpdate = now

	k := d.config.Kd
	if abs > d.threshold {
		k = d.config.Ku
	}
	d.threshold += k * (abs - d.threshold) * float64(step.Milliseconds())
	d.threshold = math.Max(d.config.MinThreshold, math.Min(d.threshold, d.config.MaxThreshold))
}

// Detect feeds a filtered gradient estimate observed at now and returns the
// resulting hypothesis.
func (d *OveruseDetector) Detect(estimate float64, now time.Time) BandwidthUsage {
	old := d.hypothesis

	switch {
	case estimate > d.threshold:
		if !d.inOveruseRegion {
			d.inOveruseRegion = true
			d.overuseStart = now
			d.overuseCounter = 0
		}
		d.overuseCounter++

		if estimate < d.prevEstimate {
			d.hypothesis = BwNormal
		} else if now.Sub(d.overuseStart) >= d.config.OveruseTimeThresh && d.overuseCounter > 1 {
			d.hypothesis = BwOverusing
		}
	case estimate < -d.threshold:
		d.inOveruseRegion = false
		d.hypothesis = BwUnderusing
	default:
		d.inOveruseRegion = false
		d.hypothesis = BwNormal
	}

	d.prevEstimate = estimate
	d.updateThreshold(estimate, now)

	if d.hypothesis != old && d.callback != nil {
		d.callback(old, d.hypothesis)
	}
	return d.hypothesis
}

// State returns the current hypothesis.
func (d *OveruseDetector) State() BandwidthUsage {
	return d.hypothesis
}

// Threshold returns the current adaptive threshold.
func (d *OveruseDetector) Threshold() float64 {
	return d.threshold
}

// Reset restores the initial state, keeping the configuration and callback.
func (d *OveruseDetector) Reset() {
	cb := d.callback
	*d = OveruseDetector{
		config:     d.config,
		threshold:  d.config.InitialThreshold,
		hypothesis: BwNormal,
		callback:   cb,
	}
}
