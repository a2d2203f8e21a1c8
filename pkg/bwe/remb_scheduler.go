package bwe

import (
	"time"
)

// REMBSchedulerConfig configures REMB packet scheduling.
type REMBSchedulerConfig struct {
	// Interval is the regular send interval. Default: 1s.
	Interval time.Duration

	// DecreaseThreshold is the relative drop of the estimate that triggers an
	// immediate send. Default: 0.03.
	DecreaseThreshold float64
}

// DefaultREMBSchedulerConfig returns the default scheduler configuration.
func DefaultREMBSchedulerConfig() REMBSchedulerConfig {
	return REMBSchedulerConfig{
		Interval:          time.Second,
		DecreaseThreshold: 0.03,
	}
}

// REMBScheduler decides when feedback is due: at a regular interval, and
// immediately when the estimate drops noticeably so the sender can back off
// without waiting for the next tick.
//
// The scheduler only decides; building the packet is the caller's job, and
// Record must be called once a packet went out.
type REMBScheduler struct {
	config    REMBSchedulerConfig
	lastSent  time.Time
	lastValue int64
}

// NewREMBScheduler creates a REMBScheduler.
func NewREMBScheduler(config REMBSchedulerConfig) *REMBScheduler {
	def := DefaultREMBSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.DecreaseThreshold <= 0 {
		config.DecreaseThreshold = def.DecreaseThreshold
	}
	return &REMBScheduler{config: config}
}

// ShouldSend reports whether feedback for estimate is due at now.
func (s *REMBScheduler) ShouldSend(estimate int64, now time.Time) bool {
	if estimate < 0 {
		return false
	}
	if s.lastValue > 0 {
		decrease := float64(s.lastValue-estimate) / float64(s.lastValue)
		if decrease >= s.config.DecreaseThreshold {
			return true
		}
	}
	return s.lastSent.IsZero() || now.Sub(s.lastSent) >= s.config.Interval
}

// Record notes that feedback carrying estimate was sent at now.
func (s *REMBScheduler) Record(estimate int64, now time.Time) {
	s.lastSent = now
	s.lastValue = estimate
}

// Interval returns the regular send interval.
func (s *REMBScheduler) Interval() time.Duration {
	return s.config.Interval
}

// LastSentValue returns the last estimate sent, or 0.
func (s *REMBScheduler) LastSentValue() int64 {
	return s.lastValue
}

// LastSentTime returns when feedback was last sent, or the zero time.
func (s *REMBScheduler) LastSentTime() time.Time {
	return s.lastSent
}

// Reset clears the send history.
func (s *REMBScheduler) Reset() {
	s.lastSent = time.Time{}
	s.lastValue = 0
}
