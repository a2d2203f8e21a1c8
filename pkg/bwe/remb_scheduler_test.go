package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestREMBScheduler_Defaults(t *testing.T) {
	s := NewREMBScheduler(REMBSchedulerConfig{})
	assert.Equal(t, time.Second, s.Interval())
	assert.Equal(t, 0.03, s.config.DecreaseThreshold)
	assert.True(t, s.LastSentTime().IsZero())
}

func TestREMBScheduler_FirstSendIsImmediate(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	assert.True(t, s.ShouldSend(500_000, time.Unix(10, 0)))
}

func TestREMBScheduler_NoEstimateNeverSends(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	assert.False(t, s.ShouldSend(NoEstimate, time.Unix(10, 0)))
}

func TestREMBScheduler_Interval(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	t0 := time.Unix(10, 0)
	s.Record(500_000, t0)

	assert.False(t, s.ShouldSend(500_000, t0.Add(500*time.Millisecond)))
	assert.False(t, s.ShouldSend(510_000, t0.Add(999*time.Millisecond)), "increases wait for the interval")
	assert.True(t, s.ShouldSend(500_000, t0.Add(time.Second)))
}

func TestREMBScheduler_ImmediateOnDecrease(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	t0 := time.Unix(10, 0)
	s.Record(1_000_000, t0)

	assert.False(t, s.ShouldSend(980_000, t0.Add(100*time.Millisecond)), "2% drop is below the threshold")
	assert.True(t, s.ShouldSend(970_000, t0.Add(100*time.Millisecond)))
}

func TestREMBScheduler_RecordAndReset(t *testing.T) {
	s := NewREMBScheduler(DefaultREMBSchedulerConfig())
	t0 := time.Unix(10, 0)
	s.Record(800_000, t0)

	assert.Equal(t, int64(800_000), s.LastSentValue())
	assert.Equal(t, t0, s.LastSentTime())

	s.Reset()
	assert.Zero(t, s.LastSentValue())
	assert.True(t, s.ShouldSend(800_000, t0.Add(time.Millisecond)))
}
