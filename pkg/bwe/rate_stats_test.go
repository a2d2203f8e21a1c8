package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateStats_NotEnoughSamples(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())
	now := time.Unix(10, 0)

	_, ok := r.Rate(now)
	assert.False(t, ok)

	r.Update(1000, now)
	_, ok = r.Rate(now)
	assert.False(t, ok)

	r.Update(1000, now)
	_, ok = r.Rate(now)
	assert.False(t, ok, "samples must span at least a millisecond")
}

func TestRateStats_Rate(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())
	t0 := time.Unix(10, 0)

	for i := 0; i < 10; i++ {
		r.Update(1000, t0.Add(time.Duration(i)*100*time.Millisecond))
	}

	rate, ok := r.Rate(t0.Add(900 * time.Millisecond))
	assert.True(t, ok)
	assert.InDelta(t, 88_888, rate, 1)
}

func TestRateStats_WindowExpiry(t *testing.T) {
	r := NewRateStats(DefaultRateStatsConfig())
	t0 := time.Unix(10, 0)

	for i := 0; i < 10; i++ {
		r.Update(1000, t0.Add(time.Duration(i)*100*time.Millisecond))
	}

	// samples at 500..900ms survive
	rate, ok := r.Rate(t0.Add(1500 * time.Millisecond))
	assert.True(t, ok)
	assert.InDelta(t, 100_000, rate, 1)

	_, ok = r.Rate(t0.Add(5 * time.Second))
	assert.False(t, ok)
}

func TestRateStats_CustomWindow(t *testing.T) {
	r := NewRateStats(RateStatsConfig{WindowSize: 200 * time.Millisecond})
	t0 := time.Unix(10, 0)

	for i := 0; i < 10; i++ {
		r.Update(1000, t0.Add(time.Duration(i)*100*time.Millisecond))
	}
	rate, ok := r.Rate(t0.Add(900 * time.Millisecond))
	assert.True(t, ok)
	// 700, 800, 900ms
	assert.InDelta(t, 120_000, rate, 1)
}

func TestRateStats_Reset(t *testing.T) {
	r := NewRateStats(RateStatsConfig{})
	t0 := time.Unix(10, 0)
	r.Update(1000, t0)
	r.Update(1000, t0.Add(100*time.Millisecond))
	r.Reset()

	_, ok := r.Rate(t0.Add(100 * time.Millisecond))
	assert.False(t, ok)
	assert.Zero(t, r.totalBytes)
}

func BenchmarkRateStats_Update(b *testing.B) {
	r := NewRateStats(DefaultRateStatsConfig())
	now := time.Unix(10, 0)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		now = now.Add(time.Millisecond)
		r.Update(1200, now)
		r.Rate(now)
	}
}
