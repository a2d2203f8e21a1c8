package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFilterType_String(t *testing.T) {
	assert.Equal(t, "kalman", FilterKalman.String())
	assert.Equal(t, "trendline", FilterTrendline.String())
	assert.Equal(t, "unknown", FilterType(42).String())
}

func TestNewDelayFilter(t *testing.T) {
	cfg := DefaultDelayEstimatorConfig()
	assert.IsType(t, &TrendlineEstimator{}, newDelayFilter(cfg))

	cfg.FilterType = FilterKalman
	assert.IsType(t, &KalmanFilter{}, newDelayFilter(cfg))
}

func TestKalmanFilter_ConvergesToConstant(t *testing.T) {
	k := NewKalmanFilter(DefaultKalmanConfig())
	now := time.Unix(0, 0)

	var est float64
	for i := 0; i < 2000; i++ {
		est = k.Update(now, 5.0)
	}
	assert.InDelta(t, 5.0, est, 0.1)
	assert.Equal(t, est, k.Estimate())
}

func TestKalmanFilter_OutlierBoundedImpact(t *testing.T) {
	k := NewKalmanFilter(DefaultKalmanConfig())
	now := time.Unix(0, 0)

	for i := 0; i < 200; i++ {
		k.Update(now, 0)
	}
	est := k.Update(now, 1000)
	assert.Less(t, est, 500.0, "a single spike must not drag the estimate to it")
}

func TestKalmanFilter_Reset(t *testing.T) {
	k := NewKalmanFilter(DefaultKalmanConfig())
	k.Update(time.Unix(0, 0), 10)
	k.Reset()
	assert.Zero(t, k.Estimate())
}

func feedTrendline(tl *TrendlineEstimator, base time.Time, n int, delayMs float64) float64 {
	var out float64
	for i := 0; i < n; i++ {
		out = tl.Update(base.Add(time.Duration(i)*20*time.Millisecond), delayMs)
	}
	return out
}

func TestTrendline_FlatDelay(t *testing.T) {
	tl := NewTrendlineEstimator(DefaultTrendlineConfig())
	out := feedTrendline(tl, time.Unix(0, 0), 100, 0)
	assert.InDelta(t, 0, out, 1e-9)
}

func TestTrendline_GrowingDelay(t *testing.T) {
	tl := NewTrendlineEstimator(DefaultTrendlineConfig())
	out := feedTrendline(tl, time.Unix(0, 0), 100, 2)
	// slope converges to 2ms per 20ms, scaled by 60 deltas and gain 4
	assert.InDelta(t, 24.0, out, 1.0)
}

func TestTrendline_ShrinkingDelay(t *testing.T) {
	tl := NewTrendlineEstimator(DefaultTrendlineConfig())
	out := feedTrendline(tl, time.Unix(0, 0), 100, -2)
	assert.Less(t, out, -20.0)
}

func TestTrendline_SmallWindowDefaults(t *testing.T) {
	tl := NewTrendlineEstimator(TrendlineConfig{WindowSize: 1, SmoothingCoef: 0.9, ThresholdGain: 4})
	assert.Equal(t, DefaultTrendlineConfig().WindowSize, tl.config.WindowSize)
}

func TestTrendline_Reset(t *testing.T) {
	tl := NewTrendlineEstimator(DefaultTrendlineConfig())
	feedTrendline(tl, time.Unix(0, 0), 30, 2)
	tl.Reset()

	assert.Empty(t, tl.history)
	assert.Zero(t, tl.numDeltas)
	assert.InDelta(t, 0, tl.Update(time.Unix(5, 0), 0), 1e-9)
}
