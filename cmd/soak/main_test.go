package main

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testConfig() config {
	return config{duration: time.Minute, pps: 50, ssrcs: 3, logLevel: "info"}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := newLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}

	_, err := newLogger("loud")
	assert.Error(t, err)
}

func TestSoak_Ticks(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	core, logs := observer.New(zap.ErrorLevel)

	s, err := newSoak(testConfig(), zap.New(core), mock)
	require.NoError(t, err)
	t.Cleanup(s.node.Close)

	for i := 0; i < 200; i++ {
		mock.Add(20 * time.Millisecond)
		s.onTick(mock.Now())
	}
	res := s.finish()

	assert.Equal(t, int64(200), res.TotalPackets)
	assert.Greater(t, res.FinalEstimate, int64(0))
	assert.GreaterOrEqual(t, res.REMBsSent, int64(3))
	assert.Zero(t, res.Anomalies)
	assert.Zero(t, logs.Len())
	assert.ElementsMatch(t, []uint32{0x10000, 0x10001, 0x10002}, s.node.SSRCs())
	assert.Equal(t, int64(200), s.delay.Snapshot().TotalCount)
	assert.True(t, res.passed())
}

func TestSoak_CountsWraparounds(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	s, err := newSoak(config{pps: 1000, ssrcs: 1}, zap.NewNop(), mock)
	require.NoError(t, err)
	t.Cleanup(s.node.Close)

	// 1000 pps crosses the 64 s wrap after 64000 packets.
	for i := 0; i < 64100; i++ {
		s.onTick(mock.Now())
	}
	assert.Equal(t, 1, s.res.Wraparounds)
}

func TestSoak_Register(t *testing.T) {
	s, err := newSoak(testConfig(), zap.NewNop(), clock.NewMock())
	require.NoError(t, err)
	t.Cleanup(s.node.Close)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, s.register(reg))
	assert.Error(t, s.register(reg), "collectors register once")

	n, err := testutil.GatherAndCount(reg, "rbe_estimator_enabled", "rbe_packet_delay_ms")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig()
	res := run(ctx, cfg, zap.NewNop(), clock.NewMock())
	assert.Zero(t, res.TotalPackets)
	assert.Zero(t, res.Anomalies)
}

func TestResult_Passed(t *testing.T) {
	assert.True(t, result{FinalEstimate: 1}.passed())
	assert.False(t, result{FinalEstimate: 1, Anomalies: 1}.passed())
	assert.False(t, result{FinalEstimate: -1}.passed())
	assert.False(t, result{FinalEstimate: 1, PeakHeapMB: maxHeapMB}.passed())
}
