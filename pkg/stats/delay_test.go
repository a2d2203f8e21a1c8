package stats

import (
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bucketCount(t *testing.T, s DelaySnapshot, label string) int64 {
	t.Helper()
	for _, b := range s.Buckets {
		if b.Label() == label {
			return b.Count
		}
	}
	t.Fatalf("bucket %q not found", label)
	return 0
}

func bucketSum(s DelaySnapshot) int64 {
	var sum int64
	for _, b := range s.Buckets {
		sum += b.Count
	}
	return sum
}

// =============================================================================
// Recording
// =============================================================================

func TestDelayStats_Empty(t *testing.T) {
	d := NewDelayStats()
	s := d.Snapshot()

	assert.True(t, math.IsNaN(s.AverageDelayMs), "average of no samples is NaN")
	assert.Equal(t, int64(0), s.MaxDelayMs)
	assert.Equal(t, int64(0), s.TotalCount)
	assert.Len(t, s.Buckets, len(DefaultDelayThresholds)+1)
	assert.Equal(t, int64(0), bucketSum(s))
}

func TestDelayStats_BucketSelection(t *testing.T) {
	tests := []struct {
		name    string
		delayMs int64
		label   string
	}{
		{"zero", 0, "<= 2 ms"},
		{"on threshold", 2, "<= 2 ms"},
		{"just above threshold", 3, "<= 5 ms"},
		{"mid ladder", 150, "<= 200 ms"},
		{"last finite", 1000, "<= 1000 ms"},
		{"overflow", 10000, "> 1000 ms"},
		{"huge", math.MaxInt64 / 2, "> 1000 ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDelayStats()
			d.AddDelay(tt.delayMs)

			s := d.Snapshot()
			assert.Equal(t, int64(1), bucketCount(t, s, tt.label))
			assert.Equal(t, int64(1), bucketSum(s))
		})
	}
}

func TestDelayStats_NegativeIgnored(t *testing.T) {
	d := NewDelayStats()
	d.AddDelay(7)
	before := d.Snapshot()

	d.AddDelay(-1)
	d.AddDelay(-1000)

	assert.Equal(t, before, d.Snapshot(), "negative delays must not change any field")
}

func TestDelayStats_AverageAndMax(t *testing.T) {
	d := NewDelayStats()
	delays := []int64{1, 4, 10, 300, 2, 2000, 0}

	var sum int64
	for _, v := range delays {
		d.AddDelay(v)
		sum += v
	}

	s := d.Snapshot()
	assert.Equal(t, int64(len(delays)), s.TotalCount)
	assert.Equal(t, s.TotalCount, bucketSum(s))
	assert.InDelta(t, float64(sum)/float64(len(delays)), s.AverageDelayMs, 1e-9)
	assert.Equal(t, int64(2000), s.MaxDelayMs)
}

func TestDelayStats_MaxIsMonotonic(t *testing.T) {
	d := NewDelayStats()
	d.AddDelay(50)
	d.AddDelay(10)
	assert.Equal(t, int64(50), d.Snapshot().MaxDelayMs)
}

func TestDelayStats_CustomThresholds(t *testing.T) {
	d := NewDelayStats(10, 100)
	d.AddDelay(5)
	d.AddDelay(50)
	d.AddDelay(500)

	s := d.Snapshot()
	require.Len(t, s.Buckets, 3)
	assert.Equal(t, "<= 10 ms", s.Buckets[0].Label())
	assert.Equal(t, "<= 100 ms", s.Buckets[1].Label())
	assert.Equal(t, "> 100 ms", s.Buckets[2].Label())
	for _, b := range s.Buckets {
		assert.Equal(t, int64(1), b.Count)
	}
}

func TestDelayStats_InvalidThresholdsFallBack(t *testing.T) {
	assert.Equal(t, DefaultDelayThresholds, NewDelayStats(5, 5).Thresholds())
	assert.Equal(t, DefaultDelayThresholds, NewDelayStats(10, 2).Thresholds())
}

func TestDelayStats_ConcurrentWriters(t *testing.T) {
	d := NewDelayStats()

	const (
		writers   = 16
		perWriter = 5000
	)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			for i := int64(0); i < perWriter; i++ {
				d.AddDelay((seed*7 + i) % 1500)
			}
		}(int64(w))
	}
	wg.Wait()

	s := d.Snapshot()
	assert.Equal(t, int64(writers*perWriter), s.TotalCount)
	assert.Equal(t, s.TotalCount, bucketSum(s))
	assert.Equal(t, int64(1499), s.MaxDelayMs)
}

// =============================================================================
// Rendering
// =============================================================================

func TestDelayStats_BlockJSON(t *testing.T) {
	d := NewDelayStats()
	d.AddDelay(2)
	d.AddDelay(3)
	d.AddDelay(10000)

	data, err := json.Marshal(d.Block())
	require.NoError(t, err)

	want := `{"average_delay_ms":3335,"max_delay_ms":10000,"total_count":3,` +
		`"buckets":{"<= 2 ms":1,"<= 5 ms":1,"<= 20 ms":0,"<= 50 ms":0,"<= 200 ms":0,` +
		`"<= 500 ms":0,"<= 1000 ms":0,"> 1000 ms":1}}`
	assert.JSONEq(t, want, string(data))

	buckets, ok := d.Block().Get("buckets")
	require.True(t, ok)
	keys := buckets.(*Block).Keys()
	assert.Equal(t, "> 1000 ms", keys[len(keys)-1], "overflow bucket is rendered last")
}

func TestDelayStats_EmptyBlockRendersNullAverage(t *testing.T) {
	data, err := json.Marshal(NewDelayStats().Block())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"average_delay_ms":null`)
}

// =============================================================================
// PacketDelayStats
// =============================================================================

func TestPacketDelayStats_AddPacket(t *testing.T) {
	mock := clock.NewMock()
	p := NewPacketDelayStats(mock)

	received := mock.Now()
	mock.Add(30 * time.Millisecond)
	p.AddPacket(received)

	s := p.Snapshot()
	assert.Equal(t, int64(1), s.TotalCount)
	assert.Equal(t, int64(30), s.MaxDelayMs)
	assert.Equal(t, int64(1), bucketCount(t, s, "<= 50 ms"))
}

func TestPacketDelayStats_UnknownReceiveTime(t *testing.T) {
	p := NewPacketDelayStats(clock.NewMock())
	p.AddPacket(time.Time{})
	assert.Equal(t, int64(0), p.Snapshot().TotalCount)
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkDelayStats_AddDelay(b *testing.B) {
	d := NewDelayStats()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		d.AddDelay(int64(i & 7))
	}
}

func BenchmarkDelayStats_AddDelayParallel(b *testing.B) {
	d := NewDelayStats()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		var i int64
		for pb.Next() {
			d.AddDelay(i & 63)
			i++
		}
	})
}
