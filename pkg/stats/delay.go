// Package stats provides lock-free statistics primitives shared by the
// packet pipeline: a delay histogram and an ordered key/value block used to
// export per-node telemetry.
package stats

import (
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
)

// DefaultDelayThresholds is the default ladder of finite bucket upper bounds
// in milliseconds. Delays above the last threshold fall into an implicit
// overflow bucket.
var DefaultDelayThresholds = []int64{2, 5, 20, 50, 200, 500, 1000}

// DelayStats aggregates delay measurements in milliseconds into a running
// sum, count, maximum and a fixed bucket histogram.
//
// AddDelay is wait-free apart from the CAS loop on the maximum, and may be
// called concurrently from any number of goroutines. Readers never block
// writers; a Snapshot taken while writers are active reads each field
// independently and can therefore be slightly inconsistent across fields.
//
// There is no reset. A DelayStats lives as long as the measurement point it
// belongs to.
type DelayStats struct {
	totalDelayMs atomic.Int64
	totalCount   atomic.Int64
	maxDelayMs   atomic.Int64

	// thresholds is immutable after construction.
	thresholds []int64
	// buckets has len(thresholds)+1 entries, the last one is the overflow bucket.
	buckets []atomic.Int64
}

// NewDelayStats creates a DelayStats with the given ascending bucket
// thresholds. If none are given, or the ladder is not strictly ascending,
// DefaultDelayThresholds is used.
func NewDelayStats(thresholds ...int64) *DelayStats {
	if !validThresholds(thresholds) {
		thresholds = DefaultDelayThresholds
	}
	t := make([]int64, len(thresholds))
	copy(t, thresholds)

	return &DelayStats{
		thresholds: t,
		buckets:    make([]atomic.Int64, len(t)+1),
	}
}

func validThresholds(thresholds []int64) bool {
	if len(thresholds) == 0 {
		return false
	}
	for i := 1; i < len(thresholds); i++ {
		if thresholds[i] <= thresholds[i-1] {
			return false
		}
	}
	return true
}

// AddDelay records a delay in milliseconds. Negative values mean the delay
// is unknown and are ignored.
func (d *DelayStats) AddDelay(delayMs int64) {
	if delayMs < 0 {
		return
	}

	d.totalDelayMs.Add(delayMs)
	d.raiseMax(delayMs)
	d.totalCount.Inc()

	d.bucketFor(delayMs).Inc()
}

// raiseMax stores delayMs as the maximum if it is larger than the current one.
func (d *DelayStats) raiseMax(delayMs int64) {
	for {
		cur := d.maxDelayMs.Load()
		if delayMs <= cur || d.maxDelayMs.CompareAndSwap(cur, delayMs) {
			return
		}
	}
}

// bucketFor returns the counter of the first bucket whose threshold is >= delayMs.
// Almost all samples land in the first buckets, so a linear scan beats a
// binary search here.
func (d *DelayStats) bucketFor(delayMs int64) *atomic.Int64 {
	for i, t := range d.thresholds {
		if delayMs <= t {
			return &d.buckets[i]
		}
	}
	return &d.buckets[len(d.buckets)-1]
}

// Thresholds returns a copy of the finite bucket thresholds.
func (d *DelayStats) Thresholds() []int64 {
	t := make([]int64, len(d.thresholds))
	copy(t, d.thresholds)
	return t
}

// Bucket is one histogram bucket of a DelaySnapshot.
type Bucket struct {
	// Threshold is the inclusive upper bound in ms. For the overflow bucket
	// it is the largest finite threshold, which the bucket lies above.
	Threshold int64
	Count     int64
	// Overflow marks the final, unbounded bucket.
	Overflow bool
}

// Label renders the bucket the way it appears in exported statistics:
// "<= T ms" for finite buckets and "> T ms" for the overflow bucket.
func (b Bucket) Label() string {
	if b.Overflow {
		return fmt.Sprintf("> %d ms", b.Threshold)
	}
	return fmt.Sprintf("<= %d ms", b.Threshold)
}

// DelaySnapshot is a point-in-time view of a DelayStats.
type DelaySnapshot struct {
	// AverageDelayMs is NaN when TotalCount is zero.
	AverageDelayMs float64
	MaxDelayMs     int64
	TotalCount     int64
	// Buckets holds one entry per finite threshold followed by the overflow bucket.
	Buckets []Bucket
}

// Snapshot reads the current values. Fields are loaded one at a time and are
// not mutually consistent while writers are active.
func (d *DelayStats) Snapshot() DelaySnapshot {
	buckets := make([]Bucket, len(d.buckets))
	for i, t := range d.thresholds {
		buckets[i] = Bucket{Threshold: t, Count: d.buckets[i].Load()}
	}
	last := len(d.buckets) - 1
	buckets[last] = Bucket{
		Threshold: d.thresholds[len(d.thresholds)-1],
		Count:     d.buckets[last].Load(),
		Overflow:  true,
	}

	total := d.totalDelayMs.Load()
	count := d.totalCount.Load()
	avg := math.NaN()
	if count > 0 {
		avg = float64(total) / float64(count)
	}

	return DelaySnapshot{
		AverageDelayMs: avg,
		MaxDelayMs:     d.maxDelayMs.Load(),
		TotalCount:     count,
		Buckets:        buckets,
	}
}

// Block renders the current values as a statistics block.
func (d *DelayStats) Block() *Block {
	return d.Snapshot().Block()
}

// Block renders the snapshot as a statistics block with the keys
// average_delay_ms, max_delay_ms, total_count and buckets.
func (s DelaySnapshot) Block() *Block {
	b := NewBlock()
	b.AddFloat("average_delay_ms", s.AverageDelayMs)
	b.AddInt("max_delay_ms", s.MaxDelayMs)
	b.AddInt("total_count", s.TotalCount)

	buckets := NewBlock()
	for _, bucket := range s.Buckets {
		buckets.AddInt(bucket.Label(), bucket.Count)
	}
	b.AddBlock("buckets", buckets)
	return b
}

// PacketDelayStats measures how long packets have spent in the pipeline
// since they were received.
type PacketDelayStats struct {
	*DelayStats
	clock clock.Clock
}

// NewPacketDelayStats creates a PacketDelayStats with the default thresholds.
// If clk is nil, the wall clock is used.
func NewPacketDelayStats(clk clock.Clock) *PacketDelayStats {
	if clk == nil {
		clk = clock.New()
	}
	return &PacketDelayStats{
		DelayStats: NewDelayStats(),
		clock:      clk,
	}
}

// AddPacket records the delay between receivedTime and now. A zero
// receivedTime means the receive time is unknown and nothing is recorded.
func (p *PacketDelayStats) AddPacket(receivedTime time.Time) {
	delayMs := int64(-1)
	if !receivedTime.IsZero() {
		delayMs = p.clock.Since(receivedTime).Milliseconds()
	}
	p.AddDelay(delayMs)
}
