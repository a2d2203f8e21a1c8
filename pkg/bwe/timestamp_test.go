package bwe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// msToAbsSendTime converts milliseconds to abs-send-time units.
// 1ms = 2^18 / 1000 = 262.144 units
func msToAbsSendTime(ms int) uint32 {
	return uint32(ms * (1 << 18) / 1000)
}

func TestAbsSendTimeToDuration(t *testing.T) {
	tests := []struct {
		name  string
		value uint32
		want  time.Duration
	}{
		{"zero", 0, 0},
		{"one second", 1 << 18, time.Second},
		{"half second", 1 << 17, 500 * time.Millisecond},
		{"63 seconds", 63 << 18, 63 * time.Second},
		{"bits above 24 ignored", 1<<24 | 1<<18, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AbsSendTimeToDuration(tt.value))
		})
	}
}

func TestDurationToAbsSendTime(t *testing.T) {
	assert.Equal(t, uint32(1<<18), DurationToAbsSendTime(time.Second))
	assert.Equal(t, uint32(1<<18), DurationToAbsSendTime(65*time.Second), "wraps modulo 64s")
	assert.Equal(t, uint32(63<<18), DurationToAbsSendTime(-time.Second))
	assert.Equal(t, uint32(0), DurationToAbsSendTime(time.Microsecond), "below resolution truncates")
}

func TestAbsSendTime_RoundTripPrecision(t *testing.T) {
	resolutionSec := float64(AbsSendTimeResolution)
	resolution := time.Duration(resolutionSec * float64(time.Second))
	for _, d := range []time.Duration{
		1234567 * time.Microsecond,
		40*time.Second + 17*time.Millisecond,
		63*time.Second + 999*time.Millisecond,
	} {
		got := AbsSendTimeToDuration(DurationToAbsSendTime(d))
		assert.LessOrEqual(t, d-got, resolution, "d=%v", d)
		assert.GreaterOrEqual(t, d-got, time.Duration(0), "d=%v", d)
	}
}

func TestUnwrapAbsSendTime(t *testing.T) {
	tests := []struct {
		name       string
		prev, curr uint32
		want       int64
	}{
		{"forward", 100, 200, 100},
		{"backward", 200, 100, -100},
		{"forward across wrap", AbsSendTimeMax - 100, 100, 200},
		{"backward across wrap", 100, AbsSendTimeMax - 100, -200},
		{"exactly half range forward", 0, AbsSendTimeMax / 2, AbsSendTimeMax / 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnwrapAbsSendTime(tt.prev, tt.curr))
		})
	}
}

func TestUnwrapAbsSendTimeDuration(t *testing.T) {
	assert.Equal(t, time.Second, UnwrapAbsSendTimeDuration(AbsSendTimeMax-(1<<17), 1<<17))
	assert.Equal(t, -time.Second, UnwrapAbsSendTimeDuration(1<<17, AbsSendTimeMax-(1<<17)))
}

func TestTicksToDuration_LongStreams(t *testing.T) {
	const ticksPerSecond = 1 << 18
	month := int64(30 * 24 * 3600)
	assert.Equal(t, time.Duration(month)*time.Second, ticksToDuration(month*ticksPerSecond))
	assert.Equal(t, -time.Second, ticksToDuration(-ticksPerSecond))
}

// =============================================================================
// SendTimeUnwrapper
// =============================================================================

func TestSendTimeUnwrapper_AcrossWrap(t *testing.T) {
	var u SendTimeUnwrapper
	ref := time.Unix(1000, 0)

	const step = 5243 // ~20ms
	value := uint32(AbsSendTimeMax - 100*step)

	first := u.Unwrap(value, ref)
	assert.Equal(t, ref, first, "first value is anchored at the reference")

	prev := first
	for i := 1; i <= 300; i++ {
		value = (value + step) % AbsSendTimeMax
		ref = ref.Add(20 * time.Millisecond)

		got := u.Unwrap(value, ref)
		assert.Equal(t, first.Add(ticksToDuration(int64(i*step))), got, "packet %d", i)
		assert.True(t, got.After(prev), "send instants must increase across the wrap")
		prev = got
	}
}

func TestSendTimeUnwrapper_Reordering(t *testing.T) {
	var u SendTimeUnwrapper
	ref := time.Unix(1000, 0)

	a := u.Unwrap(msToAbsSendTime(100), ref)
	b := u.Unwrap(msToAbsSendTime(140), ref.Add(40*time.Millisecond))
	c := u.Unwrap(msToAbsSendTime(120), ref.Add(41*time.Millisecond))

	assert.True(t, c.After(a))
	assert.True(t, c.Before(b), "a late packet keeps its earlier send instant")
}

func TestSendTimeUnwrapper_ReanchorsAfterLongGap(t *testing.T) {
	var u SendTimeUnwrapper
	ref := time.Unix(1000, 0)
	u.Unwrap(0, ref)

	later := ref.Add(AbsSendTimeWrap / 2)
	assert.Equal(t, later, u.Unwrap(msToAbsSendTime(10), later))
}

func TestSendTimeUnwrapper_Reset(t *testing.T) {
	var u SendTimeUnwrapper
	ref := time.Unix(1000, 0)
	u.Unwrap(0, ref)
	u.Reset()

	next := ref.Add(time.Second)
	assert.Equal(t, next, u.Unwrap(12345, next))
}
