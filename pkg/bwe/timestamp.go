package bwe

import (
	"time"
)

// AbsSendTimeToDuration converts a 24-bit abs-send-time value to the offset
// it represents inside the 64 second window.
//
// Example: value 262144 (1 << 18) equals exactly 1 second.
func AbsSendTimeToDuration(value uint32) time.Duration {
	return ticksToDuration(int64(value & (AbsSendTimeMax - 1)))
}

// DurationToAbsSendTime converts d, taken modulo 64 seconds, to abs-send-time
// units. Precision below one unit (about 3.8 us) is truncated.
func DurationToAbsSendTime(d time.Duration) uint32 {
	ns := int64(d) % int64(AbsSendTimeWrap)
	if ns < 0 {
		ns += int64(AbsSendTimeWrap)
	}
	return uint32((ns << AbsSendTimeFractionBits) / int64(time.Second))
}

// ticksToDuration converts a signed, unwrapped tick count to a Duration
// without overflowing for streams lasting many days.
func ticksToDuration(ticks int64) time.Duration {
	sec := ticks >> AbsSendTimeFractionBits
	frac := ticks & (1<<AbsSendTimeFractionBits - 1)
	return time.Duration(sec)*time.Second + time.Duration((frac*int64(time.Second))>>AbsSendTimeFractionBits)
}

// UnwrapAbsSendTime computes the signed delta between two abs-send-time
// values in abs-send-time units, handling the wrap at 64 seconds.
//
// The half-range rule applies: a forward jump of more than 32 seconds is
// taken as a backward step across the wrap, and a backward jump of more than
// 32 seconds as a forward step across it.
func UnwrapAbsSendTime(prev, curr uint32) int64 {
	diff := int32(curr&(AbsSendTimeMax-1)) - int32(prev&(AbsSendTimeMax-1))

	const halfRange = int32(AbsSendTimeMax / 2)
	if diff > halfRange {
		diff -= AbsSendTimeMax
	} else if diff < -halfRange {
		diff += AbsSendTimeMax
	}

	return int64(diff)
}

// UnwrapAbsSendTimeDuration is UnwrapAbsSendTime expressed as a Duration.
func UnwrapAbsSendTimeDuration(prev, curr uint32) time.Duration {
	return ticksToDuration(UnwrapAbsSendTime(prev, curr))
}

// SendTimeUnwrapper reconstructs remote send instants from a stream of
// abs-send-time values.
//
// The first value is anchored at a local reference instant (normally the
// packet arrival time). Every later value is placed relative to the previous
// one with UnwrapAbsSendTime, accumulating an unbounded tick count, so the
// spacing between send instants is exact to one unit regardless of how many
// times the field wrapped. The absolute offset between the reconstructed and
// the real send instants is the one-way delay of the first packet plus the
// clock offset, which cancels out in delay-variation calculations.
//
// Two consecutive values can only be ordered correctly when they are less
// than 32 seconds apart. When the local reference advances by more than that
// between packets the unwrapper re-anchors instead of guessing.
//
// A SendTimeUnwrapper is not safe for concurrent use.
type SendTimeUnwrapper struct {
	anchor    time.Time
	lastRef   time.Time
	lastValue uint32
	ticks     int64
	started   bool
}

// Unwrap returns the reconstructed send instant for value, using reference
// as the local time the value was observed.
func (u *SendTimeUnwrapper) Unwrap(value uint32, reference time.Time) time.Time {
	value &= AbsSendTimeMax - 1

	if !u.started || reference.Sub(u.lastRef) >= AbsSendTimeWrap/2 {
		u.started = true
		u.anchor = reference
		u.lastRef = reference
		u.lastValue = value
		u.ticks = 0
		return reference
	}

	u.ticks += UnwrapAbsSendTime(u.lastValue, value)
	u.lastValue = value
	if reference.After(u.lastRef) {
		u.lastRef = reference
	}
	return u.anchor.Add(ticksToDuration(u.ticks))
}

// Reset forgets the anchor; the next value starts a new timeline.
func (u *SendTimeUnwrapper) Reset() {
	*u = SendTimeUnwrapper{}
}
