package interceptor

import (
	"time"

	"go.uber.org/atomic"
)

// streamState tracks one bound remote stream.
//
// lastPacket is written by the stream's reader on every packet and read by
// the cleanup loop, so it is atomic.
type streamState struct {
	ssrc       uint32
	lastPacket *atomic.Time
	packets    atomic.Int64
	bytes      atomic.Int64
	unbound    atomic.Bool
}

func newStreamState(ssrc uint32, now time.Time) *streamState {
	return &streamState{
		ssrc:       ssrc,
		lastPacket: atomic.NewTime(now),
	}
}

// onPacket records a packet of size bytes read at now.
func (s *streamState) onPacket(size int, now time.Time) {
	s.lastPacket.Store(now)
	s.packets.Inc()
	s.bytes.Add(int64(size))
}

// LastPacket returns when the most recent packet was read.
func (s *streamState) LastPacket() time.Time {
	return s.lastPacket.Load()
}

// Packets returns how many packets were read.
func (s *streamState) Packets() int64 {
	return s.packets.Load()
}

// Bytes returns how many bytes were read.
func (s *streamState) Bytes() int64 {
	return s.bytes.Load()
}

// SSRC returns the stream's SSRC.
func (s *streamState) SSRC() uint32 {
	return s.ssrc
}
