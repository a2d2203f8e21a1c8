// Package bwe implements receiver-side delay-based bandwidth estimation in the
// style of Google Congestion Control (GCC), driven by the abs-send-time RTP
// header extension, together with the REMB feedback packets that carry the
// resulting estimate back to the sender.
package bwe

import "time"

// BandwidthUsage represents the current bandwidth usage state as determined
// by the delay-based detector.
type BandwidthUsage int

const (
	// BwNormal indicates no congestion.
	BwNormal BandwidthUsage = iota
	// BwUnderusing indicates the queue is draining and the rate can grow.
	BwUnderusing
	// BwOverusing indicates a queue is building up.
	BwOverusing
)

// String returns a string representation of the BandwidthUsage state.
func (b BandwidthUsage) String() string {
	switch b {
	case BwNormal:
		return "Normal"
	case BwUnderusing:
		return "Underusing"
	case BwOverusing:
		return "Overusing"
	default:
		return "Unknown"
	}
}

// PacketInfo is a single timing sample fed to the delay-based detector.
type PacketInfo struct {
	// ArrivalTime is the local monotonic time the packet was received.
	ArrivalTime time.Time

	// SendTime is the remote send instant reconstructed from the
	// abs-send-time extension (see SendTimeUnwrapper). Only differences
	// between send times of the same stream are meaningful.
	SendTime time.Time

	// SequenceNumber is the RTP sequence number.
	SequenceNumber uint16

	// Size is the packet size in bytes.
	Size int
}

// Abs-send-time is a 24-bit 6.18 fixed-point value holding NTP seconds
// modulo 64. One unit is 1/262144 s (about 3.8 us), and the value wraps
// every 64 seconds.
const (
	// AbsSendTimeMax is the number of distinct 24-bit values.
	AbsSendTimeMax = 1 << 24

	// AbsSendTimeFractionBits is the width of the fractional part.
	AbsSendTimeFractionBits = 18

	// AbsSendTimeWrap is the period after which the field wraps.
	AbsSendTimeWrap = 64 * time.Second

	// AbsSendTimeResolution is the duration of one unit in seconds.
	AbsSendTimeResolution = 1.0 / (1 << AbsSendTimeFractionBits)
)
