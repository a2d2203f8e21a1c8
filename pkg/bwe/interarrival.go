package bwe

import "time"

// DefaultBurstThreshold is the default time threshold for grouping packets
// into bursts. Packets arriving within this window are considered part of
// the same burst (typically a single video frame).
const DefaultBurstThreshold = 5 * time.Millisecond

// PacketGroup is a run of packets that arrived within the burst threshold of
// each other. Video frames arrive as several packets back to back, and
// comparing whole groups instead of single packets removes most of the
// per-packet scheduling noise.
type PacketGroup struct {
	FirstSendTime   time.Time
	LastSendTime    time.Time
	FirstArriveTime time.Time
	LastArriveTime  time.Time

	// Size is the total bytes of all packets in the group.
	Size int
	// NumPackets is the count of packets in the group.
	NumPackets int
}

// InterArrivalCalculator computes the delay variation between consecutive
// packet groups:
//
//	d(i) = (t(i) - t(i-1)) - (T(i) - T(i-1))
//
// where t is the arrival time and T the send time of the last packet of each
// group. A positive d means the packets took longer than the previous group
// (queue building), negative means they got through faster (queue draining).
type InterArrivalCalculator struct {
	burstThreshold time.Duration

	currentGroup  *PacketGroup
	previousGroup *PacketGroup
}

// NewInterArrivalCalculator creates a calculator with the given burst
// threshold. A non-positive threshold selects DefaultBurstThreshold.
func NewInterArrivalCalculator(burstThreshold time.Duration) *InterArrivalCalculator {
	if burstThreshold <= 0 {
		burstThreshold = DefaultBurstThreshold
	}
	return &InterArrivalCalculator{burstThreshold: burstThreshold}
}

// BelongsToBurst reports whether pkt extends the group being accumulated.
func (c *InterArrivalCalculator) BelongsToBurst(pkt PacketInfo) bool {
	if c.currentGroup == nil {
		return false
	}
	return pkt.ArrivalTime.Sub(c.currentGroup.LastArriveTime) <= c.burstThreshold
}

// AddPacket feeds a packet and returns the delay variation when pkt closes a
// group and a previous group exists to compare with.
//
// Packets sent before the start of the current group are reordered
// retransmissions or late arrivals and are dropped.
func (c *InterArrivalCalculator) AddPacket(pkt PacketInfo) (delayVariation time.Duration, hasResult bool) {
	if c.currentGroup != nil && pkt.SendTime.Before(c.currentGroup.FirstSendTime) {
		return 0, false
	}

	if c.BelongsToBurst(pkt) {
		g := c.currentGroup
		if pkt.SendTime.After(g.LastSendTime) {
			g.LastSendTime = pkt.SendTime
		}
		g.LastArriveTime = pkt.ArrivalTime
		g.Size += pkt.Size
		g.NumPackets++
		return 0, false
	}

	if c.currentGroup != nil {
		c.previousGroup = c.currentGroup
	}
	c.currentGroup = &PacketGroup{
		FirstSendTime:   pkt.SendTime,
		LastSendTime:    pkt.SendTime,
		FirstArriveTime: pkt.ArrivalTime,
		LastArriveTime:  pkt.ArrivalTime,
		Size:            pkt.Size,
		NumPackets:      1,
	}

	if c.previousGroup == nil {
		return 0, false
	}
	return c.computeDelayVariation(), true
}

func (c *InterArrivalCalculator) computeDelayVariation() time.Duration {
	receiveDelta := c.currentGroup.LastArriveTime.Sub(c.previousGroup.LastArriveTime)
	sendDelta := c.currentGroup.LastSendTime.Sub(c.previousGroup.LastSendTime)
	return receiveDelta - sendDelta
}

// Reset clears all groups. Call it after a long gap in the stream.
func (c *InterArrivalCalculator) Reset() {
	c.currentGroup = nil
	c.previousGroup = nil
}

// CurrentGroup returns the group being accumulated, or nil.
func (c *InterArrivalCalculator) CurrentGroup() *PacketGroup {
	return c.currentGroup
}

// PreviousGroup returns the last completed group, or nil.
func (c *InterArrivalCalculator) PreviousGroup() *PacketGroup {
	return c.previousGroup
}

// BurstThreshold returns the configured burst threshold.
func (c *InterArrivalCalculator) BurstThreshold() time.Duration {
	return c.burstThreshold
}
