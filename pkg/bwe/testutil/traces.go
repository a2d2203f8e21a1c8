// Package testutil generates synthetic abs-send-time traffic for tests and
// the soak driver.
//
// A Generator produces an endless packet stream with a controllable
// queueing delay; the XxxTrace helpers cut finite traces out of it for
// common network conditions. Packets can be rendered as raw RTP with
// the abs-send-time extension or as remote.Packet values ready for a node.
package testutil

import (
	"time"

	"github.com/pion/rtp"

	"github.com/thesyncim/rbe/pkg/bwe"
	"github.com/thesyncim/rbe/pkg/bwe/remote"
)

// Packet is one packet of a trace. Times are offsets from the start of the
// trace.
type Packet struct {
	SendTime    time.Duration
	ArrivalTime time.Duration
	Size        int
	SSRC        uint32
	Seq         uint16

	// ReferenceEstimate is the bitrate a correct estimator is expected to
	// report after this packet, or 0 when unknown.
	ReferenceEstimate int64
}

// AbsSendTime returns the 24-bit abs-send-time carried by the packet.
func (p Packet) AbsSendTime() uint32 {
	return bwe.DurationToAbsSendTime(p.SendTime)
}

// Header returns an RTP header carrying the packet's abs-send-time as
// one-byte extension extID.
func (p Packet) Header(extID uint8) (rtp.Header, error) {
	h := rtp.Header{
		Version:        2,
		PayloadType:    96,
		SequenceNumber: p.Seq,
		Timestamp:      uint32(p.SendTime.Milliseconds() * 90),
		SSRC:           p.SSRC,
	}
	payload, err := rtp.AbsSendTimeExtension{Timestamp: uint64(p.AbsSendTime())}.Marshal()
	if err != nil {
		return h, err
	}
	if err := h.SetExtension(extID, payload); err != nil {
		return h, err
	}
	return h, nil
}

// Marshal renders the packet as raw RTP, padding the payload so the whole
// packet is Size bytes when possible.
func (p Packet) Marshal(extID uint8) ([]byte, error) {
	h, err := p.Header(extID)
	if err != nil {
		return nil, err
	}
	payloadLen := p.Size - h.MarshalSize()
	if payloadLen < 0 {
		payloadLen = 0
	}
	pkt := &rtp.Packet{Header: h, Payload: make([]byte, payloadLen)}
	return pkt.Marshal()
}

// RemotePacket returns the packet as the node sees it, with the arrival
// time placed relative to base.
func (p Packet) RemotePacket(base time.Time, extID uint8) (*remote.Packet, error) {
	h, err := p.Header(extID)
	if err != nil {
		return nil, err
	}
	return &remote.Packet{
		Header:       h,
		Size:         p.Size,
		ReceivedTime: base.Add(p.ArrivalTime),
	}, nil
}

// TraceConfig describes the traffic a Generator emits.
type TraceConfig struct {
	// Interval between consecutive packets on the sender.
	Interval time.Duration
	// Size of each packet in bytes.
	Size int
	// SSRCs are used round robin.
	SSRCs []uint32
	// BaseDelay is the one-way delay without queueing.
	BaseDelay time.Duration
	// StartSendTime is the send offset of the first packet. Values near
	// bwe.AbsSendTimeWrap make the trace cross the 24-bit wrap early.
	StartSendTime time.Duration
}

// DefaultTraceConfig returns 50 packets per second of 1200 bytes on one
// SSRC with a 10ms base delay.
func DefaultTraceConfig() TraceConfig {
	return TraceConfig{
		Interval:  20 * time.Millisecond,
		Size:      1200,
		SSRCs:     []uint32{0x12345678},
		BaseDelay: 10 * time.Millisecond,
	}
}

// Bitrate returns the send rate of the configured traffic in bits per
// second.
func (c TraceConfig) Bitrate() int64 {
	if c.Interval <= 0 {
		return 0
	}
	return int64(float64(c.Size*8) / c.Interval.Seconds())
}

// Generator emits an endless stream of packets. It is not safe for
// concurrent use.
type Generator struct {
	config TraceConfig

	sendTime time.Duration
	queue    time.Duration
	growth   time.Duration
	next     int
	seq      map[uint32]uint16
}

// NewGenerator creates a Generator. Zero fields of config take their
// DefaultTraceConfig values.
func NewGenerator(config TraceConfig) *Generator {
	def := DefaultTraceConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Size <= 0 {
		config.Size = def.Size
	}
	if len(config.SSRCs) == 0 {
		config.SSRCs = def.SSRCs
	}
	if config.BaseDelay < 0 {
		config.BaseDelay = 0
	}
	return &Generator{
		config:   config,
		sendTime: config.StartSendTime,
		seq:      make(map[uint32]uint16, len(config.SSRCs)),
	}
}

// Config returns the effective configuration.
func (g *Generator) Config() TraceConfig {
	return g.config
}

// SetQueueGrowth sets how much the queueing delay changes per packet.
// Positive values build a queue, negative values drain it. The queue never
// goes below zero.
func (g *Generator) SetQueueGrowth(d time.Duration) {
	g.growth = d
}

// QueueDelay returns the current queueing delay.
func (g *Generator) QueueDelay() time.Duration {
	return g.queue
}

// Next returns the next packet. Arrival times are relative to
// StartSendTime, so the first packet arrives at BaseDelay.
func (g *Generator) Next() Packet {
	ssrc := g.config.SSRCs[g.next%len(g.config.SSRCs)]
	g.next++

	seq := g.seq[ssrc]
	g.seq[ssrc] = seq + 1

	p := Packet{
		SendTime:    g.sendTime,
		ArrivalTime: g.sendTime - g.config.StartSendTime + g.config.BaseDelay + g.queue,
		Size:        g.config.Size,
		SSRC:        ssrc,
		Seq:         seq,
	}

	g.sendTime += g.config.Interval
	g.queue += g.growth
	if g.queue < 0 {
		g.queue = 0
	}
	return p
}

// Generate returns the next n packets.
func (g *Generator) Generate(n int) []Packet {
	pkts := make([]Packet, n)
	for i := range pkts {
		pkts[i] = g.Next()
	}
	return pkts
}

// StableTrace returns n packets with constant delay.
func StableTrace(config TraceConfig, n int) []Packet {
	return NewGenerator(config).Generate(n)
}

// CongestionTrace returns n packets whose queueing delay grows by growth
// per packet.
func CongestionTrace(config TraceConfig, n int, growth time.Duration) []Packet {
	g := NewGenerator(config)
	g.SetQueueGrowth(growth)
	return g.Generate(n)
}

// DrainingTrace returns n packets that start behind a queue of initial
// and drain it by drain per packet.
func DrainingTrace(config TraceConfig, n int, initial, drain time.Duration) []Packet {
	g := NewGenerator(config)
	g.queue = initial
	g.SetQueueGrowth(-drain)
	return g.Generate(n)
}

// WraparoundTrace returns n packets starting two seconds before the
// abs-send-time field wraps.
func WraparoundTrace(config TraceConfig, n int) []Packet {
	config.StartSendTime = bwe.AbsSendTimeWrap - 2*time.Second
	return NewGenerator(config).Generate(n)
}

// BurstTrace returns bursts of perBurst packets, intraBurst apart, with
// interBurst between the last packet of a burst and the first of the next.
func BurstTrace(config TraceConfig, bursts, perBurst int, interBurst, intraBurst time.Duration) []Packet {
	g := NewGenerator(config)
	pkts := make([]Packet, 0, bursts*perBurst)
	for b := 0; b < bursts; b++ {
		for p := 0; p < perBurst; p++ {
			pkts = append(pkts, g.Next())
			if p < perBurst-1 {
				g.sendTime += intraBurst - g.config.Interval
			}
		}
		g.sendTime += interBurst - g.config.Interval
	}
	return pkts
}
