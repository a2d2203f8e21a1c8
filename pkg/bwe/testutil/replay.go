package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/thesyncim/rbe/pkg/bwe/remote"
)

// Trace is a named packet trace that can be stored as JSON and replayed.
//
// File format:
//
//	{
//	    "name": "congestion_recovery",
//	    "description": "...",
//	    "packets": [
//	        {"send_time_us": 0, "arrival_time_us": 10000, "size": 1200, "ssrc": 305419896, "seq": 0},
//	        ...
//	    ]
//	}
type Trace struct {
	Name        string
	Description string
	Packets     []Packet
}

type tracedPacket struct {
	SendTimeUs        int64  `json:"send_time_us"`
	ArrivalTimeUs     int64  `json:"arrival_time_us"`
	Size              int    `json:"size"`
	SSRC              uint32 `json:"ssrc"`
	Seq               uint16 `json:"seq"`
	ReferenceEstimate int64  `json:"reference_estimate,omitempty"`
}

type traceFile struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Packets     []tracedPacket `json:"packets"`
}

// MarshalJSON encodes times in microseconds.
func (t *Trace) MarshalJSON() ([]byte, error) {
	f := traceFile{
		Name:        t.Name,
		Description: t.Description,
		Packets:     make([]tracedPacket, len(t.Packets)),
	}
	for i, p := range t.Packets {
		f.Packets[i] = tracedPacket{
			SendTimeUs:        p.SendTime.Microseconds(),
			ArrivalTimeUs:     p.ArrivalTime.Microseconds(),
			Size:              p.Size,
			SSRC:              p.SSRC,
			Seq:               p.Seq,
			ReferenceEstimate: p.ReferenceEstimate,
		}
	}
	return json.Marshal(f)
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (t *Trace) UnmarshalJSON(data []byte) error {
	var f traceFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	t.Name = f.Name
	t.Description = f.Description
	t.Packets = make([]Packet, len(f.Packets))
	for i, p := range f.Packets {
		t.Packets[i] = Packet{
			SendTime:          time.Duration(p.SendTimeUs) * time.Microsecond,
			ArrivalTime:       time.Duration(p.ArrivalTimeUs) * time.Microsecond,
			Size:              p.Size,
			SSRC:              p.SSRC,
			Seq:               p.Seq,
			ReferenceEstimate: p.ReferenceEstimate,
		}
	}
	return nil
}

// LoadTrace reads a trace from a JSON file.
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace %s: %w", path, err)
	}
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trace %s: %w", path, err)
	}
	return &t, nil
}

// WriteTo writes the trace as indented JSON.
func (t *Trace) WriteTo(w io.Writer) (int64, error) {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Node is what Replay drives. *remote.Estimator satisfies it.
type Node interface {
	Observe(pkt *remote.Packet)
	Estimate() int64
}

// Replay feeds every packet of t to node, with arrival times relative to
// base, and returns the estimate after each packet.
func (t *Trace) Replay(node Node, base time.Time, extID uint8) ([]int64, error) {
	estimates := make([]int64, len(t.Packets))
	for i, p := range t.Packets {
		pkt, err := p.RemotePacket(base, extID)
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		node.Observe(pkt)
		estimates[i] = node.Estimate()
	}
	return estimates, nil
}

// DivergenceResult summarizes how far estimates are from the reference.
type DivergenceResult struct {
	// MaxDivergence and AvgDivergence are percentages of the reference.
	MaxDivergence float64
	AvgDivergence float64

	// ComparedPackets excludes warmup packets and packets without a
	// reference estimate.
	ComparedPackets int
	TotalPackets    int
}

// CalculateDivergence compares estimates with the trace's reference
// estimates, skipping the first warmup packets. Divergence is
// |ours - ref| / ref * 100.
func (t *Trace) CalculateDivergence(estimates []int64, warmup int) DivergenceResult {
	result := DivergenceResult{TotalPackets: len(t.Packets)}
	if len(estimates) != len(t.Packets) {
		return result
	}

	var total float64
	for i := warmup; i < len(t.Packets); i++ {
		ref := t.Packets[i].ReferenceEstimate
		if ref <= 0 {
			continue
		}
		d := math.Abs(float64(estimates[i]-ref)) / float64(ref) * 100
		total += d
		result.MaxDivergence = math.Max(result.MaxDivergence, d)
		result.ComparedPackets++
	}
	if result.ComparedPackets > 0 {
		result.AvgDivergence = total / float64(result.ComparedPackets)
	}
	return result
}

// CongestionRecoveryTrace builds a trace with a stable phase (40%), a
// congestion phase where the queue grows by 0.5ms per packet (30%) and a
// recovery phase draining it by 0.3ms per packet. Reference estimates
// follow the incoming rate during the stable phase, fall linearly to 60% of
// it during congestion and climb back to 90% during recovery. The first
// 20% of packets carry no reference.
func CongestionRecoveryTrace(config TraceConfig, n int) *Trace {
	g := NewGenerator(config)
	stable := g.Config().Bitrate()
	congested := stable * 60 / 100
	recovered := stable * 90 / 100

	phase1 := n * 40 / 100
	phase2 := n * 70 / 100
	warmup := n / 5

	t := &Trace{
		Name:        "congestion_recovery",
		Description: "stable, congestion and recovery phases",
		Packets:     make([]Packet, n),
	}
	for i := 0; i < n; i++ {
		switch {
		case i == phase1:
			g.SetQueueGrowth(500 * time.Microsecond)
		case i == phase2:
			g.SetQueueGrowth(-300 * time.Microsecond)
		}
		p := g.Next()

		switch {
		case i < warmup:
		case i < phase1:
			p.ReferenceEstimate = stable
		case i < phase2:
			progress := float64(i-phase1) / float64(phase2-phase1)
			p.ReferenceEstimate = stable - int64(float64(stable-congested)*progress)
		default:
			progress := float64(i-phase2) / float64(n-phase2)
			p.ReferenceEstimate = congested + int64(float64(recovered-congested)*progress)
		}
		t.Packets[i] = p
	}
	return t
}
