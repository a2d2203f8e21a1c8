// Package remote implements the receive side of REMB congestion control: a
// pipeline node that watches incoming RTP packets carrying abs-send-time,
// feeds a delay-based bandwidth estimator and produces REMB feedback on
// request.
//
// The node only estimates. When feedback is sent is up to the caller, see
// bwe.REMBScheduler and the interceptor package.
package remote

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/rtp"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/thesyncim/rbe/pkg/bwe"
	"github.com/thesyncim/rbe/pkg/capability"
	"github.com/thesyncim/rbe/pkg/stats"
)

// Packet is one received RTP packet as seen by the node.
type Packet struct {
	Header rtp.Header

	// Size is the full packet length in bytes.
	Size int

	// ReceivedTime is when the transport received the packet. Zero if
	// unknown, in which case the time of Observe is used.
	ReceivedTime time.Time
}

// CapabilitySource is the negotiation state the node subscribes to.
// *capability.Store implements it.
type CapabilitySource interface {
	Feedback() (remb, tcc bool)
	ExtensionID(kind capability.ExtensionKind) (int, bool)
	OnExtensionMapping(kind capability.ExtensionKind, fn capability.ExtensionMappingHandler) (unsubscribe func())
	OnCapabilityChange(fn capability.ChangeHandler) (unsubscribe func())
}

// FeedbackBuilder serializes a REMB. bwe.REMBBuilder implements it.
type FeedbackBuilder interface {
	Build(bitrateBps uint64, ssrcs []uint32) ([]byte, error)
}

// maxRTTMs is the largest RTT in milliseconds a time.Duration can hold.
const maxRTTMs = float64(math.MaxInt64 / int64(time.Millisecond))

// Option configures an Estimator.
type Option func(*Estimator)

// WithLogger sets the logger. Default: no-op.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Estimator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the clock used for "now". Default: wall clock.
func WithClock(clk clock.Clock) Option {
	return func(e *Estimator) {
		if clk != nil {
			e.clock = clk
		}
	}
}

// WithBuilder replaces the REMB builder. Default: bwe.REMBBuilder with
// sender SSRC 0.
func WithBuilder(b FeedbackBuilder) Option {
	return func(e *Estimator) {
		if b != nil {
			e.builder = b
		}
	}
}

// WithEstimator replaces the congestion estimator. The node takes ownership.
// Default: bwe.AbsSendTimeEstimator with the default configuration.
func WithEstimator(est bwe.CongestionEstimator) Option {
	return func(e *Estimator) {
		if est != nil {
			e.estimator = est
		}
	}
}

// Estimator is the remote bandwidth estimation node of one incoming stream.
//
// It is enabled while the remote side negotiated goog-remb and did not
// negotiate transport-cc. Observe and OnRTTUpdate must be called from a
// single goroutine. CreateREMB, Stats and the accessors are safe to call
// from any goroutine and never block on Observe.
type Estimator struct {
	logger    *zap.Logger
	clock     clock.Clock
	estimator bwe.CongestionEstimator
	builder   FeedbackBuilder
	unwrapper bwe.SendTimeUnwrapper
	ssrcs     *ssrcSet

	enabled                    atomic.Bool
	extensionID                atomic.Int32
	numFeedbackCreated         atomic.Int64
	numPacketsWithoutExtension atomic.Int64

	mu        sync.Mutex
	listeners []func(enabled bool)
	unsubs    []func()
}

// NewEstimator creates a node subscribed to caps. The node starts disabled
// and picks up the current capabilities immediately.
func NewEstimator(caps CapabilitySource, opts ...Option) *Estimator {
	e := &Estimator{
		logger:  zap.NewNop(),
		clock:   clock.New(),
		builder: bwe.REMBBuilder{},
		ssrcs:   newSSRCSet(MaxSSRCs),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.estimator == nil {
		e.estimator = bwe.NewAbsSendTimeEstimator(bwe.DefaultBandwidthEstimatorConfig())
	}
	e.logger = e.logger.Named("remote-bwe")
	e.extensionID.Store(-1)

	// Handlers re-read the source instead of trusting their arguments, so a
	// late delivery still applies the latest state.
	unsubMapping := caps.OnExtensionMapping(capability.AbsSendTime, func(int) {
		id, ok := caps.ExtensionID(capability.AbsSendTime)
		if !ok {
			id = capability.Unmapped
		}
		e.setExtensionID(id)
	})
	unsubChange := caps.OnCapabilityChange(func() {
		remb, tcc := caps.Feedback()
		e.setEnabled(remb && !tcc)
	})

	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubMapping, unsubChange)
	e.mu.Unlock()
	return e
}

func (e *Estimator) setExtensionID(id int) {
	if id <= 0 || id > 255 {
		id = -1
	}
	if old := e.extensionID.Swap(int32(id)); old != int32(id) {
		e.logger.Debug("abs-send-time extension ID changed", zap.Int("id", id))
	}
}

func (e *Estimator) setEnabled(enabled bool) {
	if e.enabled.Swap(enabled) == enabled {
		return
	}
	e.logger.Debug("setting enabled", zap.Bool("enabled", enabled))

	e.mu.Lock()
	listeners := append([]func(bool){}, e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(enabled)
	}
}

// OnEnabledChange registers fn to be called after every enabled transition.
func (e *Estimator) OnEnabledChange(fn func(enabled bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Observe feeds one received packet. It does nothing while the node is
// disabled. Packets without a usable abs-send-time are only counted.
func (e *Estimator) Observe(pkt *Packet) {
	if !e.enabled.Load() {
		return
	}

	id := e.extensionID.Load()
	if id <= 0 {
		e.numPacketsWithoutExtension.Inc()
		return
	}
	raw := pkt.Header.GetExtension(uint8(id))
	if raw == nil {
		e.numPacketsWithoutExtension.Inc()
		return
	}
	var ast rtp.AbsSendTimeExtension
	if err := ast.Unmarshal(raw); err != nil {
		e.numPacketsWithoutExtension.Inc()
		return
	}

	now := e.clock.Now()
	reference := pkt.ReceivedTime
	if reference.IsZero() {
		reference = now
	}
	sendTime := e.unwrapper.Unwrap(uint32(ast.Timestamp), reference)

	e.estimator.ProcessPacketArrival(now, sendTime, pkt.ReceivedTime, pkt.Header.SequenceNumber, pkt.Size)
	if evicted, ok := e.ssrcs.Touch(pkt.Header.SSRC); ok {
		e.logger.Debug("evicted SSRC from REMB set",
			zap.Uint32("ssrc", evicted),
			zap.Uint32("added", pkt.Header.SSRC),
		)
	}
}

// CreateREMB builds a REMB for the current estimate. ok is false while the
// node is disabled, the extension ID is unknown or no estimate exists yet.
func (e *Estimator) CreateREMB() (data []byte, ok bool, err error) {
	if !e.enabled.Load() || e.extensionID.Load() <= 0 {
		return nil, false, nil
	}
	bitrate := e.estimator.GetCurrentBw(e.clock.Now())
	if bitrate < 0 {
		return nil, false, nil
	}

	e.numFeedbackCreated.Inc()
	data, err = e.builder.Build(uint64(bitrate), e.ssrcs.Snapshot())
	if err != nil {
		return nil, false, fmt.Errorf("remote: build REMB: %w", err)
	}
	return data, true, nil
}

// OnRTTUpdate forwards a round-trip time measurement in milliseconds.
// Negative, NaN and values too large for a time.Duration are dropped.
func (e *Estimator) OnRTTUpdate(rttMs float64) {
	if math.IsNaN(rttMs) || rttMs < 0 || rttMs >= maxRTTMs {
		e.logger.Debug("dropping invalid RTT", zap.Float64("rtt_ms", rttMs))
		return
	}
	rtt := time.Duration(rttMs * float64(time.Millisecond))
	e.estimator.OnRTTUpdate(e.clock.Now(), rtt)
}

// Estimate returns the estimator's current bitrate, or bwe.NoEstimate.
func (e *Estimator) Estimate() int64 {
	return e.estimator.GetCurrentBw(e.clock.Now())
}

// Enabled reports whether the node is processing packets.
func (e *Estimator) Enabled() bool {
	return e.enabled.Load()
}

// ExtensionID returns the abs-send-time extension ID, if known.
func (e *Estimator) ExtensionID() (uint8, bool) {
	id := e.extensionID.Load()
	if id <= 0 {
		return 0, false
	}
	return uint8(id), true
}

// SSRCs returns the media sources the next REMB will list.
func (e *Estimator) SSRCs() []uint32 {
	return e.ssrcs.Snapshot()
}

// NumFeedbackCreated returns how many REMBs were created.
func (e *Estimator) NumFeedbackCreated() int64 {
	return e.numFeedbackCreated.Load()
}

// NumPacketsWithoutExtension returns how many packets were skipped for lack
// of abs-send-time while enabled.
func (e *Estimator) NumPacketsWithoutExtension() int64 {
	return e.numPacketsWithoutExtension.Load()
}

// Stats returns the node's telemetry.
func (e *Estimator) Stats() *stats.Block {
	b := stats.NewBlock()
	extID := "none"
	if id, ok := e.ExtensionID(); ok {
		extID = strconv.Itoa(int(id))
	}
	b.AddString("extension_id", extID)
	b.AddBool("enabled", e.enabled.Load())
	b.AddInt("num_feedback_created", e.numFeedbackCreated.Load())
	b.AddInt("num_packets_without_extension", e.numPacketsWithoutExtension.Load())
	return b
}

// Close unsubscribes from the capability source. The node keeps its last
// state.
func (e *Estimator) Close() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}
