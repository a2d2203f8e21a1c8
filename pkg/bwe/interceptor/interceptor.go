package interceptor

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"go.uber.org/zap"

	"github.com/thesyncim/rbe/pkg/bwe"
	"github.com/thesyncim/rbe/pkg/bwe/remote"
	"github.com/thesyncim/rbe/pkg/capability"
	"github.com/thesyncim/rbe/pkg/stats"
)

const (
	// streamTimeout is how long an inactive stream is kept in the stream
	// table.
	streamTimeout = 2 * time.Second

	// cleanupInterval is how often inactive streams are looked for.
	cleanupInterval = time.Second

	// maxPollInterval bounds how long a decrease of the estimate can wait
	// before the scheduler sees it.
	maxPollInterval = 100 * time.Millisecond
)

type interceptorConfig struct {
	id           string
	estimator    bwe.BandwidthEstimatorConfig
	rembInterval time.Duration
	senderSSRC   uint32
	onREMB       func(bitrate float32, ssrcs []uint32)
	logger       *zap.Logger
	clock        clock.Clock
}

// REMBInterceptor is a pion interceptor performing receiver-side bandwidth
// estimation for one PeerConnection. It learns the negotiated capabilities
// from bound streams, feeds every incoming RTP packet to a remote.Estimator
// node and writes REMB feedback through the bound RTCP writer.
//
// Packets from all remote streams go to the same node so a single REMB
// covers every SSRC. Observe calls are serialized because each stream is
// read from its own goroutine.
type REMBInterceptor struct {
	interceptor.NoOp

	logger *zap.Logger
	clock  clock.Clock

	store     *capability.Store
	estimator *bwe.AbsSendTimeEstimator
	node      *remote.Estimator
	scheduler *bwe.REMBScheduler
	delay     *stats.PacketDelayStats
	streams   sync.Map // SSRC (uint32) -> *streamState

	observeMu sync.Mutex

	mu           sync.Mutex
	rtcpWriter   interceptor.RTCPWriter
	rembInterval time.Duration
	onREMB       func(bitrate float32, ssrcs []uint32)

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
	rembOnce  sync.Once
}

func newREMBInterceptor(cfg interceptorConfig) *REMBInterceptor {
	logger := cfg.logger.Named("remb-interceptor").With(zap.String("id", cfg.id))
	store := capability.NewStore(capability.WithLogger(logger))
	estimator := bwe.NewAbsSendTimeEstimator(cfg.estimator)

	i := &REMBInterceptor{
		logger:    logger,
		clock:     cfg.clock,
		store:     store,
		estimator: estimator,
		node: remote.NewEstimator(store,
			remote.WithLogger(logger),
			remote.WithClock(cfg.clock),
			remote.WithBuilder(bwe.REMBBuilder{SenderSSRC: cfg.senderSSRC}),
			remote.WithEstimator(estimator),
		),
		scheduler: bwe.NewREMBScheduler(bwe.REMBSchedulerConfig{
			Interval:          cfg.rembInterval,
			DecreaseThreshold: bwe.DefaultREMBSchedulerConfig().DecreaseThreshold,
		}),
		delay:        stats.NewPacketDelayStats(cfg.clock),
		rembInterval: cfg.rembInterval,
		onREMB:       cfg.onREMB,
		closed:       make(chan struct{}),
	}
	return i
}

// Node returns the estimation node, for RTT updates and telemetry.
func (i *REMBInterceptor) Node() *remote.Estimator {
	return i.node
}

// Capabilities returns the capability store fed by bound streams. It can
// also be fed from the negotiated SDP with UpdateFromSDP.
func (i *REMBInterceptor) Capabilities() *capability.Store {
	return i.store
}

// PacketDelay returns the read-to-estimate delay statistics.
func (i *REMBInterceptor) PacketDelay() *stats.DelayStats {
	return i.delay.DelayStats
}

// Close stops the background goroutines and unsubscribes the node.
func (i *REMBInterceptor) Close() error {
	i.closeOnce.Do(func() {
		close(i.closed)
		i.node.Close()
	})
	i.wg.Wait()
	return nil
}

// BindRTCPWriter captures the writer and starts the REMB loop.
func (i *REMBInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	i.rembOnce.Do(func() {
		i.wg.Add(1)
		go i.rembLoop()
	})
	return writer
}

// BindRemoteStream records what the stream negotiated and wraps its reader
// so every packet is observed.
func (i *REMBInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	i.startOnce.Do(func() {
		i.wg.Add(1)
		go i.cleanupLoop()
	})

	i.store.UpdateFromStreamInfo(info)
	state := newStreamState(info.SSRC, i.clock.Now())
	i.streams.Store(info.SSRC, state)
	i.logger.Debug("bound remote stream",
		zap.Uint32("ssrc", info.SSRC),
		zap.Bool("remb", i.store.SupportsREMB()),
		zap.Bool("tcc", i.store.SupportsTCC()),
	)

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err == nil && n > 0 {
			i.processRTP(b[:n], state)
		}
		return n, a, err
	})
}

// UnbindRemoteStream forgets the stream.
func (i *REMBInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	if v, ok := i.streams.LoadAndDelete(info.SSRC); ok {
		v.(*streamState).unbound.Store(true)
	}
}

func (i *REMBInterceptor) processRTP(raw []byte, state *streamState) {
	now := i.clock.Now()
	state.onPacket(len(raw), now)
	// A stream dropped by the cleanup loop comes back with its next packet.
	if !state.unbound.Load() {
		i.streams.LoadOrStore(state.SSRC(), state)
	}

	pkt := getPacket()
	defer putPacket(pkt)
	if _, err := pkt.Header.Unmarshal(raw); err != nil {
		return
	}
	pkt.Size = len(raw)
	pkt.ReceivedTime = now

	i.observeMu.Lock()
	i.node.Observe(pkt)
	i.observeMu.Unlock()

	i.delay.AddPacket(now)
}

// OnRTTUpdate forwards a round-trip time measurement to the node. Without
// one the estimator keeps the RTT set with WithDefaultRTT.
func (i *REMBInterceptor) OnRTTUpdate(rttMs float64) {
	i.observeMu.Lock()
	defer i.observeMu.Unlock()
	i.node.OnRTTUpdate(rttMs)
}

func (i *REMBInterceptor) pollInterval() time.Duration {
	return min(i.rembInterval, maxPollInterval)
}

func (i *REMBInterceptor) rembLoop() {
	defer i.wg.Done()

	ticker := i.clock.Ticker(i.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.maybeSendREMB(i.clock.Now())
		}
	}
}

// maybeSendREMB asks the scheduler whether feedback is due and, if so,
// writes the node's REMB.
func (i *REMBInterceptor) maybeSendREMB(now time.Time) {
	if !i.scheduler.ShouldSend(i.node.Estimate(), now) {
		return
	}

	i.mu.Lock()
	writer := i.rtcpWriter
	i.mu.Unlock()
	if writer == nil {
		return
	}

	data, ok, err := i.node.CreateREMB()
	if err != nil {
		i.logger.Warn("failed to build REMB", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		i.logger.Warn("failed to parse own REMB", zap.Error(err))
		return
	}
	remb, ok := pkts[0].(*rtcp.ReceiverEstimatedMaximumBitrate)
	if !ok {
		i.logger.Warn("built feedback is not a REMB", zap.String("type", fmt.Sprintf("%T", pkts[0])))
		return
	}
	if _, err := writer.Write(pkts, nil); err != nil {
		i.logger.Warn("failed to write REMB", zap.Error(err))
		return
	}
	i.scheduler.Record(int64(remb.Bitrate), now)

	if i.onREMB != nil {
		i.onREMB(remb.Bitrate, remb.SSRCs)
	}
}

func (i *REMBInterceptor) cleanupLoop() {
	defer i.wg.Done()

	ticker := i.clock.Ticker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.cleanupInactiveStreams(i.clock.Now())
		}
	}
}

func (i *REMBInterceptor) cleanupInactiveStreams(now time.Time) {
	i.streams.Range(func(key, value any) bool {
		state := value.(*streamState)
		if now.Sub(state.LastPacket()) > streamTimeout {
			i.streams.Delete(key)
			i.logger.Debug("removed inactive stream", zap.Uint32("ssrc", state.SSRC()))
		}
		return true
	})
}

// NumStreams returns how many remote streams are tracked.
func (i *REMBInterceptor) NumStreams() int {
	n := 0
	i.streams.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns the node telemetry plus interceptor-level counters. The
// streams block holds per-SSRC read counters, ordered by SSRC.
func (i *REMBInterceptor) Stats() *stats.Block {
	b := i.node.Stats()
	b.AddInt("num_streams", int64(i.NumStreams()))
	b.AddInt("estimate_bps", i.node.Estimate())
	b.AddInt("rtt_ms", i.estimator.RTT().Milliseconds())
	b.AddBlock("packet_delay", i.delay.Block())
	b.AddBlock("streams", i.streamsBlock())
	return b
}

func (i *REMBInterceptor) streamsBlock() *stats.Block {
	var states []*streamState
	i.streams.Range(func(_, value any) bool {
		states = append(states, value.(*streamState))
		return true
	})
	slices.SortFunc(states, func(a, b *streamState) int {
		return cmp.Compare(a.SSRC(), b.SSRC())
	})

	b := stats.NewBlock()
	for _, state := range states {
		sb := stats.NewBlock()
		sb.AddInt("packets", state.Packets())
		sb.AddInt("bytes", state.Bytes())
		b.AddBlock(strconv.FormatUint(uint64(state.SSRC()), 10), sb)
	}
	return b
}
