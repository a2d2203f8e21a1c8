// Soak drives a receive-side estimation node with synthetic abs-send-time
// traffic for a long period and watches for leaks, timestamp failures and
// estimate anomalies. At 50 packets per second the 24-bit send time wraps
// every 64 seconds, so a one hour run crosses the wrap about 56 times.
//
// Usage:
//
//	go run ./cmd/soak -duration 24h -ssrcs 4
//	go run ./cmd/soak -duration 10m -pps 200 -log-level debug
//
// Metrics and profiles are served on -metrics-addr:
//
//	curl http://localhost:6060/metrics
//	go tool pprof http://localhost:6060/debug/pprof/heap
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/thesyncim/rbe/pkg/bwe"
	"github.com/thesyncim/rbe/pkg/bwe/metrics"
	"github.com/thesyncim/rbe/pkg/bwe/remote"
	"github.com/thesyncim/rbe/pkg/bwe/testutil"
	"github.com/thesyncim/rbe/pkg/capability"
	"github.com/thesyncim/rbe/pkg/stats"
)

const (
	extensionID    = 3
	rembInterval   = time.Second
	statusInterval = time.Minute
	// warmup is how long the node may go without an estimate.
	warmup = 5 * time.Second
	// maxHeapMB fails the run when the live heap grows past it.
	maxHeapMB = 100
)

type config struct {
	duration    time.Duration
	pps         int
	ssrcs       int
	metricsAddr string
	logLevel    string
}

// result contains the results of a soak run.
type result struct {
	Duration      time.Duration
	TotalPackets  int64
	REMBsSent     int64
	FinalEstimate int64
	PeakHeapMB    float64
	NumGC         uint32
	Wraparounds   int
	Anomalies     int
}

func (r result) passed() bool {
	return r.Anomalies == 0 && r.FinalEstimate > 0 && r.PeakHeapMB < maxHeapMB
}

func main() {
	var cfg config
	flag.DurationVar(&cfg.duration, "duration", time.Hour, "test duration (e.g. 10m, 24h)")
	flag.IntVar(&cfg.pps, "pps", 50, "packets per second across all SSRCs")
	flag.IntVar(&cfg.ssrcs, "ssrcs", 1, "number of simulated SSRCs")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", ":6060", "address serving /metrics and /debug/pprof, empty to disable")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger, err := newLogger(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "soak: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.pps <= 0 || cfg.ssrcs <= 0 {
		logger.Fatal("pps and ssrcs must be positive", zap.Int("pps", cfg.pps), zap.Int("ssrcs", cfg.ssrcs))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res := run(ctx, cfg, logger, clock.New())
	logSummary(logger, res)
	if !res.passed() {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

// soak holds the node under test and everything observing it.
type soak struct {
	logger *zap.Logger
	clock  clock.Clock

	store *capability.Store
	node  *remote.Estimator
	delay *stats.PacketDelayStats
	gen   *testutil.Generator

	res            result
	lastAST        uint32
	lastREMB       time.Time
	lastEstimateAt time.Time
}

func newSoak(cfg config, logger *zap.Logger, clk clock.Clock) (*soak, error) {
	store := capability.NewStore(capability.WithLogger(logger))
	store.SetFeedback(true, false)
	if err := store.SetExtensionMapping(capability.AbsSendTime, extensionID); err != nil {
		return nil, err
	}

	ssrcs := make([]uint32, cfg.ssrcs)
	for i := range ssrcs {
		ssrcs[i] = 0x10000 + uint32(i)
	}
	genCfg := testutil.DefaultTraceConfig()
	genCfg.Interval = time.Second / time.Duration(cfg.pps)
	genCfg.SSRCs = ssrcs

	return &soak{
		logger: logger,
		clock:  clk,
		store:  store,
		node:   remote.NewEstimator(store, remote.WithLogger(logger), remote.WithClock(clk)),
		delay:  stats.NewPacketDelayStats(clk),
		gen:    testutil.NewGenerator(genCfg),
	}, nil
}

func (s *soak) register(reg prometheus.Registerer) error {
	labels := prometheus.Labels{"node": "soak"}
	return multierr.Combine(
		reg.Register(metrics.NewEstimatorCollector(s.node, labels)),
		reg.Register(metrics.NewDelayCollector("packet_delay_ms", "Delay between packet receipt and estimator update, in milliseconds.", s.delay.DelayStats, labels)),
	)
}

func run(ctx context.Context, cfg config, logger *zap.Logger, clk clock.Clock) result {
	s, err := newSoak(cfg, logger, clk)
	if err != nil {
		logger.Error("failed to set up node", zap.Error(err))
		return result{Anomalies: 1}
	}
	defer s.node.Close()

	if cfg.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := s.register(reg); err != nil {
			logger.Error("failed to register collectors", zap.Error(err))
			return result{Anomalies: 1}
		}
		srv := serveMetrics(cfg.metricsAddr, reg, logger)
		defer func() { _ = srv.Close() }()
	}

	logger.Info("soak started",
		zap.Duration("duration", cfg.duration),
		zap.Int("pps", cfg.pps),
		zap.Int("ssrcs", cfg.ssrcs),
		zap.String("metrics_addr", cfg.metricsAddr),
	)

	start := clk.Now()
	s.lastEstimateAt = start
	packets := clk.Ticker(s.gen.Config().Interval)
	defer packets.Stop()
	status := clk.Ticker(statusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			s.res.Duration = clk.Since(start)
			return s.finish()
		case now := <-packets.C:
			if now.Sub(start) >= cfg.duration {
				s.res.Duration = now.Sub(start)
				return s.finish()
			}
			s.onTick(now)
		case now := <-status.C:
			s.logStatus(now.Sub(start))
		}
	}
}

// onTick sends one packet through the parse and observe path and builds
// REMB once per interval.
func (s *soak) onTick(now time.Time) {
	p := s.gen.Next()
	raw, err := p.Marshal(extensionID)
	if err != nil {
		s.anomaly("failed to marshal packet", zap.Error(err))
		return
	}

	pkt := &remote.Packet{Size: len(raw), ReceivedTime: s.clock.Now()}
	if _, err := pkt.Header.Unmarshal(raw); err != nil {
		s.anomaly("failed to parse packet", zap.Error(err))
		return
	}

	ast := p.AbsSendTime()
	if s.res.TotalPackets > 0 && ast < s.lastAST {
		s.res.Wraparounds++
		s.logger.Debug("abs-send-time wrapped", zap.Int("count", s.res.Wraparounds))
	}
	s.lastAST = ast

	s.node.Observe(pkt)
	s.delay.AddPacket(pkt.ReceivedTime)
	s.res.TotalPackets++

	estimate := s.node.Estimate()
	if estimate > 0 {
		s.lastEstimateAt = now
	} else if now.Sub(s.lastEstimateAt) > warmup {
		s.anomaly("no estimate", zap.Duration("since", now.Sub(s.lastEstimateAt)))
		s.lastEstimateAt = now
	}
	s.res.FinalEstimate = estimate

	if now.Sub(s.lastREMB) >= rembInterval {
		s.lastREMB = now
		s.buildREMB()
	}
}

func (s *soak) buildREMB() {
	data, ok, err := s.node.CreateREMB()
	if err != nil {
		s.anomaly("failed to build REMB", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	remb, err := bwe.ParseREMB(data)
	if err != nil {
		s.anomaly("built an unparsable REMB", zap.Error(err))
		return
	}
	if len(remb.SSRCs) > remote.MaxSSRCs {
		s.anomaly("SSRC set overflow", zap.Int("ssrcs", len(remb.SSRCs)))
	}
	s.res.REMBsSent++
	s.logger.Debug("REMB built", zap.Uint64("bitrate", remb.Bitrate), zap.Uint32s("ssrcs", remb.SSRCs))
}

func (s *soak) anomaly(msg string, fields ...zap.Field) {
	s.res.Anomalies++
	s.logger.Error(msg, fields...)
}

func (s *soak) sampleMemory() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	heapMB := float64(ms.HeapAlloc) / (1024 * 1024)
	if heapMB > s.res.PeakHeapMB {
		s.res.PeakHeapMB = heapMB
	}
	s.res.NumGC = ms.NumGC
	return heapMB
}

func (s *soak) logStatus(elapsed time.Duration) {
	heapMB := s.sampleMemory()
	if heapMB > maxHeapMB {
		s.anomaly("memory limit exceeded", zap.Float64("heap_mb", heapMB))
	}
	delay := s.delay.Snapshot()
	s.logger.Info("soak status",
		zap.Duration("elapsed", elapsed.Round(time.Second)),
		zap.Int64("packets", s.res.TotalPackets),
		zap.Int64("estimate_bps", s.node.Estimate()),
		zap.Int("wraparounds", s.res.Wraparounds),
		zap.Float64("heap_mb", heapMB),
		zap.Uint32("num_gc", s.res.NumGC),
		zap.Int64("max_delay_ms", delay.MaxDelayMs),
	)
}

func (s *soak) finish() result {
	s.sampleMemory()
	s.res.FinalEstimate = s.node.Estimate()
	return s.res
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func logSummary(logger *zap.Logger, r result) {
	status := "PASS"
	if !r.passed() {
		status = "FAIL"
	}
	logger.Info("soak complete",
		zap.String("status", status),
		zap.Duration("duration", r.Duration.Round(time.Second)),
		zap.Int64("packets", r.TotalPackets),
		zap.Int64("rembs", r.REMBsSent),
		zap.Int64("final_estimate_bps", r.FinalEstimate),
		zap.Float64("peak_heap_mb", r.PeakHeapMB),
		zap.Uint32("num_gc", r.NumGC),
		zap.Int("wraparounds", r.Wraparounds),
		zap.Int("anomalies", r.Anomalies),
	)
}
