// REMB receiver accepts WebRTC publishers over HTTP and controls their send
// bitrate with receive-side bandwidth estimation.
//
// Open http://localhost:8080 in Chrome, click Publish, and compare the
// estimate on the page with chrome://webrtc-internals. Per-peer metrics
// are served on /metrics.
//
// The receiver only receives media, so it never measures the round-trip
// time: the publisher sends no report the RTT could be derived from. The
// additive increase uses the -rtt value for the whole session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/thesyncim/rbe/cmd/remb-receiver/server"
	bweint "github.com/thesyncim/rbe/pkg/bwe/interceptor"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	initial := flag.Int64("initial-bitrate", 500_000, "initial estimate in bps")
	minBitrate := flag.Int64("min-bitrate", 100_000, "minimum estimate in bps")
	maxBitrate := flag.Int64("max-bitrate", 5_000_000, "maximum estimate in bps")
	interval := flag.Duration("remb-interval", time.Second, "REMB interval while the estimate is stable")
	rtt := flag.Duration("rtt", 200*time.Millisecond, "assumed round-trip time to publishers")
	flag.Parse()

	lvl, err := zap.ParseAtomicLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "remb-receiver: invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "remb-receiver: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	cfg := server.DefaultConfig()
	cfg.Addr = *addr
	cfg.Logger = logger
	cfg.Interceptor = []bweint.FactoryOption{
		bweint.WithInitialBitrate(*initial),
		bweint.WithMinBitrate(*minBitrate),
		bweint.WithMaxBitrate(*maxBitrate),
		bweint.WithREMBInterval(*interval),
		bweint.WithDefaultRTT(*rtt),
		bweint.WithOnREMB(func(bitrate float32, ssrcs []uint32) {
			logger.Debug("REMB sent", zap.Float32("bitrate", bitrate), zap.Uint32s("ssrcs", ssrcs))
		}),
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}
	if _, err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}
