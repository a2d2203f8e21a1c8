package interceptor

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/thesyncim/rbe/pkg/bwe"
)

// FactoryOption configures the Factory.
type FactoryOption func(*Factory) error

// Factory creates a REMBInterceptor for each PeerConnection. Register it
// with the interceptor registry, or use RegisterDefaults.
type Factory struct {
	config       bwe.BandwidthEstimatorConfig
	rembInterval time.Duration
	senderSSRC   uint32
	onREMB       func(bitrate float32, ssrcs []uint32)
	onNew        func(id string, i *REMBInterceptor)
	logger       *zap.Logger
	clock        clock.Clock
}

var _ interceptor.Factory = (*Factory)(nil)

// WithInitialBitrate sets the initial bandwidth estimate.
// Default: 300000 (300 kbps)
func WithInitialBitrate(bitrate int64) FactoryOption {
	return func(f *Factory) error {
		if bitrate <= 0 {
			return fmt.Errorf("initial bitrate must be positive, got %d", bitrate)
		}
		f.config.RateControllerConfig.InitialBitrate = bitrate
		return nil
	}
}

// WithMinBitrate sets the minimum bandwidth estimate.
// Default: 10000 (10 kbps)
func WithMinBitrate(bitrate int64) FactoryOption {
	return func(f *Factory) error {
		if bitrate <= 0 {
			return fmt.Errorf("min bitrate must be positive, got %d", bitrate)
		}
		f.config.RateControllerConfig.MinBitrate = bitrate
		return nil
	}
}

// WithMaxBitrate sets the maximum bandwidth estimate.
// Default: 30000000 (30 Mbps)
func WithMaxBitrate(bitrate int64) FactoryOption {
	return func(f *Factory) error {
		if bitrate <= 0 {
			return fmt.Errorf("max bitrate must be positive, got %d", bitrate)
		}
		f.config.RateControllerConfig.MaxBitrate = bitrate
		return nil
	}
}

// WithDefaultRTT sets the round-trip time the additive increase assumes
// until OnRTTUpdate reports a measurement. Receive-only connections often
// never measure one.
// Default: 200ms
func WithDefaultRTT(rtt time.Duration) FactoryOption {
	return func(f *Factory) error {
		if rtt <= 0 {
			return fmt.Errorf("default RTT must be positive, got %s", rtt)
		}
		f.config.RateControllerConfig.DefaultRTT = rtt
		return nil
	}
}

// WithREMBInterval sets how often REMB packets are sent while the estimate
// is stable. Decreases are sent right away.
// Default: 1 second
func WithREMBInterval(interval time.Duration) FactoryOption {
	return func(f *Factory) error {
		if interval <= 0 {
			return errors.New("REMB interval must be positive")
		}
		f.rembInterval = interval
		return nil
	}
}

// WithSenderSSRC sets the sender SSRC for REMB packets.
// Default: 0 (many implementations use 0)
func WithSenderSSRC(ssrc uint32) FactoryOption {
	return func(f *Factory) error {
		f.senderSSRC = ssrc
		return nil
	}
}

// WithOnREMB sets a callback invoked each time a REMB packet is sent.
func WithOnREMB(fn func(bitrate float32, ssrcs []uint32)) FactoryOption {
	return func(f *Factory) error {
		f.onREMB = fn
		return nil
	}
}

// WithOnNewInterceptor sets a callback invoked with every interceptor the
// factory creates, before it is returned to pion. Use it to reach the
// node of a PeerConnection for RTT updates, SDP capabilities or metrics.
func WithOnNewInterceptor(fn func(id string, i *REMBInterceptor)) FactoryOption {
	return func(f *Factory) error {
		f.onNew = fn
		return nil
	}
}

// WithLogger sets the logger. Default: no-op.
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		f.logger = logger
		return nil
	}
}

// WithClock sets the clock driving the REMB loop, stream cleanup and
// timestamps. Default: wall clock.
func WithClock(clk clock.Clock) FactoryOption {
	return func(f *Factory) error {
		if clk == nil {
			return errors.New("clock must not be nil")
		}
		f.clock = clk
		return nil
	}
}

// WithFilter selects the delay gradient filter.
// Default: bwe.FilterTrendline
func WithFilter(filter bwe.FilterType) FactoryOption {
	return func(f *Factory) error {
		if filter != bwe.FilterKalman && filter != bwe.FilterTrendline {
			return fmt.Errorf("unknown filter type %d", filter)
		}
		f.config.DelayConfig.FilterType = filter
		return nil
	}
}

// NewFactory creates a Factory. Every option is applied; all option errors
// are returned together.
//
//	factory, err := NewFactory(
//	    WithInitialBitrate(500000),
//	    WithREMBInterval(500*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewFactory(opts ...FactoryOption) (*Factory, error) {
	f := &Factory{
		config:       bwe.DefaultBandwidthEstimatorConfig(),
		rembInterval: time.Second,
		logger:       zap.NewNop(),
		clock:        clock.New(),
	}

	var errs error
	for _, opt := range opts {
		errs = multierr.Append(errs, opt(f))
	}
	rc := f.config.RateControllerConfig
	if rc.MinBitrate > rc.MaxBitrate {
		errs = multierr.Append(errs, fmt.Errorf("min bitrate %d above max bitrate %d", rc.MinBitrate, rc.MaxBitrate))
	}
	if errs != nil {
		return nil, fmt.Errorf("interceptor: invalid factory options: %w", errs)
	}
	return f, nil
}

// NewInterceptor creates a REMBInterceptor for a PeerConnection. Each one
// owns its own capability store, node and estimator.
func (f *Factory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	i := newREMBInterceptor(interceptorConfig{
		id:           id,
		estimator:    f.config,
		rembInterval: f.rembInterval,
		senderSSRC:   f.senderSSRC,
		onREMB:       f.onREMB,
		logger:       f.logger,
		clock:        f.clock,
	})
	if f.onNew != nil {
		f.onNew(id, i)
	}
	return i, nil
}
