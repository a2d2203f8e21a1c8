package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	bweint "github.com/thesyncim/rbe/pkg/bwe/interceptor"
	"github.com/thesyncim/rbe/pkg/bwe/metrics"
	"github.com/thesyncim/rbe/pkg/stats"
)

var errNoInterceptor = errors.New("server: REMB interceptor was not built")

// peer is one publishing PeerConnection.
type peer struct {
	id         string
	pc         *webrtc.PeerConnection
	remb       *bweint.REMBInterceptor
	collectors []prometheus.Collector
	logger     *zap.Logger
}

// newPeer builds a PeerConnection whose API negotiates REMB only. NACK is
// kept for loss recovery; transport-cc and the TWCC sender are left out so
// the publisher's bandwidth follows the REMB we send.
func (s *Server) newPeer() (*peer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	p := &peer{id: uuid.NewString()}
	p.logger = s.logger.With(zap.String("peer", p.id))

	r := &interceptor.Registry{}
	opts := append([]bweint.FactoryOption{
		bweint.WithLogger(p.logger),
		bweint.WithOnNewInterceptor(func(_ string, i *bweint.REMBInterceptor) {
			p.remb = i
		}),
	}, s.config.Interceptor...)
	if _, err := bweint.RegisterDefaults(m, r, opts...); err != nil {
		return nil, err
	}

	m.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBNACK}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("nack generator: %w", err)
	}
	r.Add(generator)

	var errs error
	errs = multierr.Append(errs, webrtc.ConfigureRTCPReports(r))
	errs = multierr.Append(errs, webrtc.ConfigureSimulcastExtensionHeaders(m))
	if errs != nil {
		return nil, errs
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(r))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p.pc = pc
	if p.remb == nil {
		_ = pc.Close()
		return nil, errNoInterceptor
	}

	labels := prometheus.Labels{"peer": p.id}
	p.collectors = []prometheus.Collector{
		metrics.NewEstimatorCollector(p.remb.Node(), labels),
		metrics.NewDelayCollector("packet_delay_ms", "Delay between packet read and estimator update, in milliseconds.", p.remb.PacketDelay(), labels),
	}
	return p, nil
}

func (s *Server) addPeer(p *peer) {
	for _, c := range p.collectors {
		if err := s.registry.Register(c); err != nil {
			p.logger.Warn("failed to register collector", zap.Error(err))
		}
	}
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
}

func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	_, ok := s.peers[p.id]
	delete(s.peers, p.id)
	s.mu.Unlock()
	if !ok {
		return
	}

	for _, c := range p.collectors {
		s.registry.Unregister(c)
	}
	if err := p.pc.Close(); err != nil {
		p.logger.Debug("close peer connection", zap.Error(err))
	}
	p.logger.Info("peer removed")
}

// handleOffer accepts a JSON session description and replies with the
// answer once ICE gathering completes.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}

	p, err := s.newPeer()
	if err != nil {
		s.logger.Error("failed to create peer", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = p.pc.Close()
		s.logger.Error("failed to add transceiver", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.logger.Info("track started",
			zap.String("codec", track.Codec().MimeType),
			zap.Uint32("ssrc", uint32(track.SSRC())),
		)
		// Refresh header extension IDs from what the receiver negotiated.
		p.remb.Capabilities().UpdateFromRTPParameters(receiver.GetParameters())

		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				p.logger.Debug("track ended", zap.Error(err))
				return
			}
		}
	})
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("connection state", zap.Stringer("state", state))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			s.removePeer(p)
		}
	})

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		_ = p.pc.Close()
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		_ = p.pc.Close()
		s.logger.Error("failed to create answer", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		_ = p.pc.Close()
		s.logger.Error("failed to set local description", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	<-gathered

	// The answer holds what was actually negotiated; the offer may list
	// transport-cc that we did not accept.
	local := p.pc.LocalDescription()
	if parsed, err := local.Unmarshal(); err == nil {
		if err := p.remb.Capabilities().UpdateFromSDP(parsed); err != nil {
			p.logger.Warn("answer SDP partially understood", zap.Error(err))
		}
	}

	s.addPeer(p)
	p.logger.Info("peer connected",
		zap.Bool("remb", p.remb.Capabilities().SupportsREMB()),
		zap.Bool("estimating", p.remb.Node().Enabled()),
	)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(local); err != nil {
		p.logger.Warn("failed to write answer", zap.Error(err))
	}
}

// handleStats returns the statistics block of every peer keyed by peer ID.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := stats.NewBlock()
	for id, p := range s.peers {
		out.AddBlock(id, p.remb.Stats())
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn("failed to write stats", zap.Error(err))
	}
}
