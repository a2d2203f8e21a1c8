// Package server implements an HTTP signalling endpoint that receives media
// from a WebRTC publisher and answers with receive-side bandwidth
// estimation: abs-send-time and goog-remb are negotiated, transport-cc is
// not, so the publisher relies on the REMB this server sends.
//
// No RTT is measured for receive-only peers. Pass bweint.WithDefaultRTT in
// Config.Interceptor to size the estimator's additive increase.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	bweint "github.com/thesyncim/rbe/pkg/bwe/interceptor"
)

// Config holds server configuration options.
type Config struct {
	// Addr is the listen address, ":0" picks a free port.
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Interceptor options are applied to the REMB interceptor of every
	// PeerConnection.
	Interceptor []bweint.FactoryOption

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultConfig returns a configuration listening on a random port.
func DefaultConfig() Config {
	return Config{
		Addr:         ":0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server accepts offers on /offer and serves per-peer estimator state on
// /stats and /metrics.
type Server struct {
	config   Config
	logger   *zap.Logger
	registry *prometheus.Registry

	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	addr     string
	running  bool
	peers    map[string]*peer
}

// NewServer creates a server. It does not listen until Start is called.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("server: register go collector: %w", err)
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger.Named("server"),
		registry: reg,
		peers:    make(map[string]*peer),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/offer", s.handleOffer)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Start listens and serves in the background. It returns the address the
// server listens on.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return s.addr, nil
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return "", fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()
	s.running = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("http server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("listening", zap.String("addr", s.addr))
	return s.addr, nil
}

// Shutdown stops the HTTP server and closes every PeerConnection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		s.removePeer(p)
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the listen address, or "" when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// NumPeers returns the number of live PeerConnections.
func (s *Server) NumPeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(indexPage))
}
