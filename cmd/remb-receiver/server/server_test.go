package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bweint "github.com/thesyncim/rbe/pkg/bwe/interceptor"
)

func startServer(t *testing.T, opts ...bweint.FactoryOption) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Interceptor = opts
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	addr, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, "http://" + addr
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_StartStop(t *testing.T) {
	srv, err := NewServer(DefaultConfig())
	require.NoError(t, err)

	addr, err := srv.Start()
	require.NoError(t, err)
	assert.NotEqual(t, ":0", addr)
	assert.Equal(t, addr, srv.Addr())

	again, err := srv.Start()
	require.NoError(t, err)
	assert.Equal(t, addr, again, "Start is idempotent")

	status, body := get(t, "http://"+addr+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "REMB Receiver")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))

	_, err = http.Get("http://" + addr + "/")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":0", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
}

func TestServer_NotFound(t *testing.T) {
	_, base := startServer(t)
	status, _ := get(t, base+"/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandleOffer_Errors(t *testing.T) {
	_, base := startServer(t)

	status, _ := get(t, base+"/offer")
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	resp, err := http.Post(base+"/offer", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bad, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"})
	require.NoError(t, err)
	resp, err = http.Post(base+"/offer", "application/json", bytes.NewReader(bad))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// publisherOffer creates a sending PeerConnection that offers abs-send-time
// and transport-cc, like a browser does.
func publisherOffer(t *testing.T) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()
	m := &webrtc.MediaEngine{}
	require.NoError(t, m.RegisterDefaultCodecs())
	require.NoError(t, m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
	}, webrtc.RTPCodecTypeVideo))
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBTransportCC}, webrtc.RTPCodecTypeVideo)

	pc, err := webrtc.NewAPI(webrtc.WithMediaEngine(m)).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered
	return pc, *pc.LocalDescription()
}

func TestHandleOffer_NegotiatesREMBOnly(t *testing.T) {
	srv, base := startServer(t)
	pub, offer := publisherOffer(t)

	body, err := json.Marshal(offer)
	require.NoError(t, err)
	resp, err := http.Post(base+"/offer", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var answer webrtc.SessionDescription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.Contains(t, answer.SDP, "goog-remb")
	assert.Contains(t, answer.SDP, "abs-send-time")
	assert.NotContains(t, answer.SDP, "transport-cc")
	require.NoError(t, pub.SetRemoteDescription(answer))

	require.Equal(t, 1, srv.NumPeers())
	srv.mu.Lock()
	var p *peer
	for _, v := range srv.peers {
		p = v
	}
	srv.mu.Unlock()

	assert.True(t, p.remb.Capabilities().SupportsREMB())
	assert.False(t, p.remb.Capabilities().SupportsTCC())
	assert.True(t, p.remb.Node().Enabled())
	_, mapped := p.remb.Node().ExtensionID()
	assert.True(t, mapped)

	status, stats := get(t, base+"/stats")
	assert.Equal(t, http.StatusOK, status)
	var got map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(stats), &got))
	require.Contains(t, got, p.id)
	assert.Equal(t, true, got[p.id]["enabled"])

	status, metrics := get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, metrics, `rbe_estimator_enabled{peer="`+p.id+`"} 1`)
	assert.Contains(t, metrics, "rbe_packet_delay_ms_bucket")

	srv.removePeer(p)
	assert.Zero(t, srv.NumPeers())
	_, metrics = get(t, base+"/metrics")
	assert.NotContains(t, metrics, p.id)
}

func TestHandleOffer_AppliesConfiguredRTT(t *testing.T) {
	_, base := startServer(t, bweint.WithDefaultRTT(75*time.Millisecond))
	_, offer := publisherOffer(t)

	body, err := json.Marshal(offer)
	require.NoError(t, err)
	resp, err := http.Post(base+"/offer", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, stats := get(t, base+"/stats")
	var got map[string]map[string]any
	require.NoError(t, json.Unmarshal([]byte(stats), &got))
	require.Len(t, got, 1)
	for _, peer := range got {
		assert.EqualValues(t, 75, peer["rtt_ms"])
	}
}
