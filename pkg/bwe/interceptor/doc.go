// Package interceptor plugs the receive-side bandwidth estimator into a Pion
// WebRTC stack.
//
// Each PeerConnection gets a REMBInterceptor. It learns the negotiated
// feedback types and header extension IDs from every bound remote stream,
// feeds each incoming RTP packet to a remote.Estimator node and writes REMB
// feedback on the RTCP writer. Estimation only runs while the session
// negotiated goog-remb and not transport-cc.
//
// # Setup
//
//	m := &webrtc.MediaEngine{}
//	if err := m.RegisterDefaultCodecs(); err != nil {
//	    return err
//	}
//	r := &interceptor.Registry{}
//	if _, err := bweint.RegisterDefaults(m, r,
//	    bweint.WithInitialBitrate(500000),
//	    bweint.WithREMBInterval(500*time.Millisecond),
//	); err != nil {
//	    return err
//	}
//	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(r))
//
// RegisterDefaults adds the abs-send-time extension and goog-remb feedback
// to the MediaEngine. Do not also register transport-cc, or the estimator
// stays disabled.
//
// # Feedback timing
//
// REMB is sent at the configured interval while the estimate is stable, and
// as soon as the estimate drops by 3% or more. Streams without packets for
// two seconds are dropped from the stream table. The SSRC list carried in
// REMB is the node's own and keeps the last eight SSRCs seen.
package interceptor
