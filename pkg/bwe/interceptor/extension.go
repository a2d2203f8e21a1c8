package interceptor

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// ConfigureMediaEngine makes m negotiate what the estimator needs: the
// abs-send-time header extension for audio and video, and goog-remb feedback
// for video codecs. Call it after registering codecs, feedback is only added
// to codecs already known to m.
func ConfigureMediaEngine(m *webrtc.MediaEngine) error {
	var errs error
	for _, typ := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.ABSSendTimeURI}, typ)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("register abs-send-time for %s: %w", typ, err))
		}
	}
	if errs != nil {
		return errs
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBGoogREMB}, webrtc.RTPCodecTypeVideo)
	return nil
}

// RegisterDefaults configures m with ConfigureMediaEngine and adds a Factory
// built from opts to r.
//
//	m := &webrtc.MediaEngine{}
//	if err := m.RegisterDefaultCodecs(); err != nil {
//	    return err
//	}
//	r := &interceptor.Registry{}
//	if _, err := bweint.RegisterDefaults(m, r); err != nil {
//	    return err
//	}
//	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(r))
func RegisterDefaults(m *webrtc.MediaEngine, r *interceptor.Registry, opts ...FactoryOption) (*Factory, error) {
	f, err := NewFactory(opts...)
	if err != nil {
		return nil, err
	}
	if err := ConfigureMediaEngine(m); err != nil {
		return nil, fmt.Errorf("interceptor: configure media engine: %w", err)
	}
	r.Add(f)
	return f, nil
}
