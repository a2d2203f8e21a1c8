// Package capability tracks what the remote peer negotiated for a connection:
// which RTP header extensions are mapped to which IDs, and which RTCP
// feedback mechanisms (REMB, transport-wide CC) are supported.
//
// A Store is written by whoever owns negotiation (SDP handling, interceptor
// binds) and read by pipeline nodes, which subscribe to changes instead of
// polling.
package capability

import (
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
)

// ExtensionKind identifies an RTP header extension independently of the ID
// it was mapped to.
type ExtensionKind int

const (
	// AbsSendTime is the 24-bit abs-send-time extension.
	AbsSendTime ExtensionKind = iota
	// TransportCC is the transport-wide sequence number extension.
	TransportCC
	// AudioLevel is the client-to-mixer audio level extension.
	AudioLevel
	// SDESMid carries the media section identifier.
	SDESMid
	// AbsCaptureTime is the 64-bit absolute capture time extension.
	AbsCaptureTime
)

// AbsCaptureTimeURI is not defined by pion/sdp.
const AbsCaptureTimeURI = "http://www.webrtc.org/experiments/rtp-hdrext/abs-capture-time"

var extensionURIs = map[ExtensionKind]string{
	AbsSendTime:    sdp.ABSSendTimeURI,
	TransportCC:    sdp.TransportCCURI,
	AudioLevel:     sdp.AudioLevelURI,
	SDESMid:        sdp.SDESMidURI,
	AbsCaptureTime: AbsCaptureTimeURI,
}

// URI returns the extension URI, or "" for an unknown kind.
func (k ExtensionKind) URI() string {
	return extensionURIs[k]
}

// String returns a short name for logs.
func (k ExtensionKind) String() string {
	switch k {
	case AbsSendTime:
		return "abs-send-time"
	case TransportCC:
		return "transport-cc"
	case AudioLevel:
		return "audio-level"
	case SDESMid:
		return "sdes-mid"
	case AbsCaptureTime:
		return "abs-capture-time"
	default:
		return "unknown"
	}
}

// KindFromURI maps an extension URI to its kind.
func KindFromURI(uri string) (ExtensionKind, bool) {
	for k, u := range extensionURIs {
		if u == uri {
			return k, true
		}
	}
	return 0, false
}

// FindExtensionID searches the negotiated extensions of a stream for kind and
// returns its ID, or 0 when it was not negotiated. ID 0 is invalid per
// RFC 8285, so 0 doubles as "not available".
func FindExtensionID(exts []interceptor.RTPHeaderExtension, kind ExtensionKind) uint8 {
	uri := kind.URI()
	for _, ext := range exts {
		if ext.URI == uri {
			return uint8(ext.ID)
		}
	}
	return 0
}
