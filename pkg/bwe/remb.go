package bwe

import (
	"errors"
	"fmt"

	"github.com/pion/rtcp"
)

// maxREMBSSRCs is the most media SSRCs a REMB can list (8-bit count field).
const maxREMBSSRCs = 255

// ErrTooManySSRCs is returned when a REMB would list more SSRCs than the
// packet format allows.
var ErrTooManySSRCs = errors.New("bwe: too many SSRCs for REMB")

// REMBPacket is a parsed REMB (Receiver Estimated Maximum Bitrate) packet.
type REMBPacket struct {
	// SenderSSRC is the SSRC of the receiver sending the feedback.
	SenderSSRC uint32

	// Bitrate is the estimated maximum bitrate in bits per second.
	Bitrate uint64

	// SSRCs are the media sources the estimate applies to.
	SSRCs []uint32
}

// BuildREMB marshals a REMB RTCP packet. The bitrate is encoded by pion/rtcp
// as a 6-bit exponent and an 18-bit mantissa, so values above 2^18 bps lose
// low-order precision.
func BuildREMB(senderSSRC uint32, bitrateBps uint64, mediaSSRCs []uint32) ([]byte, error) {
	if len(mediaSSRCs) > maxREMBSSRCs {
		return nil, fmt.Errorf("%w: %d", ErrTooManySSRCs, len(mediaSSRCs))
	}
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: senderSSRC,
		Bitrate:    float32(bitrateBps),
		SSRCs:      mediaSSRCs,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("bwe: marshal REMB: %w", err)
	}
	return data, nil
}

// ParseREMB parses a REMB packet from raw bytes.
func ParseREMB(data []byte) (*REMBPacket, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, err
	}
	return &REMBPacket{
		SenderSSRC: pkt.SenderSSRC,
		Bitrate:    uint64(pkt.Bitrate),
		SSRCs:      pkt.SSRCs,
	}, nil
}

// Marshal marshals a REMBPacket to bytes.
func (p *REMBPacket) Marshal() ([]byte, error) {
	return BuildREMB(p.SenderSSRC, p.Bitrate, p.SSRCs)
}

// REMBBuilder builds REMB packets on behalf of one receiver.
type REMBBuilder struct {
	// SenderSSRC is written into every packet. Many receivers use 0.
	SenderSSRC uint32
}

// Build marshals a REMB announcing bitrateBps for ssrcs.
func (b REMBBuilder) Build(bitrateBps uint64, ssrcs []uint32) ([]byte, error) {
	return BuildREMB(b.SenderSSRC, bitrateBps, ssrcs)
}
