// Package render consumes remote media tracks on the viewer.
package render

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type (
	// Track is the part of *webrtc.TrackRemote a sink reads from.
	Track interface {
		ID() string
		Kind() webrtc.RTPCodecType
		SSRC() webrtc.SSRC
		Codec() webrtc.RTPCodecParameters
		ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	}

	// Sink renders a remote track until it ends. Render blocks.
	Sink interface {
		Render(ctx context.Context, track Track) error
	}

	Stats struct {
		Packets uint64
		Bytes   uint64
	}
)

func (s *Stats) add(pkt *rtp.Packet) {
	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
}
