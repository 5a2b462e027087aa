package render

import (
	"context"
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// DiscardSink reads and drops every packet, keeping the track flowing.
type DiscardSink struct {
	logger zerolog.Logger
}

func NewDiscardSink(logger *zerolog.Logger) *DiscardSink {
	return &DiscardSink{logger: logger.With().Str("component", "render").Logger()}
}

func (ds *DiscardSink) Render(ctx context.Context, track Track) error {
	stats, err := drain(ctx, track, nil)
	ds.logger.Debug().
		Str("track", track.ID()).
		Uint64("packets", stats.Packets).
		Uint64("bytes", stats.Bytes).
		Msg("track ended")
	return err
}

// drain reads packets until the track ends, handing each one to write when it is set.
func drain(ctx context.Context, track Track, write func(pkt *rtp.Packet) error) (Stats, error) {
	var stats Stats
	for {
		if ctx.Err() != nil {
			return stats, nil
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, err
		}
		stats.add(pkt)
		if write != nil {
			if err = write(pkt); err != nil {
				return stats, err
			}
		}
	}
}
