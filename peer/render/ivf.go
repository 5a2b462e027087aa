package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/rs/zerolog"
)

var ErrUnsupportedCodec = errors.New("unsupported codec for ivf output")

// StreamSink depacketizes the first video track into an IVF stream on w,
// typically stdout piped into a player. Other tracks are discarded.
type StreamSink struct {
	logger  zerolog.Logger
	w       io.Writer
	claimed atomic.Bool
}

func NewStreamSink(logger *zerolog.Logger, w io.Writer) *StreamSink {
	return &StreamSink{
		logger: logger.With().Str("component", "render").Logger(),
		w:      w,
	}
}

func (ss *StreamSink) Render(ctx context.Context, track Track) error {
	if track.Kind() != webrtc.RTPCodecTypeVideo || !ss.claimed.CompareAndSwap(false, true) {
		return NewDiscardSink(&ss.logger).Render(ctx, track)
	}
	mime, ok := ivfMime(track.Codec().MimeType)
	if !ok {
		ss.claimed.Store(false)
		return fmt.Errorf("%w: %s", ErrUnsupportedCodec, track.Codec().MimeType)
	}
	w, err := ivfwriter.NewWith(ss.w, ivfwriter.WithCodec(mime))
	if err != nil {
		ss.claimed.Store(false)
		return errors.Join(ErrUnsupportedCodec, err)
	}

	stats, err := drain(ctx, track, func(pkt *rtp.Packet) error {
		return w.WriteRTP(pkt)
	})
	err = errors.Join(err, w.Close())

	ss.logger.Info().
		Str("track", track.ID()).
		Str("codec", mime).
		Uint64("packets", stats.Packets).
		Uint64("bytes", stats.Bytes).
		Msg("stream finished")
	return err
}

func ivfMime(mime string) (string, bool) {
	for _, m := range []string{webrtc.MimeTypeVP8, webrtc.MimeTypeAV1} {
		if strings.EqualFold(mime, m) {
			return m, true
		}
	}
	return "", false
}
