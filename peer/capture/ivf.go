package capture

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"
)

const (
	defaultStreamID = "broadcast"
	defaultFrameDur = time.Second / 30
)

var fourCCMime = map[string]string{
	"VP80": webrtc.MimeTypeVP8,
	"VP90": webrtc.MimeTypeVP9,
	"AV01": webrtc.MimeTypeAV1,
}

type (
	FileConfig struct {
		Logger *zerolog.Logger
		Path   string
		// Loop restarts the file from the beginning when it ends.
		Loop     bool
		StreamID string
	}

	// FileCapturer streams an IVF video file as a live source.
	FileCapturer struct {
		logger   zerolog.Logger
		path     string
		loop     bool
		streamID string
	}

	IVFSource struct {
		logger zerolog.Logger
		track  *webrtc.TrackLocalStaticSample
		loop   bool

		cancel context.CancelFunc
		done   chan struct{}
		once   sync.Once
	}
)

func NewFileCapturer(cfg FileConfig) *FileCapturer {
	streamID := cfg.StreamID
	if streamID == "" {
		streamID = defaultStreamID
	}
	return &FileCapturer{
		logger:   cfg.Logger.With().Str("component", "capture").Str("path", cfg.Path).Logger(),
		path:     cfg.Path,
		loop:     cfg.Loop,
		streamID: streamID,
	}
}

func (fc *FileCapturer) Capture(ctx context.Context) (Source, error) {
	f, err := openFile(fc.path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.Join(ErrUnsupported, err)
	}
	mime, ok := fourCCMime[header.FourCC]
	if !ok {
		_ = f.Close()
		return nil, errors.Join(ErrUnsupported, errors.New("codec "+header.FourCC))
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime}, "video", fc.streamID)
	if err != nil {
		_ = f.Close()
		return nil, errors.Join(ErrUnsupported, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	src := &IVFSource{
		logger: fc.logger,
		track:  track,
		loop:   fc.loop,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	fc.logger.Info().
		Str("codec", mime).
		Uint16("width", header.Width).
		Uint16("height", header.Height).
		Msg("capture started")

	go src.run(runCtx, f, reader, frameDuration(header))
	return src, nil
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrPermission):
		return nil, errors.Join(ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return nil, errors.Join(ErrSourceNotFound, err)
	default:
		return nil, err
	}
}

func frameDuration(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return defaultFrameDur
	}
	return time.Duration(uint64(time.Second) * uint64(h.TimebaseNumerator) / uint64(h.TimebaseDenominator))
}

func (s *IVFSource) run(ctx context.Context, f *os.File, reader *ivfreader.IVFReader, dur time.Duration) {
	defer close(s.done)
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(dur)
	defer ticker.Stop()

	var frames uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) && s.loop {
			if _, err = f.Seek(0, io.SeekStart); err != nil {
				s.logger.Error().Err(err).Msg("cannot rewind source")
				return
			}
			if reader, _, err = ivfreader.NewWith(f); err != nil {
				s.logger.Error().Err(err).Msg("cannot restart source")
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error().Err(err).Msg("frame read failed")
			}
			s.logger.Debug().Uint64("frames", frames).Msg("source drained")
			return
		}
		if err = s.track.WriteSample(media.Sample{Data: frame, Duration: dur}); err != nil {
			s.logger.Debug().Err(err).Msg("sample dropped")
			continue
		}
		frames++
	}
}

func (s *IVFSource) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// Done is closed when the file is drained or the source is closed.
func (s *IVFSource) Done() <-chan struct{} {
	return s.done
}

func (s *IVFSource) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.logger.Info().Msg("capture released")
	})
	return nil
}
