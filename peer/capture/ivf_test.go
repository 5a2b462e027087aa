package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIVF(t *testing.T, fourCC string, frames int) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("DKIF")
	_ = binary.Write(&buf, binary.LittleEndian, uint16(0))  // version
	_ = binary.Write(&buf, binary.LittleEndian, uint16(32)) // header size
	buf.WriteString(fourCC)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(320))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(240))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(1000)) // timebase denominator
	_ = binary.Write(&buf, binary.LittleEndian, uint32(1))    // timebase numerator
	_ = binary.Write(&buf, binary.LittleEndian, uint32(frames))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	for i := range frames {
		payload := []byte{0x10, byte(i), 0xAA, 0xBB}
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(payload)))
		_ = binary.Write(&buf, binary.LittleEndian, uint64(i))
		buf.Write(payload)
	}
	path := filepath.Join(t.TempDir(), "source.ivf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func newCapturer(path string, loop bool) *FileCapturer {
	logger := zerolog.Nop()
	return NewFileCapturer(FileConfig{Logger: &logger, Path: path, Loop: loop})
}

func TestFileCapturer_Drain(t *testing.T) {
	src, err := newCapturer(writeIVF(t, "VP80", 5), false).Capture(context.Background())
	require.NoError(t, err)

	tracks := src.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[0].Kind())
	assert.Equal(t, "broadcast", tracks[0].StreamID())

	ivf, ok := src.(*IVFSource)
	require.True(t, ok)
	select {
	case <-ivf.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("source was not drained")
	}
	assert.NoError(t, src.Close())
}

func TestFileCapturer_LoopUntilClosed(t *testing.T) {
	src, err := newCapturer(writeIVF(t, "VP90", 2), true).Capture(context.Background())
	require.NoError(t, err)

	ivf := src.(*IVFSource)
	time.Sleep(50 * time.Millisecond)
	select {
	case <-ivf.Done():
		t.Fatal("looping source stopped early")
	default:
	}
	require.NoError(t, src.Close())
	<-ivf.Done()
	assert.NoError(t, src.Close())
}

func TestFileCapturer_Errors(t *testing.T) {
	_, err := newCapturer(filepath.Join(t.TempDir(), "missing.ivf"), false).Capture(context.Background())
	assert.ErrorIs(t, err, ErrSourceNotFound)

	_, err = newCapturer(writeIVF(t, "H264", 1), false).Capture(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)

	garbage := filepath.Join(t.TempDir(), "garbage.ivf")
	require.NoError(t, os.WriteFile(garbage, []byte("not an ivf file at all, definitely not"), 0o600))
	_, err = newCapturer(garbage, false).Capture(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}
