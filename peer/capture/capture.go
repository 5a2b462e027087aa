// Package capture provides media sources for the broadcaster.
package capture

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrSourceNotFound   = errors.New("capture source not found")
	ErrUnsupported      = errors.New("unsupported capture source")
)

type (
	// Capturer acquires a media source. It returns ErrPermissionDenied or
	// ErrSourceNotFound when the source cannot be opened.
	Capturer interface {
		Capture(ctx context.Context) (Source, error)
	}

	// Source is a live media source. Tracks are shared by every session.
	Source interface {
		Tracks() []webrtc.TrackLocal
		Close() error
	}
)
