package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second

	DefaultMaxPayloadSize = 64 * 1024
)

var (
	ErrEndpointNotFound = errors.New("endpoint is not connected")
	ErrDeadEndpoint     = errors.New("endpoint did not accept announcement in time")
	ErrAlreadyConnected = errors.New("endpoint is already connected")
)

type (
	// Handler processes announcements received from a single endpoint.
	// It is invoked sequentially per endpoint.
	Handler func(ctx context.Context, ann model.Announcement)

	Registry interface {
		LookupBroadcaster(roomID string) (string, error)
		IsMember(roomID, participantID string) bool
	}

	Config struct {
		Logger         *zerolog.Logger
		Registry       Registry
		MaxPayloadSize int
	}

	Switch struct {
		logger     zerolog.Logger
		registry   Registry
		maxPayload int
		mx         *sync.RWMutex
		fwd        map[string]model.Wire
	}
)

func NewSwitch(cfg Config) *Switch {
	maxPayload := cfg.MaxPayloadSize
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	return &Switch{
		logger:     cfg.Logger.With().Str("component", "switch").Logger(),
		registry:   cfg.Registry,
		maxPayload: maxPayload,
		mx:         &sync.RWMutex{},
		fwd:        make(map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(endpoint string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}()

	if _, ok := sw.fwd[endpoint]; !ok {
		return ErrEndpointNotFound
	}
	delete(sw.fwd, endpoint)
	return nil
}

// Connect attaches the endpoint wire. Announcements arriving on wire.RX are passed
// to handler one by one until ctx is done, so a sender's announcements are never reordered.
func (sw *Switch) Connect(ctx context.Context, endpoint string, wire model.Wire, handler Handler) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[endpoint]; ok {
		return ErrAlreadyConnected
	}
	sw.fwd[endpoint] = wire
	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint connected")

	go sw.forwardAnnouncements(ctx, endpoint, wire.RX, handler)
	return nil
}

func (sw *Switch) forwardAnnouncements(ctx context.Context, endpoint string, rx <-chan model.Announcement, handler Handler) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case ann, ok := <-rx:
			if !ok {
				break fwdLoop
			}
			if ann.SRC == "" {
				sw.logger.Error().
					Str("endpoint", endpoint).
					Msg("announcement with empty src")
				continue
			}
			if e := sw.logger.Trace(); e.Enabled() {
				e.Str("endpoint", endpoint).Str("dump", spew.Sdump(ann)).Msg("incoming announcement")
			}
			handler(ctx, ann)
		}
	}
}

// Deliver sends the announcement to ann.DST.
func (sw *Switch) Deliver(ctx context.Context, ann model.Announcement) error {
	sw.mx.RLock()
	wire, ok := sw.fwd[ann.DST]
	sw.mx.RUnlock()

	logger := sw.logger.With().
		Str("type", ann.Type).
		Str("src", ann.SRC).
		Str("dst", ann.DST).Logger()

	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		return ErrEndpointNotFound
	}
	return send(ctx, ann, wire.TX, &logger)
}

// Broadcast delivers ann to every listed endpoint except its source.
// Returns the number of endpoints reached.
func (sw *Switch) Broadcast(ctx context.Context, ann model.Announcement, endpoints []string) int {
	var sent int
	for _, dst := range endpoints {
		if dst == ann.SRC {
			continue
		}
		ann.DST = dst
		err := sw.Deliver(ctx, ann)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if err == nil {
			sent++
		}
	}
	if sent == 0 && len(endpoints) > 0 {
		sw.logger.Debug().
			Str("type", ann.Type).
			Str("src", ann.SRC).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

func send(ctx context.Context, ann model.Announcement, tx chan<- model.Announcement, logger *zerolog.Logger) error {
	tCh := time.NewTimer(defaultFwdTimout)
	defer tCh.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
		return ErrDeadEndpoint
	case tx <- ann:
		logger.Debug().Msg("announce is forwarded")
		return nil
	}
}
