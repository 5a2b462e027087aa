// Package broadcaster manages one negotiation session per viewer for a broadcasting peer.
package broadcaster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/adwski/webrtc-broadcast/peer/capture"
	"github.com/adwski/webrtc-broadcast/peer/negotiation"
	"github.com/adwski/webrtc-broadcast/peer/signaling"
	"github.com/adwski/webrtc-broadcast/peer/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultCreateAttempts = 5
	defaultCreateTimeout  = 10 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("broadcast already started")
	ErrStopped        = errors.New("broadcast stopped")
	ErrCreateRoom     = errors.New("unable to create room")
	ErrCapture        = errors.New("unable to capture media")
	ErrReplaced       = errors.New("replaced by another broadcaster")
)

type (
	Signaler interface {
		ID() string
		Send(ctx context.Context, ann model.Announcement) error
	}

	PeerFactory interface {
		NewPeer() (transport.Peer, error)
	}

	Config struct {
		Logger   *zerolog.Logger
		Signaler Signaler
		Peers    PeerFactory
		Capturer capture.Capturer
		Username string
		// RoomID is a proposed room code. When empty a random code is generated
		// and regenerated on collision.
		RoomID string
		// Claim takes over an existing room named by RoomID with start_broadcast
		// instead of creating a new one.
		Claim              bool
		CreateAttempts     int
		CreateTimeout      time.Duration
		NegotiationTimeout time.Duration
		// OnSessionState observes every viewer session state change.
		OnSessionState func(viewer string, state negotiation.State, err error)
	}

	Manager struct {
		logger         zerolog.Logger
		sig            Signaler
		peers          PeerFactory
		capturer       capture.Capturer
		username       string
		proposedRoom   string
		claim          bool
		createAttempts int
		createTimeout  time.Duration
		timeout        time.Duration
		onSessionState func(string, negotiation.State, error)

		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}

		created chan model.Announcement
		// room is read from session goroutines, which never take mx.
		room atomic.Value

		mx       sync.Mutex
		source   capture.Source
		sessions map[string]*viewerSession
		held     []*viewerSession
		// captureErr rejects offers once the media source has failed.
		captureErr error
		creating   bool
		started    bool
		stopping   bool
		err        error
	}

	viewerSession struct {
		viewer string
		s      *negotiation.Session
		peer   transport.Peer
		offer  webrtc.SessionDescription
		// attached is only touched inside the session goroutine.
		attached map[string]struct{}
	}
)

func NewManager(cfg Config) *Manager {
	attempts := cfg.CreateAttempts
	if attempts <= 0 {
		attempts = defaultCreateAttempts
	}
	createTimeout := cfg.CreateTimeout
	if createTimeout <= 0 {
		createTimeout = defaultCreateTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:         cfg.Logger.With().Str("component", "broadcaster").Logger(),
		sig:            cfg.Signaler,
		peers:          cfg.Peers,
		capturer:       cfg.Capturer,
		username:       cfg.Username,
		proposedRoom:   model.NormalizeRoomCode(cfg.RoomID),
		claim:          cfg.Claim && cfg.RoomID != "",
		createAttempts: attempts,
		createTimeout:  createTimeout,
		timeout:        cfg.NegotiationTimeout,
		onSessionState: cfg.OnSessionState,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		created:        make(chan model.Announcement, 1),
		sessions:       make(map[string]*viewerSession),
	}
}

// Start creates the room and then acquires the media source. Offers arriving
// before the source is ready are held and answered once it is.
func (m *Manager) Start(ctx context.Context) error {
	m.mx.Lock()
	if m.started {
		m.mx.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mx.Unlock()

	room, err := m.createRoom(ctx)
	if err != nil {
		return errors.Join(ErrCreateRoom, err)
	}
	m.logger.Info().Str("roomID", room).Msg("room created")

	src, err := m.capturer.Capture(ctx)
	if err != nil {
		m.mx.Lock()
		m.captureErr = err
		m.mx.Unlock()
		m.failHeld(err)
		return errors.Join(ErrCapture, err)
	}

	m.mx.Lock()
	if m.stopping {
		m.mx.Unlock()
		_ = src.Close()
		return ErrStopped
	}
	m.source = src
	held := m.held
	m.held = nil
	m.mx.Unlock()

	m.logger.Debug().Int("held", len(held)).Msg("media source ready")
	for _, vs := range held {
		vs.s.Exec(m.answerOp(vs, src))
	}
	return nil
}

func (m *Manager) createRoom(ctx context.Context) (string, error) {
	m.mx.Lock()
	m.creating = true
	m.mx.Unlock()
	defer func() {
		m.mx.Lock()
		m.creating = false
		m.mx.Unlock()
	}()

	typ := model.AnnouncementTypeCreateRoom
	if m.claim {
		typ = model.AnnouncementTypeStartBroadcast
	}
	var lastErr error
	for range m.createAttempts {
		code := m.proposedRoom
		if code == "" {
			var err error
			if code, err = model.GenerateRoomCode(); err != nil {
				return "", err
			}
		}
		if err := m.sig.Send(ctx, model.Announcement{
			Type:     typ,
			Room:     code,
			Username: m.username,
		}); err != nil {
			return "", err
		}

		ann, err := m.awaitCreated(ctx)
		if err != nil {
			return "", err
		}
		if ann.Type != model.AnnouncementTypeError {
			m.room.Store(ann.Room)
			return ann.Room, nil
		}
		lastErr = ann.Err()
		if ann.Code != model.CodeRoomExists || m.proposedRoom != "" {
			return "", lastErr
		}
		m.logger.Debug().Str("roomID", code).Msg("room code collision, regenerating")
	}
	return "", lastErr
}

func (m *Manager) awaitCreated(ctx context.Context) (model.Announcement, error) {
	timer := time.NewTimer(m.createTimeout)
	defer timer.Stop()
	select {
	case ann := <-m.created:
		return ann, nil
	case <-timer.C:
		return model.Announcement{}, negotiation.ErrTimeout
	case <-ctx.Done():
		return model.Announcement{}, ctx.Err()
	case <-m.done:
		return model.Announcement{}, ErrStopped
	}
}

// failHeld fails every session waiting for the media source.
func (m *Manager) failHeld(err error) {
	m.mx.Lock()
	held := m.held
	m.held = nil
	m.mx.Unlock()
	for _, vs := range held {
		vs.s.Fail(err)
	}
}

// Handle processes one announcement from the signaling channel.
func (m *Manager) Handle(ctx context.Context, ann model.Announcement) {
	switch ann.Type {
	case model.AnnouncementTypeRoomCreated, model.AnnouncementTypeRoomJoined:
		m.notifyCreated(ann)
	case model.AnnouncementTypeError:
		if ann.Signal == "" && m.notifyCreated(ann) {
			return
		}
		m.logger.Warn().
			Str("signal", ann.Signal).
			Str("code", string(ann.Code)).
			Str("error", ann.Error).
			Msg("signaling error")
	case model.AnnouncementTypeSignal:
		m.handleSignal(ctx, ann)
	case model.AnnouncementTypeJoined:
		m.logger.Info().Str("viewer", ann.SRC).Str("username", ann.Username).Msg("viewer joined")
	case model.AnnouncementTypeLeft, model.AnnouncementTypeSessionFailed:
		m.closeSession(ann.SRC)
	case model.AnnouncementTypeBroadcasterReplaced:
		if ann.BroadcasterID != "" && ann.BroadcasterID != m.sig.ID() {
			m.logger.Warn().Str("broadcaster", ann.BroadcasterID).Msg("replaced by another broadcaster")
			m.setErr(ErrReplaced)
			_ = m.Stop(ctx)
		}
	default:
		m.logger.Debug().Str("type", ann.Type).Msg("announcement ignored")
	}
}

func (m *Manager) notifyCreated(ann model.Announcement) bool {
	m.mx.Lock()
	creating := m.creating
	m.mx.Unlock()
	if !creating {
		return false
	}
	select {
	case m.created <- ann:
	default:
	}
	return true
}

func (m *Manager) handleSignal(ctx context.Context, ann model.Announcement) {
	switch ann.Signal {
	case model.SignalOffer:
		var desc webrtc.SessionDescription
		if err := signaling.Decode(ann, &desc); err != nil {
			m.logger.Warn().Err(err).Str("viewer", ann.SRC).Msg("bad offer")
			m.notifyFailed(ctx, ann.SRC, errors.Join(negotiation.ErrDescriptionRejected, err))
			return
		}
		m.handleOffer(ctx, ann.SRC, desc)
	case model.SignalICECandidate:
		var c webrtc.ICECandidateInit
		if err := signaling.Decode(ann, &c); err != nil {
			m.logger.Warn().Err(err).Str("viewer", ann.SRC).Msg("bad candidate")
			return
		}
		m.mx.Lock()
		vs, ok := m.sessions[ann.SRC]
		if ok {
			vs.s.Submit(negotiation.Message{Input: negotiation.InputRemoteCandidate, Candidate: c})
		}
		m.mx.Unlock()
		if !ok {
			m.logger.Debug().Str("viewer", ann.SRC).Msg("candidate for unknown session dropped")
		}
	default:
		m.logger.Debug().Str("signal", ann.Signal).Str("viewer", ann.SRC).Msg("unexpected signal")
	}
}

func (m *Manager) handleOffer(ctx context.Context, viewer string, offer webrtc.SessionDescription) {
	m.mx.Lock()
	if m.stopping {
		m.mx.Unlock()
		m.logger.Debug().Str("viewer", viewer).Msg("offer ignored while stopping")
		return
	}
	stale := m.sessions[viewer]
	delete(m.sessions, viewer)

	if captureErr := m.captureErr; captureErr != nil {
		m.mx.Unlock()
		m.logger.Debug().Str("viewer", viewer).Msg("offer rejected, media source unavailable")
		m.notifyFailed(ctx, viewer, captureErr)
		if stale != nil {
			stale.s.Close()
		}
		return
	}

	peer, err := m.peers.NewPeer()
	if err != nil {
		m.mx.Unlock()
		m.logger.Error().Err(err).Str("viewer", viewer).Msg("cannot create peer")
		m.notifyFailed(ctx, viewer, errors.Join(negotiation.ErrConnectivityFailed, err))
		if stale != nil {
			stale.s.Close()
		}
		return
	}
	vs := m.newSession(viewer, peer, offer)
	m.sessions[viewer] = vs
	vs.s.Submit(negotiation.Message{Input: negotiation.InputOfferReceived})
	if m.source == nil {
		m.held = append(m.held, vs)
		m.logger.Debug().Str("viewer", viewer).Msg("offer held until media source is ready")
	} else {
		vs.s.Exec(m.answerOp(vs, m.source))
	}
	m.mx.Unlock()

	if stale != nil {
		m.logger.Debug().Str("viewer", viewer).Msg("renegotiation, closing previous session")
		stale.s.Close()
	}
	go vs.s.Run(m.ctx)
	go func() {
		<-vs.s.Done()
		m.remove(vs)
	}()
}

func (m *Manager) newSession(viewer string, peer transport.Peer, offer webrtc.SessionDescription) *viewerSession {
	vs := &viewerSession{
		viewer:   viewer,
		peer:     peer,
		offer:    offer,
		attached: make(map[string]struct{}),
	}
	vs.s = negotiation.NewSession(negotiation.SessionConfig{
		Logger:    &m.logger,
		Transport: &transport.SessionTransport{Peer: peer, Send: m.sendCandidate},
		Timeout:   m.timeout,
		Peer:      viewer,
		OnState: func(state negotiation.State, err error) {
			m.sessionStateChanged(viewer, state, err)
		},
	})
	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		vs.s.Submit(negotiation.Message{Input: negotiation.InputLocalCandidate, Candidate: c})
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			vs.s.Submit(negotiation.Message{Input: negotiation.InputConnected})
		case webrtc.PeerConnectionStateFailed:
			vs.s.Fail(negotiation.ErrConnectivityFailed)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			vs.s.Submit(negotiation.Message{Input: negotiation.InputClose})
		default:
		}
	})
	return vs
}

// answerOp answers the held offer of vs with the tracks of src.
func (m *Manager) answerOp(vs *viewerSession, src capture.Source) negotiation.Op {
	return func(ctx context.Context, st negotiation.Stepper) error {
		if err := vs.peer.SetRemoteDescription(vs.offer); err != nil {
			return errors.Join(negotiation.ErrDescriptionRejected, err)
		}
		if err := st.Step(negotiation.Message{Input: negotiation.InputRemoteDescriptionSet}); err != nil {
			return err
		}
		for _, track := range src.Tracks() {
			if _, ok := vs.attached[track.ID()]; ok {
				continue
			}
			if err := vs.peer.AddTrack(track); err != nil {
				return errors.Join(negotiation.ErrDescriptionRejected, err)
			}
			vs.attached[track.ID()] = struct{}{}
		}
		answer, err := vs.peer.CreateAnswer()
		if err != nil {
			return errors.Join(negotiation.ErrDescriptionRejected, err)
		}
		if err = st.Step(negotiation.Message{Input: negotiation.InputLocalDescriptionSet}); err != nil {
			return err
		}
		ann, err := signaling.NewSignal(m.Room(), vs.viewer, model.SignalAnswer, answer)
		if err != nil {
			return err
		}
		return m.sig.Send(ctx, ann)
	}
}

func (m *Manager) sendCandidate(ctx context.Context, viewer string, c webrtc.ICECandidateInit) error {
	ann, err := signaling.NewSignal(m.Room(), viewer, model.SignalICECandidate, c)
	if err != nil {
		return err
	}
	return m.sig.Send(ctx, ann)
}

// sessionStateChanged runs inside the session goroutine and must not take m.mx.
func (m *Manager) sessionStateChanged(viewer string, state negotiation.State, err error) {
	logger := m.logger.With().Str("viewer", viewer).Stringer("state", state).Logger()
	switch state {
	case negotiation.StateFailed:
		logger.Warn().Err(err).Msg("viewer session failed")
		m.notifyFailed(m.ctx, viewer, err)
	case negotiation.StateConnected:
		logger.Info().Msg("viewer connected")
	default:
		logger.Debug().Msg("viewer session state changed")
	}
	if m.onSessionState != nil {
		m.onSessionState(viewer, state, err)
	}
}

func (m *Manager) notifyFailed(ctx context.Context, viewer string, err error) {
	code := negotiation.ErrorCode(err)
	if errors.Is(err, capture.ErrPermissionDenied) {
		code = model.CodePermissionDenied
	}
	if sErr := m.sig.Send(ctx, model.Announcement{
		Type:  model.AnnouncementTypeSessionFailed,
		Room:  m.Room(),
		DST:   viewer,
		Code:  code,
		Error: err.Error(),
	}); sErr != nil {
		m.logger.Debug().Err(sErr).Str("viewer", viewer).Msg("cannot send failure notice")
	}
}

func (m *Manager) remove(vs *viewerSession) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.sessions[vs.viewer] == vs {
		delete(m.sessions, vs.viewer)
	}
	for i, h := range m.held {
		if h == vs {
			m.held = append(m.held[:i:i], m.held[i+1:]...)
			break
		}
	}
}

func (m *Manager) closeSession(viewer string) {
	m.mx.Lock()
	vs, ok := m.sessions[viewer]
	delete(m.sessions, viewer)
	m.mx.Unlock()
	if ok {
		m.logger.Debug().Str("viewer", viewer).Msg("closing viewer session")
		vs.s.Close()
	}
}

// Stop closes every session, releases the media source and leaves the room.
// Offers arriving after Stop began are ignored.
func (m *Manager) Stop(ctx context.Context) error {
	m.mx.Lock()
	if m.stopping {
		m.mx.Unlock()
		return nil
	}
	m.stopping = true
	sessions := make([]*viewerSession, 0, len(m.sessions))
	for _, vs := range m.sessions {
		sessions = append(sessions, vs)
	}
	m.sessions = make(map[string]*viewerSession)
	m.held = nil
	src := m.source
	m.source = nil
	m.mx.Unlock()
	room := m.Room()

	for _, vs := range sessions {
		vs.s.Close()
	}
	var err error
	if src != nil {
		err = src.Close()
	}
	if room != "" {
		err = errors.Join(err, m.sig.Send(ctx, model.Announcement{
			Type: model.AnnouncementTypeLeave,
			Room: room,
		}))
	}
	m.cancel()
	close(m.done)
	m.logger.Info().Str("roomID", room).Int("sessions", len(sessions)).Msg("broadcast stopped")
	return err
}

// Done is closed once the manager is stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err reports why the manager stopped on its own, if it did.
func (m *Manager) Err() error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.err
}

func (m *Manager) setErr(err error) {
	m.mx.Lock()
	m.err = err
	m.mx.Unlock()
}

func (m *Manager) Room() string {
	room, _ := m.room.Load().(string)
	return room
}

// Sessions returns the state of every live viewer session.
func (m *Manager) Sessions() map[string]negotiation.State {
	m.mx.Lock()
	defer m.mx.Unlock()
	out := make(map[string]negotiation.State, len(m.sessions))
	for viewer, vs := range m.sessions {
		out[viewer] = vs.s.State()
	}
	return out
}
