// Package viewer negotiates a receive-only media session with the broadcaster of a room.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/adwski/webrtc-broadcast/peer/negotiation"
	"github.com/adwski/webrtc-broadcast/peer/render"
	"github.com/adwski/webrtc-broadcast/peer/signaling"
	"github.com/adwski/webrtc-broadcast/peer/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrBroadcasterMismatch = errors.New("answer came from a peer other than the room broadcaster")
	ErrInvalidRoom         = errors.New("invalid room code")
	ErrAlreadyJoined       = errors.New("already joined another room")
	ErrNotJoined           = errors.New("not joined")
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
		Sink     render.Sink
		Username string

		NegotiationTimeout time.Duration
		// OnStatus is called on every status change. Failures carry the cause.
		OnStatus func(status Status, err error)
	}

	Agent struct {
		logger   zerolog.Logger
		sig      Signaler
		peers    PeerFactory
		sink     render.Sink
		username string
		timeout  time.Duration
		onStatus func(Status, error)

		ctx    context.Context
		cancel context.CancelFunc

		// mx is never held while submitting to a session.
		mx          sync.Mutex
		room        string
		broadcaster string
		sess        *session
		// joining is set while Join is between claiming the room and installing its session.
		joining bool
		status  Status
	}

	session struct {
		s    *negotiation.Session
		peer transport.Peer
		// remoteFailed is set when the broadcaster reported the failure itself.
		remoteFailed atomic.Bool
	}
)

func NewAgent(cfg Config) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		logger:   cfg.Logger.With().Str("component", "viewer").Logger(),
		sig:      cfg.Signaler,
		peers:    cfg.Peers,
		sink:     cfg.Sink,
		username: cfg.Username,
		timeout:  cfg.NegotiationTimeout,
		onStatus: cfg.OnStatus,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AutoJoin joins the room named by a join link or a bare room code.
func (a *Agent) AutoJoin(ctx context.Context, link string) error {
	code, err := model.ParseJoinLink(link)
	if err != nil {
		return err
	}
	return a.Join(ctx, code)
}

// Join enters room and starts negotiating without waiting for the broadcaster
// identity. Joining the same room again while a session is live does nothing.
func (a *Agent) Join(ctx context.Context, room string) error {
	room = model.NormalizeRoomCode(room)
	if !model.ValidRoomCode(room) {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}

	a.mx.Lock()
	switch {
	case a.room == room && (a.joining || (a.sess != nil && !a.sess.s.State().Terminal())):
		a.mx.Unlock()
		return nil
	case a.room != "" && a.room != room:
		current := a.room
		a.mx.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, current)
	}
	member := a.room == room
	a.room = room
	a.broadcaster = ""
	a.joining = true
	a.mx.Unlock()
	defer func() {
		a.mx.Lock()
		a.joining = false
		a.mx.Unlock()
	}()

	a.setStatus(StatusJoining, nil)
	if !member {
		if err := a.sig.Send(ctx, model.Announcement{
			Type:     model.AnnouncementTypeJoin,
			Room:     room,
			Username: a.username,
		}); err != nil {
			return err
		}
	}
	if err := a.sig.Send(ctx, model.Announcement{
		Type: model.AnnouncementTypeGetBroadcaster,
		Room: room,
	}); err != nil {
		return err
	}
	return a.negotiate()
}

// negotiate replaces the current session with a fresh one and sends its offer.
func (a *Agent) negotiate() error {
	peer, err := a.peers.NewPeer()
	if err != nil {
		a.setStatus(StatusFailed, err)
		return err
	}
	sess := a.newSession(peer)

	a.mx.Lock()
	old := a.sess
	a.sess = sess
	a.mx.Unlock()

	if old != nil {
		old.s.Close()
	}
	a.setStatus(StatusConnecting, nil)
	go sess.s.Run(a.ctx)
	sess.s.Exec(a.offerOp(peer))
	return nil
}

func (a *Agent) newSession(peer transport.Peer) *session {
	sess := &session{peer: peer}
	sess.s = negotiation.NewSession(negotiation.SessionConfig{
		Logger:    &a.logger,
		Transport: &transport.SessionTransport{Peer: peer, Send: a.sendCandidate},
		Timeout:   a.timeout,
		OnState: func(state negotiation.State, err error) {
			a.sessionStateChanged(sess, state, err)
		},
	})
	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		sess.s.Submit(negotiation.Message{Input: negotiation.InputLocalCandidate, Candidate: c})
	})
	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			sess.s.Submit(negotiation.Message{Input: negotiation.InputConnected})
		case webrtc.PeerConnectionStateFailed:
			sess.s.Fail(negotiation.ErrConnectivityFailed)
		default:
		}
	})
	peer.OnTrack(func(track *webrtc.TrackRemote) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			if err := peer.RequestKeyframe(track.SSRC()); err != nil {
				a.logger.Debug().Err(err).Msg("keyframe request failed")
			}
		}
		a.render(track)
	})
	return sess
}

func (a *Agent) render(track render.Track) {
	if a.sink == nil {
		return
	}
	go func() {
		if err := a.sink.Render(a.ctx, track); err != nil {
			a.logger.Error().Err(err).Str("track", track.ID()).Msg("render failed")
		}
	}()
}

func (a *Agent) offerOp(peer transport.Peer) negotiation.Op {
	return func(ctx context.Context, st negotiation.Stepper) error {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if err := peer.AddTransceiver(kind, webrtc.RTPTransceiverDirectionRecvonly); err != nil {
				return errors.Join(negotiation.ErrDescriptionRejected, err)
			}
		}
		offer, err := peer.CreateOffer()
		if err != nil {
			return errors.Join(negotiation.ErrDescriptionRejected, err)
		}
		if err = st.Step(negotiation.Message{Input: negotiation.InputLocalDescriptionSet}); err != nil {
			return err
		}
		// unaddressed, the relay resolves the room broadcaster
		ann, err := signaling.NewSignal(a.Room(), "", model.SignalOffer, offer)
		if err != nil {
			return err
		}
		if err = a.sig.Send(ctx, ann); err != nil {
			return err
		}
		return st.Step(negotiation.Message{Input: negotiation.InputOfferSent})
	}
}

func (a *Agent) answerOp(from string, answer webrtc.SessionDescription, peer transport.Peer) negotiation.Op {
	return func(_ context.Context, st negotiation.Stepper) error {
		if m := st.Machine(); m.State != negotiation.StateAwaitingRemoteAnswer || m.RemoteDescription {
			a.logger.Debug().Str("from", from).Stringer("state", m.State).Msg("unexpected answer dropped")
			return nil
		}
		if expected := a.expectedBroadcaster(); expected != "" && expected != from {
			return fmt.Errorf("%w: expected %s, got %s", ErrBroadcasterMismatch, expected, from)
		}
		if err := peer.SetRemoteDescription(answer); err != nil {
			return errors.Join(negotiation.ErrDescriptionRejected, err)
		}
		if err := st.Step(negotiation.Message{Input: negotiation.InputRemoteDescriptionSet}); err != nil {
			return err
		}
		return st.Step(negotiation.Message{Input: negotiation.InputPeerResolved, Peer: from})
	}
}

func (a *Agent) sendCandidate(ctx context.Context, peer string, c webrtc.ICECandidateInit) error {
	ann, err := signaling.NewSignal(a.Room(), peer, model.SignalICECandidate, c)
	if err != nil {
		return err
	}
	return a.sig.Send(ctx, ann)
}

// sessionStateChanged runs inside the session goroutine.
func (a *Agent) sessionStateChanged(sess *session, state negotiation.State, err error) {
	if !a.isCurrent(sess) {
		return
	}
	switch state {
	case negotiation.StateConnected:
		a.setStatus(StatusConnected, nil)
	case negotiation.StateFailed:
		a.logger.Warn().Err(err).Msg("session failed")
		if peer := sess.s.Machine().Peer; peer != "" && !sess.remoteFailed.Load() {
			a.notifyFailed(peer, err)
		}
		a.setStatus(StatusFailed, err)
	default:
	}
}

func (a *Agent) notifyFailed(peer string, err error) {
	if sErr := a.sig.Send(a.ctx, model.Announcement{
		Type:  model.AnnouncementTypeSessionFailed,
		Room:  a.Room(),
		DST:   peer,
		Code:  negotiation.ErrorCode(err),
		Error: err.Error(),
	}); sErr != nil {
		a.logger.Debug().Err(sErr).Msg("cannot send failure notice")
	}
}

// Handle processes one announcement from the signaling channel.
func (a *Agent) Handle(ctx context.Context, ann model.Announcement) {
	switch ann.Type {
	case model.AnnouncementTypeSignal:
		a.handleSignal(ann)
	case model.AnnouncementTypeBroadcasterID:
		a.broadcasterResolved(ann.BroadcasterID)
	case model.AnnouncementTypeRoomJoined:
		if ann.BroadcasterID != "" {
			a.broadcasterResolved(ann.BroadcasterID)
		}
	case model.AnnouncementTypeBroadcasterReplaced, model.AnnouncementTypeBroadcasterReady:
		a.renegotiate(ann)
	case model.AnnouncementTypeBroadcasterLeft:
		a.broadcasterGone()
	case model.AnnouncementTypeSessionFailed:
		a.remoteFailure(ann)
	case model.AnnouncementTypeError:
		a.handleError(ann)
	default:
		a.logger.Debug().Str("type", ann.Type).Msg("announcement ignored")
	}
}

func (a *Agent) handleSignal(ann model.Announcement) {
	sess := a.current()
	if sess == nil {
		a.logger.Debug().Str("signal", ann.Signal).Msg("signal without session dropped")
		return
	}
	switch ann.Signal {
	case model.SignalAnswer:
		var desc webrtc.SessionDescription
		if err := signaling.Decode(ann, &desc); err != nil {
			sess.s.Fail(errors.Join(negotiation.ErrDescriptionRejected, err))
			return
		}
		sess.s.Exec(a.answerOp(ann.SRC, desc, sess.peer))
	case model.SignalICECandidate:
		if expected := a.expectedBroadcaster(); expected != "" && expected != ann.SRC {
			a.logger.Debug().Str("from", ann.SRC).Msg("candidate from unknown peer dropped")
			return
		}
		var c webrtc.ICECandidateInit
		if err := signaling.Decode(ann, &c); err != nil {
			a.logger.Warn().Err(err).Msg("bad candidate")
			return
		}
		sess.s.Submit(negotiation.Message{Input: negotiation.InputRemoteCandidate, Candidate: c})
	default:
		a.logger.Debug().Str("signal", ann.Signal).Msg("unexpected signal")
	}
}

// broadcasterResolved records the room broadcaster and rejects a session
// already resolved to someone else.
func (a *Agent) broadcasterResolved(id string) {
	a.mx.Lock()
	a.broadcaster = id
	sess := a.sess
	a.mx.Unlock()
	if sess == nil {
		return
	}
	sess.s.Exec(func(_ context.Context, st negotiation.Stepper) error {
		if peer := st.Machine().Peer; peer != "" && peer != id {
			return fmt.Errorf("%w: expected %s, got %s", ErrBroadcasterMismatch, id, peer)
		}
		return nil
	})
}

func (a *Agent) renegotiate(ann model.Announcement) {
	a.mx.Lock()
	room := a.room
	a.broadcaster = ann.BroadcasterID
	a.mx.Unlock()
	if room == "" {
		return
	}
	a.logger.Info().
		Str("type", ann.Type).
		Str("broadcaster", ann.BroadcasterID).
		Msg("broadcaster changed, negotiating again")
	if err := a.negotiate(); err != nil {
		a.logger.Error().Err(err).Msg("renegotiation failed")
	}
}

func (a *Agent) broadcasterGone() {
	a.mx.Lock()
	sess := a.sess
	a.sess = nil
	a.broadcaster = ""
	a.mx.Unlock()
	if sess != nil {
		sess.s.Close()
	}
	a.setStatus(StatusBroadcasterLeft, nil)
}

func (a *Agent) remoteFailure(ann model.Announcement) {
	err := negotiation.ErrorFromCode(ann.Code, ann.Error)
	sess := a.current()
	if sess == nil {
		return
	}
	if expected := a.expectedBroadcaster(); expected != "" && expected != ann.SRC {
		return
	}
	sess.remoteFailed.Store(true)
	sess.s.Fail(err)
}

func (a *Agent) handleError(ann model.Announcement) {
	err := ann.Err()
	if ann.Code == model.CodeNoBroadcaster {
		if ann.Signal == model.SignalOffer {
			// the offer was not delivered; wait for broadcaster_ready
			a.mx.Lock()
			sess := a.sess
			a.sess = nil
			a.mx.Unlock()
			if sess != nil {
				sess.s.Close()
			}
		}
		a.setStatus(StatusWaiting, err)
		return
	}
	a.logger.Warn().
		Str("signal", ann.Signal).
		Str("code", string(ann.Code)).
		Str("error", ann.Error).
		Msg("signaling error")
	if ann.Signal != "" {
		if sess := a.current(); sess != nil {
			sess.s.Fail(err)
		}
	}
}

// Leave closes the session and leaves the room.
func (a *Agent) Leave(ctx context.Context) error {
	a.mx.Lock()
	room := a.room
	sess := a.sess
	a.room = ""
	a.broadcaster = ""
	a.sess = nil
	a.mx.Unlock()

	if room == "" {
		return ErrNotJoined
	}
	if sess != nil {
		sess.s.Close()
	}
	err := a.sig.Send(ctx, model.Announcement{Type: model.AnnouncementTypeLeave, Room: room})
	a.setStatus(StatusLeft, nil)
	return err
}

// Close leaves the room if joined and stops rendering.
func (a *Agent) Close(ctx context.Context) error {
	err := a.Leave(ctx)
	a.cancel()
	if errors.Is(err, ErrNotJoined) {
		return nil
	}
	return err
}

func (a *Agent) current() *session {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.sess
}

func (a *Agent) isCurrent(sess *session) bool {
	return a.current() == sess
}

func (a *Agent) expectedBroadcaster() string {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.broadcaster
}

func (a *Agent) Room() string {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.room
}

// State returns the negotiation state of the current session.
func (a *Agent) State() (negotiation.State, bool) {
	sess := a.current()
	if sess == nil {
		return negotiation.StateNew, false
	}
	return sess.s.State(), true
}

func (a *Agent) Status() Status {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.status
}

func (a *Agent) setStatus(status Status, err error) {
	a.mx.Lock()
	changed := a.status != status
	a.status = status
	a.mx.Unlock()
	if !changed && err == nil {
		return
	}
	a.logger.Debug().Stringer("status", status).AnErr("cause", err).Msg("status changed")
	if a.onStatus != nil {
		a.onStatus(status, err)
	}
}
