package viewer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/adwski/webrtc-broadcast/peer/negotiation"
	"github.com/adwski/webrtc-broadcast/peer/signaling"
	"github.com/adwski/webrtc-broadcast/peer/transport"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type fakeSignaler struct {
	mx     sync.Mutex
	sent   []model.Announcement
	onSend func(ann model.Announcement)
}

func (fs *fakeSignaler) ID() string { return "v1" }

func (fs *fakeSignaler) Send(_ context.Context, ann model.Announcement) error {
	fs.mx.Lock()
	fs.sent = append(fs.sent, ann)
	onSend := fs.onSend
	fs.mx.Unlock()
	if onSend != nil {
		onSend(ann)
	}
	return nil
}

func (fs *fakeSignaler) all() []model.Announcement {
	fs.mx.Lock()
	defer fs.mx.Unlock()
	return append([]model.Announcement(nil), fs.sent...)
}

func (fs *fakeSignaler) ofType(typ string) []model.Announcement {
	var out []model.Announcement
	for _, ann := range fs.all() {
		if ann.Type == typ {
			out = append(out, ann)
		}
	}
	return out
}

func (fs *fakeSignaler) signals(kind string) []model.Announcement {
	var out []model.Announcement
	for _, ann := range fs.ofType(model.AnnouncementTypeSignal) {
		if ann.Signal == kind {
			out = append(out, ann)
		}
	}
	return out
}

type fakePeer struct {
	mx      sync.Mutex
	events  []string
	remote  bool
	closed  bool
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

func (fp *fakePeer) record(ev string) {
	fp.mx.Lock()
	fp.events = append(fp.events, ev)
	fp.mx.Unlock()
}

func (fp *fakePeer) SetRemoteDescription(webrtc.SessionDescription) error {
	fp.mx.Lock()
	fp.remote = true
	fp.mx.Unlock()
	fp.record("remote")
	return nil
}

func (fp *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	fp.record("offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (fp *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, errors.New("not an answerer")
}

func (fp *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	fp.mx.Lock()
	remote := fp.remote
	fp.mx.Unlock()
	if !remote {
		return errors.New("candidate before remote description")
	}
	fp.record("candidate:" + c.Candidate)
	return nil
}

func (fp *fakePeer) AddTrack(webrtc.TrackLocal) error {
	return errors.New("receive only")
}

func (fp *fakePeer) AddTransceiver(kind webrtc.RTPCodecType, _ webrtc.RTPTransceiverDirection) error {
	fp.record("transceiver:" + kind.String())
	return nil
}

func (fp *fakePeer) RequestKeyframe(webrtc.SSRC) error { return nil }

func (fp *fakePeer) OnICECandidate(fn func(c webrtc.ICECandidateInit)) {
	fp.mx.Lock()
	fp.onICE = fn
	fp.mx.Unlock()
}

func (fp *fakePeer) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	fp.mx.Lock()
	fp.onState = fn
	fp.mx.Unlock()
}

func (fp *fakePeer) OnTrack(func(track *webrtc.TrackRemote)) {}

func (fp *fakePeer) Close() error {
	fp.mx.Lock()
	fp.closed = true
	fp.mx.Unlock()
	return nil
}

func (fp *fakePeer) snapshot() ([]string, bool) {
	fp.mx.Lock()
	defer fp.mx.Unlock()
	return append([]string(nil), fp.events...), fp.closed
}

func (fp *fakePeer) isClosed() bool {
	_, closed := fp.snapshot()
	return closed
}

func (fp *fakePeer) gather(candidate string) {
	fp.mx.Lock()
	fn := fp.onICE
	fp.mx.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: candidate})
}

func (fp *fakePeer) setState(state webrtc.PeerConnectionState) {
	fp.mx.Lock()
	fn := fp.onState
	fp.mx.Unlock()
	fn(state)
}

type fakeFactory struct {
	mx    sync.Mutex
	peers []*fakePeer
}

func (ff *fakeFactory) NewPeer() (transport.Peer, error) {
	ff.mx.Lock()
	defer ff.mx.Unlock()
	p := &fakePeer{}
	ff.peers = append(ff.peers, p)
	return p, nil
}

func (ff *fakeFactory) all() []*fakePeer {
	ff.mx.Lock()
	defer ff.mx.Unlock()
	return append([]*fakePeer(nil), ff.peers...)
}

type statusEvent struct {
	status Status
	err    error
}

type harness struct {
	agent   *Agent
	sig     *fakeSignaler
	factory *fakeFactory

	mx       sync.Mutex
	statuses []statusEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{sig: &fakeSignaler{}, factory: &fakeFactory{}}
	h.agent = NewAgent(Config{
		Logger:   &logger,
		Signaler: h.sig,
		Peers:    h.factory,
		Username: "bob",
		OnStatus: func(status Status, err error) {
			h.mx.Lock()
			h.statuses = append(h.statuses, statusEvent{status: status, err: err})
			h.mx.Unlock()
		},
	})
	t.Cleanup(func() {
		_ = h.agent.Close(context.Background())
	})
	return h
}

func (h *harness) last() statusEvent {
	h.mx.Lock()
	defer h.mx.Unlock()
	if len(h.statuses) == 0 {
		return statusEvent{}
	}
	return h.statuses[len(h.statuses)-1]
}

func (h *harness) waitStatus(t *testing.T, status Status) statusEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.last().status == status
	}, waitFor, 10*time.Millisecond)
	return h.last()
}

func (h *harness) waitOffers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.sig.signals(model.SignalOffer)) == n
	}, waitFor, 10*time.Millisecond)
}

// join enters ABC123 and waits for the offer to leave.
func (h *harness) join(t *testing.T) *fakePeer {
	t.Helper()
	require.NoError(t, h.agent.Join(context.Background(), "ABC123"))
	h.waitOffers(t, 1)
	return h.factory.all()[0]
}

func (h *harness) answer(t *testing.T, from string) {
	t.Helper()
	ann, err := signaling.NewSignal("ABC123", "v1", model.SignalAnswer,
		webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"})
	require.NoError(t, err)
	ann.SRC = from
	h.agent.Handle(context.Background(), ann)
}

func (h *harness) remoteCandidate(t *testing.T, from, candidate string) {
	t.Helper()
	ann, err := signaling.NewSignal("ABC123", "v1", model.SignalICECandidate,
		webrtc.ICECandidateInit{Candidate: candidate})
	require.NoError(t, err)
	ann.SRC = from
	h.agent.Handle(context.Background(), ann)
}

func (h *harness) waitResolved(t *testing.T, peer string) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess := h.agent.current()
		return sess != nil && sess.s.Machine().Peer == peer
	}, waitFor, 10*time.Millisecond)
}

func TestAgent_JoinLinkSendsOneOffer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.agent.AutoJoin(context.Background(), "https://watch.example.com/join/abc123"))
	h.waitOffers(t, 1)

	sent := h.sig.all()
	require.Len(t, sent, 3)
	assert.Equal(t, model.AnnouncementTypeJoin, sent[0].Type)
	assert.Equal(t, "bob", sent[0].Username)
	assert.Equal(t, model.AnnouncementTypeGetBroadcaster, sent[1].Type)

	offer := sent[2]
	assert.Equal(t, "ABC123", offer.Room)
	assert.Empty(t, offer.DST, "offer must be left for the relay to route")
	var desc webrtc.SessionDescription
	require.NoError(t, signaling.Decode(offer, &desc))
	assert.Equal(t, "offer", desc.SDP)

	events, _ := h.factory.all()[0].snapshot()
	assert.Equal(t, []string{"transceiver:video", "transceiver:audio", "offer"}, events)
	assert.Equal(t, StatusConnecting, h.agent.Status())
	assert.Equal(t, "ABC123", h.agent.Room())
}

func TestAgent_JoinIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.join(t)

	require.NoError(t, h.agent.Join(context.Background(), "abc123"))
	assert.ErrorIs(t, h.agent.Join(context.Background(), "XYZ999"), ErrAlreadyJoined)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.sig.ofType(model.AnnouncementTypeJoin), 1)
	assert.Len(t, h.sig.signals(model.SignalOffer), 1)
	assert.Len(t, h.factory.all(), 1)
}

func TestAgent_ConcurrentAutoJoin(t *testing.T) {
	h := newHarness(t)

	// hold the first join inside Send so the second call overlaps it
	joinSent := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.sig.mx.Lock()
	h.sig.onSend = func(ann model.Announcement) {
		if ann.Type != model.AnnouncementTypeJoin {
			return
		}
		once.Do(func() {
			close(joinSent)
			<-release
		})
	}
	h.sig.mx.Unlock()

	const link = "https://watch.example.com/join/ABC123"
	firstErr := make(chan error, 1)
	go func() { firstErr <- h.agent.AutoJoin(context.Background(), link) }()

	select {
	case <-joinSent:
	case <-time.After(waitFor):
		t.Fatal("join was not sent")
	}
	require.NoError(t, h.agent.AutoJoin(context.Background(), link))
	close(release)
	require.NoError(t, <-firstErr)

	h.waitOffers(t, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.sig.ofType(model.AnnouncementTypeJoin), 1)
	assert.Len(t, h.sig.ofType(model.AnnouncementTypeGetBroadcaster), 1)
	assert.Len(t, h.sig.signals(model.SignalOffer), 1)
	assert.Len(t, h.factory.all(), 1)
}

func TestAgent_InvalidRoom(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.agent.AutoJoin(context.Background(), "https://watch.example.com/rooms"), model.ErrInvalidJoinLink)
	assert.ErrorIs(t, h.agent.Join(context.Background(), "AB-12"), ErrInvalidRoom)
	assert.Empty(t, h.sig.all())
	assert.Empty(t, h.factory.all())
}

func TestAgent_CandidatesFollowAnswer(t *testing.T) {
	h := newHarness(t)
	peer := h.join(t)

	peer.gather("l1")
	peer.gather("l2")
	h.remoteCandidate(t, "b1", "r1")
	h.answer(t, "b1")
	h.remoteCandidate(t, "b1", "r2")

	require.Eventually(t, func() bool {
		return len(h.sig.signals(model.SignalICECandidate)) == 2
	}, waitFor, 10*time.Millisecond)

	var got []string
	for _, ann := range h.sig.signals(model.SignalICECandidate) {
		assert.Equal(t, "b1", ann.DST)
		var c webrtc.ICECandidateInit
		require.NoError(t, signaling.Decode(ann, &c))
		got = append(got, c.Candidate)
	}
	assert.Equal(t, []string{"l1", "l2"}, got)

	require.Eventually(t, func() bool {
		events, _ := peer.snapshot()
		return len(events) == 6
	}, waitFor, 10*time.Millisecond)
	events, _ := peer.snapshot()
	assert.Equal(t, []string{"remote", "candidate:r1", "candidate:r2"}, events[3:])

	peer.setState(webrtc.PeerConnectionStateConnected)
	h.waitStatus(t, StatusConnected)
	state, ok := h.agent.State()
	require.True(t, ok)
	assert.Equal(t, negotiation.StateConnected, state)
}

func TestAgent_AnswerFromWrongBroadcaster(t *testing.T) {
	h := newHarness(t)
	peer := h.join(t)

	h.agent.Handle(context.Background(), model.Announcement{
		Type:          model.AnnouncementTypeBroadcasterID,
		Room:          "ABC123",
		BroadcasterID: "b1",
	})
	h.answer(t, "b2")

	ev := h.waitStatus(t, StatusFailed)
	assert.ErrorIs(t, ev.err, ErrBroadcasterMismatch)
	assert.True(t, peer.isClosed())
	events, _ := peer.snapshot()
	assert.NotContains(t, events, "remote")
	assert.Empty(t, h.sig.ofType(model.AnnouncementTypeSessionFailed))
}

func TestAgent_BroadcasterIDAfterAnswer(t *testing.T) {
	h := newHarness(t)
	peer := h.join(t)

	h.answer(t, "b1")
	h.waitResolved(t, "b1")
	h.agent.Handle(context.Background(), model.Announcement{
		Type:          model.AnnouncementTypeBroadcasterID,
		Room:          "ABC123",
		BroadcasterID: "b2",
	})

	ev := h.waitStatus(t, StatusFailed)
	assert.ErrorIs(t, ev.err, ErrBroadcasterMismatch)
	assert.True(t, peer.isClosed())

	notices := h.sig.ofType(model.AnnouncementTypeSessionFailed)
	require.Len(t, notices, 1)
	assert.Equal(t, "b1", notices[0].DST)
}

func TestAgent_LocalFailureNotifiesBroadcaster(t *testing.T) {
	h := newHarness(t)
	peer := h.join(t)
	h.answer(t, "b1")
	h.waitResolved(t, "b1")

	peer.setState(webrtc.PeerConnectionStateFailed)
	ev := h.waitStatus(t, StatusFailed)
	assert.ErrorIs(t, ev.err, negotiation.ErrConnectivityFailed)

	notices := h.sig.ofType(model.AnnouncementTypeSessionFailed)
	require.Len(t, notices, 1)
	assert.Equal(t, "b1", notices[0].DST)
	assert.Equal(t, model.CodeConnectivityFailed, notices[0].Code)
}

func TestAgent_RemoteFailureNotEchoed(t *testing.T) {
	h := newHarness(t)
	peer := h.join(t)
	h.answer(t, "b1")
	h.waitResolved(t, "b1")

	h.agent.Handle(context.Background(), model.Announcement{
		Type:  model.AnnouncementTypeSessionFailed,
		SRC:   "b1",
		Room:  "ABC123",
		Code:  model.CodeTimeout,
		Error: "negotiation timed out",
	})

	ev := h.waitStatus(t, StatusFailed)
	assert.ErrorIs(t, ev.err, negotiation.ErrTimeout)
	assert.True(t, peer.isClosed())
	assert.Empty(t, h.sig.ofType(model.AnnouncementTypeSessionFailed))
}

func TestAgent_BroadcasterReplaced(t *testing.T) {
	h := newHarness(t)
	first := h.join(t)
	h.answer(t, "b1")
	h.waitResolved(t, "b1")

	h.agent.Handle(context.Background(), model.Announcement{
		Type:          model.AnnouncementTypeBroadcasterReplaced,
		Room:          "ABC123",
		BroadcasterID: "b2",
	})
	h.waitOffers(t, 2)
	assert.True(t, first.isClosed())
	require.Len(t, h.factory.all(), 2)

	// the new session only accepts the replacement
	h.answer(t, "b1")
	ev := h.waitStatus(t, StatusFailed)
	assert.ErrorIs(t, ev.err, ErrBroadcasterMismatch)
}

func TestAgent_BroadcasterLeft(t *testing.T) {
	h := newHarness(t)
	peer := h.join(t)
	h.answer(t, "b1")

	h.agent.Handle(context.Background(), model.Announcement{
		Type: model.AnnouncementTypeBroadcasterLeft,
		Room: "ABC123",
	})
	h.waitStatus(t, StatusBroadcasterLeft)
	assert.True(t, peer.isClosed())
	_, ok := h.agent.State()
	assert.False(t, ok)
	assert.Equal(t, "ABC123", h.agent.Room())
}

func TestAgent_WaitForBroadcaster(t *testing.T) {
	h := newHarness(t)
	first := h.join(t)

	h.agent.Handle(context.Background(), model.Announcement{
		Type:   model.AnnouncementTypeError,
		Room:   "ABC123",
		Signal: model.SignalOffer,
		Code:   model.CodeNoBroadcaster,
		Error:  "room has no broadcaster",
	})
	ev := h.waitStatus(t, StatusWaiting)
	assert.ErrorIs(t, ev.err, &model.RemoteError{Code: model.CodeNoBroadcaster})
	assert.True(t, first.isClosed())

	h.agent.Handle(context.Background(), model.Announcement{
		Type:          model.AnnouncementTypeBroadcasterReady,
		Room:          "ABC123",
		BroadcasterID: "b1",
	})
	h.waitOffers(t, 2)
	assert.Equal(t, StatusConnecting, h.agent.Status())
	assert.Len(t, h.sig.ofType(model.AnnouncementTypeJoin), 1)
}

func TestAgent_Leave(t *testing.T) {
	h := newHarness(t)
	peer := h.join(t)

	require.NoError(t, h.agent.Leave(context.Background()))
	assert.True(t, peer.isClosed())
	assert.Equal(t, StatusLeft, h.agent.Status())
	leaves := h.sig.ofType(model.AnnouncementTypeLeave)
	require.Len(t, leaves, 1)
	assert.Equal(t, "ABC123", leaves[0].Room)

	assert.ErrorIs(t, h.agent.Leave(context.Background()), ErrNotJoined)

	// a new room can be joined after leaving
	require.NoError(t, h.agent.Join(context.Background(), "XYZ999"))
	h.waitOffers(t, 2)
}
