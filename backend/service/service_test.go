package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/adwski/webrtc-broadcast/backend/storage/memory"
	_switch "github.com/adwski/webrtc-broadcast/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	t    *testing.T
	id   string
	wire model.Wire
}

func (p *testPeer) send(ann model.Announcement) {
	ann.SRC = p.id
	p.wire.RX <- ann
}

func (p *testPeer) expect(annType string) model.Announcement {
	p.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ann := <-p.wire.TX:
			if ann.Type == annType {
				return ann
			}
		case <-timeout:
			p.t.Fatalf("%s: no %q announcement", p.id, annType)
			return model.Announcement{}
		}
	}
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	svc   *Service
	store *memory.MemStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := zerolog.Nop()
	store := memory.NewMemStore()
	sw := _switch.NewSwitch(_switch.Config{Logger: &logger, Registry: store})
	return &fixture{
		t:     t,
		ctx:   ctx,
		store: store,
		svc: NewService(Config{
			RoomStore: store,
			Switch:    sw,
			Logger:    &logger,
		}),
	}
}

func (f *fixture) connect(id string) *testPeer {
	f.t.Helper()
	p := &testPeer{t: f.t, id: id, wire: model.Wire{
		RX: make(chan model.Announcement),
		TX: make(chan model.Announcement, 64),
	}}
	require.NoError(f.t, f.svc.CreateSignalingSession(f.ctx, id, p.wire))
	return p
}

func TestService_BroadcastFlow(t *testing.T) {
	f := newFixture(t)
	b := f.connect("b")
	v := f.connect("v")

	b.send(model.Announcement{Type: model.AnnouncementTypeCreateRoom, Room: "ABC123", Username: "Broadcaster"})
	created := b.expect(model.AnnouncementTypeRoomCreated)
	assert.Equal(t, "ABC123", created.Room)

	v.send(model.Announcement{Type: model.AnnouncementTypeJoin, Room: "ABC123", Username: "Viewer"})
	joined := v.expect(model.AnnouncementTypeRoomJoined)
	assert.Equal(t, "b", joined.BroadcasterID)
	assert.Equal(t, "v", b.expect(model.AnnouncementTypeJoined).SRC)

	v.send(model.Announcement{Type: model.AnnouncementTypeGetBroadcaster, Room: "ABC123"})
	assert.Equal(t, "b", v.expect(model.AnnouncementTypeBroadcasterID).BroadcasterID)

	v.send(model.Announcement{
		Type:    model.AnnouncementTypeSignal,
		Room:    "ABC123",
		Signal:  model.SignalOffer,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	offer := b.expect(model.AnnouncementTypeSignal)
	assert.Equal(t, "v", offer.SRC)
	assert.Equal(t, model.SignalOffer, offer.Signal)

	b.send(model.Announcement{
		Type:    model.AnnouncementTypeSignal,
		Room:    "ABC123",
		DST:     "v",
		Signal:  model.SignalAnswer,
		Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	})
	answer := v.expect(model.AnnouncementTypeSignal)
	assert.Equal(t, "b", answer.SRC)
	assert.Equal(t, model.SignalAnswer, answer.Signal)

	b.send(model.Announcement{Type: model.AnnouncementTypeLeave, Room: "ABC123"})
	v.expect(model.AnnouncementTypeBroadcasterLeft)

	require.NoError(t, f.svc.DeleteSignalingSession(f.ctx, "v"))
	_, err := f.svc.GetRoom("ABC123")
	assert.ErrorIs(t, err, memory.ErrRoomNotFound)
}

func TestService_CreateRoomCollision(t *testing.T) {
	f := newFixture(t)
	b1 := f.connect("b1")
	b2 := f.connect("b2")

	b1.send(model.Announcement{Type: model.AnnouncementTypeCreateRoom, Room: "ABC123"})
	b1.expect(model.AnnouncementTypeRoomCreated)

	b2.send(model.Announcement{Type: model.AnnouncementTypeCreateRoom, Room: "ABC123"})
	errAnn := b2.expect(model.AnnouncementTypeError)
	assert.Equal(t, model.CodeRoomExists, errAnn.Code)

	b2.send(model.Announcement{Type: model.AnnouncementTypeCreateRoom})
	created := b2.expect(model.AnnouncementTypeRoomCreated)
	assert.NotEqual(t, "ABC123", created.Room)
	assert.True(t, model.ValidRoomCode(created.Room))
}

func TestService_SecondBroadcasterReplacesFirst(t *testing.T) {
	f := newFixture(t)
	b1 := f.connect("b1")
	b1.send(model.Announcement{Type: model.AnnouncementTypeCreateRoom, Room: "ABC123"})
	b1.expect(model.AnnouncementTypeRoomCreated)

	viewers := []*testPeer{f.connect("v1"), f.connect("v2"), f.connect("v3")}
	for _, v := range viewers {
		v.send(model.Announcement{Type: model.AnnouncementTypeJoin, Room: "ABC123"})
		v.expect(model.AnnouncementTypeRoomJoined)
	}

	b2 := f.connect("b2")
	b2.send(model.Announcement{Type: model.AnnouncementTypeStartBroadcast, Room: "ABC123"})
	b2.expect(model.AnnouncementTypeRoomJoined)

	for _, v := range viewers {
		notice := v.expect(model.AnnouncementTypeBroadcasterReplaced)
		assert.Equal(t, "b2", notice.BroadcasterID)
	}
	assert.Equal(t, "b2", b1.expect(model.AnnouncementTypeBroadcasterReplaced).BroadcasterID)

	id, err := f.store.LookupBroadcaster("ABC123")
	require.NoError(t, err)
	assert.Equal(t, "b2", id)
}

func TestService_ClaimNotifiesWaitingViewers(t *testing.T) {
	f := newFixture(t)
	v := f.connect("v")
	v.send(model.Announcement{Type: model.AnnouncementTypeJoin, Room: "ABC123"})
	v.expect(model.AnnouncementTypeRoomJoined)

	v.send(model.Announcement{Type: model.AnnouncementTypeGetBroadcaster, Room: "ABC123"})
	assert.Equal(t, model.CodeNoBroadcaster, v.expect(model.AnnouncementTypeError).Code)

	b := f.connect("b")
	b.send(model.Announcement{Type: model.AnnouncementTypeStartBroadcast, Room: "ABC123"})
	assert.Equal(t, "b", v.expect(model.AnnouncementTypeBroadcasterReady).BroadcasterID)
}

func TestService_RelayErrorsReportedToSender(t *testing.T) {
	f := newFixture(t)
	b := f.connect("b")
	b.send(model.Announcement{Type: model.AnnouncementTypeCreateRoom, Room: "ABC123"})
	b.expect(model.AnnouncementTypeRoomCreated)

	b.send(model.Announcement{
		Type:   model.AnnouncementTypeSignal,
		Signal: model.SignalAnswer,
		DST:    "gone",
	})
	errAnn := b.expect(model.AnnouncementTypeError)
	assert.Equal(t, model.CodePeerNotFound, errAnn.Code)
	assert.ErrorIs(t, errAnn.Err(), &model.RemoteError{Code: model.CodePeerNotFound})

	b.send(model.Announcement{Type: model.AnnouncementTypeSignal, Signal: "renegotiate"})
	assert.Equal(t, model.CodeInvalidSignal, b.expect(model.AnnouncementTypeError).Code)

	b.send(model.Announcement{Type: "bogus"})
	assert.Equal(t, model.CodeInvalidSignal, b.expect(model.AnnouncementTypeError).Code)

	// the relay keeps serving after errors
	v := f.connect("v")
	v.send(model.Announcement{Type: model.AnnouncementTypeJoin, Room: "ABC123"})
	v.expect(model.AnnouncementTypeRoomJoined)
	assert.Equal(t, 2, f.svc.Stats().Participants)
}

func TestService_ViewerLeftNotifiesBroadcaster(t *testing.T) {
	f := newFixture(t)
	b := f.connect("b")
	b.send(model.Announcement{Type: model.AnnouncementTypeCreateRoom, Room: "ABC123"})
	b.expect(model.AnnouncementTypeRoomCreated)
	v := f.connect("v")
	v.send(model.Announcement{Type: model.AnnouncementTypeJoin, Room: "ABC123"})
	v.expect(model.AnnouncementTypeRoomJoined)

	require.NoError(t, f.svc.DeleteSignalingSession(f.ctx, "v"))
	assert.Equal(t, "v", b.expect(model.AnnouncementTypeLeft).SRC)
}
