package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer greets with a handle and sends every announcement back.
func echoServer(t *testing.T, welcome model.Announcement) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if err = conn.WriteJSON(welcome); err != nil {
			return
		}
		for {
			var ann model.Announcement
			if err = conn.ReadJSON(&ann); err != nil {
				return
			}
			ann.SRC = "server"
			if err = conn.WriteJSON(ann); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) (*Client, error) {
	t.Helper()
	logger := zerolog.Nop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Dial(ctx, Config{Logger: &logger, URL: url})
}

func receive(t *testing.T, c *Client) model.Announcement {
	t.Helper()
	select {
	case ann, ok := <-c.Incoming():
		require.True(t, ok)
		return ann
	case <-time.After(5 * time.Second):
		t.Fatal("no announcement received")
	}
	return model.Announcement{}
}

func TestClient_RoundTrip(t *testing.T) {
	url := echoServer(t, model.Announcement{Type: model.AnnouncementTypeWelcome, DST: "handle-1"})
	c, err := dial(t, url)
	require.NoError(t, err)
	assert.Equal(t, "handle-1", c.ID())

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, model.Announcement{Type: model.AnnouncementTypeJoin, Room: "ABC123"}))
	ann := receive(t, c)
	assert.Equal(t, model.AnnouncementTypeJoin, ann.Type)
	assert.Equal(t, "ABC123", ann.Room)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}
	sig, err := NewSignal("ABC123", "", model.SignalICECandidate, cand)
	require.NoError(t, err)
	require.NoError(t, c.Send(ctx, sig))
	ann = receive(t, c)
	assert.Equal(t, model.SignalICECandidate, ann.Signal)
	assert.Empty(t, ann.DST)

	var got webrtc.ICECandidateInit
	require.NoError(t, Decode(ann, &got))
	assert.Equal(t, cand.Candidate, got.Candidate)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send(ctx, model.Announcement{Type: model.AnnouncementTypeLeave}), ErrClosed)

	// incoming is closed once the connection goes away
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-c.Incoming():
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_NoWelcome(t *testing.T) {
	url := echoServer(t, model.Announcement{Type: model.AnnouncementTypeError, Error: "busy"})
	_, err := dial(t, url)
	assert.ErrorIs(t, err, ErrNoWelcome)

	_, err = dial(t, "ws://127.0.0.1:1/signal")
	assert.ErrorIs(t, err, ErrDial)
}

func TestDecode(t *testing.T) {
	var desc webrtc.SessionDescription
	err := Decode(model.Announcement{Signal: model.SignalOffer}, &desc)
	assert.ErrorIs(t, err, ErrBadPayload)

	err = Decode(model.Announcement{Signal: model.SignalOffer, Payload: []byte(`{"type":"offer","sdp":"v=0"}`)}, &desc)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
}
