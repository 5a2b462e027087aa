package transport

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// SendFunc delivers a local candidate to the remote peer through signaling.
type SendFunc func(ctx context.Context, peer string, c webrtc.ICECandidateInit) error

// SessionTransport executes negotiation effects against a Peer.
type SessionTransport struct {
	Peer Peer
	Send SendFunc
}

func (st *SessionTransport) SendCandidate(ctx context.Context, peer string, c webrtc.ICECandidateInit) error {
	return st.Send(ctx, peer, c)
}

func (st *SessionTransport) ApplyCandidate(c webrtc.ICECandidateInit) error {
	return st.Peer.AddICECandidate(c)
}

func (st *SessionTransport) Release() error {
	return st.Peer.Close()
}
