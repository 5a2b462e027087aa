// Package negotiation implements the per peer-pair negotiation lifecycle shared by
// the broadcaster and the viewer.
//
// The lifecycle is a pure step function over Machine values; Session runs it inside
// a single goroutine and executes the resulting effects against a transport.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type State int

const (
	StateNew State = iota
	StateLocalOfferCreated
	StateRemoteOfferReceived
	StateAwaitingRemoteAnswer
	StateLocalAnswerCreated
	StateConnected
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateNew:                  "new",
	StateLocalOfferCreated:    "local-offer-created",
	StateRemoteOfferReceived:  "remote-offer-received",
	StateAwaitingRemoteAnswer: "awaiting-remote-answer",
	StateLocalAnswerCreated:   "local-answer-created",
	StateConnected:            "connected",
	StateClosed:               "closed",
	StateFailed:               "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

type Input int

const (
	InputOfferReceived Input = iota
	InputLocalDescriptionSet
	InputRemoteDescriptionSet
	InputOfferSent
	InputPeerResolved
	InputLocalCandidate
	InputRemoteCandidate
	InputConnected
	InputFail
	InputTimeout
	InputClose
)

type EffectKind int

const (
	// EffectSendCandidate sends a local candidate to Effect.Peer.
	EffectSendCandidate EffectKind = iota
	// EffectApplyCandidate adds a remote candidate to the transport.
	EffectApplyCandidate
	// EffectRelease frees the transport.
	EffectRelease
)

type (
	Message struct {
		Input     Input
		Candidate webrtc.ICECandidateInit
		Peer      string
		Err       error
	}

	Effect struct {
		Kind      EffectKind
		Candidate webrtc.ICECandidateInit
		Peer      string
	}

	// Machine is the negotiation state of one peer pair. It is a value type:
	// Step never mutates its argument.
	Machine struct {
		State             State
		LocalDescription  bool
		RemoteDescription bool
		Peer              string
		Err               error

		pendingLocal  []webrtc.ICECandidateInit
		pendingRemote []webrtc.ICECandidateInit
	}
)

var (
	ErrInvalidTransition   = errors.New("invalid negotiation transition")
	ErrTerminated          = errors.New("negotiation is terminated")
	ErrPeerConflict        = errors.New("peer identity conflict")
	ErrDescriptionSet      = errors.New("description is already set")
	ErrDescriptionRejected = errors.New("session description rejected")
	ErrConnectivityFailed  = errors.New("no viable connectivity path")
	ErrTimeout             = errors.New("negotiation timed out")
)

// PendingLocal returns the number of local candidates waiting for the peer identity.
func (m Machine) PendingLocal() int { return len(m.pendingLocal) }

// PendingRemote returns the number of remote candidates waiting for the remote description.
func (m Machine) PendingRemote() int { return len(m.pendingRemote) }

func (m Machine) invalid(msg Message) (Machine, []Effect, error) {
	return m, nil, fmt.Errorf("%w: input %d in state %s", ErrInvalidTransition, msg.Input, m.State)
}

// Step applies one message and returns the next machine with the effects to execute.
// On error the returned machine equals m.
func Step(m Machine, msg Message) (Machine, []Effect, error) {
	if m.State.Terminal() {
		return m, nil, ErrTerminated
	}
	next := m
	var effects []Effect

	switch msg.Input {
	case InputOfferReceived:
		if m.State != StateNew {
			return m.invalid(msg)
		}
		next.State = StateRemoteOfferReceived

	case InputLocalDescriptionSet:
		if m.LocalDescription {
			return m, nil, ErrDescriptionSet
		}
		switch {
		case m.State == StateNew:
			next.State = StateLocalOfferCreated
		case m.State == StateRemoteOfferReceived && m.RemoteDescription:
			next.State = StateLocalAnswerCreated
		default:
			return m.invalid(msg)
		}
		next.LocalDescription = true

	case InputOfferSent:
		if m.State != StateLocalOfferCreated {
			return m.invalid(msg)
		}
		next.State = StateAwaitingRemoteAnswer

	case InputRemoteDescriptionSet:
		if m.RemoteDescription {
			return m, nil, ErrDescriptionSet
		}
		if m.State != StateRemoteOfferReceived && m.State != StateAwaitingRemoteAnswer {
			return m.invalid(msg)
		}
		next.RemoteDescription = true
		for _, c := range m.pendingRemote {
			effects = append(effects, Effect{Kind: EffectApplyCandidate, Candidate: c})
		}
		next.pendingRemote = nil

	case InputPeerResolved:
		if msg.Peer == "" {
			return m.invalid(msg)
		}
		if m.Peer != "" {
			if m.Peer != msg.Peer {
				return m, nil, fmt.Errorf("%w: %s != %s", ErrPeerConflict, m.Peer, msg.Peer)
			}
			return m, nil, nil
		}
		next.Peer = msg.Peer
		for _, c := range m.pendingLocal {
			effects = append(effects, Effect{Kind: EffectSendCandidate, Candidate: c, Peer: msg.Peer})
		}
		next.pendingLocal = nil

	case InputLocalCandidate:
		if m.Peer == "" {
			next.pendingLocal = appendCandidate(m.pendingLocal, msg.Candidate)
		} else {
			effects = append(effects, Effect{Kind: EffectSendCandidate, Candidate: msg.Candidate, Peer: m.Peer})
		}

	case InputRemoteCandidate:
		if m.RemoteDescription {
			effects = append(effects, Effect{Kind: EffectApplyCandidate, Candidate: msg.Candidate})
		} else {
			next.pendingRemote = appendCandidate(m.pendingRemote, msg.Candidate)
		}

	case InputConnected:
		switch {
		case m.State == StateConnected:
			return m, nil, nil
		case m.State == StateLocalAnswerCreated,
			m.State == StateAwaitingRemoteAnswer && m.RemoteDescription:
			next.State = StateConnected
		default:
			return m.invalid(msg)
		}

	case InputTimeout:
		if m.State == StateConnected {
			return m, nil, nil
		}
		return terminate(m, StateFailed, ErrTimeout)

	case InputFail:
		err := msg.Err
		if err == nil {
			err = ErrConnectivityFailed
		}
		return terminate(m, StateFailed, err)

	case InputClose:
		return terminate(m, StateClosed, nil)

	default:
		return m.invalid(msg)
	}
	return next, effects, nil
}

func terminate(m Machine, state State, err error) (Machine, []Effect, error) {
	return Machine{
		State:             state,
		LocalDescription:  m.LocalDescription,
		RemoteDescription: m.RemoteDescription,
		Peer:              m.Peer,
		Err:               err,
	}, []Effect{{Kind: EffectRelease}}, nil
}

// appendCandidate never shares the backing array with the previous machine.
func appendCandidate(queue []webrtc.ICECandidateInit, c webrtc.ICECandidateInit) []webrtc.ICECandidateInit {
	out := make([]webrtc.ICECandidateInit, len(queue), len(queue)+1)
	copy(out, queue)
	return append(out, c)
}
