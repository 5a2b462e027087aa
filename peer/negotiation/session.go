package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 30 * time.Second

	defaultInboxSize = 64
)

type (
	// Transport executes session effects.
	Transport interface {
		SendCandidate(ctx context.Context, peer string, c webrtc.ICECandidateInit) error
		ApplyCandidate(c webrtc.ICECandidateInit) error
		Release() error
	}

	// Stepper is handed to operations running inside the session goroutine.
	Stepper interface {
		Step(msg Message) error
		Machine() Machine
	}

	// Op is a sequence of negotiation steps executed without interleaving
	// with other inputs of the same session. A returned error fails the session.
	Op func(ctx context.Context, st Stepper) error

	SessionConfig struct {
		Logger    *zerolog.Logger
		Transport Transport
		// Timeout bounds the time from creation to StateConnected.
		Timeout time.Duration
		// Peer is the remote identity when it is known up front.
		Peer string
		// OnState is called from the session goroutine on every state change.
		OnState func(state State, err error)
	}

	Session struct {
		logger  zerolog.Logger
		tr      Transport
		timeout time.Duration
		onState func(State, error)

		inbox chan request
		done  chan struct{}

		machine Machine // owned by the session goroutine

		mx       sync.Mutex
		snapshot Machine
	}

	request struct {
		msg Message
		op  Op
	}
)

func NewSession(cfg SessionConfig) *Session {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Session{
		logger:  cfg.Logger.With().Str("component", "negotiation").Str("peer", cfg.Peer).Logger(),
		tr:      cfg.Transport,
		timeout: timeout,
		onState: cfg.OnState,
		inbox:   make(chan request, defaultInboxSize),
		done:    make(chan struct{}),
		machine: Machine{Peer: cfg.Peer},
	}
	s.snapshot = s.machine
	return s
}

// Run drives the session until it reaches a terminal state. ctx cancellation closes it.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	timeoutC := timer.C

	for !s.machine.State.Terminal() {
		select {
		case <-ctx.Done():
			_ = s.step(ctx, Message{Input: InputClose})
		case <-timeoutC:
			s.logger.Warn().Stringer("state", s.machine.State).Msg("negotiation timed out")
			_ = s.step(ctx, Message{Input: InputTimeout})
		case req := <-s.inbox:
			s.handle(ctx, req)
		}
		if timeoutC != nil && s.machine.State == StateConnected {
			timer.Stop()
			timeoutC = nil
		}
	}
}

func (s *Session) handle(ctx context.Context, req request) {
	if req.op == nil {
		if err := s.step(ctx, req.msg); err != nil {
			s.logger.Debug().Err(err).Int("input", int(req.msg.Input)).Msg("input rejected")
		}
		return
	}
	st := &stepper{s: s, ctx: ctx}
	if err := req.op(ctx, st); err != nil && !s.machine.State.Terminal() {
		s.logger.Error().Err(err).Stringer("state", s.machine.State).Msg("negotiation failed")
		_ = st.Step(Message{Input: InputFail, Err: err})
	}
}

// step applies msg and executes its effects. Only the session goroutine calls it.
func (s *Session) step(ctx context.Context, msg Message) error {
	prev := s.machine.State
	next, effects, err := Step(s.machine, msg)
	if err != nil {
		return err
	}
	s.machine = next

	s.mx.Lock()
	s.snapshot = next
	s.mx.Unlock()

	for _, eff := range effects {
		s.execute(ctx, eff)
	}
	if next.State != prev {
		s.logger.Debug().
			Stringer("from", prev).
			Stringer("to", next.State).
			Msg("state changed")
		if s.onState != nil {
			s.onState(next.State, next.Err)
		}
	}
	return nil
}

func (s *Session) execute(ctx context.Context, eff Effect) {
	var err error
	switch eff.Kind {
	case EffectSendCandidate:
		err = s.tr.SendCandidate(ctx, eff.Peer, eff.Candidate)
	case EffectApplyCandidate:
		err = s.tr.ApplyCandidate(eff.Candidate)
	case EffectRelease:
		err = s.tr.Release()
	}
	if err != nil {
		s.logger.Warn().Err(err).Int("effect", int(eff.Kind)).Msg("effect failed")
	}
}

func (s *Session) submit(req request) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- req:
		return true
	case <-s.done:
		return false
	}
}

// Submit queues an input. Returns false once the session is finished.
func (s *Session) Submit(msg Message) bool {
	return s.submit(request{msg: msg})
}

// Exec queues an operation. Returns false once the session is finished.
func (s *Session) Exec(op Op) bool {
	return s.submit(request{op: op})
}

// Close terminates the session and waits for its goroutine to finish.
func (s *Session) Close() {
	s.Submit(Message{Input: InputClose})
	<-s.done
}

// Fail terminates the session with err unless it is already terminal.
func (s *Session) Fail(err error) {
	s.Submit(Message{Input: InputFail, Err: err})
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Machine returns the last published machine state.
func (s *Session) Machine() Machine {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.snapshot
}

func (s *Session) State() State {
	return s.Machine().State
}

// Err returns the failure cause of a failed session.
func (s *Session) Err() error {
	return s.Machine().Err
}

type stepper struct {
	s   *Session
	ctx context.Context
}

func (st *stepper) Step(msg Message) error {
	return st.s.step(st.ctx, msg)
}

func (st *stepper) Machine() Machine {
	return st.s.machine
}
