// Package transport adapts pion WebRTC peer connections to the negotiation sessions.
package transport

import (
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrCreatePeer  = errors.New("cannot create peer connection")
	ErrDescription = errors.New("cannot apply session description")
	ErrCandidate   = errors.New("cannot add ice candidate")
	ErrTrack       = errors.New("cannot attach track")
)

// Peer is one media transport endpoint.
type Peer interface {
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	AddICECandidate(c webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	AddTransceiver(kind webrtc.RTPCodecType, dir webrtc.RTPTransceiverDirection) error
	RequestKeyframe(ssrc webrtc.SSRC) error
	OnICECandidate(fn func(c webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	OnTrack(fn func(track *webrtc.TrackRemote))
	Close() error
}

type (
	Config struct {
		Logger     *zerolog.Logger
		ICEServers []webrtc.ICEServer
		ForceRelay bool
	}

	// Factory creates pion peer connections sharing one API instance.
	Factory struct {
		logger zerolog.Logger
		api    *webrtc.API
		pcCfg  webrtc.Configuration
	}

	PionPeer struct {
		logger zerolog.Logger
		pc     *webrtc.PeerConnection
		once   sync.Once
	}
)

func NewFactory(cfg Config) (*Factory, error) {
	logger := cfg.Logger.With().Str("component", "transport").Logger()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Join(ErrCreatePeer, err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, errors.Join(ErrCreatePeer, err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(cfg.Logger)}

	policy := webrtc.ICETransportPolicyAll
	if cfg.ForceRelay {
		policy = webrtc.ICETransportPolicyRelay
	}
	return &Factory{
		logger: logger,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		pcCfg: webrtc.Configuration{
			ICEServers:         cfg.ICEServers,
			ICETransportPolicy: policy,
		},
	}, nil
}

func (f *Factory) NewPeer() (Peer, error) {
	pc, err := f.api.NewPeerConnection(f.pcCfg)
	if err != nil {
		return nil, errors.Join(ErrCreatePeer, err)
	}
	return &PionPeer{logger: f.logger, pc: pc}, nil
}

func (p *PionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return errors.Join(ErrDescription, err)
	}
	return nil
}

func (p *PionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Join(ErrDescription, err)
	}
	if err = p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.Join(ErrDescription, err)
	}
	return offer, nil
}

func (p *PionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Join(ErrDescription, err)
	}
	if err = p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errors.Join(ErrDescription, err)
	}
	return answer, nil
}

func (p *PionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(c); err != nil {
		return errors.Join(ErrCandidate, err)
	}
	return nil
}

// AddTrack attaches a local track and drains RTCP from its sender
// so interceptors keep processing receiver reports.
func (p *PionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return errors.Join(ErrTrack, err)
	}
	go p.drainRTCP(sender, track.ID())
	return nil
}

func (p *PionPeer) drainRTCP(sender *webrtc.RTPSender, trackID string) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.logger.Trace().Str("track", trackID).Msg("keyframe requested by viewer")
			}
		}
	}
}

func (p *PionPeer) AddTransceiver(kind webrtc.RTPCodecType, dir webrtc.RTPTransceiverDirection) error {
	if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: dir}); err != nil {
		return errors.Join(ErrTrack, err)
	}
	return nil
}

func (p *PionPeer) RequestKeyframe(ssrc webrtc.SSRC) error {
	return p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}

// OnICECandidate skips the end-of-gathering notification.
func (p *PionPeer) OnICECandidate(fn func(c webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *PionPeer) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PionPeer) OnTrack(fn func(track *webrtc.TrackRemote)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (p *PionPeer) Close() error {
	var err error
	p.once.Do(func() {
		err = p.pc.Close()
	})
	return err
}
