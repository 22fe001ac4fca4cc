package peer

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection the engine drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// Factory creates a fresh, unconfigured peer connection.
type Factory func() (PeerConnection, error)

// ICEConfig lists the servers used for NAT traversal.
type ICEConfig struct {
	STUNURLs     []string
	TURNURL      string
	TURNUsername string
	TURNPassword string
}

// Configuration converts the ICE settings into a pion configuration.
func (c ICEConfig) Configuration() webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	if c.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{c.TURNURL},
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// FactoryOption tweaks the pion API a factory is built on.
type FactoryOption func(*webrtc.SettingEngine)

// WithLoopbackCandidates gathers candidates on the loopback interface, which
// lets two peers in one process connect without a network.
func WithLoopbackCandidates() FactoryOption {
	return func(s *webrtc.SettingEngine) {
		s.SetIncludeLoopbackCandidate(true)
	}
}

// NewFactory builds a pion API with the default codecs and interceptors.
func NewFactory(ice ICEConfig, opts ...FactoryOption) (Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	for _, opt := range opts {
		opt(&settings)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)
	cfg := ice.Configuration()

	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return pc, nil
	}, nil
}
