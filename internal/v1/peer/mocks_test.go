package peer

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// fakePeerConnection models the signaling state machine of a real connection
// without any networking.
type fakePeerConnection struct {
	mu sync.Mutex

	signaling webrtc.SignalingState
	remote    *webrtc.SessionDescription
	closed    bool

	tracks     []webrtc.TrackLocal
	candidates []webrtc.ICECandidateInit
	remoteSets int

	failCreateOffer bool
	failSetRemote   bool

	onCandidate func(*webrtc.ICECandidate)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newFakePeerConnection() *fakePeerConnection {
	return &fakePeerConnection{signaling: webrtc.SignalingStateStable}
}

func (f *fakePeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil, nil
}

func (f *fakePeerConnection) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if f.failCreateOffer {
		return webrtc.SessionDescription{}, errors.New("offer failed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=fake-offer\r\n"}, nil
}

func (f *fakePeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=fake-answer\r\n"}, nil
}

func (f *fakePeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && f.signaling == webrtc.SignalingStateStable:
		f.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && f.signaling == webrtc.SignalingStateHaveRemoteOffer:
		f.signaling = webrtc.SignalingStateStable
	default:
		return errors.New("invalid local description for state " + f.signaling.String())
	}
	return nil
}

func (f *fakePeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRemote {
		return errors.New("malformed SDP")
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && f.signaling == webrtc.SignalingStateStable:
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && f.signaling == webrtc.SignalingStateHaveLocalOffer:
		f.signaling = webrtc.SignalingStateStable
	default:
		return errors.New("invalid remote description for state " + f.signaling.String())
	}
	f.remote = &desc
	f.remoteSets++
	return nil
}

func (f *fakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Candidate == "bad" {
		return errors.New("malformed candidate")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePeerConnection) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakePeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (f *fakePeerConnection) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakePeerConnection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.signaling = webrtc.SignalingStateClosed
	return nil
}

func (f *fakePeerConnection) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakePeerConnection) fireCandidate(c *webrtc.ICECandidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(c)
}

func (f *fakePeerConnection) fireTrack() {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(&webrtc.TrackRemote{}, nil)
}

func (f *fakePeerConnection) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func (f *fakePeerConnection) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory hands out fakes and remembers them in creation order.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakePeerConnection
	fail    bool
	prepare func(*fakePeerConnection)
}

func (f *fakeFactory) New() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no peer connection for you")
	}
	pc := newFakePeerConnection()
	if f.prepare != nil {
		f.prepare(pc)
	}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *fakeFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}
