package sharing

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/RoseWrightdev/screenshare/internal/v1/media"
	"github.com/RoseWrightdev/screenshare/internal/v1/peer"
	"github.com/RoseWrightdev/screenshare/internal/v1/types"
)

// fakeEngine records what the orchestrator forwards and lets tests drive
// connection state by hand.
type fakeEngine struct {
	mu       sync.Mutex
	handled  []types.SignalingMessage
	offers   int
	closes   int
	state    peer.State
	offerErr error
	handleFn func(types.SignalingMessage) error

	outbound chan types.SignalingMessage
	changes  chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		state:    peer.State{ConnectionState: webrtc.PeerConnectionStateNew, SignalingState: webrtc.SignalingStateStable},
		outbound: make(chan types.SignalingMessage, 64),
		changes:  make(chan struct{}, 1),
	}
}

func (f *fakeEngine) CreateOffer(_ context.Context, stream *media.Stream, sessionID, userID string) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	if f.offerErr != nil {
		f.state.Error = f.offerErr.Error()
		return nil, f.offerErr
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=fake-offer\r\n"}
	msg, err := types.NewDescriptionMessage(sessionID, userID, offer)
	if err != nil {
		return nil, err
	}
	f.state.SignalingState = webrtc.SignalingStateHaveLocalOffer
	f.outbound <- msg
	return &offer, nil
}

func (f *fakeEngine) HandleSignalingMessage(_ context.Context, msg types.SignalingMessage) error {
	f.mu.Lock()
	f.handled = append(f.handled, msg)
	fn := f.handleFn
	f.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return nil
}

func (f *fakeEngine) CloseConnection() {
	f.mu.Lock()
	f.closes++
	f.state = peer.State{ConnectionState: webrtc.PeerConnectionStateNew, SignalingState: webrtc.SignalingStateStable}
	f.mu.Unlock()
}

func (f *fakeEngine) Outbound() <-chan types.SignalingMessage { return f.outbound }
func (f *fakeEngine) Changes() <-chan struct{}                { return f.changes }

func (f *fakeEngine) State() peer.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) setState(fn func(*peer.State)) {
	f.mu.Lock()
	fn(&f.state)
	f.mu.Unlock()
	select {
	case f.changes <- struct{}{}:
	default:
	}
}

func (f *fakeEngine) emit(msg types.SignalingMessage) {
	f.outbound <- msg
}

func (f *fakeEngine) handledOf(t types.MessageType) []types.SignalingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.SignalingMessage
	for _, m := range f.handled {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeEngine) handledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

func (f *fakeEngine) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeCapturer returns a fresh VP8 stream per call, or err.
type fakeCapturer struct {
	mu      sync.Mutex
	err     error
	calls   int
	last    media.Constraints
	audio   bool
	streams []*media.Stream
	block   chan struct{} // when set, Capture waits for it to close
	ended   bool          // when set, the video ends before Capture returns
}

func (f *fakeCapturer) Capture(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	f.mu.Lock()
	f.calls++
	f.last = c
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, media.ErrCancelled
		}
	}

	if f.err != nil {
		return nil, f.err
	}

	video, err := media.NewTrack(media.KindVideo, "Screen 1", "screen-fake",
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		media.Settings{Width: c.Video.Width, Height: c.Video.Height, FrameRate: c.Video.FrameRate})
	if err != nil {
		return nil, err
	}
	tracks := []*media.Track{video}
	if c.Audio {
		audio, err := media.NewTrack(media.KindAudio, "System audio", "screen-fake",
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			media.Settings{SampleRate: 48000, ChannelCount: 2})
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, audio)
	}
	stream := media.NewStream("screen-fake", tracks...)
	if f.ended {
		video.End()
	}

	f.mu.Lock()
	f.streams = append(f.streams, stream)
	f.mu.Unlock()
	return stream, nil
}

func (f *fakeCapturer) lastStream() *media.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// fakeClipboard remembers the last copied text.
type fakeClipboard struct {
	mu   sync.Mutex
	text string
	fail bool
}

func (f *fakeClipboard) Copy(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("clipboard unavailable")
	}
	f.text = text
	return nil
}

func (f *fakeClipboard) contents() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}
