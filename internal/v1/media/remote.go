package media

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the receive side of a track negotiated by a peer connection.
type RemoteTrack struct {
	id       string
	streamID string
	kind     Kind
	codec    webrtc.RTPCodecParameters
	read     func() (*rtp.Packet, error)
}

// NewRemoteTrack wraps a pion remote track.
func NewRemoteTrack(t *webrtc.TrackRemote) *RemoteTrack {
	return newRemoteTrack(t.ID(), t.StreamID(), kindOf(t.Kind()), t.Codec(), func() (*rtp.Packet, error) {
		pkt, _, err := t.ReadRTP()
		return pkt, err
	})
}

func newRemoteTrack(id, streamID string, kind Kind, codec webrtc.RTPCodecParameters, read func() (*rtp.Packet, error)) *RemoteTrack {
	return &RemoteTrack{id: id, streamID: streamID, kind: kind, codec: codec, read: read}
}

func kindOf(k webrtc.RTPCodecType) Kind {
	if k == webrtc.RTPCodecTypeAudio {
		return KindAudio
	}
	return KindVideo
}

func (t *RemoteTrack) ID() string                       { return t.id }
func (t *RemoteTrack) StreamID() string                 { return t.streamID }
func (t *RemoteTrack) Kind() Kind                       { return t.kind }
func (t *RemoteTrack) Codec() webrtc.RTPCodecParameters { return t.codec }

// ReadRTP blocks for the next packet. It fails once the connection closes.
func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	return t.read()
}

// Settings reports what is known without decoding: clock rate and channels for audio.
func (t *RemoteTrack) Settings() Settings {
	if t.kind == KindAudio {
		return Settings{SampleRate: int(t.codec.ClockRate), ChannelCount: int(t.codec.Channels)}
	}
	return Settings{}
}

// RemoteStream collects the tracks received for one remote stream id.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*RemoteTrack
}

// NewRemoteStream starts a stream with its first track.
func NewRemoteStream(first *RemoteTrack) *RemoteStream {
	return &RemoteStream{id: first.streamID, tracks: []*RemoteTrack{first}}
}

func (s *RemoteStream) ID() string { return s.id }

// AddTrack appends a later track of the same stream.
func (s *RemoteStream) AddTrack(t *RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Tracks returns a snapshot of the received tracks.
func (s *RemoteStream) Tracks() []*RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RemoteTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// VideoTrack returns the first video track, or nil.
func (s *RemoteStream) VideoTrack() *RemoteTrack { return s.first(KindVideo) }

// AudioTrack returns the first audio track, or nil.
func (s *RemoteStream) AudioTrack() *RemoteTrack { return s.first(KindAudio) }

func (s *RemoteStream) first(k Kind) *RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.kind == k {
			return t
		}
	}
	return nil
}
