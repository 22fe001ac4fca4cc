package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Default capture target.
const (
	DefaultWidth     = 1920
	DefaultHeight    = 1080
	DefaultFrameRate = 60
)

// ErrTrackEnded is returned when writing to a track that is no longer live.
var ErrTrackEnded = errors.New("track ended")

// VideoConstraints bound the captured video.
type VideoConstraints struct {
	Width     int
	Height    int
	FrameRate int
}

// Constraints describe what a capture should produce.
type Constraints struct {
	Video VideoConstraints
	Audio bool
}

// DefaultConstraints returns 1920x1080 @ 60fps video without audio.
func DefaultConstraints() Constraints {
	return Constraints{Video: VideoConstraints{Width: DefaultWidth, Height: DefaultHeight, FrameRate: DefaultFrameRate}}
}

// WithDefaults fills unset video fields.
func (c Constraints) WithDefaults() Constraints {
	if c.Video.Width <= 0 {
		c.Video.Width = DefaultWidth
	}
	if c.Video.Height <= 0 {
		c.Video.Height = DefaultHeight
	}
	if c.Video.FrameRate <= 0 {
		c.Video.FrameRate = DefaultFrameRate
	}
	return c
}

// Capturer acquires a screen stream. Implementations block until the source
// is chosen and must return an error wrapping one of the Err* sentinels.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (*Stream, error)
}

// Kind is the media kind of a track.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// ReadyState mirrors a track's lifecycle.
type ReadyState string

const (
	ReadyStateLive  ReadyState = "live"
	ReadyStateEnded ReadyState = "ended"
)

// Settings are the effective parameters of a track.
type Settings struct {
	Width        int `json:"width,omitempty"`
	Height       int `json:"height,omitempty"`
	FrameRate    int `json:"frameRate,omitempty"`
	SampleRate   int `json:"sampleRate,omitempty"`
	ChannelCount int `json:"channelCount,omitempty"`
}

// Track is a local media track backed by a pion sample track.
type Track struct {
	kind     Kind
	label    string
	settings Settings
	local    *webrtc.TrackLocalStaticSample

	mu          sync.Mutex
	state       ReadyState
	sourceEnded bool
	onEnded     []func()
	done        chan struct{}
}

// NewTrack creates a live track that encodes with codec.
func NewTrack(kind Kind, label, streamID string, codec webrtc.RTPCodecCapability, settings Settings) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind)+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		return nil, err
	}
	return &Track{
		kind:     kind,
		label:    label,
		settings: settings,
		local:    local,
		state:    ReadyStateLive,
		done:     make(chan struct{}),
	}, nil
}

func (t *Track) ID() string         { return t.local.ID() }
func (t *Track) Kind() Kind         { return t.kind }
func (t *Track) Label() string      { return t.label }
func (t *Track) Settings() Settings { return t.settings }

// Local is the pion track attached to a peer connection.
func (t *Track) Local() *webrtc.TrackLocalStaticSample { return t.local }

// Done is closed once the track has ended for any reason.
func (t *Track) Done() <-chan struct{} { return t.done }

// ReadyState reports live or ended.
func (t *Track) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnEnded registers fn to run when the source ends the track. Stopping the
// track locally does not fire it. On a track the source already ended, fn
// runs immediately.
func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	if t.state == ReadyStateEnded {
		fire := t.sourceEnded
		t.mu.Unlock()
		if fire {
			fn()
		}
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Stop ends the track locally. Safe to call more than once.
func (t *Track) Stop() {
	t.finish(false)
}

// End marks the track ended by its source and notifies OnEnded listeners once.
func (t *Track) End() {
	t.finish(true)
}

func (t *Track) finish(notify bool) {
	t.mu.Lock()
	if t.state == ReadyStateEnded {
		t.mu.Unlock()
		return
	}
	t.state = ReadyStateEnded
	t.sourceEnded = notify
	close(t.done)
	listeners := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	if !notify {
		return
	}
	for _, fn := range listeners {
		fn()
	}
}

// WriteSample pushes an encoded frame to every bound peer connection.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	select {
	case <-t.done:
		return ErrTrackEnded
	default:
	}
	return t.local.WriteSample(s)
}

// Stream groups the tracks of one capture.
type Stream struct {
	id     string
	tracks []*Track
}

// NewStream groups tracks under id.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns all tracks, video first as captured.
func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) VideoTracks() []*Track { return s.byKind(KindVideo) }
func (s *Stream) AudioTracks() []*Track { return s.byKind(KindAudio) }

func (s *Stream) byKind(k Kind) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == k {
			out = append(out, t)
		}
	}
	return out
}

// Active reports whether any track is still live.
func (s *Stream) Active() bool {
	for _, t := range s.tracks {
		if t.ReadyState() == ReadyStateLive {
			return true
		}
	}
	return false
}

// Stop stops every track.
func (s *Stream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
