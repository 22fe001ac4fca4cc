package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
)

const (
	audioFrame = 20 * time.Millisecond
)

// Opus TOC for a 20ms silent frame.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

// FileCapturer plays an IVF file as if it were a captured screen. The end of
// the file ends the video track, the same way a user stopping a share would.
type FileCapturer struct {
	Path string
	Loop bool
}

// NewFileCapturer returns a capturer reading path.
func NewFileCapturer(path string, loop bool) *FileCapturer {
	return &FileCapturer{Path: path, Loop: loop}
}

var _ Capturer = (*FileCapturer)(nil)

// Capture opens the file, validates its codec and starts pacing frames onto
// a new video track.
func (f *FileCapturer) Capture(ctx context.Context, c Constraints) (*Stream, error) {
	c = c.WithDefaults()

	if f.Path == "" {
		return nil, ErrNoSource
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	file, reader, header, err := openIVF(f.Path)
	if err != nil {
		return nil, err
	}

	mimeType, ok := mimeTypeForFourCC(header.FourCC)
	if !ok {
		_ = file.Close()
		return nil, fmt.Errorf("%w: codec %q", ErrNotSupported, header.FourCC)
	}

	interval := frameInterval(header, c.Video.FrameRate)
	streamID := "screen-" + uuid.NewString()[:8]

	video, err := NewTrack(KindVideo, filepath.Base(f.Path), streamID,
		webrtc.RTPCodecCapability{MimeType: mimeType, ClockRate: 90000},
		Settings{
			Width:     minPositive(int(header.Width), c.Video.Width),
			Height:    minPositive(int(header.Height), c.Video.Height),
			FrameRate: int(time.Second / interval),
		})
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotSupported, err)
	}

	tracks := []*Track{video}
	if c.Audio {
		audio, err := NewTrack(KindAudio, "silence", streamID,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			Settings{SampleRate: 48000, ChannelCount: 2})
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %v", ErrNotSupported, err)
		}
		tracks = append(tracks, audio)
		go pumpSilence(audio, video.Done())
	}

	go f.pump(file, reader, video, interval)

	logging.Info(ctx, "Screen capture started",
		zap.String("source", f.Path),
		zap.String("codec", mimeType),
		zap.Duration("frame_interval", interval),
		zap.Bool("audio", c.Audio))

	return NewStream(streamID, tracks...), nil
}

func openIVF(path string) (*os.File, *ivfreader.IVFReader, *ivfreader.IVFFileHeader, error) {
	file, err := os.Open(path) //nolint:gosec // path is chosen by the operator
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrNoSource, err)
	case errors.Is(err, fs.ErrPermission):
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case err != nil:
		return nil, nil, nil, fmt.Errorf("failed to open capture source: %w", err)
	}

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrNotSupported, err)
	}
	return file, reader, header, nil
}

// pump writes one frame per interval until the track stops or the file ends.
func (f *FileCapturer) pump(file *os.File, reader *ivfreader.IVFReader, track *Track, interval time.Duration) {
	defer func() { _ = file.Close() }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) && f.Loop {
			if _, seekErr := file.Seek(0, io.SeekStart); seekErr == nil {
				if reader, _, err = ivfreader.NewWith(file); err == nil {
					frame, _, err = reader.ParseNextFrame()
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Warn(context.Background(), "Capture source failed", zap.String("source", f.Path), zap.Error(err))
			}
			track.End()
			return
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval}); err != nil {
			if errors.Is(err, ErrTrackEnded) {
				return
			}
			logging.Debug(context.Background(), "Failed to write video sample", zap.Error(err))
		}
	}
}

func pumpSilence(track *Track, source <-chan struct{}) {
	ticker := time.NewTicker(audioFrame)
	defer ticker.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-source:
			track.End()
			return
		case <-ticker.C:
			_ = track.WriteSample(pionmedia.Sample{Data: silentOpusFrame, Duration: audioFrame})
		}
	}
}

func mimeTypeForFourCC(fourCC string) (string, bool) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, true
	case "VP90":
		return webrtc.MimeTypeVP9, true
	case "AV01":
		return webrtc.MimeTypeAV1, true
	default:
		return "", false
	}
}

// frameInterval uses the file timebase, but never paces faster than maxFPS.
func frameInterval(h *ivfreader.IVFFileHeader, maxFPS int) time.Duration {
	floor := time.Second / time.Duration(maxFPS)
	if h.TimebaseDenominator == 0 || h.TimebaseNumerator == 0 {
		return floor
	}
	d := time.Duration(float64(time.Second) * float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator))
	if d < floor {
		return floor
	}
	return d
}

func minPositive(a, b int) int {
	if a <= 0 {
		return b
	}
	if b <= 0 || a < b {
		return a
	}
	return b
}
