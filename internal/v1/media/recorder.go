package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
)

// Record copies a remote video track into an IVF file at path until the
// track stops producing packets or ctx is cancelled. It returns the number of
// packets written.
func Record(ctx context.Context, track *RemoteTrack, path string) (int, error) {
	codec, err := ivfCodec(track)
	if err != nil {
		return 0, err
	}
	w, err := ivfwriter.New(path, ivfwriter.WithCodec(codec))
	if err != nil {
		return 0, fmt.Errorf("failed to create recording: %w", err)
	}
	return record(ctx, track, w)
}

// RecordTo is Record for an arbitrary writer.
func RecordTo(ctx context.Context, track *RemoteTrack, out io.Writer) (int, error) {
	codec, err := ivfCodec(track)
	if err != nil {
		return 0, err
	}
	w, err := ivfwriter.NewWith(out, ivfwriter.WithCodec(codec))
	if err != nil {
		return 0, fmt.Errorf("failed to create recording: %w", err)
	}
	return record(ctx, track, w)
}

func ivfCodec(track *RemoteTrack) (string, error) {
	if track == nil || track.Kind() != KindVideo {
		return "", fmt.Errorf("%w: recording needs a video track", ErrNotSupported)
	}
	mime := track.Codec().MimeType
	for _, supported := range []string{webrtc.MimeTypeVP8, webrtc.MimeTypeVP9, webrtc.MimeTypeAV1} {
		if strings.EqualFold(mime, supported) {
			return supported, nil
		}
	}
	return "", fmt.Errorf("%w: cannot record %q to IVF", ErrNotSupported, mime)
}

func record(ctx context.Context, track *RemoteTrack, w *ivfwriter.IVFWriter) (written int, err error) {
	defer func() {
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for {
		if ctx.Err() != nil {
			return written, nil
		}
		pkt, readErr := track.ReadRTP()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			logging.Debug(ctx, "Recording stopped", zap.String("track_id", track.ID()), zap.Error(readErr))
			return written, nil
		}
		if err := w.WriteRTP(pkt); err != nil {
			return written, fmt.Errorf("failed to write recording: %w", err)
		}
		written++
	}
}
