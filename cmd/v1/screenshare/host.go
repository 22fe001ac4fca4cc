package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RoseWrightdev/screenshare/internal/v1/media"
	"github.com/RoseWrightdev/screenshare/internal/v1/sharing"
)

type captureFlags struct {
	source string
	loop   bool
	audio  bool
	width  int
	height int
	fps    int
}

func (f *captureFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.source, "source", "", "IVF file (VP8/VP9/AV1) played as the shared screen")
	cmd.Flags().BoolVar(&f.loop, "loop", false, "restart the file when it ends")
	cmd.Flags().BoolVar(&f.audio, "audio", false, "add a system audio track")
	cmd.Flags().IntVar(&f.width, "width", 0, "capture width (default CAPTURE_WIDTH)")
	cmd.Flags().IntVar(&f.height, "height", 0, "capture height (default CAPTURE_HEIGHT)")
	cmd.Flags().IntVar(&f.fps, "fps", 0, "maximum frame rate (default CAPTURE_FRAME_RATE)")
	_ = cmd.MarkFlagRequired("source")
}

func newHostCmd() *cobra.Command {
	var (
		capture captureFlags
		noCopy  bool
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start a session and share a file as your screen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			rt, err := setup(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			orch := rt.newOrchestrator(media.NewFileCapturer(capture.source, capture.loop), terminalClipboard(noCopy))
			if err := orch.Start(ctx); err != nil {
				return err
			}
			defer orch.Stop()

			constraints := rt.constraints(capture.width, capture.height, capture.fps, capture.audio)
			if _, err := orch.StartHosting(ctx, sharing.HostOptions{Constraints: constraints}); err != nil {
				return fmt.Errorf("failed to start hosting: %w", err)
			}

			link, copied := orch.CopySessionLink()
			fmt.Fprintln(out, renderLink(link, copied))
			if err := printStreamInfo(out, "local", orch.GetStreamInfo()); err != nil {
				return err
			}

			_, err = watch(ctx, orch, out, "host", never)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	capture.register(cmd)
	cmd.Flags().BoolVar(&noCopy, "no-copy", false, "do not copy the link to the clipboard")
	return cmd
}
