package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
	"github.com/RoseWrightdev/screenshare/internal/v1/media"
	"github.com/RoseWrightdev/screenshare/internal/v1/sharing"
)

func newJoinCmd() *cobra.Command {
	var record string

	cmd := &cobra.Command{
		Use:   "join <session-id|link>",
		Short: "Join a session and watch the shared screen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			sessionID, err := sharing.ParseSessionLink(args[0])
			if err != nil {
				return err
			}

			rt, err := setup(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.close()

			orch := rt.newOrchestrator(nil, nil)
			if err := orch.Start(ctx); err != nil {
				return err
			}
			defer orch.Stop()

			if err := orch.JoinSession(ctx, sessionID); err != nil {
				return fmt.Errorf("failed to join %s: %w", sessionID, err)
			}

			err = view(ctx, orch, out, record)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&record, "record", "", "write the received video to this IVF file")
	return cmd
}

// view waits for the connection, optionally records the remote video, and
// returns when ctx ends or the connection fails.
func view(ctx context.Context, orch *sharing.Orchestrator, out io.Writer, record string) error {
	st, err := watch(ctx, orch, out, "viewer", connectedOrFailed)
	if err != nil {
		return err
	}
	if st.Phase == sharing.PhaseFailed {
		return fmt.Errorf("connection failed: %s", st.Error)
	}

	if record == "" {
		if err := printStreamInfo(out, "remote", orch.GetStreamInfo()); err != nil {
			return err
		}
		return waitUntilFailed(ctx, orch, out)
	}

	st, err = watch(ctx, orch, out, "viewer", func(s sharing.SharingState) bool {
		return s.Phase == sharing.PhaseFailed || (s.RemoteStream != nil && s.RemoteStream.VideoTrack() != nil)
	})
	if err != nil {
		return err
	}
	if st.Phase == sharing.PhaseFailed {
		return fmt.Errorf("connection failed: %s", st.Error)
	}
	if err := printStreamInfo(out, "remote", orch.GetStreamInfo()); err != nil {
		return err
	}

	recCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		packets int
		err     error
	}
	done := make(chan result, 1)
	go func() {
		n, err := media.Record(recCtx, st.RemoteStream.VideoTrack(), record)
		done <- result{n, err}
	}()

	waitErr := waitUntilFailed(ctx, orch, out)
	cancel()
	res := <-done

	logging.Info(ctx, "Recording finished", zap.String("path", record), zap.Int("packets", res.packets))
	if res.err != nil && !errors.Is(res.err, context.Canceled) {
		return fmt.Errorf("recording failed: %w", res.err)
	}
	return waitErr
}

func waitUntilFailed(ctx context.Context, orch *sharing.Orchestrator, out io.Writer) error {
	st, err := watch(ctx, orch, out, "viewer", func(s sharing.SharingState) bool {
		return s.Phase == sharing.PhaseFailed
	})
	if err != nil {
		return err
	}
	return fmt.Errorf("connection failed: %s", st.Error)
}
