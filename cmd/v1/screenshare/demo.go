package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/RoseWrightdev/screenshare/internal/v1/media"
	"github.com/RoseWrightdev/screenshare/internal/v1/sharing"
)

const connectTimeout = 30 * time.Second

func newDemoCmd() *cobra.Command {
	var (
		capture  captureFlags
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a host and a viewer in one process over loopback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			rt, err := setup(ctx, runtimeOptions{inProcess: true})
			if err != nil {
				return err
			}
			defer rt.close()

			host := rt.newOrchestrator(media.NewFileCapturer(capture.source, capture.loop), nil)
			viewer := rt.newOrchestrator(nil, nil)
			for _, o := range []*sharing.Orchestrator{host, viewer} {
				if err := o.Start(ctx); err != nil {
					return err
				}
				defer o.Stop()
			}

			constraints := rt.constraints(capture.width, capture.height, capture.fps, capture.audio)
			if _, err := host.StartHosting(ctx, sharing.HostOptions{Constraints: constraints}); err != nil {
				return fmt.Errorf("failed to start hosting: %w", err)
			}

			link, err := host.SessionLink()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderLink(link, false))

			sessionID, err := sharing.ParseSessionLink(link)
			if err != nil {
				return err
			}
			if err := viewer.JoinSession(ctx, sessionID); err != nil {
				return fmt.Errorf("viewer failed to join: %w", err)
			}

			connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()
			for role, o := range map[string]*sharing.Orchestrator{"viewer": viewer, "host": host} {
				st, err := watch(connectCtx, o, out, role, connectedOrFailed)
				if err != nil {
					return fmt.Errorf("%s did not connect: %w", role, err)
				}
				if st.Phase == sharing.PhaseFailed {
					return fmt.Errorf("%s connection failed: %s", role, st.Error)
				}
			}

			if err := printStreamInfo(out, "local", host.GetStreamInfo()); err != nil {
				return err
			}
			if err := printStreamInfo(out, "remote", viewer.GetStreamInfo()); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
			case <-time.After(duration):
			}

			stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return errors.Join(viewer.StopSession(stopCtx), host.StopSession(stopCtx))
		},
	}

	capture.register(cmd)
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to keep the demo connected")
	return cmd
}
