package main

import (
	"context"
	"fmt"
	"io"

	"github.com/RoseWrightdev/screenshare/internal/v1/sharing"
)

// watch prints phase changes until done reports true or ctx ends.
func watch(ctx context.Context, orch *sharing.Orchestrator, out io.Writer, role string, done func(sharing.SharingState) bool) (sharing.SharingState, error) {
	var last sharing.Phase
	for {
		st := orch.State()
		if st.Phase != last {
			fmt.Fprintln(out, renderState(role, st))
			last = st.Phase
		}
		if done(st) {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return orch.State(), ctx.Err()
		case <-orch.Changes():
		}
	}
}

func connectedOrFailed(st sharing.SharingState) bool {
	return st.Phase == sharing.PhaseConnected || st.Phase == sharing.PhaseFailed
}

func never(sharing.SharingState) bool { return false }
