package sharing

import (
	"errors"
	"fmt"

	"github.com/RoseWrightdev/screenshare/internal/v1/metrics"
	"github.com/RoseWrightdev/screenshare/internal/v1/types"
)

// ErrInvalidTransition is returned when a phase change is not in the table.
var ErrInvalidTransition = errors.New("invalid phase transition")

// Phase is the negotiation progress of the active session.
//
//	host:   idle -> awaiting-answer -> negotiating -> connected
//	viewer: idle -> awaiting-offer  -> negotiating -> connected
//
// Any live phase can fail; every phase returns to idle on teardown.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAwaitingOffer  Phase = "awaiting-offer"
	PhaseAwaitingAnswer Phase = "awaiting-answer"
	PhaseNegotiating    Phase = "negotiating"
	PhaseConnected      Phase = "connected"
	PhaseFailed         Phase = "failed"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:           {PhaseAwaitingOffer, PhaseAwaitingAnswer},
	PhaseAwaitingOffer:  {PhaseNegotiating, PhaseFailed, PhaseIdle},
	PhaseAwaitingAnswer: {PhaseNegotiating, PhaseFailed, PhaseIdle},
	PhaseNegotiating:    {PhaseConnected, PhaseFailed, PhaseIdle},
	PhaseConnected:      {PhaseFailed, PhaseIdle},
	PhaseFailed:         {PhaseIdle},
}

// CanTransition reports whether p may move to next.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range transitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next, or ErrInvalidTransition.
func (p Phase) Transition(next Phase) (Phase, error) {
	if !p.CanTransition(next) {
		return p, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p, next)
	}
	metrics.SharingPhases.WithLabelValues(string(p), string(next)).Inc()
	return next, nil
}

// offerSent reports whether a host in phase p has an offer out.
func offerSent(mode types.Mode, p Phase) bool {
	if mode != types.ModeHosting {
		return false
	}
	switch p {
	case PhaseAwaitingAnswer, PhaseNegotiating, PhaseConnected:
		return true
	}
	return false
}

// answerSent reports whether a viewer in phase p has answered.
func answerSent(mode types.Mode, p Phase) bool {
	if mode != types.ModeViewing {
		return false
	}
	return p == PhaseNegotiating || p == PhaseConnected
}
