package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
	"github.com/RoseWrightdev/screenshare/internal/v1/media"
	"github.com/RoseWrightdev/screenshare/internal/v1/metrics"
	"github.com/RoseWrightdev/screenshare/internal/v1/types"
)

var (
	// ErrNotStable is returned by CreateAnswer while another negotiation is in flight.
	ErrNotStable = errors.New("signaling state is not stable")
	// ErrUnexpectedAnswer is returned by HandleAnswer when no local offer is pending.
	ErrUnexpectedAnswer = errors.New("no local offer awaiting an answer")
)

// ConnectionFailedMessage is the error surfaced when the transport fails.
const ConnectionFailedMessage = "Connection failed. Please try stopping and starting the session again."

const (
	outboundBufferSize   = 64
	maxPendingCandidates = 64
)

// State is a snapshot of the engine's observable state.
type State struct {
	ConnectionState webrtc.PeerConnectionState
	SignalingState  webrtc.SignalingState
	IsConnected     bool
	IsConnecting    bool
	RemoteStream    *media.RemoteStream
	Error           string
}

func initialState() State {
	return State{
		ConnectionState: webrtc.PeerConnectionStateNew,
		SignalingState:  webrtc.SignalingStateStable,
	}
}

// Engine owns one peer connection and drives its offer/answer/ICE handshake.
// Outbound signaling messages are published on Outbound; state changes are
// announced on Changes.
type Engine struct {
	newPeerConnection Factory
	localUserID       string

	outbound chan types.SignalingMessage
	changes  chan struct{}

	// opMu serializes operations that call into the peer connection.
	// Callbacks from pion only take mu, which is never held across a pion call.
	opMu sync.Mutex

	mu        sync.Mutex
	pc        PeerConnection
	sessionID string
	userID    string
	tracks    []*media.Track
	pending   []webrtc.ICECandidateInit
	state     State

	drains sync.WaitGroup
}

// NewEngine creates an idle engine. localUserID tags answers produced from
// HandleSignalingMessage.
func NewEngine(localUserID string, factory Factory) *Engine {
	return &Engine{
		newPeerConnection: factory,
		localUserID:       localUserID,
		outbound:          make(chan types.SignalingMessage, outboundBufferSize),
		changes:           make(chan struct{}, 1),
		state:             initialState(),
	}
}

// Outbound delivers messages the engine wants sent to the remote peer.
func (e *Engine) Outbound() <-chan types.SignalingMessage { return e.outbound }

// Changes receives a value after one or more state changes. Read State for the details.
func (e *Engine) Changes() <-chan struct{} { return e.changes }

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CreateOffer opens a fresh connection carrying every track of stream,
// applies the offer locally and emits it.
func (e *Engine) CreateOffer(ctx context.Context, stream *media.Stream, sessionID, userID string) (*webrtc.SessionDescription, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.discard()
	e.clearPending()

	pc, err := e.open(sessionID, userID)
	if err != nil {
		return nil, e.fail(ctx, "offer", err)
	}

	if stream != nil {
		for _, track := range stream.Tracks() {
			sender, err := pc.AddTrack(track.Local())
			if err != nil {
				e.discard()
				return nil, e.fail(ctx, "offer", fmt.Errorf("failed to add %s track: %w", track.Kind(), err))
			}
			e.mu.Lock()
			e.tracks = append(e.tracks, track)
			e.mu.Unlock()
			e.drainRTCP(sender)
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		e.discard()
		return nil, e.fail(ctx, "offer", fmt.Errorf("failed to create offer: %w", err))
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		e.discard()
		return nil, e.fail(ctx, "offer", fmt.Errorf("failed to set local description: %w", err))
	}
	e.syncSignalingState(pc)

	msg, err := types.NewDescriptionMessage(sessionID, userID, offer)
	if err != nil {
		return nil, e.fail(ctx, "offer", err)
	}
	e.emit(ctx, msg)

	metrics.NegotiationOutcomes.WithLabelValues("offer", "ok").Inc()
	logging.Info(ctx, "Offer created", zap.String("session_id", sessionID), zap.Int("tracks", len(e.attachedTracks())))
	return &offer, nil
}

// CreateAnswer applies a remote offer and emits the answer. The connection is
// reused when it already belongs to sessionID. It returns ErrNotStable, and
// changes nothing, unless the signaling state is stable.
func (e *Engine) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription, sessionID, userID string) (*webrtc.SessionDescription, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	pc := e.pc
	reuse := pc != nil && e.sessionID == sessionID
	e.mu.Unlock()

	if !reuse {
		e.discard()
		var err error
		if pc, err = e.open(sessionID, userID); err != nil {
			return nil, e.fail(ctx, "answer", err)
		}
	}

	if state := pc.SignalingState(); state != webrtc.SignalingStateStable {
		metrics.NegotiationOutcomes.WithLabelValues("answer", "ignored").Inc()
		logging.Warn(ctx, "Ignoring offer, negotiation already in progress",
			zap.String("session_id", sessionID), zap.String("signaling_state", state.String()))
		return nil, ErrNotStable
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, e.fail(ctx, "answer", fmt.Errorf("failed to set remote offer: %w", err))
	}
	e.flushCandidates(ctx, pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, e.fail(ctx, "answer", fmt.Errorf("failed to create answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, e.fail(ctx, "answer", fmt.Errorf("failed to set local description: %w", err))
	}
	e.syncSignalingState(pc)

	msg, err := types.NewDescriptionMessage(sessionID, userID, answer)
	if err != nil {
		return nil, e.fail(ctx, "answer", err)
	}
	e.emit(ctx, msg)

	metrics.NegotiationOutcomes.WithLabelValues("answer", "ok").Inc()
	logging.Info(ctx, "Answer created", zap.String("session_id", sessionID))
	return &answer, nil
}

// HandleAnswer applies a remote answer when a local offer is pending.
func (e *Engine) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()

	if pc == nil || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		metrics.NegotiationOutcomes.WithLabelValues("apply-answer", "ignored").Inc()
		logging.Warn(ctx, "Ignoring answer without a pending local offer")
		return ErrUnexpectedAnswer
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return e.fail(ctx, "apply-answer", fmt.Errorf("failed to set remote answer: %w", err))
	}
	e.syncSignalingState(pc)
	e.flushCandidates(ctx, pc)

	metrics.NegotiationOutcomes.WithLabelValues("apply-answer", "ok").Inc()
	logging.Info(ctx, "Answer applied")
	return nil
}

// HandleIceCandidate adds a remote candidate. Candidates that arrive before a
// remote description are held and applied once it is set.
func (e *Engine) HandleIceCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()

	if pc == nil || pc.RemoteDescription() == nil {
		e.mu.Lock()
		if len(e.pending) >= maxPendingCandidates {
			e.mu.Unlock()
			metrics.NegotiationOutcomes.WithLabelValues("ice", "dropped").Inc()
			logging.Warn(ctx, "Too many early ICE candidates, dropping")
			return nil
		}
		e.pending = append(e.pending, candidate)
		e.mu.Unlock()
		logging.Debug(ctx, "Buffered early ICE candidate")
		return nil
	}

	if err := pc.AddICECandidate(candidate); err != nil {
		return e.fail(ctx, "ice", fmt.Errorf("failed to add ICE candidate: %w", err))
	}
	metrics.NegotiationOutcomes.WithLabelValues("ice", "ok").Inc()
	return nil
}

// HandleSignalingMessage dispatches offer, answer and ice-candidate messages.
// Other types are logged and ignored.
func (e *Engine) HandleSignalingMessage(ctx context.Context, msg types.SignalingMessage) error {
	switch msg.Type {
	case types.MessageTypeOffer:
		offer, err := msg.SessionDescription()
		if err != nil {
			return e.fail(ctx, "answer", err)
		}
		_, err = e.CreateAnswer(ctx, offer, msg.SessionID, e.localUserID)
		return err
	case types.MessageTypeAnswer:
		answer, err := msg.SessionDescription()
		if err != nil {
			return e.fail(ctx, "apply-answer", err)
		}
		return e.HandleAnswer(ctx, answer)
	case types.MessageTypeICECandidate:
		candidate, err := msg.ICECandidate()
		if err != nil {
			return e.fail(ctx, "ice", err)
		}
		return e.HandleIceCandidate(ctx, candidate)
	default:
		logging.Debug(ctx, "Engine ignoring message", zap.String("type", string(msg.Type)))
		return nil
	}
}

// CloseConnection closes the connection, stops the tracks attached by
// CreateOffer and resets all state. It is safe to call at any time, including repeatedly.
func (e *Engine) CloseConnection() {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	for _, t := range e.discard() {
		t.Stop()
	}

	e.mu.Lock()
	e.pending = nil
	e.state = initialState()
	e.mu.Unlock()
	e.notify()
}

// open creates a connection for sessionID and makes it current.
func (e *Engine) open(sessionID, userID string) (PeerConnection, error) {
	pc, err := e.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) { e.onLocalCandidate(pc, c) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { e.onConnectionState(pc, s) })
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { e.onTrack(pc, t) })

	e.mu.Lock()
	e.pc = pc
	e.sessionID = sessionID
	e.userID = userID
	e.state = initialState()
	e.mu.Unlock()
	e.notify()
	return pc, nil
}

func (e *Engine) clearPending() {
	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
}

// discard detaches and closes the current connection, if any, and returns the
// tracks that were attached to it. Buffered remote candidates survive so an
// answerer can apply those that beat the offer. Must hold opMu.
func (e *Engine) discard() []*media.Track {
	e.mu.Lock()
	pc := e.pc
	tracks := e.tracks
	e.pc = nil
	e.sessionID = ""
	e.userID = ""
	e.tracks = nil
	e.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			logging.Warn(context.Background(), "Failed to close peer connection", zap.Error(err))
		}
	}
	e.drains.Wait()
	return tracks
}

func (e *Engine) attachedTracks() []*media.Track {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracks
}

// drainRTCP reads sender reports so the interceptors keep running.
func (e *Engine) drainRTCP(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}
	e.drains.Add(1)
	go func() {
		defer e.drains.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (e *Engine) flushCandidates(ctx context.Context, pc PeerConnection) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			logging.Warn(ctx, "Failed to apply buffered ICE candidate", zap.Error(err))
			continue
		}
		metrics.NegotiationOutcomes.WithLabelValues("ice", "ok").Inc()
	}
}

func (e *Engine) syncSignalingState(pc PeerConnection) {
	state := pc.SignalingState()
	e.mu.Lock()
	if e.pc != pc {
		e.mu.Unlock()
		return
	}
	e.state.SignalingState = state
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) onLocalCandidate(pc PeerConnection, c *webrtc.ICECandidate) {
	if c == nil {
		return
	}

	e.mu.Lock()
	if e.pc != pc || e.sessionID == "" {
		e.mu.Unlock()
		return
	}
	sessionID, userID := e.sessionID, e.userID
	e.mu.Unlock()

	msg, err := types.NewCandidateMessage(sessionID, userID, c.ToJSON())
	if err != nil {
		logging.Error(context.Background(), "Failed to encode ICE candidate", zap.Error(err))
		return
	}
	e.emit(logging.WithSession(context.Background(), sessionID), msg)
}

func (e *Engine) onConnectionState(pc PeerConnection, s webrtc.PeerConnectionState) {
	e.mu.Lock()
	if e.pc != pc {
		e.mu.Unlock()
		return
	}
	e.state.ConnectionState = s
	e.state.IsConnected = s == webrtc.PeerConnectionStateConnected
	e.state.IsConnecting = s == webrtc.PeerConnectionStateConnecting
	if s == webrtc.PeerConnectionStateFailed {
		e.state.Error = ConnectionFailedMessage
	} else {
		e.state.Error = ""
	}
	sessionID := e.sessionID
	e.mu.Unlock()

	metrics.ConnectionStates.WithLabelValues(s.String()).Inc()
	ctx := logging.WithSession(context.Background(), sessionID)
	if s == webrtc.PeerConnectionStateFailed {
		logging.Error(ctx, "Peer connection failed")
	} else {
		logging.Info(ctx, "Peer connection state changed", zap.String("state", s.String()))
	}
	e.notify()
}

func (e *Engine) onTrack(pc PeerConnection, t *webrtc.TrackRemote) {
	rt := media.NewRemoteTrack(t)

	e.mu.Lock()
	if e.pc != pc {
		e.mu.Unlock()
		return
	}
	switch {
	case e.state.RemoteStream == nil:
		e.state.RemoteStream = media.NewRemoteStream(rt)
	case e.state.RemoteStream.ID() == rt.StreamID():
		e.state.RemoteStream.AddTrack(rt)
	default:
		e.mu.Unlock()
		logging.Warn(context.Background(), "Ignoring track from a second remote stream", zap.String("stream_id", rt.StreamID()))
		return
	}
	e.mu.Unlock()

	logging.Info(context.Background(), "Remote track received",
		zap.String("track_id", rt.ID()), zap.String("kind", string(rt.Kind())), zap.String("codec", rt.Codec().MimeType))
	e.notify()
}

// emit queues msg without blocking. A full buffer drops the message.
func (e *Engine) emit(ctx context.Context, msg types.SignalingMessage) {
	select {
	case e.outbound <- msg:
	default:
		metrics.DroppedMessages.WithLabelValues("engine_outbound").Inc()
		logging.Warn(ctx, "Outbound signaling buffer full, dropping message", zap.String("type", string(msg.Type)))
	}
}

func (e *Engine) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

// fail records err in the observable state and returns it.
func (e *Engine) fail(ctx context.Context, step string, err error) error {
	e.mu.Lock()
	e.state.Error = err.Error()
	e.mu.Unlock()

	metrics.NegotiationOutcomes.WithLabelValues(step, "error").Inc()
	logging.Error(ctx, "Negotiation step failed", zap.String("step", step), zap.Error(err))
	e.notify()
	return err
}
