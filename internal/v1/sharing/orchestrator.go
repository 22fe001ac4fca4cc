package sharing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
	"github.com/RoseWrightdev/screenshare/internal/v1/media"
	"github.com/RoseWrightdev/screenshare/internal/v1/metrics"
	"github.com/RoseWrightdev/screenshare/internal/v1/peer"
	"github.com/RoseWrightdev/screenshare/internal/v1/types"
)

var (
	// ErrNotStarted is returned by session operations before Start.
	ErrNotStarted = errors.New("orchestrator not started")
	// ErrAlreadyActive is returned when a session or start is already in progress.
	ErrAlreadyActive = errors.New("a sharing session is already active")
	// ErrSessionNotFound is returned when joining a session that does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrJoinRejected is returned when the channel refuses the join, e.g. the session is full.
	ErrJoinRejected = errors.New("session join rejected")
)

var tracer = otel.Tracer("github.com/RoseWrightdev/screenshare/internal/v1/sharing")

// Engine is the peer connection engine as seen by the orchestrator.
type Engine interface {
	CreateOffer(ctx context.Context, stream *media.Stream, sessionID, userID string) (*webrtc.SessionDescription, error)
	HandleSignalingMessage(ctx context.Context, msg types.SignalingMessage) error
	CloseConnection()
	Outbound() <-chan types.SignalingMessage
	Changes() <-chan struct{}
	State() peer.State
}

var _ Engine = (*peer.Engine)(nil)

// SharingState is the read surface for a UI.
type SharingState struct {
	Mode         types.Mode
	SessionID    string
	UserID       string
	Participants []string
	Phase        Phase
	IsOfferSent  bool
	IsAnswerSent bool
	RemoteStream *media.RemoteStream
	IsConnected  bool
	Error        string
}

// HostOptions configure StartHosting. Zero constraints mean the defaults.
type HostOptions struct {
	Constraints media.Constraints
}

// TrackInfo describes one track of the active stream.
type TrackInfo struct {
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Kind     media.Kind     `json:"kind"`
	Settings media.Settings `json:"settings"`
}

// StreamInfo describes the stream relevant to the current mode.
type StreamInfo struct {
	Video *TrackInfo `json:"video,omitempty"`
	Audio *TrackInfo `json:"audio,omitempty"`
}

// Orchestrator drives one sharing session at a time on top of a signaling
// channel and a peer engine. It outlives sessions: call Start once, run any
// number of sessions, then Stop.
type Orchestrator struct {
	channel   types.SignalingChannel
	engine    Engine
	capturer  media.Capturer
	clipboard Clipboard
	origin    string
	userID    string

	changes chan struct{}

	mu           sync.Mutex
	mode         types.Mode
	sessionID    string
	participants []string
	phase        Phase
	remoteStream *media.RemoteStream
	isConnected  bool
	err          string
	localStream  *media.Stream
	startedAt    time.Time

	busy bool   // a start is capturing without the lock
	gen  uint64 // bumped by StopSession so an in-flight start can notice

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewOrchestrator wires the collaborators. userID must be the id the engine
// was created with. capturer and clipboard may be nil; a viewer needs neither.
func NewOrchestrator(channel types.SignalingChannel, engine Engine, capturer media.Capturer, clipboard Clipboard, origin, userID string) *Orchestrator {
	return &Orchestrator{
		channel:      channel,
		engine:       engine,
		capturer:     capturer,
		clipboard:    clipboard,
		origin:       origin,
		userID:       userID,
		changes:      make(chan struct{}, 1),
		mode:         types.ModeIdle,
		phase:        PhaseIdle,
		participants: []string{},
	}
}

// Start launches the goroutine that forwards engine output to the channel.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.runCtx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go o.pump(o.runCtx)
	return nil
}

// Stop tears down any session and waits for the pump to exit. Later calls are no-ops.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	if err := o.StopSession(context.Background()); err != nil {
		logging.Warn(context.Background(), "Session teardown reported errors", zap.Error(err))
	}
	o.cancel()
	o.wg.Wait()
}

// UserID is the local participant id.
func (o *Orchestrator) UserID() string { return o.userID }

// Changes receives a value after one or more state changes.
func (o *Orchestrator) Changes() <-chan struct{} { return o.changes }

// State returns a snapshot of the sharing state.
func (o *Orchestrator) State() SharingState {
	o.mu.Lock()
	defer o.mu.Unlock()

	participants := make([]string, len(o.participants))
	copy(participants, o.participants)
	return SharingState{
		Mode:         o.mode,
		SessionID:    o.sessionID,
		UserID:       o.userID,
		Participants: participants,
		Phase:        o.phase,
		IsOfferSent:  offerSent(o.mode, o.phase),
		IsAnswerSent: answerSent(o.mode, o.phase),
		RemoteStream: o.remoteStream,
		IsConnected:  o.isConnected,
		Error:        o.err,
	}
}

// WebRTCState exposes the engine's connection state.
func (o *Orchestrator) WebRTCState() peer.State {
	return o.engine.State()
}

// LocalStream is the captured stream, or nil.
func (o *Orchestrator) LocalStream() *media.Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localStream
}

// IsCapturing reports whether a live local capture exists.
func (o *Orchestrator) IsCapturing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.localStream != nil && o.localStream.Active()
}

// StartScreenCapture acquires a new local stream, replacing any previous one.
// When the source ends the video, the capture is torn down.
func (o *Orchestrator) StartScreenCapture(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	var stream *media.Stream
	err := media.ErrNotSupported
	if o.capturer != nil {
		stream, err = o.capturer.Capture(ctx, c.WithDefaults())
	}
	if err != nil {
		metrics.CaptureFailures.WithLabelValues(media.FailureReason(err)).Inc()
		logging.Warn(ctx, "Screen capture failed", zap.Error(err))
		return nil, fmt.Errorf("%s: %w", media.CaptureErrorMessage(err), err)
	}

	o.mu.Lock()
	if o.localStream != nil {
		o.localStream.Stop()
	}
	o.localStream = stream
	o.mu.Unlock()

	// A source that already ended tears the capture down right here.
	for _, t := range stream.VideoTracks() {
		t.OnEnded(func() { o.onCaptureEnded(stream) })
	}
	o.notify()
	return stream, nil
}

// StopScreenCapture stops every local track. Safe to call when not capturing.
func (o *Orchestrator) StopScreenCapture() {
	o.mu.Lock()
	o.stopCaptureLocked()
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) stopCaptureLocked() {
	if o.localStream == nil {
		return
	}
	o.localStream.Stop()
	o.localStream = nil
}

func (o *Orchestrator) onCaptureEnded(stream *media.Stream) {
	o.mu.Lock()
	if o.localStream != stream {
		o.mu.Unlock()
		return
	}
	o.stopCaptureLocked()
	ctx := logging.WithSession(context.Background(), o.sessionID)
	o.mu.Unlock()

	logging.Info(ctx, "Screen capture ended by source")
	o.notify()
}

// StartHosting captures the screen, creates a session and sends the offer.
// Capture and session errors are returned and leave the orchestrator idle.
// A failed offer is not returned: it moves the phase to failed and sets Error.
func (o *Orchestrator) StartHosting(ctx context.Context, opts HostOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "sharing.StartHosting", trace.WithAttributes(attribute.String("user.id", o.userID)))
	defer span.End()

	gen, err := o.begin()
	if err != nil {
		return "", spanError(span, err)
	}
	defer o.end()

	stream, err := o.StartScreenCapture(ctx, opts.Constraints)
	if err != nil {
		return "", spanError(span, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.gen != gen {
		o.stopCaptureLocked()
		return "", spanError(span, fmt.Errorf("session stopped while capturing: %w", media.ErrCancelled))
	}

	sessionID, err := o.channel.CreateSession(ctx, o.userID)
	if err != nil {
		o.stopCaptureLocked()
		return "", spanError(span, fmt.Errorf("failed to create session: %w", err))
	}
	ctx = logging.WithUser(logging.WithSession(ctx, sessionID), o.userID)
	span.SetAttributes(attribute.String("session.id", sessionID))

	if err := o.channel.Listen(o.runCtx, sessionID, o.userID, o.onMessage); err != nil {
		if leaveErr := o.channel.LeaveSession(ctx, sessionID, o.userID); leaveErr != nil {
			logging.Warn(ctx, "Failed to leave session after listen error", zap.Error(leaveErr))
		}
		o.stopCaptureLocked()
		return "", spanError(span, fmt.Errorf("failed to listen on session: %w", err))
	}

	o.mode = types.ModeHosting
	o.sessionID = sessionID
	o.participants = []string{o.userID}
	o.startedAt = time.Now()
	o.setPhaseLocked(ctx, PhaseAwaitingAnswer)
	defer o.notify()

	logging.Info(ctx, "Hosting session", zap.Int("tracks", len(stream.Tracks())))

	if _, err := o.engine.CreateOffer(ctx, stream, sessionID, o.userID); err != nil {
		o.err = err.Error()
		o.setPhaseLocked(ctx, PhaseFailed)
		span.RecordError(err)
		logging.Error(ctx, "Failed to send offer", zap.Error(err))
	}
	return sessionID, nil
}

// JoinSession joins an existing session as the viewer and waits for the
// host's offer. A missing or full session is returned as an error.
func (o *Orchestrator) JoinSession(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "sharing.JoinSession", trace.WithAttributes(
		attribute.String("user.id", o.userID), attribute.String("session.id", sessionID)))
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkIdleLocked(); err != nil {
		return spanError(span, err)
	}
	ctx = logging.WithUser(logging.WithSession(ctx, sessionID), o.userID)

	exists, err := o.channel.SessionExists(ctx, sessionID)
	if err != nil {
		return spanError(span, fmt.Errorf("failed to look up session: %w", err))
	}
	if !exists {
		return spanError(span, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	}

	joined, err := o.channel.JoinSession(ctx, sessionID, o.userID)
	if err != nil {
		return spanError(span, fmt.Errorf("failed to join session: %w", err))
	}
	if !joined {
		return spanError(span, fmt.Errorf("%w: %s", ErrJoinRejected, sessionID))
	}

	if err := o.channel.Listen(o.runCtx, sessionID, o.userID, o.onMessage); err != nil {
		if leaveErr := o.channel.LeaveSession(ctx, sessionID, o.userID); leaveErr != nil {
			logging.Warn(ctx, "Failed to leave session after listen error", zap.Error(leaveErr))
		}
		return spanError(span, fmt.Errorf("failed to listen on session: %w", err))
	}

	o.mode = types.ModeViewing
	o.sessionID = sessionID
	o.participants = []string{o.userID}
	o.startedAt = time.Now()
	o.setPhaseLocked(ctx, PhaseAwaitingOffer)

	if err := o.channel.SendMessage(ctx, types.NewPresenceMessage(types.MessageTypeJoin, sessionID, o.userID)); err != nil {
		logging.Warn(ctx, "Failed to announce join", zap.Error(err))
	}

	logging.Info(ctx, "Joined session")
	o.notify()
	return nil
}

// StopSession leaves the session, stops capture, closes the connection and
// resets to idle. It is safe in any mode and always completes the teardown;
// errors from the channel are joined and returned.
func (o *Orchestrator) StopSession(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "sharing.StopSession")
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.gen++
	var errs []error

	if o.mode != types.ModeIdle && o.sessionID != "" {
		sessionID := o.sessionID
		ctx = logging.WithUser(logging.WithSession(ctx, sessionID), o.userID)
		span.SetAttributes(attribute.String("session.id", sessionID))

		o.channel.StopListening(sessionID, o.userID)
		if err := o.channel.SendMessage(ctx, types.NewPresenceMessage(types.MessageTypeLeave, sessionID, o.userID)); err != nil {
			errs = append(errs, fmt.Errorf("failed to announce leave: %w", err))
		}
		if err := o.channel.LeaveSession(ctx, sessionID, o.userID); err != nil {
			errs = append(errs, fmt.Errorf("failed to leave session: %w", err))
		}
		logging.Info(ctx, "Session stopped", zap.String("mode", string(o.mode)))
	}

	o.stopCaptureLocked()
	o.engine.CloseConnection()
	o.resetLocked(ctx)
	o.notify()

	err := errors.Join(errs...)
	if err != nil {
		spanError(span, err)
	}
	return err
}

// CopySessionLink writes the share link of the active session to the
// clipboard. It reports false when there is no session or the copy failed.
func (o *Orchestrator) CopySessionLink() (string, bool) {
	link, err := o.SessionLink()
	if err != nil {
		logging.Warn(context.Background(), "Cannot build session link", zap.Error(err))
		return "", false
	}
	if o.clipboard == nil {
		return link, false
	}
	if err := o.clipboard.Copy(link); err != nil {
		logging.Warn(context.Background(), "Failed to copy session link", zap.Error(err))
		return link, false
	}
	return link, true
}

// SessionLink returns the share link of the active session.
func (o *Orchestrator) SessionLink() (string, error) {
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()
	return BuildSessionLink(o.origin, sessionID)
}

// GetStreamInfo describes the local stream when hosting and the remote stream
// when viewing. It returns nil when neither exists.
func (o *Orchestrator) GetStreamInfo() *StreamInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.mode {
	case types.ModeHosting:
		if o.localStream == nil {
			return nil
		}
		info := &StreamInfo{}
		if v := o.localStream.VideoTracks(); len(v) > 0 {
			info.Video = localTrackInfo(v[0])
		}
		if a := o.localStream.AudioTracks(); len(a) > 0 {
			info.Audio = localTrackInfo(a[0])
		}
		return info
	case types.ModeViewing:
		if o.remoteStream == nil {
			return nil
		}
		info := &StreamInfo{}
		if v := o.remoteStream.VideoTrack(); v != nil {
			info.Video = remoteTrackInfo(v)
		}
		if a := o.remoteStream.AudioTrack(); a != nil {
			info.Audio = remoteTrackInfo(a)
		}
		return info
	}
	return nil
}

func localTrackInfo(t *media.Track) *TrackInfo {
	return &TrackInfo{ID: t.ID(), Label: t.Label(), Kind: t.Kind(), Settings: t.Settings()}
}

func remoteTrackInfo(t *media.RemoteTrack) *TrackInfo {
	return &TrackInfo{ID: t.ID(), Label: t.Codec().MimeType, Kind: t.Kind(), Settings: t.Settings()}
}

// onMessage applies the routing policy: only messages for the active session,
// from someone else, that fit the current role and phase reach the engine.
func (o *Orchestrator) onMessage(msg types.SignalingMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.runCtx == nil {
		return
	}
	ctx := logging.WithUser(logging.WithSession(o.runCtx, msg.SessionID), o.userID)

	if o.mode == types.ModeIdle || msg.SessionID != o.sessionID {
		o.ignore(ctx, msg, "inactive session")
		return
	}
	if msg.UserID == o.userID {
		o.ignore(ctx, msg, "own message")
		return
	}

	switch msg.Type {
	case types.MessageTypeOffer:
		// awaiting-offer is the only viewer phase without an answer sent.
		if o.mode != types.ModeViewing || o.phase != PhaseAwaitingOffer {
			o.ignore(ctx, msg, "not awaiting an offer")
			return
		}
		o.addParticipantLocked(msg.UserID)
		o.setPhaseLocked(ctx, PhaseNegotiating)
		o.forwardLocked(ctx, msg)

	case types.MessageTypeAnswer:
		// awaiting-answer is the only host phase with an unanswered offer out.
		if o.mode != types.ModeHosting || o.phase != PhaseAwaitingAnswer {
			o.ignore(ctx, msg, "not awaiting an answer")
			return
		}
		o.addParticipantLocked(msg.UserID)
		o.setPhaseLocked(ctx, PhaseNegotiating)
		o.forwardLocked(ctx, msg)

	case types.MessageTypeICECandidate:
		if err := o.engine.HandleSignalingMessage(ctx, msg); err != nil {
			o.err = err.Error()
			metrics.SignalingMessages.WithLabelValues("received", string(msg.Type), "error").Inc()
			o.notify()
			return
		}

	case types.MessageTypeJoin:
		o.addParticipantLocked(msg.UserID)
		logging.Info(ctx, "Participant joined", zap.String("participant_id", msg.UserID))

	case types.MessageTypeLeave:
		o.removeParticipantLocked(msg.UserID)
		logging.Info(ctx, "Participant left", zap.String("participant_id", msg.UserID))

	default:
		o.ignore(ctx, msg, "unknown type")
		return
	}

	metrics.SignalingMessages.WithLabelValues("received", string(msg.Type), "ok").Inc()
	o.notify()
}

// forwardLocked hands an offer or answer to the engine. Any failure ends
// the negotiation.
func (o *Orchestrator) forwardLocked(ctx context.Context, msg types.SignalingMessage) {
	if err := o.engine.HandleSignalingMessage(ctx, msg); err != nil {
		o.err = err.Error()
		o.setPhaseLocked(ctx, PhaseFailed)
		logging.Error(ctx, "Negotiation failed", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (o *Orchestrator) ignore(ctx context.Context, msg types.SignalingMessage, reason string) {
	metrics.SignalingMessages.WithLabelValues("received", string(msg.Type), "ignored").Inc()
	logging.Debug(ctx, "Ignoring signaling message",
		zap.String("type", string(msg.Type)),
		zap.String("from", msg.UserID),
		zap.String("reason", reason))
}

// pump forwards engine output to the channel and mirrors engine state.
func (o *Orchestrator) pump(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-o.engine.Outbound():
			o.send(ctx, msg)
		case <-o.engine.Changes():
			o.syncEngineState()
		}
	}
}

func (o *Orchestrator) send(ctx context.Context, msg types.SignalingMessage) {
	o.mu.Lock()
	active := o.mode != types.ModeIdle && msg.SessionID == o.sessionID
	o.mu.Unlock()

	ctx = logging.WithSession(ctx, msg.SessionID)
	if !active {
		logging.Debug(ctx, "Dropping engine output for inactive session", zap.String("type", string(msg.Type)))
		return
	}
	if err := o.channel.SendMessage(ctx, msg); err != nil {
		logging.Error(ctx, "Failed to send signaling message", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (o *Orchestrator) syncEngineState() {
	o.mu.Lock()
	defer o.notify()
	defer o.mu.Unlock()

	if o.mode == types.ModeIdle {
		return
	}
	st := o.engine.State()
	ctx := logging.WithUser(logging.WithSession(o.runCtx, o.sessionID), o.userID)

	o.remoteStream = st.RemoteStream
	o.isConnected = st.IsConnected
	switch {
	case st.Error != "":
		o.err = st.Error
	case o.phase != PhaseFailed:
		o.err = ""
	}

	switch {
	case st.ConnectionState == webrtc.PeerConnectionStateFailed && o.phase.CanTransition(PhaseFailed):
		o.setPhaseLocked(ctx, PhaseFailed)
	case st.IsConnected && o.phase == PhaseNegotiating:
		o.setPhaseLocked(ctx, PhaseConnected)
		metrics.NegotiationDuration.WithLabelValues(string(o.mode)).Observe(time.Since(o.startedAt).Seconds())
		logging.Info(ctx, "Peer connected", zap.Duration("elapsed", time.Since(o.startedAt)))
	}
}

// begin reserves the orchestrator for a start that captures without the lock.
func (o *Orchestrator) begin() (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkIdleLocked(); err != nil {
		return 0, err
	}
	o.busy = true
	return o.gen, nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

func (o *Orchestrator) checkIdleLocked() error {
	if !o.started || o.stopped {
		return ErrNotStarted
	}
	if o.mode != types.ModeIdle || o.busy {
		return ErrAlreadyActive
	}
	return nil
}

func (o *Orchestrator) setPhaseLocked(ctx context.Context, next Phase) {
	p, err := o.phase.Transition(next)
	if err != nil {
		logging.Warn(ctx, "Rejected phase change", zap.Error(err))
		return
	}
	o.phase = p
}

func (o *Orchestrator) resetLocked(ctx context.Context) {
	if o.phase != PhaseIdle {
		o.setPhaseLocked(ctx, PhaseIdle)
	}
	o.mode = types.ModeIdle
	o.sessionID = ""
	o.participants = []string{}
	o.remoteStream = nil
	o.isConnected = false
	o.err = ""
	o.startedAt = time.Time{}
}

func (o *Orchestrator) addParticipantLocked(userID string) {
	for _, p := range o.participants {
		if p == userID {
			return
		}
	}
	o.participants = append(o.participants, userID)
}

func (o *Orchestrator) removeParticipantLocked(userID string) {
	for i, p := range o.participants {
		if p == userID {
			o.participants = append(o.participants[:i], o.participants[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) notify() {
	select {
	case o.changes <- struct{}{}:
	default:
	}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
