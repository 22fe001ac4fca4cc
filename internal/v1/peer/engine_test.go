package peer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/RoseWrightdev/screenshare/internal/v1/media"
	"github.com/RoseWrightdev/screenshare/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSession = "a1b2c3d4e5f6"

func newTestEngine(t *testing.T, userID string) (*Engine, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	e := NewEngine(userID, f.New)
	t.Cleanup(e.CloseConnection)
	return e, f
}

func newTestStream(t *testing.T) *media.Stream {
	t.Helper()
	video, err := media.NewTrack(media.KindVideo, "screen", "stream-1",
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, media.Settings{Width: 1920, Height: 1080})
	require.NoError(t, err)
	return media.NewStream("stream-1", video)
}

func nextOutbound(t *testing.T, e *Engine) types.SignalingMessage {
	t.Helper()
	select {
	case msg := <-e.Outbound():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound message")
		return types.SignalingMessage{}
	}
}

func expectNoOutbound(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case msg := <-e.Outbound():
		t.Fatalf("unexpected outbound message %+v", msg)
	default:
	}
}

func offerMessage(t *testing.T, userID string) types.SignalingMessage {
	t.Helper()
	msg, err := types.NewDescriptionMessage(testSession, userID, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=remote-offer\r\n"})
	require.NoError(t, err)
	return msg
}

func answerMessage(t *testing.T, userID string) types.SignalingMessage {
	t.Helper()
	msg, err := types.NewDescriptionMessage(testSession, userID, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=remote-answer\r\n"})
	require.NoError(t, err)
	return msg
}

func TestEngine_InitialState(t *testing.T) {
	e, _ := newTestEngine(t, "host")
	s := e.State()
	assert.Equal(t, webrtc.PeerConnectionStateNew, s.ConnectionState)
	assert.Equal(t, webrtc.SignalingStateStable, s.SignalingState)
	assert.False(t, s.IsConnected)
	assert.Nil(t, s.RemoteStream)
	assert.Empty(t, s.Error)
}

func TestEngine_CreateOffer(t *testing.T) {
	e, f := newTestEngine(t, "host")
	stream := newTestStream(t)

	offer, err := e.CreateOffer(context.Background(), stream, testSession, "host")
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	pc := f.last()
	require.NotNil(t, pc)
	assert.Len(t, pc.tracks, 1, "every stream track is attached")
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, e.State().SignalingState)

	msg := nextOutbound(t, e)
	assert.Equal(t, types.MessageTypeOffer, msg.Type)
	assert.Equal(t, testSession, msg.SessionID)
	assert.Equal(t, "host", msg.UserID)
	desc, err := msg.SessionDescription()
	require.NoError(t, err)
	assert.Equal(t, offer.SDP, desc.SDP)
}

func TestEngine_CreateOfferUsesFreshConnection(t *testing.T) {
	e, f := newTestEngine(t, "host")
	stream := newTestStream(t)

	_, err := e.CreateOffer(context.Background(), stream, testSession, "host")
	require.NoError(t, err)
	first := f.last()

	_, err = e.CreateOffer(context.Background(), stream, testSession, "host")
	require.NoError(t, err)

	assert.Equal(t, 2, f.count())
	assert.True(t, first.isClosed())
	assert.Equal(t, media.ReadyStateLive, stream.VideoTracks()[0].ReadyState(), "replacing the connection keeps capture running")
}

func TestEngine_CreateOfferFailure(t *testing.T) {
	f := &fakeFactory{prepare: func(pc *fakePeerConnection) { pc.failCreateOffer = true }}
	e := NewEngine("host", f.New)
	defer e.CloseConnection()

	offer, err := e.CreateOffer(context.Background(), newTestStream(t), testSession, "host")
	assert.Error(t, err)
	assert.Nil(t, offer)
	assert.NotEmpty(t, e.State().Error)
	assert.True(t, f.last().isClosed(), "a half-built connection is discarded")
	expectNoOutbound(t, e)

	broken := &fakeFactory{fail: true}
	e2 := NewEngine("host", broken.New)
	defer e2.CloseConnection()
	_, err = e2.CreateOffer(context.Background(), nil, testSession, "host")
	assert.Error(t, err)
	assert.Contains(t, e2.State().Error, "failed to create peer connection")
}

func TestEngine_HandleAnswerOnlyOnce(t *testing.T) {
	e, f := newTestEngine(t, "host")
	ctx := context.Background()

	_, err := e.CreateOffer(ctx, newTestStream(t), testSession, "host")
	require.NoError(t, err)
	nextOutbound(t, e)

	require.NoError(t, e.HandleSignalingMessage(ctx, answerMessage(t, "viewer")))
	assert.Equal(t, webrtc.SignalingStateStable, e.State().SignalingState)

	err = e.HandleSignalingMessage(ctx, answerMessage(t, "viewer"))
	assert.ErrorIs(t, err, ErrUnexpectedAnswer)

	f.last().fireState(webrtc.PeerConnectionStateConnected)
	err = e.HandleSignalingMessage(ctx, answerMessage(t, "viewer"))
	assert.ErrorIs(t, err, ErrUnexpectedAnswer)

	assert.Equal(t, 1, f.last().remoteSets, "the remote description is applied exactly once")
	assert.Empty(t, e.State().Error, "a stray answer is not an error")
}

func TestEngine_HandleAnswerWithoutConnection(t *testing.T) {
	e, _ := newTestEngine(t, "host")
	err := e.HandleAnswer(context.Background(), webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	assert.ErrorIs(t, err, ErrUnexpectedAnswer)
}

func TestEngine_CreateAnswer(t *testing.T) {
	e, f := newTestEngine(t, "viewer")
	ctx := context.Background()

	require.NoError(t, e.HandleSignalingMessage(ctx, offerMessage(t, "host")))

	msg := nextOutbound(t, e)
	assert.Equal(t, types.MessageTypeAnswer, msg.Type)
	assert.Equal(t, "viewer", msg.UserID, "answers are tagged with the local user")
	assert.Equal(t, testSession, msg.SessionID)
	assert.Equal(t, webrtc.SignalingStateStable, e.State().SignalingState)
	assert.Equal(t, 1, f.count())
}

func TestEngine_CreateAnswerRequiresStable(t *testing.T) {
	e, f := newTestEngine(t, "host")
	ctx := context.Background()

	_, err := e.CreateOffer(ctx, newTestStream(t), testSession, "host")
	require.NoError(t, err)
	nextOutbound(t, e)

	answer, err := e.CreateAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, testSession, "host")
	assert.ErrorIs(t, err, ErrNotStable)
	assert.Nil(t, answer)
	expectNoOutbound(t, e)
	assert.Equal(t, 1, f.count(), "same session reuses the connection")
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, e.State().SignalingState)
}

func TestEngine_MalformedOffer(t *testing.T) {
	f := &fakeFactory{prepare: func(pc *fakePeerConnection) { pc.failSetRemote = true }}
	e := NewEngine("viewer", f.New)
	defer e.CloseConnection()

	err := e.HandleSignalingMessage(context.Background(), offerMessage(t, "host"))
	assert.Error(t, err)
	assert.Contains(t, e.State().Error, "malformed SDP")
	expectNoOutbound(t, e)

	garbage := types.SignalingMessage{Type: types.MessageTypeOffer, SessionID: testSession, UserID: "host", Data: []byte(`"nope"`)}
	assert.Error(t, e.HandleSignalingMessage(context.Background(), garbage))
}

func TestEngine_EarlyCandidatesAreBuffered(t *testing.T) {
	e, f := newTestEngine(t, "viewer")
	ctx := context.Background()

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"}
	msg, err := types.NewCandidateMessage(testSession, "host", candidate)
	require.NoError(t, err)

	require.NoError(t, e.HandleSignalingMessage(ctx, msg))
	assert.Equal(t, 0, f.count(), "a candidate alone does not open a connection")

	require.NoError(t, e.HandleSignalingMessage(ctx, offerMessage(t, "host")))
	assert.Equal(t, 1, f.last().candidateCount(), "buffered candidate applied after the offer")

	require.NoError(t, e.HandleSignalingMessage(ctx, msg))
	assert.Equal(t, 2, f.last().candidateCount(), "later candidates apply directly")
}

func TestEngine_HostBuffersCandidatesUntilAnswer(t *testing.T) {
	e, f := newTestEngine(t, "host")
	ctx := context.Background()

	_, err := e.CreateOffer(ctx, newTestStream(t), testSession, "host")
	require.NoError(t, err)

	require.NoError(t, e.HandleIceCandidate(ctx, webrtc.ICECandidateInit{Candidate: "candidate:early"}))
	assert.Equal(t, 0, f.last().candidateCount())

	require.NoError(t, e.HandleSignalingMessage(ctx, answerMessage(t, "viewer")))
	assert.Equal(t, 1, f.last().candidateCount())
}

func TestEngine_BadCandidateIsNotFatal(t *testing.T) {
	e, _ := newTestEngine(t, "viewer")
	ctx := context.Background()
	require.NoError(t, e.HandleSignalingMessage(ctx, offerMessage(t, "host")))

	err := e.HandleIceCandidate(ctx, webrtc.ICECandidateInit{Candidate: "bad"})
	assert.Error(t, err)
	assert.NotEmpty(t, e.State().Error)
	assert.Equal(t, webrtc.SignalingStateStable, e.State().SignalingState)
}

func TestEngine_LocalCandidatesAreTagged(t *testing.T) {
	e, f := newTestEngine(t, "host")
	_, err := e.CreateOffer(context.Background(), newTestStream(t), testSession, "host")
	require.NoError(t, err)
	nextOutbound(t, e)
	pc := f.last()

	pc.fireCandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "192.0.2.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
		SDPMid:     "0",
	})
	pc.fireCandidate(nil)

	msg := nextOutbound(t, e)
	assert.Equal(t, types.MessageTypeICECandidate, msg.Type)
	assert.Equal(t, testSession, msg.SessionID)
	assert.Equal(t, "host", msg.UserID)
	c, err := msg.ICECandidate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(c.Candidate, "candidate:"))
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)
	expectNoOutbound(t, e)

	e.CloseConnection()
	pc.fireCandidate(&webrtc.ICECandidate{Foundation: "2", SDPMid: "0"})
	expectNoOutbound(t, e)
}

func TestEngine_ConnectionStateMirroring(t *testing.T) {
	e, f := newTestEngine(t, "host")
	_, err := e.CreateOffer(context.Background(), newTestStream(t), testSession, "host")
	require.NoError(t, err)
	pc := f.last()

	pc.fireState(webrtc.PeerConnectionStateConnecting)
	s := e.State()
	assert.True(t, s.IsConnecting)
	assert.False(t, s.IsConnected)

	pc.fireState(webrtc.PeerConnectionStateConnected)
	s = e.State()
	assert.True(t, s.IsConnected)
	assert.False(t, s.IsConnecting)
	assert.Empty(t, s.Error)

	pc.fireState(webrtc.PeerConnectionStateFailed)
	s = e.State()
	assert.False(t, s.IsConnected)
	assert.Equal(t, ConnectionFailedMessage, s.Error)

	pc.fireState(webrtc.PeerConnectionStateDisconnected)
	assert.Empty(t, e.State().Error, "error clears on any other state")

	select {
	case <-e.Changes():
	default:
		t.Fatal("state changes are announced")
	}
}

func TestEngine_RemoteStreamAssignedOnce(t *testing.T) {
	e, f := newTestEngine(t, "viewer")
	require.NoError(t, e.HandleSignalingMessage(context.Background(), offerMessage(t, "host")))
	pc := f.last()

	pc.fireTrack()
	first := e.State().RemoteStream
	require.NotNil(t, first)

	pc.fireTrack()
	assert.Same(t, first, e.State().RemoteStream)
	assert.Len(t, first.Tracks(), 2)
}

func TestEngine_CloseConnection(t *testing.T) {
	e, f := newTestEngine(t, "host")
	stream := newTestStream(t)
	_, err := e.CreateOffer(context.Background(), stream, testSession, "host")
	require.NoError(t, err)
	pc := f.last()
	pc.fireState(webrtc.PeerConnectionStateConnected)

	e.CloseConnection()
	e.CloseConnection()

	assert.True(t, pc.isClosed())
	assert.Equal(t, initialState(), e.State())
	assert.Equal(t, media.ReadyStateEnded, stream.VideoTracks()[0].ReadyState())

	pc.fireState(webrtc.PeerConnectionStateConnected)
	assert.False(t, e.State().IsConnected, "callbacks from a closed connection are ignored")

	require.NoError(t, e.HandleIceCandidate(context.Background(), webrtc.ICECandidateInit{Candidate: "candidate:after-close"}))
	e.CloseConnection()
	e.mu.Lock()
	assert.Empty(t, e.pending, "close clears buffered candidates")
	e.mu.Unlock()
}

func TestEngine_IgnoresPresenceMessages(t *testing.T) {
	e, f := newTestEngine(t, "host")
	assert.NoError(t, e.HandleSignalingMessage(context.Background(), types.NewPresenceMessage(types.MessageTypeJoin, testSession, "viewer")))
	assert.Equal(t, 0, f.count())
}

func TestICEConfig_Configuration(t *testing.T) {
	cfg := ICEConfig{
		STUNURLs:     []string{"stun:stun.l.google.com:19302"},
		TURNURL:      "turn:turn.example.com:3478",
		TURNUsername: "user",
		TURNPassword: "pass",
	}.Configuration()

	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
	assert.Equal(t, "user", cfg.ICEServers[1].Username)
	assert.Equal(t, "pass", cfg.ICEServers[1].Credential)

	assert.Empty(t, ICEConfig{}.Configuration().ICEServers)
}
