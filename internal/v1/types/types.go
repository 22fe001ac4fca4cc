package types

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// --- Core Domain Types ---

// MessageType identifies the kind of signaling message exchanged between peers.
type MessageType string

// Message type constants mirror the wire values used on the signaling channel.
const (
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"
	MessageTypeJoin         MessageType = "join"
	MessageTypeLeave        MessageType = "leave"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate, MessageTypeJoin, MessageTypeLeave:
		return true
	}
	return false
}

// Mode is the role an orchestrator currently plays in a session.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModeHosting Mode = "hosting"
	ModeViewing Mode = "viewing"
)

// SignalingMessage is the unit of exchange on the signaling channel.
// Data carries a session description for offer/answer, an ICE candidate
// for ice-candidate and nothing for join/leave.
type SignalingMessage struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix milliseconds
}

// Validate ensures a message is routable.
func (m SignalingMessage) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.SessionID == "" {
		return errors.New("session ID cannot be empty")
	}
	if m.UserID == "" {
		return errors.New("user ID cannot be empty")
	}
	return nil
}

// NewDescriptionMessage wraps an offer or answer for the wire.
func NewDescriptionMessage(sessionID, userID string, desc webrtc.SessionDescription) (SignalingMessage, error) {
	var t MessageType
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		t = MessageTypeOffer
	case webrtc.SDPTypeAnswer:
		t = MessageTypeAnswer
	default:
		return SignalingMessage{}, fmt.Errorf("unsupported description type %s", desc.Type)
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return SignalingMessage{}, fmt.Errorf("failed to marshal session description: %w", err)
	}
	return SignalingMessage{
		Type:      t,
		SessionID: sessionID,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// NewCandidateMessage wraps a local ICE candidate for the wire.
func NewCandidateMessage(sessionID, userID string, candidate webrtc.ICECandidateInit) (SignalingMessage, error) {
	data, err := json.Marshal(candidate)
	if err != nil {
		return SignalingMessage{}, fmt.Errorf("failed to marshal ICE candidate: %w", err)
	}
	return SignalingMessage{
		Type:      MessageTypeICECandidate,
		SessionID: sessionID,
		UserID:    userID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// NewPresenceMessage builds a join or leave message, which carry no data.
func NewPresenceMessage(t MessageType, sessionID, userID string) SignalingMessage {
	return SignalingMessage{
		Type:      t,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SessionDescription decodes the payload of an offer or answer.
func (m SignalingMessage) SessionDescription() (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if m.Type != MessageTypeOffer && m.Type != MessageTypeAnswer {
		return desc, fmt.Errorf("message type %q carries no session description", m.Type)
	}
	if err := json.Unmarshal(m.Data, &desc); err != nil {
		return desc, fmt.Errorf("invalid session description: %w", err)
	}
	if desc.SDP == "" {
		return desc, errors.New("session description has empty SDP")
	}
	return desc, nil
}

// ICECandidate decodes the payload of an ice-candidate message.
func (m SignalingMessage) ICECandidate() (webrtc.ICECandidateInit, error) {
	var candidate webrtc.ICECandidateInit
	if m.Type != MessageTypeICECandidate {
		return candidate, fmt.Errorf("message type %q carries no ICE candidate", m.Type)
	}
	if err := json.Unmarshal(m.Data, &candidate); err != nil {
		return candidate, fmt.Errorf("invalid ICE candidate: %w", err)
	}
	return candidate, nil
}

// --- Shared Interfaces ---

// SignalingChannel is the keyed pub/sub facility peers use to exchange
// signaling messages. Delivery is reliable per session but unordered, and
// listeners may receive their own messages back.
type SignalingChannel interface {
	GenerateUserID() string
	CreateSession(ctx context.Context, hostUserID string) (string, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	JoinSession(ctx context.Context, sessionID, userID string) (bool, error)
	LeaveSession(ctx context.Context, sessionID, userID string) error
	SendMessage(ctx context.Context, msg SignalingMessage) error
	Listen(ctx context.Context, sessionID, userID string, onMessage func(SignalingMessage)) error
	StopListening(sessionID, userID string)
	Close() error
}
