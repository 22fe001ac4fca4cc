package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
	"github.com/RoseWrightdev/screenshare/internal/v1/metrics"
	"github.com/RoseWrightdev/screenshare/internal/v1/types"
)

// ErrClosed is returned by a channel after Close.
var ErrClosed = errors.New("signaling channel closed")

const defaultInboxSize = 256

type listenerKey struct {
	sessionID string
	userID    string
}

// listener owns one delivery goroutine. Deliveries to a single listener are serialized.
type listener struct {
	key   listenerKey
	inbox chan types.SignalingMessage
	done  chan struct{}
	once  sync.Once
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.done) })
}

type brokerSession struct {
	hostID       string
	participants map[string]struct{}
	history      []types.SignalingMessage // replayed to late listeners
}

// Broker is an in-process signaling channel. Construct one per process (or per
// test) and share it between the peers that should see each other.
type Broker struct {
	mu        sync.Mutex
	sessions  map[string]*brokerSession // Active sessions by id
	listeners map[listenerKey]*listener // Registered listeners by (session, user)
	wg        sync.WaitGroup            // Tracks delivery goroutines
	inboxSize int                       // Per-listener buffer before dropping
	closed    bool
}

// NewBroker creates an empty in-process signaling channel.
func NewBroker() *Broker {
	return &Broker{
		sessions:  make(map[string]*brokerSession),
		listeners: make(map[listenerKey]*listener),
		inboxSize: defaultInboxSize,
	}
}

var _ types.SignalingChannel = (*Broker)(nil)

// GenerateUserID returns a random user id.
func (b *Broker) GenerateUserID() string {
	return NewUserID()
}

// CreateSession registers a new session with hostUserID as its only participant.
func (b *Broker) CreateSession(ctx context.Context, hostUserID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}

	id := NewSessionID()
	for _, taken := b.sessions[id]; taken; _, taken = b.sessions[id] {
		id = NewSessionID()
	}

	b.sessions[id] = &brokerSession{
		hostID:       hostUserID,
		participants: map[string]struct{}{hostUserID: {}},
	}
	metrics.ActiveSessions.Inc()

	logging.Info(ctx, "Session created", zap.String("session_id", id), zap.String("host_id", hostUserID))
	return id, nil
}

// SessionExists reports whether the session is live.
func (b *Broker) SessionExists(_ context.Context, sessionID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.sessions[sessionID]
	return ok, nil
}

// JoinSession adds userID to the session. It returns false when the session
// does not exist or already holds a host and a viewer.
func (b *Broker) JoinSession(ctx context.Context, sessionID, userID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return false, nil
	}
	if _, already := s.participants[userID]; already {
		return true, nil
	}
	if len(s.participants) >= MaxParticipants {
		logging.Warn(ctx, "Session full, rejecting join", zap.String("session_id", sessionID), zap.String("user_id", userID))
		return false, nil
	}

	s.participants[userID] = struct{}{}
	return true, nil
}

// LeaveSession removes userID. The session and its history are destroyed when
// the host leaves or nobody is left.
func (b *Broker) LeaveSession(ctx context.Context, sessionID, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}

	delete(s.participants, userID)
	if userID == s.hostID || len(s.participants) == 0 {
		delete(b.sessions, sessionID)
		metrics.ActiveSessions.Dec()
		logging.Info(ctx, "Session destroyed", zap.String("session_id", sessionID), zap.String("left", userID))
	}
	return nil
}

// SendMessage records msg in the session history and fans it out to every
// listener of the session, the sender included.
func (b *Broker) SendMessage(ctx context.Context, msg types.SignalingMessage) error {
	if err := msg.Validate(); err != nil {
		metrics.SignalingMessages.WithLabelValues("sent", string(msg.Type), "error").Inc()
		return fmt.Errorf("invalid signaling message: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if s, ok := b.sessions[msg.SessionID]; ok {
		s.history = append(s.history, msg)
	}

	for key, l := range b.listeners {
		if key.sessionID != msg.SessionID {
			continue
		}
		select {
		case l.inbox <- msg:
		default:
			metrics.DroppedMessages.WithLabelValues("listener").Inc()
			logging.Warn(ctx, "Listener inbox full, dropping message",
				zap.String("session_id", key.sessionID),
				zap.String("user_id", key.userID),
				zap.String("type", string(msg.Type)))
		}
	}

	metrics.SignalingMessages.WithLabelValues("sent", string(msg.Type), "ok").Inc()
	return nil
}

// Listen registers onMessage for (sessionID, userID), replacing any previous
// registration for the same key. Existing history is replayed first on the
// listener's goroutine, so Listen never calls onMessage itself.
func (b *Broker) Listen(ctx context.Context, sessionID, userID string, onMessage func(types.SignalingMessage)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	key := listenerKey{sessionID: sessionID, userID: userID}
	if old, ok := b.listeners[key]; ok {
		old.stop()
		metrics.ActiveListeners.Dec()
	}

	var backlog []types.SignalingMessage
	if s, ok := b.sessions[sessionID]; ok {
		backlog = append(backlog, s.history...)
	}

	l := &listener{
		key:   key,
		inbox: make(chan types.SignalingMessage, b.inboxSize),
		done:  make(chan struct{}),
	}
	b.listeners[key] = l
	metrics.ActiveListeners.Inc()

	b.wg.Add(1)
	go b.deliver(ctx, l, backlog, onMessage)
	return nil
}

func (b *Broker) deliver(ctx context.Context, l *listener, backlog []types.SignalingMessage, onMessage func(types.SignalingMessage)) {
	defer b.wg.Done()

	for _, msg := range backlog {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			b.remove(l)
			return
		default:
		}
		onMessage(msg)
	}

	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			b.remove(l)
			return
		case msg := <-l.inbox:
			// A stop racing with a ready inbox must win.
			select {
			case <-l.done:
				return
			default:
			}
			onMessage(msg)
		}
	}
}

// StopListening removes the listener for (sessionID, userID). It is a no-op for
// unknown keys and does not wait for an in-flight delivery to return.
func (b *Broker) StopListening(sessionID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := listenerKey{sessionID: sessionID, userID: userID}
	l, ok := b.listeners[key]
	if !ok {
		return
	}
	delete(b.listeners, key)
	l.stop()
	metrics.ActiveListeners.Dec()
}

// remove drops l if it is still the registered listener for its key.
func (b *Broker) remove(l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.listeners[l.key]; ok && cur == l {
		delete(b.listeners, l.key)
		metrics.ActiveListeners.Dec()
	}
	l.stop()
}

// Close stops every listener and waits for their goroutines to exit.
// Close must not be called from inside a listener callback.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for key, l := range b.listeners {
		delete(b.listeners, key)
		l.stop()
		metrics.ActiveListeners.Dec()
	}
	metrics.ActiveSessions.Sub(float64(len(b.sessions)))
	b.sessions = make(map[string]*brokerSession)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Participants returns the users currently in the session.
func (b *Broker) Participants(sessionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.participants))
	for id := range s.participants {
		out = append(out, id)
	}
	return out
}
