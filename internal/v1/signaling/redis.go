package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/bus"
	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
	"github.com/RoseWrightdev/screenshare/internal/v1/metrics"
	"github.com/RoseWrightdev/screenshare/internal/v1/types"
)

const createAttempts = 5

func hostKey(sessionID string) string         { return "screenshare:session:" + sessionID + ":host" }
func participantsKey(sessionID string) string { return "screenshare:session:" + sessionID + ":participants" }
func logKey(sessionID string) string          { return "screenshare:session:" + sessionID + ":log" }

// RedisChannel is a signaling channel shared across processes through Redis.
// Session membership lives in keys that expire after ttl; messages are appended
// to a per-session log and published on the session's pub/sub channel.
type RedisChannel struct {
	bus *bus.Service
	ttl time.Duration

	mu        sync.Mutex
	listeners map[listenerKey]*redisListener
	wg        sync.WaitGroup
	closed    bool
}

// NewRedisChannel wraps an established bus connection.
func NewRedisChannel(svc *bus.Service, ttl time.Duration) *RedisChannel {
	return &RedisChannel{
		bus:       svc,
		ttl:       ttl,
		listeners: make(map[listenerKey]*redisListener),
	}
}

var _ types.SignalingChannel = (*RedisChannel)(nil)

// GenerateUserID returns a random user id.
func (r *RedisChannel) GenerateUserID() string {
	return NewUserID()
}

// CreateSession claims a fresh session id for hostUserID.
func (r *RedisChannel) CreateSession(ctx context.Context, hostUserID string) (string, error) {
	for i := 0; i < createAttempts; i++ {
		id := NewSessionID()
		ok, err := r.bus.SetStringNX(ctx, hostKey(id), hostUserID, r.ttl)
		if err != nil {
			return "", fmt.Errorf("failed to create session: %w", err)
		}
		if !ok {
			continue
		}
		if err := r.bus.SetAdd(ctx, participantsKey(id), hostUserID, r.ttl); err != nil {
			_ = r.bus.Delete(ctx, hostKey(id))
			return "", fmt.Errorf("failed to register host: %w", err)
		}
		logging.Info(ctx, "Session created", zap.String("session_id", id), zap.String("host_id", hostUserID))
		return id, nil
	}
	return "", fmt.Errorf("failed to allocate a session id after %d attempts", createAttempts)
}

// SessionExists reports whether the session's host key is present.
func (r *RedisChannel) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	return r.bus.Exists(ctx, hostKey(sessionID))
}

// JoinSession adds userID unless the session is missing or full.
func (r *RedisChannel) JoinSession(ctx context.Context, sessionID, userID string) (bool, error) {
	ok, err := r.bus.SetAddCapped(ctx, participantsKey(sessionID), userID, MaxParticipants, r.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to join session: %w", err)
	}
	if !ok {
		logging.Warn(ctx, "Join rejected", zap.String("session_id", sessionID), zap.String("user_id", userID))
	}
	return ok, nil
}

// LeaveSession removes userID, destroying the session when the host leaves or
// nobody is left.
func (r *RedisChannel) LeaveSession(ctx context.Context, sessionID, userID string) error {
	host, found, err := r.bus.GetString(ctx, hostKey(sessionID))
	if err != nil {
		return fmt.Errorf("failed to leave session: %w", err)
	}
	if !found {
		return nil
	}

	if err := r.bus.SetRem(ctx, participantsKey(sessionID), userID); err != nil {
		return fmt.Errorf("failed to leave session: %w", err)
	}
	remaining, err := r.bus.SetMembers(ctx, participantsKey(sessionID))
	if err != nil {
		return fmt.Errorf("failed to leave session: %w", err)
	}

	if userID == host || len(remaining) == 0 {
		if err := r.bus.Delete(ctx, hostKey(sessionID), participantsKey(sessionID), logKey(sessionID)); err != nil {
			return fmt.Errorf("failed to destroy session: %w", err)
		}
		logging.Info(ctx, "Session destroyed", zap.String("session_id", sessionID), zap.String("left", userID))
	}
	return nil
}

// SendMessage appends msg to the session log and publishes it.
func (r *RedisChannel) SendMessage(ctx context.Context, msg types.SignalingMessage) error {
	if err := msg.Validate(); err != nil {
		metrics.SignalingMessages.WithLabelValues("sent", string(msg.Type), "error").Inc()
		return fmt.Errorf("invalid signaling message: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signaling message: %w", err)
	}

	exists, err := r.bus.Exists(ctx, hostKey(msg.SessionID))
	if err != nil {
		metrics.SignalingMessages.WithLabelValues("sent", string(msg.Type), "error").Inc()
		return fmt.Errorf("failed to send message: %w", err)
	}
	if exists {
		if err := r.bus.ListPush(ctx, logKey(msg.SessionID), string(data), r.ttl); err != nil {
			metrics.SignalingMessages.WithLabelValues("sent", string(msg.Type), "error").Inc()
			return fmt.Errorf("failed to send message: %w", err)
		}
	}

	if err := r.bus.Publish(ctx, msg.SessionID, string(msg.Type), json.RawMessage(data), msg.UserID); err != nil {
		metrics.SignalingMessages.WithLabelValues("sent", string(msg.Type), "error").Inc()
		return fmt.Errorf("failed to send message: %w", err)
	}

	metrics.SignalingMessages.WithLabelValues("sent", string(msg.Type), "ok").Inc()
	return nil
}

type redisListener struct {
	cancel context.CancelFunc
}

// Listen subscribes before reading the session log, so nothing published in
// between is lost. Entries seen in the log are skipped when they also arrive
// live. All deliveries happen on one goroutine.
func (r *RedisChannel) Listen(ctx context.Context, sessionID, userID string, onMessage func(types.SignalingMessage)) error {
	lctx, cancel := context.WithCancel(ctx)
	l := &redisListener{cancel: cancel}
	key := listenerKey{sessionID: sessionID, userID: userID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if old, ok := r.listeners[key]; ok {
		old.cancel()
		metrics.ActiveListeners.Dec()
	}
	r.listeners[key] = l
	metrics.ActiveListeners.Inc()
	r.mu.Unlock()

	inbox := make(chan string, defaultInboxSize)
	var subWG sync.WaitGroup
	err := r.bus.Subscribe(lctx, sessionID, &subWG, func(p bus.PubSubPayload) {
		select {
		case inbox <- string(p.Payload):
		default:
			metrics.DroppedMessages.WithLabelValues("listener").Inc()
			logging.Warn(lctx, "Listener inbox full, dropping message",
				zap.String("session_id", sessionID), zap.String("user_id", userID), zap.String("type", p.Event))
		}
	})
	if err != nil {
		r.forget(key, l)
		return fmt.Errorf("failed to listen on session %s: %w", sessionID, err)
	}

	backlog, err := r.bus.ListRange(ctx, logKey(sessionID))
	if err != nil {
		r.forget(key, l)
		subWG.Wait()
		return fmt.Errorf("failed to read session log: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		subWG.Wait()
		return ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer subWG.Wait()
		defer r.forget(key, l)

		seen := make(map[string]struct{}, len(backlog))
		for _, raw := range backlog {
			if lctx.Err() != nil {
				return
			}
			seen[raw] = struct{}{}
			r.dispatch(lctx, raw, onMessage)
		}

		for {
			select {
			case <-lctx.Done():
				return
			case raw := <-inbox:
				if _, dup := seen[raw]; dup {
					delete(seen, raw)
					continue
				}
				if lctx.Err() != nil {
					return
				}
				r.dispatch(lctx, raw, onMessage)
			}
		}
	}()
	return nil
}

func (r *RedisChannel) dispatch(ctx context.Context, raw string, onMessage func(types.SignalingMessage)) {
	var msg types.SignalingMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logging.Error(ctx, "Failed to decode signaling message", zap.Error(err))
		return
	}
	onMessage(msg)
}

// forget cancels l and drops it if it is still the registered listener for key.
func (r *RedisChannel) forget(key listenerKey, l *redisListener) {
	l.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.listeners[key]; ok && cur == l {
		delete(r.listeners, key)
		metrics.ActiveListeners.Dec()
	}
}

// StopListening cancels the listener for (sessionID, userID) if any.
func (r *RedisChannel) StopListening(sessionID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := listenerKey{sessionID: sessionID, userID: userID}
	l, ok := r.listeners[key]
	if !ok {
		return
	}
	delete(r.listeners, key)
	l.cancel()
	metrics.ActiveListeners.Dec()
}

// Close cancels every listener and waits for their goroutines. The bus
// connection stays open; its owner closes it.
func (r *RedisChannel) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for key, l := range r.listeners {
		delete(r.listeners, key)
		l.cancel()
		metrics.ActiveListeners.Dec()
	}
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}
