package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/screenshare/internal/v1/logging"
	"github.com/RoseWrightdev/screenshare/internal/v1/metrics"
)

// ErrCircuitOpen is returned while the breaker rejects calls to Redis.
var ErrCircuitOpen = errors.New("redis circuit breaker open")

// PubSubPayload is the envelope published on a session channel.
type PubSubPayload struct {
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"senderId"`
}

// ChannelName is the pub/sub channel for a session.
func ChannelName(sessionID string) string {
	return fmt.Sprintf("screenshare:session:%s", sessionID)
}

// Service handles all interaction with Redis.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection with a PING.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Warn(context.Background(), "Redis circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	logging.Info(ctx, "Connected to Redis", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// execute runs fn behind the circuit breaker and records metrics for op.
func (s *Service) execute(op string, fn func() (any, error)) (any, error) {
	start := time.Now()
	res, err := s.cb.Execute(fn)
	metrics.RedisOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.RedisOperationsTotal.WithLabelValues(op, "success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		metrics.RedisOperationsTotal.WithLabelValues(op, "rejected").Inc()
		return nil, fmt.Errorf("%s: %w", op, ErrCircuitOpen)
	default:
		metrics.RedisOperationsTotal.WithLabelValues(op, "error").Inc()
	}
	return res, err
}

// Publish broadcasts an event to every subscriber of the session channel.
func (s *Service) Publish(ctx context.Context, sessionID string, event string, payload any, senderID string) error {
	innerBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal inner payload: %w", err)
	}

	data, err := json.Marshal(PubSubPayload{
		SessionID: sessionID,
		Event:     event,
		Payload:   innerBytes,
		SenderID:  senderID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal pubsub envelope: %w", err)
	}

	_, err = s.execute("publish", func() (any, error) {
		return nil, s.client.Publish(ctx, ChannelName(sessionID), data).Err()
	})
	if err != nil {
		logging.Error(ctx, "Redis publish failed", zap.String("session_id", sessionID), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe listens on the session channel in a background goroutine until
// ctx is cancelled. It returns once the subscription is confirmed by Redis,
// so messages published after a nil return are delivered.
func (s *Service) Subscribe(ctx context.Context, sessionID string, wg *sync.WaitGroup, handler func(PubSubPayload)) error {
	channel := ChannelName(sessionID)

	// Subscriptions are long-lived, so only the initial handshake goes through the breaker.
	res, err := s.execute("subscribe", func() (any, error) {
		pubsub := s.client.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return nil, err
		}
		return pubsub, nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	pubsub := res.(*redis.PubSub)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		if wg != nil {
			defer wg.Done()
		}

		logging.Debug(ctx, "Subscribed to Redis channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					logging.Error(ctx, "Failed to unmarshal Redis message", zap.Error(err), zap.String("raw", msg.Payload))
					continue
				}

				handler(payload)
			}
		}
	}()
	return nil
}

// Ping checks Redis connectivity. Used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.execute("ping", func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the Redis connection pool.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetStringNX stores value under key only if the key is absent.
func (s *Service) SetStringNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.execute("setnx", func() (any, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", key, err)
	}
	return res.(bool), nil
}

// GetString returns the value of key; ok is false when the key is absent.
func (s *Service) GetString(ctx context.Context, key string) (string, bool, error) {
	res, err := s.execute("get", func() (any, error) {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return v, err
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if res == nil {
		return "", false, nil
	}
	return res.(string), true, nil
}

// Exists reports whether key is present.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	res, err := s.execute("exists", func() (any, error) {
		return s.client.Exists(ctx, key).Result()
	})
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return res.(int64) > 0, nil
}

// Delete removes keys.
func (s *Service) Delete(ctx context.Context, keys ...string) error {
	_, err := s.execute("del", func() (any, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// ListPush appends value to the list at key and refreshes its TTL.
func (s *Service) ListPush(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.execute("rpush", func() (any, error) {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, value)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

// ListRange returns every element of the list at key.
func (s *Service) ListRange(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute("lrange", func() (any, error) {
		return s.client.LRange(ctx, key, 0, -1).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return res.([]string), nil
}

// SetAdd adds a member to a Redis Set and refreshes its TTL.
func (s *Service) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := s.execute("sadd", func() (any, error) {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, key, member)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// addCapped adds ARGV[1] to the set at KEYS[1] only when the set exists and
// holds fewer than ARGV[2] members. Existing members are accepted.
var addCapped = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then return 1 end
if redis.call('SCARD', KEYS[1]) >= tonumber(ARGV[2]) then return 0 end
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// SetAddCapped atomically adds member to an existing set holding fewer than
// max members. It returns false when the set is missing or full.
func (s *Service) SetAddCapped(ctx context.Context, key, member string, max int, ttl time.Duration) (bool, error) {
	res, err := s.execute("sadd_capped", func() (any, error) {
		return addCapped.Run(ctx, s.client, []string{key}, member, max, ttl.Milliseconds()).Int64()
	})
	if err != nil {
		return false, fmt.Errorf("failed to add to set: %w", err)
	}
	return res.(int64) == 1, nil
}

// SetRem removes a member from a Redis Set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	_, err := s.execute("srem", func() (any, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis Set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute("smembers", func() (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}
