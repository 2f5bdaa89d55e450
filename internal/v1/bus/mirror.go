package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/themiddnight/jam-band-be-sub003/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// RedisMirror backs the EventBus's cross-process presence set (§4.8's
// voiceParticipants, shared across replicas of this service). Event
// delivery itself stays single-process authoritative — the mirror never
// participates in room mutation ordering, only in announcing membership.
type RedisMirror struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisMirror creates a Redis connection guarded by a circuit breaker,
// matching the graceful-degradation policy used everywhere else in this
// service's Redis-backed paths.
func NewRedisMirror(addr, password string) (*RedisMirror, error) {
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
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-bus-mirror",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("connected to Redis bus mirror", "addr", addr)
	return &RedisMirror{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// Client returns the underlying Redis client, mainly for health probes.
func (m *RedisMirror) Client() *redis.Client {
	if m == nil {
		return nil
	}
	return m.client
}

// Ping checks Redis connectivity. Used by the health handler's readiness
// check.
func (m *RedisMirror) Ping(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	_, err := m.cb.Execute(func() (interface{}, error) {
		return nil, m.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

func (m *RedisMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

// SetAdd adds a member to a cross-process presence set.
func (m *RedisMirror) SetAdd(ctx context.Context, key, member string) error {
	_, err := m.cb.Execute(func() (interface{}, error) {
		return nil, m.client.SAdd(ctx, key, member).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping SetAdd", "key", key)
			return nil // graceful degradation: presence set falls back to local-only
		}
		return fmt.Errorf("bus: redis SetAdd failed: %w", err)
	}
	return nil
}

// SetRem removes a member from a cross-process presence set.
func (m *RedisMirror) SetRem(ctx context.Context, key, member string) error {
	_, err := m.cb.Execute(func() (interface{}, error) {
		return nil, m.client.SRem(ctx, key, member).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: skipping SetRem", "key", key)
			return nil
		}
		return fmt.Errorf("bus: redis SetRem failed: %w", err)
	}
	return nil
}

// SetMembers lists all members of a cross-process presence set.
func (m *RedisMirror) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := m.cb.Execute(func() (interface{}, error) {
		return m.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("redis circuit breaker open: returning empty presence set", "key", key)
			return nil, nil
		}
		return nil, fmt.Errorf("bus: redis SetMembers failed: %w", err)
	}
	return res.([]string), nil
}
