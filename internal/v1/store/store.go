package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/metrics"
	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/types"
)

// Service handles all interaction with the durable key-value store. Every
// call runs through a circuit breaker so a dead store degrades the service
// instead of stalling it; a nil *Service behaves as an always-empty store.
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

// NewService creates a store connection and verifies it with a ping.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to KV store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "kv",
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
			metrics.KVCircuitBreakerState.Set(stateVal)
		},
	}

	slog.Info("Connected to KV store", "addr", addr)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Get retrieves a single value. A missing key returns types.ErrNotFound; a
// disabled store behaves the same way so callers fall back to defaults.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.client == nil {
		return "", types.ErrNotFound
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// A missing key is a successful round trip, not a breaker failure.
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return val, nil
	})

	if err != nil {
		metrics.KVOperations.WithLabelValues("get", "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("KV circuit breaker open: get unavailable", "key", key)
		} else {
			slog.Error("KV get failed", "key", key, "error", err)
		}
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}

	metrics.KVOperations.WithLabelValues("get", "success").Inc()
	if res == nil {
		return "", types.ErrNotFound
	}
	return res.(string), nil
}

// Set stores a single value under key.
func (s *Service) Set(ctx context.Context, key string, value string) error {
	if s == nil || s.client == nil {
		return nil // Store disabled, continue without persistence
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, 0).Err()
	})

	if err != nil {
		metrics.KVOperations.WithLabelValues("set", "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("KV circuit breaker open: dropping set", "key", key)
			return nil // Graceful degradation: drop write, don't crash caller
		}
		slog.Error("KV set failed", "key", key, "error", err)
		return fmt.Errorf("kv set %s: %w", key, err)
	}

	metrics.KVOperations.WithLabelValues("set", "success").Inc()
	return nil
}

// PushTrim prepends value to the list at key and trims it to bound entries,
// keeping the newest records at the head.
func (s *Service) PushTrim(ctx context.Context, key string, value string, bound int64) error {
	if s == nil || s.client == nil {
		return nil // Store disabled, continue without persistence
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, bound-1)
		_, err := pipe.Exec(ctx)
		return nil, err
	})

	if err != nil {
		metrics.KVOperations.WithLabelValues("push_trim", "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("KV circuit breaker open: dropping list append", "key", key)
			return nil // Graceful degradation
		}
		slog.Error("KV list append failed", "key", key, "error", err)
		return fmt.Errorf("kv push %s: %w", key, err)
	}

	metrics.KVOperations.WithLabelValues("push_trim", "success").Inc()
	return nil
}

// Range reads list entries from start to stop inclusive, head first. A
// missing key yields an empty slice.
func (s *Service) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil // Store disabled, no history to serve
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.LRange(ctx, key, start, stop).Result()
	})

	if err != nil {
		metrics.KVOperations.WithLabelValues("range", "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) {
			slog.Warn("KV circuit breaker open: returning empty history", "key", key)
			return nil, nil // Graceful degradation: serve empty rather than fail
		}
		slog.Error("KV range failed", "key", key, "error", err)
		return nil, fmt.Errorf("kv range %s: %w", key, err)
	}

	metrics.KVOperations.WithLabelValues("range", "success").Inc()
	return res.([]string), nil
}

// Ping checks store connectivity using the PING command
// Used by health checks to verify the store is reachable
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Store disabled, nothing to check
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the store connection
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
