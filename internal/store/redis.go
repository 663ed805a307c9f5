package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/BTreeMap/SchemaPipe/internal/models"
)

// DefaultRedisKeyPrefix namespaces session keys.
const DefaultRedisKeyPrefix = "schemapipe:session:"

// RedisOpts holds configuration options for the Redis session store.
type RedisOpts struct {
	URL       string
	TTL       time.Duration
	KeyPrefix string
}

// RedisOption defines a configuration option for the Redis session store.
type RedisOption func(*RedisOpts)

// WithRedisURL sets the redis:// connection URL.
func WithRedisURL(url string) RedisOption {
	return func(o *RedisOpts) { o.URL = url }
}

// WithSessionTTL sets how long an idle session is kept.
func WithSessionTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.TTL = ttl }
}

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *RedisOpts) { o.KeyPrefix = prefix }
}

// RedisSessionStore keeps session state in Redis as JSON with a TTL.
type RedisSessionStore struct {
	rdb    *goredis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(opts ...RedisOption) (*RedisSessionStore, error) {
	cfg := RedisOpts{TTL: DefaultSessionTTL, KeyPrefix: DefaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisSessionStore invoked", "URL_set", cfg.URL != "", "ttl", cfg.TTL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL not set")
	}

	options, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	options.DialTimeout = 5 * time.Second
	rdb := goredis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Debug("Redis session store connected", "addr", options.Addr)

	return &RedisSessionStore{rdb: rdb, ttl: cfg.TTL, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisSessionStore) key(id string) string {
	return s.prefix + id
}

// GetSession loads and decodes a session or returns ErrSessionNotFound.
func (s *RedisSessionStore) GetSession(ctx context.Context, id string) (*models.ConversationState, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("RedisSessionStore GetSession failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	var state models.ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		slog.Error("RedisSessionStore GetSession decode failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &state, nil
}

// SaveSession encodes the state and refreshes its TTL.
func (s *RedisSessionStore) SaveSession(ctx context.Context, id string, state *models.ConversationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, s.key(id), raw, s.ttl).Err(); err != nil {
		slog.Error("RedisSessionStore SaveSession failed", "error", err, "session_id", id)
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}
	slog.Debug("RedisSessionStore SaveSession succeeded", "session_id", id, "phase", state.Phase)
	return nil
}

// DeleteSession removes a session.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	slog.Debug("Closing Redis session store")
	return s.rdb.Close()
}
