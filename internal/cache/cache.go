// Package cache provides raw-payload stores for the extractor: a
// process-local memory store, and a Redis-backed one for deployments where
// several runners share one provider budget and should reuse each other's
// downloads.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mkowalik/stockflow/internal/extract"
)

// Config selects and tunes the payload cache backend.
type Config struct {
	// Addr is the Redis host:port. Empty selects the in-process store.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// OpTimeout bounds each cache operation. The extractor treats the
	// cache as best-effort and must never stall a fetch behind it.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// DefaultConfig returns the production cache settings.
func DefaultConfig() Config {
	return Config{OpTimeout: 500 * time.Millisecond}
}

// New picks the backend from config: Redis when an address is set, the
// in-process store otherwise.
func New(cfg Config) extract.PayloadCache {
	if cfg.Addr != "" {
		return NewRedis(cfg)
	}
	return NewMemory()
}

// Memory is a process-local payload store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry

	// now is swappable in tests.
	now func() time.Time
}

type entry struct {
	payload []byte
	expires time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e.payload, true
}

func (m *Memory) Set(_ context.Context, key string, payload []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{payload: append([]byte(nil), payload...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
}

// Redis is a shared payload store. Every operation is bounded by the
// configured timeout and every failure degrades to a miss.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedis connects a Redis-backed store. Connectivity is not probed here;
// the first operation surfaces any problem as a miss.
func NewRedis(cfg Config) *Redis {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		opTimeout: cfg.OpTimeout,
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	v, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug().Err(err).Str("key", key).Msg("cache read failed")
		}
		return nil, false
	}
	return v, true
}

func (r *Redis) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Ping probes connectivity, for health endpoints.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.client.Close()
}
