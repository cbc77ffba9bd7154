package db

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mkowalik/stockflow/internal/domain"
	"github.com/mkowalik/stockflow/internal/persistence"
	"github.com/mkowalik/stockflow/internal/persistence/postgres"
)

// Config holds database connection configuration.
type Config struct {
	Host            string        `yaml:"host" env:"DB_HOST"`
	Port            int           `yaml:"port" env:"DB_PORT"`
	Name            string        `yaml:"name" env:"DB_NAME"`
	User            string        `yaml:"user" env:"DB_USER"`
	Password        string        `yaml:"password" env:"DB_PASSWORD"`
	SSLMode         string        `yaml:"ssl_mode" env:"DB_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"DB_CONN_MAX_IDLE_TIME"`
	QueryTimeout    time.Duration `yaml:"query_timeout" env:"DB_QUERY_TIMEOUT"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// DSN builds the connection string for one environment. The environment's
// schema is stamped into search_path as a server run-time parameter, so every
// statement issued through the pool targets that schema and nothing else.
func (c Config) DSN(env domain.Environment) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Name,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}

	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	q.Set("search_path", env.Schema())
	u.RawQuery = q.Encode()

	return u.String()
}

// Manager manages one environment's connection pool and repository instances.
type Manager struct {
	db     *sqlx.DB
	config Config
	env    domain.Environment
	repos  *persistence.Repository
	health *healthChecker
}

// NewManager opens a connection pool bound to the given environment's schema
// and wires the repository collection on top of it.
func NewManager(config Config, env domain.Environment) (*Manager, error) {
	if !env.Valid() {
		return nil, fmt.Errorf("unknown environment %q", env)
	}
	if config.Name == "" {
		return nil, fmt.Errorf("database name is required")
	}

	db, err := sqlx.Open("postgres", config.DSN(env))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repos := &persistence.Repository{
		Instruments: postgres.NewInstrumentsRepo(db, config.QueryTimeout),
		Prices:      postgres.NewPricesRepo(db, config.QueryTimeout),
		Jobs:        postgres.NewJobsRepo(db, config.QueryTimeout),
		Quality:     postgres.NewQualityRepo(db, config.QueryTimeout),
	}

	return &Manager{
		db:     db,
		config: config,
		env:    env,
		repos:  repos,
		health: &healthChecker{db: db, timeout: config.QueryTimeout},
	}, nil
}

// Repository returns the repository collection.
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// Health returns the health checker interface.
func (m *Manager) Health() persistence.RepositoryHealth {
	return m.health
}

// Environment returns the environment this pool is bound to.
func (m *Manager) Environment() domain.Environment {
	return m.env
}

// DB returns the underlying database connection (for migrations, etc.)
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements persistence.RepositoryHealth
type healthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Health returns current repository health status.
func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var errors []string
	healthy := true

	if err := h.db.PingContext(pingCtx); err != nil {
		errors = append(errors, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	connectionPool := map[string]int{
		"max_open":      stats.MaxOpenConnections,
		"open":          stats.OpenConnections,
		"in_use":        stats.InUse,
		"idle":          stats.Idle,
		"wait_count":    int(stats.WaitCount),
		"wait_duration": int(stats.WaitDuration.Milliseconds()),
	}

	return persistence.HealthCheck{
		Healthy:        healthy,
		Errors:         errors,
		ConnectionPool: connectionPool,
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// Ping tests basic connectivity to the database.
func (h *healthChecker) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.db.PingContext(pingCtx)
}

// Stats returns connection pool statistics.
func (h *healthChecker) Stats(ctx context.Context) map[string]interface{} {
	stats := h.db.Stats()

	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
		"max_idle_closed":      stats.MaxIdleClosed,
		"max_idle_time_closed": stats.MaxIdleTimeClosed,
		"max_lifetime_closed":  stats.MaxLifetimeClosed,
	}
}
