package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Rate limiter backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	DB        DBConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	NATS      NATSConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Quota     QuotaConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
	TrustedProxies     []string
}

type StoreConfig struct {
	Driver      string
	AutoMigrate bool
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type NATSConfig struct {
	URL string
}

// Enabled reports whether a NATS server is configured.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

type JWTConfig struct {
	AccessSecret string
}

// RateLimitConfig covers both sliding-window layers: the edge limiter keyed by
// client IP and the per-user limiter consulted before AI calls.
type RateLimitConfig struct {
	Backend       string
	EdgeEnabled   bool
	EdgePerMinute int
	EdgePerHour   int
	UserPerMinute int
	UserPerHour   int
	UserPerDay    int
	SweepSchedule string
}

type QuotaConfig struct {
	CacheTTL time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:               k.String("server.host"),
			Port:               k.Int("server.port"),
			CORSAllowedOrigins: splitList(k.String("cors.allowed.origins")),
			TrustedProxies:     splitList(k.String("trusted.proxies")),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(k.String("store.driver")),
			AutoMigrate: true,
		},
		DB: DBConfig{
			Host:     k.String("db.host"),
			Port:     k.Int("db.port"),
			User:     k.String("db.user"),
			Password: k.String("db.password"),
			Name:     k.String("db.name"),
			SSLMode:  k.String("db.sslmode"),
			MaxConns: int32(k.Int("db.max.conns")),
		},
		SQLite: SQLiteConfig{
			Path: k.String("sqlite.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			AccessSecret: k.String("jwt.access.secret"),
		},
		RateLimit: RateLimitConfig{
			Backend:       strings.ToLower(k.String("ratelimit.backend")),
			EdgeEnabled:   true,
			EdgePerMinute: k.Int("edge.ratelimit.per.minute"),
			EdgePerHour:   k.Int("edge.ratelimit.per.hour"),
			UserPerMinute: k.Int("user.ratelimit.per.minute"),
			UserPerHour:   k.Int("user.ratelimit.per.hour"),
			UserPerDay:    k.Int("user.ratelimit.per.day"),
			SweepSchedule: k.String("ratelimit.sweep.schedule"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	if k.Exists("db.auto.migrate") {
		cfg.Store.AutoMigrate = k.Bool("db.auto.migrate")
	}
	if k.Exists("edge.ratelimit.enabled") {
		cfg.RateLimit.EdgeEnabled = k.Bool("edge.ratelimit.enabled")
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverPostgres
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "gatekeeper"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "gatekeeper"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "gatekeeper.db"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = BackendMemory
	}
	if cfg.RateLimit.EdgePerMinute == 0 {
		cfg.RateLimit.EdgePerMinute = 120
	}
	if cfg.RateLimit.EdgePerHour == 0 {
		cfg.RateLimit.EdgePerHour = 3000
	}
	if cfg.RateLimit.UserPerMinute == 0 {
		cfg.RateLimit.UserPerMinute = 60
	}
	if cfg.RateLimit.UserPerHour == 0 {
		cfg.RateLimit.UserPerHour = 1000
	}
	if cfg.RateLimit.UserPerDay == 0 {
		cfg.RateLimit.UserPerDay = 10000
	}
	if cfg.RateLimit.SweepSchedule == "" {
		cfg.RateLimit.SweepSchedule = "@every 1m"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	cfg.Quota.CacheTTL = defaultQuotaCacheTTL(cfg)
	if ttl := k.String("quota.cache.ttl"); ttl != "" {
		cfg.Quota.CacheTTL, err = time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("parsing quota cache ttl: %w", err)
		}
	}

	return cfg, nil
}

// defaultQuotaCacheTTL caches resolutions only where invalidation reaches
// every instance: a single SQLite node, or replicas linked by NATS.
func defaultQuotaCacheTTL(cfg *Config) time.Duration {
	if cfg.Store.Driver == DriverSQLite || cfg.NATS.Enabled() {
		return 30 * time.Second
	}
	return 0
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
