package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	strutil "regwatch/pkg/platform/strings"
)

// Config is the full client configuration, read once at startup.
type Config struct {
	API           APIConfig           `envPrefix:"REGWATCH_API_"`
	Cache         CacheConfig         `envPrefix:"REGWATCH_CACHE_"`
	Persist       PersistConfig       `envPrefix:"REGWATCH_PERSIST_"`
	Redis         RedisConfig         `envPrefix:"REGWATCH_REDIS_"`
	Notifications NotificationsConfig `envPrefix:"REGWATCH_NOTIFICATIONS_"`
	Tracing       TracingConfig       `envPrefix:"REGWATCH_OTEL_"`

	DebugAddr  string `env:"REGWATCH_DEBUG_ADDR"  envDefault:"127.0.0.1:9464"`
	DebugToken string `env:"REGWATCH_DEBUG_TOKEN"`
	LogLevel   string `env:"REGWATCH_LOG_LEVEL"   envDefault:"info"`
	LogFormat  string `env:"REGWATCH_LOG_FORMAT"  envDefault:"json"`
}

// APIConfig points at the registry GraphQL endpoint.
type APIConfig struct {
	URL            string        `env:"URL"     envDefault:"http://localhost:8080/graphql"`
	RequestTimeout time.Duration `env:"TIMEOUT" envDefault:"15s"`
	// Token seeds the session at startup, replacing any persisted token.
	Token string `env:"TOKEN"`
}

// CacheConfig tunes the query cache engine.
type CacheConfig struct {
	DefaultTTL      time.Duration `env:"DEFAULT_TTL"      envDefault:"5m"`
	GCWindow        time.Duration `env:"GC_WINDOW"        envDefault:"5m"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"1m"`
	MaxRetries      int           `env:"MAX_RETRIES"      envDefault:"3"`
	RetryDelay      time.Duration `env:"RETRY_DELAY"      envDefault:"500ms"`
}

// PersistConfig selects the durable backend for small client state.
type PersistConfig struct {
	Backend    string `env:"BACKEND"     envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"regwatch.db"`
}

// RedisConfig is used when Persist.Backend is "redis".
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE"      envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"1"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT"   envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT"   envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT"  envDefault:"3s"`
}

// NotificationsConfig enables the notification event sources. Every source is
// optional; an empty broker list or URL leaves that source off.
type NotificationsConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	KafkaBrokers []string      `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string        `env:"KAFKA_TOPIC"   envDefault:"registry.changes"`
	KafkaGroup   string        `env:"KAFKA_GROUP"   envDefault:"regwatch-client"`
	WebSocketURL string        `env:"WEBSOCKET_URL"`
	BufferSize   int           `env:"BUFFER_SIZE"   envDefault:"64"`
}

// TracingConfig exports spans over OTLP/HTTP. Tracing stays off while
// Endpoint is empty.
type TracingConfig struct {
	Endpoint    string  `env:"ENDPOINT"`
	ServiceName string  `env:"SERVICE_NAME" envDefault:"regwatch"`
	SampleRatio float64 `env:"SAMPLE_RATIO" envDefault:"1"`
}

const (
	PersistMemory = "memory"
	PersistSQLite = "sqlite"
	PersistRedis  = "redis"
)

// Load builds a Config from environment variables so main stays lean.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Notifications.KafkaBrokers = strutil.DedupeAndTrim(cfg.Notifications.KafkaBrokers)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Persist.Backend {
	case PersistMemory, PersistSQLite:
	case PersistRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("persist backend %q requires REGWATCH_REDIS_URL", c.Persist.Backend)
		}
	default:
		return fmt.Errorf("unknown persist backend %q", c.Persist.Backend)
	}
	if c.Cache.MaxRetries < 0 {
		return fmt.Errorf("cache max retries must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("trace sample ratio must be within [0, 1]")
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api timeout must be positive")
	}
	return nil
}
