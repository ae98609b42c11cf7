package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Social   SocialConfig   `mapstructure:"social"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | sqlite_memory | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string  `mapstructure:"jwt_secret"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// AdminIPs restricts /api/admin. Empty allows any IP holding the admin key.
	AdminIPs []string `mapstructure:"admin_ips"`
}

// SocialConfig tunes the relationship engine and presence fan-out.
type SocialConfig struct {
	OpTimeout          time.Duration `mapstructure:"op_timeout"`
	MaxCASRetries      int           `mapstructure:"max_cas_retries"`
	MaxReasonLen       int           `mapstructure:"max_reason_len"`
	IdempotencyTTL     time.Duration `mapstructure:"idempotency_ttl"`
	IdempotencyPurge   time.Duration `mapstructure:"idempotency_purge"`
	PresenceTTL        time.Duration `mapstructure:"presence_ttl"`
	PresenceSweep      time.Duration `mapstructure:"presence_sweep"`
	PublishAttempts    int           `mapstructure:"publish_attempts"`
	PublishBackoff     time.Duration `mapstructure:"publish_backoff"`
	SubscriptionBuffer int           `mapstructure:"subscription_buffer"`
	SSEKeepalive       time.Duration `mapstructure:"sse_keepalive"`
}

// Load reads config from the given YAML file path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/friendsync.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("social.op_timeout", "5s")
	v.SetDefault("social.max_cas_retries", 8)
	v.SetDefault("social.max_reason_len", 500)
	v.SetDefault("social.idempotency_ttl", "24h")
	v.SetDefault("social.idempotency_purge", "10m")
	v.SetDefault("social.presence_ttl", "90s")
	v.SetDefault("social.presence_sweep", "15s")
	v.SetDefault("social.publish_attempts", 3)
	v.SetDefault("social.publish_backoff", "50ms")
	v.SetDefault("social.subscription_buffer", 64)
	v.SetDefault("social.sse_keepalive", "30s")

	// FRIENDSYNC_SECURITY_JWT_SECRET and friends override the file, so
	// secrets need not live in it.
	v.SetEnvPrefix("FRIENDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"server.admin_key", "security.jwt_secret", "database.mysql_dsn", "cache.redis_password"} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
