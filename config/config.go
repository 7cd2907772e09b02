package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string   `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JWTSecret      string   `mapstructure:"jwt_secret"`

	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Signaling  SignalingConfig  `mapstructure:"signaling"`
	Durability DurabilityConfig `mapstructure:"durability"`
	ICE        ICEConfig        `mapstructure:"ice"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// AuthConfig selects how bearer credentials are verified: "jwt" checks the
// signature locally, "remote" asks the auth service.
type AuthConfig struct {
	Mode       string        `mapstructure:"mode"`
	ServiceURL string        `mapstructure:"service_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory | redis | postgres
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type SignalingConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
}

type DurabilityConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// ICEConfig lists STUN/TURN servers handed to clients on join. When
// TURNSecret is set, TURN credentials are minted per meeting instead of
// using the static username/credential pair.
type ICEConfig struct {
	STUNURLs       []string      `mapstructure:"stun_urls"`
	TURNURLs       []string      `mapstructure:"turn_urls"`
	TURNUsername   string        `mapstructure:"turn_username"`
	TURNCredential string        `mapstructure:"turn_credential"`
	TURNSecret     string        `mapstructure:"turn_secret"`
	TURNTTL        time.Duration `mapstructure:"turn_ttl"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load reads defaults, an optional config/config.<env>.yaml file and the
// environment. Nested keys map to upper-case variables with dots replaced by
// underscores (redis.host -> REDIS_HOST).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	fileName := os.Getenv("CONFIG_FILE")
	if fileName == "" {
		fileName = fmt.Sprintf("config/config.%s.yaml", v.GetString("environment"))
	}
	if _, err := os.Stat(fileName); err == nil {
		v.SetConfigFile(fileName)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.AllowedOrigins = splitList(cfg.AllowedOrigins)
	cfg.ICE.STUNURLs = splitList(cfg.ICE.STUNURLs)
	cfg.ICE.TURNURLs = splitList(cfg.ICE.TURNURLs)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", defaultJWTSecret)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("auth.mode", "jwt")
	v.SetDefault("auth.service_url", "http://localhost:8000")
	v.SetDefault("auth.timeout", "10s")

	v.SetDefault("store.driver", "memory")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "168h")

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("signaling.idle_timeout", "60s")
	v.SetDefault("signaling.ping_period", "54s")
	v.SetDefault("signaling.write_timeout", "10s")
	v.SetDefault("signaling.close_timeout", "5s")
	v.SetDefault("signaling.grace_period", "30s")
	v.SetDefault("signaling.send_buffer", 256)
	v.SetDefault("signaling.read_limit", 32768)
	v.SetDefault("signaling.rate_limit", 20)
	v.SetDefault("signaling.rate_burst", 40)

	v.SetDefault("durability.workers", 4)
	v.SetDefault("durability.queue_size", 1024)
	v.SetDefault("durability.max_attempts", 8)
	v.SetDefault("durability.base_backoff", "200ms")
	v.SetDefault("durability.max_backoff", "10s")

	v.SetDefault("ice.stun_urls", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	v.SetDefault("ice.turn_urls", "")
	v.SetDefault("ice.turn_username", "")
	v.SetDefault("ice.turn_credential", "")
	v.SetDefault("ice.turn_secret", "")
	v.SetDefault("ice.turn_ttl", "24h")
}

func (c *Config) validate() error {
	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be set in production")
	}
	switch c.Store.Driver {
	case "memory", "redis":
	case "postgres":
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Auth.Mode {
	case "jwt", "remote":
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}
	if c.Signaling.PingPeriod >= c.Signaling.IdleTimeout {
		return errors.New("signaling.ping_period must be shorter than signaling.idle_timeout")
	}
	return nil
}

// splitList flattens comma-separated entries coming from environment
// variables and drops blanks.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
