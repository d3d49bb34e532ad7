// Package config loads the server configuration from DM_* environment
// variables, optionally seeded from a .env file outside production.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/horizon/dm-app/internal/dm"
	"github.com/horizon/dm-app/internal/message"
	"github.com/horizon/dm-app/internal/messaging"
	"github.com/horizon/dm-app/internal/ratelimit"
	"github.com/horizon/dm-app/internal/ws"
)

const envPrefix = "DM"

var validate = validator.New()

type Config struct {
	Env        string `envconfig:"ENV" default:"development"`
	HTTPAddr   string `envconfig:"HTTP_ADDR" default:":8080" validate:"required"`
	ServerName string `envconfig:"SERVER_NAME"`

	// Live channels
	WorkerPoolSize    int           `envconfig:"WORKER_POOL_SIZE" default:"256" validate:"min=1"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"100000" validate:"min=1"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	SendBuffer        int           `envconfig:"SEND_BUFFER" default:"64" validate:"min=1"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`

	// Storage
	StoreBackend string `envconfig:"STORE" default:"memory" validate:"oneof=postgres badger memory"`
	PostgresDSN  string `envconfig:"POSTGRES_DSN" validate:"required_if=StoreBackend postgres"`
	BadgerPath   string `envconfig:"BADGER_PATH" default:"./data/messages" validate:"required_if=StoreBackend badger"`
	UsersFile    string `envconfig:"USERS_FILE"` // JSON user seed when no Postgres directory is configured

	// Collaborators; empty disables them.
	RedisAddr string `envconfig:"REDIS_ADDR"`
	NATSURL   string `envconfig:"NATS_URL"`

	// Auth
	JWTSecret string        `envconfig:"JWT_SECRET" validate:"required,min=16"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"168h"`

	// Messaging rules
	MaxBodyChars     int           `envconfig:"MAX_BODY_CHARS" default:"2000" validate:"min=1"`
	MaxBodyBytes     int           `envconfig:"MAX_BODY_BYTES" default:"4096" validate:"min=1"`
	MinQueryLength   int           `envconfig:"MIN_QUERY_LENGTH" default:"2" validate:"min=1"`
	MaxSearchResults int           `envconfig:"MAX_SEARCH_RESULTS" default:"10" validate:"min=1,max=100"`
	IndexRefresh     time.Duration `envconfig:"INDEX_REFRESH" default:"5s"`
	SendRateLimit    int           `envconfig:"SEND_RATE_LIMIT" default:"20" validate:"min=0"`
	SendRateWindow   time.Duration `envconfig:"SEND_RATE_WINDOW" default:"10s"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// Load reads .env (outside production) and then the environment.
func Load() (*Config, error) {
	if os.Getenv(envPrefix+"_ENV") != "production" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("config: couldn't load .env: %v", err)
		}
	}
	return FromEnv()
}

// FromEnv reads and validates the configuration from the environment only.
func FromEnv() (*Config, error) {
	c := &Config{}
	if err := envconfig.Process(envPrefix, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if c.ServerName == "" {
		c.ServerName, _ = os.Hostname()
	}
	if c.ServerName == "" {
		c.ServerName = "dm-1"
	}
	return c, nil
}

// Production reports whether the server runs with production settings.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// WSConfig projects the live-channel settings.
func (c *Config) WSConfig() ws.ServerConfig {
	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = c.WorkerPoolSize
	cfg.MaxConnections = c.MaxConnections
	cfg.ReadTimeout = c.ReadTimeout
	cfg.WriteTimeout = c.WriteTimeout
	cfg.SendBuffer = c.SendBuffer
	cfg.Heartbeat = ws.HeartbeatConfig{Interval: c.HeartbeatInterval, Timeout: c.HeartbeatTimeout}
	return cfg
}

// NATSConfig projects the NATS settings.
func (c *Config) NATSConfig() messaging.NATSConfig {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = c.NATSURL
	cfg.Name = "dm-server:" + c.ServerName
	return cfg
}

// ServiceConfig projects the messaging rules.
func (c *Config) ServiceConfig() dm.Config {
	return dm.Config{
		Limits:           message.Limits{MaxChars: c.MaxBodyChars, MaxBytes: c.MaxBodyBytes},
		MinQueryLength:   c.MinQueryLength,
		MaxSearchResults: c.MaxSearchResults,
	}
}

// SendRule projects the per-sender rate limit.
func (c *Config) SendRule() ratelimit.Rule {
	rule := ratelimit.RuleSend
	rule.Limit = c.SendRateLimit
	rule.Window = c.SendRateWindow
	return rule
}
