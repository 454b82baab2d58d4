// This file contains environment-driven configuration for deployments that
// wire the gateway from env vars rather than code. A .env file is loaded
// when present; real environment variables win.
package gateway

import (
	"context"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
)

// Config is the environment configuration, prefixed GATEWAY_
// (e.g. GATEWAY_REDIS_ADDR, GATEWAY_NAMESPACE).
type Config struct {
	Namespace      string        `envconfig:"NAMESPACE" default:"web"`
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	RedisAddr      string        `envconfig:"REDIS_ADDR"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	DebounceWindow time.Duration `envconfig:"DEBOUNCE_WINDOW" default:"1s"`
	CheckOrigin    bool          `envconfig:"CHECK_ORIGIN" default:"false"`
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS"`
	PingInterval   time.Duration `envconfig:"PING_INTERVAL" default:"30s"`
	PongWait       time.Duration `envconfig:"PONG_WAIT" default:"60s"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
}

// LoadConfig reads configuration from the environment, applying .env first
// when one exists in the working directory.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("gateway", &cfg); err != nil {
		return nil, wrapF(err, "failed to process gateway environment config")
	}
	return &cfg, nil
}

// ServerOptions expands the config into ServerOptions. When RedisAddr is
// set, the metadata store, counter store and pub/sub channel are all backed
// by that Redis deployment, making the gateway cluster-capable; otherwise
// everything stays in process memory.
func (c *Config) ServerOptions(ctx context.Context) (*ServerOptions, error) {
	opts := DefaultOptions()

	opts.Namespace = c.Namespace
	opts.DebounceWindow = c.DebounceWindow
	opts.CheckOrigin = c.CheckOrigin
	opts.AllowedOrigins = c.AllowedOrigins
	opts.PingInterval = c.PingInterval
	opts.PongWait = c.PongWait

	if c.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		})
		pubsub, err := NewRedisPubSub(ctx, client)

		if err != nil {
			return nil, err
		}
		opts.MetadataStore = NewRedisMetadataStore(client, c.Namespace)
		opts.CounterStore = NewRedisCounterStore(client, c.Namespace)
		opts.PubSub = pubsub
	}

	return &ServerOptions{
		Options:            opts,
		ServerAddr:         c.ListenAddr,
		ServerReadTimeout:  c.ReadTimeout,
		ServerWriteTimeout: c.WriteTimeout,
		ServerIdleTimeout:  c.IdleTimeout,
	}, nil
}
