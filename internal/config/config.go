package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppEnv      string
	AppName     string
	AppPort     string
	MetricsPort string
	LogLevel    string

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int
	RedisKeyPrefix    string

	NATSURL  string
	NATSName string

	CORSOrigins    []string
	AllowedOrigins []string // WebSocket Origin allow-list; empty accepts any origin

	OutboundQueueDepth  int
	PublishQueueDepth   int
	AuthGracePeriod     time.Duration
	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
	ShutdownTimeout     time.Duration
	PresenceRefreshSpec string
	ICEServers          []string

	AppVersion      string
	TracingEndpoint string
	TracingDisabled bool
}

var defaults = map[string]any{
	"APP_ENV":                     "development",
	"APP_NAME":                    "ultrachat-gateway",
	"APP_PORT":                    "8080",
	"METRICS_PORT":                "9090",
	"LOG_LEVEL":                   "info",
	"REDIS_ADDR":                  "localhost:6379",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"REDIS_POOL_SIZE":             50,
	"REDIS_MIN_IDLE_CONNS":        5,
	"REDIS_MAX_RETRIES":           3,
	"REDIS_KEY_PREFIX":            "",
	"NATS_URL":                    "nats://localhost:4222",
	"NATS_NAME":                   "ultrachat-gateway",
	"CORS_ORIGINS":                "*",
	"WS_ALLOWED_ORIGINS":          "",
	"WS_OUTBOUND_QUEUE_DEPTH":     256,
	"BUS_PUBLISH_QUEUE_DEPTH":     1024,
	"AUTH_GRACE_PERIOD":           "5s",
	"BUS_REQUEST_TIMEOUT":         "5s",
	"CONNECT_TIMEOUT":             "30s",
	"SHUTDOWN_TIMEOUT":            "10s",
	"PRESENCE_REFRESH_SCHEDULE":   "@every 60s",
	"APP_VERSION":                 "1.0.0",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "localhost:4317",
	"OTEL_SDK_DISABLED":           false,
	"ICE_SERVERS":                 "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302",
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	// .env is optional; real deployments inject the environment directly.
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	cfg := &Config{
		AppEnv:              v.GetString("APP_ENV"),
		AppName:             v.GetString("APP_NAME"),
		AppPort:             v.GetString("APP_PORT"),
		MetricsPort:         v.GetString("METRICS_PORT"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		RedisAddr:           v.GetString("REDIS_ADDR"),
		RedisPassword:       v.GetString("REDIS_PASSWORD"),
		RedisDB:             v.GetInt("REDIS_DB"),
		RedisPoolSize:       v.GetInt("REDIS_POOL_SIZE"),
		RedisMinIdleConns:   v.GetInt("REDIS_MIN_IDLE_CONNS"),
		RedisMaxRetries:     v.GetInt("REDIS_MAX_RETRIES"),
		RedisKeyPrefix:      v.GetString("REDIS_KEY_PREFIX"),
		NATSURL:             v.GetString("NATS_URL"),
		NATSName:            v.GetString("NATS_NAME"),
		CORSOrigins:         splitList(v.GetString("CORS_ORIGINS")),
		AllowedOrigins:      splitList(v.GetString("WS_ALLOWED_ORIGINS")),
		OutboundQueueDepth:  v.GetInt("WS_OUTBOUND_QUEUE_DEPTH"),
		PublishQueueDepth:   v.GetInt("BUS_PUBLISH_QUEUE_DEPTH"),
		AuthGracePeriod:     v.GetDuration("AUTH_GRACE_PERIOD"),
		RequestTimeout:      v.GetDuration("BUS_REQUEST_TIMEOUT"),
		ConnectTimeout:      v.GetDuration("CONNECT_TIMEOUT"),
		ShutdownTimeout:     v.GetDuration("SHUTDOWN_TIMEOUT"),
		PresenceRefreshSpec: v.GetString("PRESENCE_REFRESH_SCHEDULE"),
		ICEServers:          splitList(v.GetString("ICE_SERVERS")),
		AppVersion:          v.GetString("APP_VERSION"),
		TracingEndpoint:     v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TracingDisabled:     v.GetBool("OTEL_SDK_DISABLED"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.OutboundQueueDepth <= 0 {
		return fmt.Errorf("invalid WS_OUTBOUND_QUEUE_DEPTH: %d", c.OutboundQueueDepth)
	}
	if c.PublishQueueDepth <= 0 {
		return fmt.Errorf("invalid BUS_PUBLISH_QUEUE_DEPTH: %d", c.PublishQueueDepth)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid BUS_REQUEST_TIMEOUT: %s", c.RequestTimeout)
	}
	if c.AuthGracePeriod <= 0 {
		return fmt.Errorf("invalid AUTH_GRACE_PERIOD: %s", c.AuthGracePeriod)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
