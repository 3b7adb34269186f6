package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the hub listens on.
	DefaultAddr = ":8490"
	// DefaultMaxConnections bounds concurrent WebSocket connections.
	DefaultMaxConnections = 10000
	// DefaultHeartbeatInterval controls how often the server pings each client.
	DefaultHeartbeatInterval = 25 * time.Second
	// DefaultHeartbeatTimeout is how long the server waits for a pong.
	DefaultHeartbeatTimeout = 5 * time.Second
	// DefaultSessionTimeout evicts connections idle longer than this.
	DefaultSessionTimeout = 24 * time.Hour
	// DefaultEmptyRoomTTL deletes non-persistent rooms empty for this long.
	DefaultEmptyRoomTTL = 10 * time.Minute
	// DefaultAggregateWindow bounds the event coalescing window.
	DefaultAggregateWindow = time.Second
	// DefaultAggregateBatch bounds how many events a batch may hold.
	DefaultAggregateBatch = 50
	// DefaultOutboundQueue is the per-connection outbound frame queue depth.
	DefaultOutboundQueue = 1024
	// DefaultHandshakeTimeout is how long a client has to authenticate.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultShutdownGrace bounds the outbound queue drain during shutdown.
	DefaultShutdownGrace = 10 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultLogLevel controls verbosity for hub logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "hub.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the hub service.
type Config struct {
	Address           string
	NodeID            string
	AllowedOrigins    []string
	MaxPayloadBytes   int64
	MaxConnections    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	SessionTimeout    time.Duration
	EmptyRoomTTL      time.Duration
	AggregateWindow   time.Duration
	AggregateBatch    int
	OutboundQueue     int
	ShutdownGrace     time.Duration
	AuthSecret        string
	AuthOptional      bool
	NATSURL           string
	AdminToken        string
	RateLimits        map[string]RateLimitOverride
	Logging           LoggingConfig
}

// RateLimitOverride replaces one row of the limiter class table.
type RateLimitOverride struct {
	MaxTokens float64
	Window    time.Duration
	Burst     int
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the hub configuration from environment variables, applying
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:           getString("HUB_ADDR", DefaultAddr),
		NodeID:            strings.TrimSpace(os.Getenv("HUB_NODE_ID")),
		AllowedOrigins:    parseList(os.Getenv("HUB_ALLOWED_ORIGINS")),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		MaxConnections:    DefaultMaxConnections,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		SessionTimeout:    DefaultSessionTimeout,
		EmptyRoomTTL:      DefaultEmptyRoomTTL,
		AggregateWindow:   DefaultAggregateWindow,
		AggregateBatch:    DefaultAggregateBatch,
		OutboundQueue:     DefaultOutboundQueue,
		ShutdownGrace:     DefaultShutdownGrace,
		AuthSecret:        strings.TrimSpace(os.Getenv("HUB_AUTH_SECRET")),
		NATSURL:           strings.TrimSpace(os.Getenv("HUB_NATS_URL")),
		AdminToken:        strings.TrimSpace(os.Getenv("HUB_ADMIN_TOKEN")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("HUB_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("HUB_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("HUB_AUTH_OPTIONAL")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("HUB_AUTH_OPTIONAL must be a boolean value, got %q", raw))
		} else {
			cfg.AuthOptional = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HUB_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_MAX_CONNECTIONS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HUB_MAX_CONNECTIONS must be a positive integer, got %q", raw))
		} else {
			cfg.MaxConnections = value
		}
	}

	for _, item := range []struct {
		env    string
		target *time.Duration
	}{
		{"HUB_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"HUB_HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"HUB_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"HUB_SESSION_TIMEOUT", &cfg.SessionTimeout},
		{"HUB_EMPTY_ROOM_TTL", &cfg.EmptyRoomTTL},
		{"HUB_AGGREGATE_WINDOW", &cfg.AggregateWindow},
		{"HUB_SHUTDOWN_GRACE", &cfg.ShutdownGrace},
	} {
		raw := strings.TrimSpace(os.Getenv(item.env))
		if raw == "" {
			continue
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", item.env, raw))
		} else {
			*item.target = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_AGGREGATE_BATCH")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HUB_AGGREGATE_BATCH must be a positive integer, got %q", raw))
		} else {
			cfg.AggregateBatch = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_OUTBOUND_QUEUE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HUB_OUTBOUND_QUEUE must be a positive integer, got %q", raw))
		} else {
			cfg.OutboundQueue = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("HUB_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("HUB_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("HUB_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("HUB_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("HUB_RATE_LIMITS")); raw != "" {
		overrides, errs := parseRateLimits(raw)
		problems = append(problems, errs...)
		cfg.RateLimits = overrides
	}

	if cfg.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			problems = append(problems, "HUB_NODE_ID must be set when the hostname is unavailable")
		} else {
			cfg.NodeID = host
		}
	}

	if !cfg.AuthOptional && cfg.AuthSecret == "" {
		problems = append(problems, "HUB_AUTH_SECRET must be set unless HUB_AUTH_OPTIONAL is true")
	}

	if cfg.HeartbeatTimeout >= cfg.HeartbeatInterval {
		problems = append(problems, "HUB_HEARTBEAT_TIMEOUT must be shorter than HUB_HEARTBEAT_INTERVAL")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// parseRateLimits reads comma-separated "class=max:window:burst" entries,
// e.g. "auth.voting=10:5m:4,chat.msg=120:1m:30".
func parseRateLimits(raw string) (map[string]RateLimitOverride, []string) {
	overrides := make(map[string]RateLimitOverride)
	var problems []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, spec, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		parts := strings.Split(spec, ":")
		if !ok || name == "" || len(parts) != 3 {
			problems = append(problems, fmt.Sprintf("HUB_RATE_LIMITS entry %q must look like class=max:window:burst", entry))
			continue
		}
		maxTokens, maxErr := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		window, windowErr := time.ParseDuration(strings.TrimSpace(parts[1]))
		burst, burstErr := strconv.Atoi(strings.TrimSpace(parts[2]))
		if maxErr != nil || maxTokens <= 0 || windowErr != nil || window <= 0 || burstErr != nil || burst < 0 {
			problems = append(problems, fmt.Sprintf("HUB_RATE_LIMITS entry %q has an invalid limit", entry))
			continue
		}
		overrides[name] = RateLimitOverride{MaxTokens: maxTokens, Window: window, Burst: burst}
	}
	return overrides, problems
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
