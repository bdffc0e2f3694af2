// Package config loads server configuration from environment variables.
//
// Exactly one datafile source is required:
//   - DATAFILE_PATH: local datafile, re-read when the file changes.
//   - DATAFILE_URL: remote datafile fetched over HTTP(S). DATAFILE_URL_TOKEN
//     is sent as a bearer token when set.
//   - DATABASE_URL: PostgreSQL holding published datafiles per environment
//     (DATAFILE_ENVIRONMENT, default "production").
//   - REDIS_URL: Redis key holding the datafile (DATAFILE_REDIS_KEY, default
//     "flagbase:datafile").
//
// Optional variables:
//   - LOG_LEVEL, LOG_FORMAT: slog level and "json" or "text" output
//     (defaults "info" and "json").
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - REFRESH_INTERVAL: datafile refresh period (default "30s", "0" disables
//     periodic refresh).
//   - STREAM_HEARTBEAT_INTERVAL: SSE heartbeat period (default "15s", must be
//     > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - API_KEYS: comma separated id:bcrypt-hash pairs. Empty disables auth.
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per IP (default 10).
//   - TS_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR: optional tailnet listener.
//   - MIGRATE_ON_START: run database migrations before serving (Postgres only).
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
	defaultHTTPAddr                      = ":8080"
	defaultGRPCAddr                      = ":9090"
	defaultRefreshInterval               = 30 * time.Second
	defaultStreamHeartbeatInterval       = 15 * time.Second
	defaultTSStateDir                    = "tsnet-state"
	defaultAuthRateLimit                 = 10
	defaultMaxJSONBodySize         int64 = 1 << 20 // 1MB
	defaultEnvironment                   = "production"
	defaultRedisKey                      = "flagbase:datafile"
)

// SourceKind names where the server loads its datafile from.
type SourceKind string

const (
	SourceFile     SourceKind = "file"
	SourceHTTP     SourceKind = "http"
	SourcePostgres SourceKind = "postgres"
	SourceRedis    SourceKind = "redis"
)

// Config holds the runtime configuration for the flagbase server.
type Config struct {
	Source SourceKind

	DatafilePath        string
	DatafileURL         string
	DatafileURLToken    string
	DatabaseURL         string
	DatafileEnvironment string
	RedisURL            string
	RedisKey            string

	HTTPAddr                string
	GRPCAddr                string
	LogLevel                string
	LogFormat               string
	RefreshInterval         time.Duration
	StreamHeartbeatInterval time.Duration
	MaxJSONBodySize         int64

	APIKeys       string
	AuthRateLimit int

	TSHostname string
	TSAuthKey  string
	TSStateDir string

	MigrateOnStart bool
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		DatafilePath:        strings.TrimSpace(os.Getenv("DATAFILE_PATH")),
		DatafileURL:         strings.TrimSpace(os.Getenv("DATAFILE_URL")),
		DatafileURLToken:    strings.TrimSpace(os.Getenv("DATAFILE_URL_TOKEN")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DatafileEnvironment: envOrDefault("DATAFILE_ENVIRONMENT", defaultEnvironment),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		RedisKey:            envOrDefault("DATAFILE_REDIS_KEY", defaultRedisKey),
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:            envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "json"),
		APIKeys:             strings.TrimSpace(os.Getenv("API_KEYS")),
		TSHostname:          strings.TrimSpace(os.Getenv("TS_HOSTNAME")),
		TSAuthKey:           os.Getenv("TS_AUTH_KEY"),
		TSStateDir:          envOrDefault("TS_STATE_DIR", defaultTSStateDir),
	}

	source, err := selectSource(cfg)
	if err != nil {
		return Config{}, err
	}
	cfg.Source = source

	cfg.RefreshInterval = defaultRefreshInterval
	if value := strings.TrimSpace(os.Getenv("REFRESH_INTERVAL")); value != "" {
		parsed, err := parseDurationOrZero(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse REFRESH_INTERVAL: %w", err)
		}
		if parsed < 0 {
			return Config{}, errors.New("REFRESH_INTERVAL must be >= 0")
		}
		cfg.RefreshInterval = parsed
	}

	cfg.StreamHeartbeatInterval = defaultStreamHeartbeatInterval
	if value := strings.TrimSpace(os.Getenv("STREAM_HEARTBEAT_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STREAM_HEARTBEAT_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("STREAM_HEARTBEAT_INTERVAL must be > 0")
		}
		cfg.StreamHeartbeatInterval = parsed
	}

	cfg.AuthRateLimit = defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		cfg.AuthRateLimit = parsed
	}

	cfg.MaxJSONBodySize = defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		cfg.MaxJSONBodySize = n
	}

	if v := strings.TrimSpace(os.Getenv("MIGRATE_ON_START")); v != "" {
		migrate, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse MIGRATE_ON_START: %w", err)
		}
		if migrate && cfg.Source != SourcePostgres {
			return Config{}, errors.New("MIGRATE_ON_START requires DATABASE_URL")
		}
		cfg.MigrateOnStart = migrate
	}

	if cfg.TSHostname != "" && strings.TrimSpace(cfg.TSAuthKey) == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when TS_HOSTNAME is set")
	}

	return cfg, nil
}

func selectSource(cfg Config) (SourceKind, error) {
	var selected []SourceKind
	if cfg.DatafilePath != "" {
		selected = append(selected, SourceFile)
	}
	if cfg.DatafileURL != "" {
		selected = append(selected, SourceHTTP)
	}
	if cfg.DatabaseURL != "" {
		selected = append(selected, SourcePostgres)
	}
	if cfg.RedisURL != "" {
		selected = append(selected, SourceRedis)
	}

	switch len(selected) {
	case 0:
		return "", errors.New("one of DATAFILE_PATH, DATAFILE_URL, DATABASE_URL or REDIS_URL is required")
	case 1:
		return selected[0], nil
	default:
		return "", fmt.Errorf("only one datafile source may be set, got %d", len(selected))
	}
}

// parseDurationOrZero accepts a bare "0" alongside Go duration strings.
func parseDurationOrZero(value string) (time.Duration, error) {
	if value == "0" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
