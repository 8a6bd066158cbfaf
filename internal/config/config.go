// Package config turns environment variables into a validated Config. It
// never reads the process environment itself; callers pass a lookup func
// (os.Getenv in cmd/).
package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	EnvironmentProduction = "production"

	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"

	RevocationDynamoDB = "dynamodb"
	RevocationRedis    = "redis"
)

type Config struct {
	Environment string
	LogLevel    slog.Level

	StoreBackend   string
	SummariesTable string
	MessagesTable  string
	SQLitePath     string

	RevocationBackend string
	RevocationTable   string
	RedisAddr         string

	AuditTable          string
	AuditRequiredForGet bool
	// AuditRetention sets a TTL on durable audit records. Zero keeps them.
	AuditRetention time.Duration

	SigningKeyParam    string
	SigningKeyCacheTTL time.Duration
	// DevSigningKey is only honored outside production.
	DevSigningKey string

	RateLimitRequests      int
	RateLimitWindow        time.Duration
	RateLimitMaxKeys       int
	RateLimitSweepInterval time.Duration

	MaxPayloadBytes    int
	MaxMessagesPerSave int
	MaxHistoryMessages int
	TokenTTL           time.Duration
	SummaryTTL         time.Duration
	MessageTTL         time.Duration
	DependencyTimeout  time.Duration

	StreamTokenIssuer   string
	StreamTokenAudience string
	StreamTokenTTL      time.Duration
}

// Defaults returns the configuration used when no variable is set.
func Defaults() Config {
	return Config{
		Environment:            EnvironmentProduction,
		LogLevel:               slog.LevelInfo,
		StoreBackend:           StoreDynamoDB,
		RevocationBackend:      RevocationDynamoDB,
		SigningKeyCacheTTL:     300 * time.Second,
		RateLimitRequests:      10,
		RateLimitWindow:        10 * time.Second,
		RateLimitMaxKeys:       1000,
		RateLimitSweepInterval: 30 * time.Second,
		MaxPayloadBytes:        24 * 1024,
		MaxMessagesPerSave:     6,
		MaxHistoryMessages:     50,
		TokenTTL:               24 * time.Hour,
		SummaryTTL:             7 * 24 * time.Hour,
		MessageTTL:             24 * time.Hour,
		DependencyTimeout:      2 * time.Second,
		StreamTokenIssuer:      "conversation-service",
		StreamTokenAudience:    "stream",
		StreamTokenTTL:         5 * time.Minute,
	}
}

func (c Config) Production() bool {
	return c.Environment == EnvironmentProduction
}

// ValidationIssue describes a problem with one variable.
type ValidationIssue struct {
	Key     string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Key, v.Message)
}

// Error collects every issue found while loading.
type Error struct {
	Issues []ValidationIssue
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.String())
	}
	return "config: " + strings.Join(parts, "; ")
}

type loader struct {
	getenv func(string) string
	issues []ValidationIssue
}

func (l *loader) issue(key, format string, args ...any) {
	l.issues = append(l.issues, ValidationIssue{Key: key, Message: fmt.Sprintf(format, args...)})
}

func (l *loader) str(key string, dst *string) {
	if v := strings.TrimSpace(l.getenv(key)); v != "" {
		*dst = v
	}
}

func (l *loader) int(key string, dst *int) {
	v := strings.TrimSpace(l.getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		l.issue(key, "must be a positive integer, got %q", v)
		return
	}
	*dst = n
}

func (l *loader) duration(key string, dst *time.Duration) {
	v := strings.TrimSpace(l.getenv(key))
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		l.issue(key, "must be a positive duration, got %q", v)
		return
	}
	*dst = d
}

func (l *loader) bool(key string, dst *bool) {
	v := strings.TrimSpace(l.getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.issue(key, "must be a boolean, got %q", v)
		return
	}
	*dst = b
}

// Load reads every variable through getenv, applies defaults and validates
// the result. All issues are reported together.
func Load(getenv func(string) string) (Config, error) {
	cfg := Defaults()
	l := &loader{getenv: getenv}

	l.str("ENVIRONMENT", &cfg.Environment)
	cfg.Environment = strings.ToLower(cfg.Environment)
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			l.issue("LOG_LEVEL", "unknown level %q", v)
		}
	}

	l.str("STORE_BACKEND", &cfg.StoreBackend)
	l.str("SUMMARIES_TABLE", &cfg.SummariesTable)
	l.str("MESSAGES_TABLE", &cfg.MessagesTable)
	l.str("SQLITE_PATH", &cfg.SQLitePath)
	l.str("REVOCATION_BACKEND", &cfg.RevocationBackend)
	l.str("REVOCATION_TABLE", &cfg.RevocationTable)
	l.str("REDIS_ADDR", &cfg.RedisAddr)
	l.str("AUDIT_TABLE", &cfg.AuditTable)
	l.bool("AUDIT_REQUIRED_FOR_GET", &cfg.AuditRequiredForGet)
	l.duration("AUDIT_RETENTION", &cfg.AuditRetention)
	l.str("SIGNING_KEY_PARAM", &cfg.SigningKeyParam)
	l.duration("SIGNING_KEY_CACHE_TTL", &cfg.SigningKeyCacheTTL)
	l.str("DEV_SIGNING_KEY", &cfg.DevSigningKey)

	l.int("RATE_LIMIT_REQUESTS", &cfg.RateLimitRequests)
	l.duration("RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)
	l.int("RATE_LIMIT_MAX_KEYS", &cfg.RateLimitMaxKeys)
	l.duration("RATE_LIMIT_SWEEP_INTERVAL", &cfg.RateLimitSweepInterval)

	l.int("MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	l.int("MAX_MESSAGES_PER_SAVE", &cfg.MaxMessagesPerSave)
	l.int("MAX_HISTORY_MESSAGES", &cfg.MaxHistoryMessages)
	l.duration("TOKEN_TTL", &cfg.TokenTTL)
	l.duration("SUMMARY_TTL", &cfg.SummaryTTL)
	l.duration("MESSAGE_TTL", &cfg.MessageTTL)
	l.duration("DEPENDENCY_TIMEOUT", &cfg.DependencyTimeout)

	l.str("STREAM_TOKEN_ISSUER", &cfg.StreamTokenIssuer)
	l.str("STREAM_TOKEN_AUDIENCE", &cfg.StreamTokenAudience)
	l.duration("STREAM_TOKEN_TTL", &cfg.StreamTokenTTL)

	l.validate(&cfg)
	if len(l.issues) > 0 {
		return cfg, &Error{Issues: l.issues}
	}
	return cfg, nil
}

func (l *loader) validate(cfg *Config) {
	switch cfg.StoreBackend {
	case StoreDynamoDB:
		if cfg.SummariesTable == "" {
			l.issue("SUMMARIES_TABLE", "required with the %s store", StoreDynamoDB)
		}
		if cfg.MessagesTable == "" {
			l.issue("MESSAGES_TABLE", "required with the %s store", StoreDynamoDB)
		}
	case StoreSQLite:
		if cfg.Production() {
			l.issue("STORE_BACKEND", "%s is for local use and not allowed in production", StoreSQLite)
		}
		if cfg.SQLitePath == "" {
			l.issue("SQLITE_PATH", "required with the %s store (use :memory: for a throwaway database)", StoreSQLite)
		}
	default:
		l.issue("STORE_BACKEND", "must be one of %v, got %q", []string{StoreDynamoDB, StoreSQLite}, cfg.StoreBackend)
	}

	switch cfg.RevocationBackend {
	case RevocationDynamoDB:
		if cfg.RevocationTable == "" {
			l.issue("REVOCATION_TABLE", "required with the %s revocation backend", RevocationDynamoDB)
		}
	case RevocationRedis:
		if cfg.RedisAddr == "" {
			l.issue("REDIS_ADDR", "required with the %s revocation backend", RevocationRedis)
		}
	default:
		l.issue("REVOCATION_BACKEND", "must be one of %v, got %q", []string{RevocationDynamoDB, RevocationRedis}, cfg.RevocationBackend)
	}

	if cfg.Production() {
		if cfg.SigningKeyParam == "" {
			l.issue("SIGNING_KEY_PARAM", "required in production")
		}
		if cfg.DevSigningKey != "" {
			l.issue("DEV_SIGNING_KEY", "must not be set in production")
		}
	} else if cfg.SigningKeyParam == "" && cfg.DevSigningKey == "" {
		l.issue("SIGNING_KEY_PARAM", "set SIGNING_KEY_PARAM or DEV_SIGNING_KEY")
	}

	if cfg.SigningKeyCacheTTL < 60*time.Second || cfg.SigningKeyCacheTTL > 300*time.Second {
		l.issue("SIGNING_KEY_CACHE_TTL", "must be between 60s and 300s, got %s", cfg.SigningKeyCacheTTL)
	}
	if !slices.Contains([]string{EnvironmentProduction, "staging", "development", "local", "test"}, cfg.Environment) {
		l.issue("ENVIRONMENT", "unknown environment %q", cfg.Environment)
	}
}
