package config

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(vals map[string]string) func(string) string {
	return func(key string) string { return vals[key] }
}

func productionEnv() map[string]string {
	return map[string]string{
		"SUMMARIES_TABLE":   "summaries",
		"MESSAGES_TABLE":    "messages",
		"REVOCATION_TABLE":  "revocations",
		"SIGNING_KEY_PARAM": "/conversation/signing-key",
	}
}

func TestLoad_ProductionDefaults(t *testing.T) {
	cfg, err := Load(envMap(productionEnv()))
	require.NoError(t, err)

	want := Defaults()
	want.SummariesTable = "summaries"
	want.MessagesTable = "messages"
	want.RevocationTable = "revocations"
	want.SigningKeyParam = "/conversation/signing-key"
	require.Equal(t, want, cfg)
	require.True(t, cfg.Production())
	require.Equal(t, 10, cfg.RateLimitRequests)
	require.Equal(t, 24*1024, cfg.MaxPayloadBytes)
	require.Equal(t, 7*24*time.Hour, cfg.SummaryTTL)
}

func TestLoad_Overrides(t *testing.T) {
	env := productionEnv()
	env["LOG_LEVEL"] = "debug"
	env["RATE_LIMIT_REQUESTS"] = "20"
	env["RATE_LIMIT_WINDOW"] = "1m"
	env["DEPENDENCY_TIMEOUT"] = "500ms"
	env["AUDIT_REQUIRED_FOR_GET"] = "true"
	env["REVOCATION_BACKEND"] = "redis"
	env["REDIS_ADDR"] = "localhost:6379"
	env["SIGNING_KEY_CACHE_TTL"] = "90s"
	env["AUDIT_TABLE"] = "audit"
	env["AUDIT_RETENTION"] = "2160h"

	cfg, err := Load(envMap(env))
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)
	require.Equal(t, 20, cfg.RateLimitRequests)
	require.Equal(t, time.Minute, cfg.RateLimitWindow)
	require.Equal(t, 500*time.Millisecond, cfg.DependencyTimeout)
	require.True(t, cfg.AuditRequiredForGet)
	require.Equal(t, RevocationRedis, cfg.RevocationBackend)
	require.Equal(t, 90*time.Second, cfg.SigningKeyCacheTTL)
	require.Equal(t, "audit", cfg.AuditTable)
	require.Equal(t, 90*24*time.Hour, cfg.AuditRetention)
}

func TestLoad_AuditRetentionDefaultsToIndefinite(t *testing.T) {
	cfg, err := Load(envMap(productionEnv()))
	require.NoError(t, err)
	require.Zero(t, cfg.AuditRetention)

	env := productionEnv()
	env["AUDIT_RETENTION"] = "0s"
	_, err = Load(envMap(env))
	require.ErrorContains(t, err, "AUDIT_RETENTION: must be a positive duration")
}

func TestLoad_ReportsAllIssues(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"RATE_LIMIT_REQUESTS":   "ten",
		"TOKEN_TTL":             "-1h",
		"SIGNING_KEY_CACHE_TTL": "10s",
		"LOG_LEVEL":             "loud",
		"DEV_SIGNING_KEY":       "0123456789abcdef0123456789abcdef",
	}))
	require.Error(t, err)
	require.Equal(t, 10, cfg.RateLimitRequests)

	var cerr *Error
	require.True(t, errors.As(err, &cerr))
	keys := make([]string, 0, len(cerr.Issues))
	for _, i := range cerr.Issues {
		keys = append(keys, i.Key)
	}
	require.ElementsMatch(t, []string{
		"RATE_LIMIT_REQUESTS", "TOKEN_TTL", "LOG_LEVEL",
		"SUMMARIES_TABLE", "MESSAGES_TABLE", "REVOCATION_TABLE",
		"SIGNING_KEY_PARAM", "DEV_SIGNING_KEY", "SIGNING_KEY_CACHE_TTL",
	}, keys)
	require.Contains(t, err.Error(), "TOKEN_TTL: must be a positive duration")
}

func TestLoad_LocalSQLiteWithDevKey(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"ENVIRONMENT":        "Development",
		"STORE_BACKEND":      "sqlite",
		"SQLITE_PATH":        "/tmp/conv.db",
		"REVOCATION_BACKEND": "redis",
		"REDIS_ADDR":         "localhost:6379",
		"DEV_SIGNING_KEY":    "0123456789abcdef0123456789abcdef",
	}))
	require.NoError(t, err)
	require.False(t, cfg.Production())
	require.Equal(t, StoreSQLite, cfg.StoreBackend)
	require.Equal(t, "/tmp/conv.db", cfg.SQLitePath)
}

func TestLoad_SQLiteRequiresPath(t *testing.T) {
	env := map[string]string{
		"ENVIRONMENT":        "local",
		"STORE_BACKEND":      "sqlite",
		"REVOCATION_BACKEND": "redis",
		"REDIS_ADDR":         "localhost:6379",
		"DEV_SIGNING_KEY":    "0123456789abcdef0123456789abcdef",
	}
	_, err := Load(envMap(env))
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, []ValidationIssue{{
		Key:     "SQLITE_PATH",
		Message: "required with the sqlite store (use :memory: for a throwaway database)",
	}}, cerr.Issues)

	env["SQLITE_PATH"] = ":memory:"
	cfg, err := Load(envMap(env))
	require.NoError(t, err)
	require.Equal(t, ":memory:", cfg.SQLitePath)
}

func TestLoad_RejectsSQLiteInProduction(t *testing.T) {
	env := productionEnv()
	env["STORE_BACKEND"] = "sqlite"
	_, err := Load(envMap(env))
	require.ErrorContains(t, err, "STORE_BACKEND")

	env["STORE_BACKEND"] = "postgres"
	_, err = Load(envMap(env))
	require.ErrorContains(t, err, "must be one of")
}
