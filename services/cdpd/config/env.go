package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	envListen        = "CDPD_LISTEN"
	envEnvironment   = "CDPD_ENV"
	envDataDir       = "CDPD_DATA_DIR"
	envJournal       = "CDPD_JOURNAL"
	envAdminToken    = "CDPD_ADMIN_TOKEN"
	envLogLevel      = "CDPD_LOG_LEVEL"
	envLogFile       = "CDPD_LOG_FILE"
	envPauseCDP      = "CDPD_PAUSE_CDP"
	envPauseLiq      = "CDPD_PAUSE_LIQUIDATION"
	envRatePerMin    = "CDPD_RATE_PER_MIN"
	envOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envOTLPHeaders   = "OTEL_EXPORTER_OTLP_HEADERS"
	envOTLPInsecure  = "CDPD_OTEL_INSECURE"
	envOTLPTraces    = "CDPD_OTEL_TRACES"
	envOTLPMetrics   = "CDPD_OTEL_METRICS"
	envOTLPSampleRat = "CDPD_OTEL_SAMPLE_RATIO"
)

// ApplyEnv overlays environment variables on cfg. Unset or malformed values
// leave the file setting untouched.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = stringFromEnv(envListen, cfg.ListenAddress)
	cfg.Environment = stringFromEnv(envEnvironment, cfg.Environment)
	cfg.DataDir = stringFromEnv(envDataDir, cfg.DataDir)
	cfg.JournalPath = stringFromEnv(envJournal, cfg.JournalPath)
	cfg.AdminToken = stringFromEnv(envAdminToken, cfg.AdminToken)
	cfg.Log.Level = stringFromEnv(envLogLevel, cfg.Log.Level)
	cfg.Log.File = stringFromEnv(envLogFile, cfg.Log.File)
	cfg.Pauses.CDP = boolFromEnv(envPauseCDP, cfg.Pauses.CDP)
	cfg.Pauses.Liquidation = boolFromEnv(envPauseLiq, cfg.Pauses.Liquidation)
	cfg.RateLimit.RequestsPerMinute = floatFromEnv(envRatePerMin, cfg.RateLimit.RequestsPerMinute)
	cfg.Telemetry.Endpoint = stringFromEnv(envOTLPEndpoint, cfg.Telemetry.Endpoint)
	cfg.Telemetry.Headers = stringFromEnv(envOTLPHeaders, cfg.Telemetry.Headers)
	cfg.Telemetry.Insecure = boolFromEnv(envOTLPInsecure, cfg.Telemetry.Insecure)
	cfg.Telemetry.Traces = boolFromEnv(envOTLPTraces, cfg.Telemetry.Traces)
	cfg.Telemetry.Metrics = boolFromEnv(envOTLPMetrics, cfg.Telemetry.Metrics)
	cfg.Telemetry.SampleRatio = floatFromEnv(envOTLPSampleRat, cfg.Telemetry.SampleRatio)
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func boolFromEnv(key string, fallback bool) bool {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func floatFromEnv(key string, fallback float64) float64 {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
