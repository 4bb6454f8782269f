// Package config parses the gateway's environment-variable configuration.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds every environment-derived setting the gateway reads at startup.
type Config struct {
	Port    int
	Host    string

	StreamingMode string // "real" or "fake", per-request default

	FailureThreshold int
	SwitchOnUses     int
	MaxRetries       int
	RetryDelayMS     int

	ImmediateSwitchStatusCodes map[int]bool

	APIKeys []string

	InitialAuthIndex int

	RateLimitRPS float64

	AESKey string // empty disables credential-at-rest encryption

	DBPath string
}

const defaultAPIKey = "123456"

// Load reads the process environment and fills in defaults for anything unset.
func Load() Config {
	cfg := Config{
		Port:             envInt("PORT", 8000),
		Host:             envString("HOST", "0.0.0.0"),
		StreamingMode:    envString("STREAMING_MODE", "real"),
		FailureThreshold: envInt("FAILURE_THRESHOLD", 3),
		SwitchOnUses:     envInt("SWITCH_ON_USES", 0),
		MaxRetries:       envInt("MAX_RETRIES", 2),
		RetryDelayMS:     envInt("RETRY_DELAY", 1000),
		InitialAuthIndex: envInt("INITIAL_AUTH_INDEX", 0),
		RateLimitRPS:     envFloat("RATE_LIMIT_RPS", 0),
		AESKey:           envString("GATEWAY_SECRET_KEY", ""),
		DBPath:           envString("GATEWAY_DB_PATH", "gateway.db"),
	}

	cfg.ImmediateSwitchStatusCodes = parseStatusCodes(envString("IMMEDIATE_SWITCH_STATUS_CODES", "429,503"))

	keys := envString("API_KEYS", "")
	if keys == "" {
		cfg.APIKeys = []string{defaultAPIKey}
	} else {
		for _, k := range strings.Split(keys, ",") {
			k = strings.TrimSpace(k)
			if k != "" {
				cfg.APIKeys = append(cfg.APIKeys, k)
			}
		}
	}

	return cfg
}

func parseStatusCodes(csv string) map[int]bool {
	out := make(map[int]bool)
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil || code < 400 || code > 599 {
			continue
		}
		out[code] = true
	}
	return out
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// AuthJSONEnvVars returns every AUTH_JSON_<N> variable found in the
// environment, keyed by the parsed index N.
func AuthJSONEnvVars() map[int]string {
	out := make(map[int]string)
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, "AUTH_JSON_") {
			continue
		}
		suffix := strings.TrimPrefix(key, "AUTH_JSON_")
		idx, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		out[idx] = val
	}
	return out
}
