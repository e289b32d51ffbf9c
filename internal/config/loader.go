package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Config captures environment driven configuration values for the presence service.
type Config struct {
	HTTPPort    int
	GRPCPort    int
	SQLitePath  string
	Storage     string
	TokenStore  string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	TokenSecret string
	HolidayAPI  string

	PeerTokenTTL         time.Duration
	SessionDuration      time.Duration
	SessionGrace         time.Duration
	SilenceWindow        time.Duration
	SilenceFlagAfter     time.Duration
	AnomalyDebounce      time.Duration
	DriftThresholdMeters float64
	DriftTerminateMeters float64
	MaxChallengeFailures int
	SweepInterval        time.Duration
	StoreTimeout         time.Duration
	PolicyCacheTTL       time.Duration
}

// Defaults returns the configuration used when no optional variable is set.
func Defaults() Config {
	return Config{
		HTTPPort:             8080,
		SQLitePath:           "presence.db",
		Storage:              StorageSQLite,
		TokenStore:           StorageSQLite,
		HolidayAPI:           "https://date.nager.at/api/v3",
		PeerTokenTTL:         30 * time.Second,
		SessionDuration:      8 * time.Hour,
		SessionGrace:         15 * time.Minute,
		SilenceWindow:        5 * time.Minute,
		SilenceFlagAfter:     20 * time.Minute,
		AnomalyDebounce:      10 * time.Minute,
		DriftThresholdMeters: 200,
		MaxChallengeFailures: 3,
		SweepInterval:        15 * time.Second,
		StoreTimeout:         5 * time.Second,
		PolicyCacheTTL:       30 * time.Second,
	}
}

const maxPeerTokenTTL = 2 * time.Minute

// Load parses configuration values from the current process environment.
//
// Optional fields fall back to Defaults. Every missing required variable and every invalid value
// is reported in a single error.
func Load() (Config, error) {
	cfg := Defaults()

	missing := make([]string, 0, 2)
	invalid := make([]string, 0, 4)

	parseInt := func(key string, dst *int, min int) {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			return
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < min {
			invalid = append(invalid, key)
			return
		}
		*dst = n
	}
	parseFloat := func(key string, dst *float64) {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			return
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			invalid = append(invalid, key)
			return
		}
		*dst = f
	}
	parseDuration := func(key string, dst *time.Duration, allowZero bool) {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 || (d == 0 && !allowZero) {
			invalid = append(invalid, key)
			return
		}
		*dst = d
	}
	parseChoice := func(key string, dst *string, choices ...string) {
		value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
		if value == "" {
			return
		}
		for _, choice := range choices {
			if value == choice {
				*dst = value
				return
			}
		}
		invalid = append(invalid, key)
	}

	parseInt("PRESENCE_HTTP_PORT", &cfg.HTTPPort, 1)
	parseInt("PRESENCE_GRPC_PORT", &cfg.GRPCPort, 0)

	if path := strings.TrimSpace(os.Getenv("PRESENCE_SQLITE_PATH")); path != "" {
		cfg.SQLitePath = path
	}
	parseChoice("PRESENCE_STORAGE", &cfg.Storage, StorageSQLite, StorageMemory)
	parseChoice("PRESENCE_TOKEN_STORE", &cfg.TokenStore, StorageSQLite, StorageRedis)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("PRESENCE_REDIS_ADDR"))
	cfg.RedisPass = os.Getenv("PRESENCE_REDIS_PASSWORD")
	parseInt("PRESENCE_REDIS_DB", &cfg.RedisDB, 0)
	if cfg.TokenStore == StorageRedis && cfg.RedisAddr == "" {
		missing = append(missing, "PRESENCE_REDIS_ADDR")
	}

	if secret := strings.TrimSpace(os.Getenv("PRESENCE_TOKEN_SECRET")); secret == "" {
		missing = append(missing, "PRESENCE_TOKEN_SECRET")
	} else {
		cfg.TokenSecret = secret
	}

	if api := strings.TrimSpace(os.Getenv("PRESENCE_HOLIDAY_API")); api != "" {
		cfg.HolidayAPI = strings.TrimRight(api, "/")
	}

	parseDuration("PRESENCE_PEER_TOKEN_TTL", &cfg.PeerTokenTTL, false)
	if cfg.PeerTokenTTL > maxPeerTokenTTL && !slices.Contains(invalid, "PRESENCE_PEER_TOKEN_TTL") {
		invalid = append(invalid, "PRESENCE_PEER_TOKEN_TTL")
	}
	parseDuration("PRESENCE_SESSION_DURATION", &cfg.SessionDuration, false)
	parseDuration("PRESENCE_SESSION_GRACE", &cfg.SessionGrace, true)
	parseDuration("PRESENCE_SILENCE_WINDOW", &cfg.SilenceWindow, false)
	parseDuration("PRESENCE_SILENCE_FLAG_AFTER", &cfg.SilenceFlagAfter, true)
	if cfg.SilenceFlagAfter != 0 && cfg.SilenceFlagAfter <= cfg.SilenceWindow &&
		!slices.Contains(invalid, "PRESENCE_SILENCE_FLAG_AFTER") {
		invalid = append(invalid, "PRESENCE_SILENCE_FLAG_AFTER")
	}
	parseDuration("PRESENCE_ANOMALY_DEBOUNCE", &cfg.AnomalyDebounce, true)
	parseFloat("PRESENCE_DRIFT_THRESHOLD_M", &cfg.DriftThresholdMeters)
	parseFloat("PRESENCE_DRIFT_TERMINATE_M", &cfg.DriftTerminateMeters)
	parseInt("PRESENCE_MAX_CHALLENGE_FAILURES", &cfg.MaxChallengeFailures, 0)
	parseDuration("PRESENCE_SWEEP_INTERVAL", &cfg.SweepInterval, false)
	parseDuration("PRESENCE_STORE_TIMEOUT", &cfg.StoreTimeout, false)
	parseDuration("PRESENCE_POLICY_CACHE_TTL", &cfg.PolicyCacheTTL, true)

	var problems []string
	if len(missing) > 0 {
		problems = append(problems, "required environment variables are not set: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		problems = append(problems, "invalid environment variable values: "+strings.Join(invalid, ", "))
	}
	if len(problems) > 0 {
		return Config{}, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}
