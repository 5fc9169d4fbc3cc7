package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	RedisURL      string
	CORSOrigin    string

	MeiliURL       string
	MeiliMasterKey string

	// HistoryDir is where per-tree export repositories live; empty
	// disables history.
	HistoryDir string

	// FlushInterval is the debounce between snapshot writes for dirty
	// documents; IdleEvict is how long an unreferenced document stays
	// in memory before eviction.
	FlushInterval time.Duration
	IdleEvict     time.Duration
}

// Load reads configuration from the environment. Every backend is
// optional: an empty DATABASE_URL selects the in-memory store, an empty
// REDIS_URL disables the cross-instance relay, an empty MEILI_URL
// leaves search on the store fallback. Missing configuration degrades,
// it never crashes the process.
func Load() Config {
	return Config{
		Addr:          getenv("API_ADDR", ":8787"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("ARBOR_MIGRATIONS_DIR", "./db/migrations"),
		RedisURL:      getenv("REDIS_URL", ""),
		CORSOrigin:    getenv("ARBOR_CORS_ORIGIN", "*"),

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		HistoryDir: getenv("ARBOR_HISTORY_DIR", ""),

		FlushInterval: time.Duration(getenvInt("ARBOR_FLUSH_INTERVAL_SECONDS", 15)) * time.Second,
		IdleEvict:     time.Duration(getenvInt("ARBOR_IDLE_EVICT_SECONDS", 300)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
