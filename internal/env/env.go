package env

import (
	"os"
	"strings"
	"time"
)

// Process-level knobs. Engine settings live in the JSON config document.
const (
	ConfigPath  = "PUNCHAGENT_CONFIG"
	JournalPath = "PUNCHAGENT_JOURNAL"
	ListenAddr  = "PUNCHAGENT_LISTEN"
	LogLevel    = "PUNCHAGENT_LOG_LEVEL"
	LogFile     = "PUNCHAGENT_LOG_FILE"
	StopGrace   = "PUNCHAGENT_STOP_GRACE"
)

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	_ = Ensure()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
func Duration(key string, fallback time.Duration) time.Duration {
	_ = Ensure()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
