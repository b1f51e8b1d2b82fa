// Package config handles environment-based bootstrap and hot-reloadable
// runtime configuration for the proxy daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig holds settings that are fixed for the lifetime of the process:
// filesystem locations and the admin listener. Per-entity configuration
// (servers, escapers, resolvers, user-groups, auditors) is loaded separately
// from the YAML documents under ConfigDir (see RuntimeConfig and §6.2).
type EnvConfig struct {
	// Directories
	StateDir string // persisted state: DirectFloat bind caches, audit.db
	CacheDir string // GeoIP database, other downloaded resources
	LogDir   string

	// ConfigDir holds the YAML documents describing servers, escapers,
	// resolvers, user-groups and auditors (§6.2). Reload re-reads this tree.
	ConfigDir string

	// Admin control RPC listener (§6.4). Empty AdminToken disables auth.
	AdminListenAddress string
	AdminToken         string

	GeoIPUpdateSchedule string

	// GracefulWait is the two-process handover timer (§4.6).
	GracefulWait time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StateDir = envStr("RELAYFLEET_STATE_DIR", "/var/lib/relayfleet")
	cfg.CacheDir = envStr("RELAYFLEET_CACHE_DIR", "/var/cache/relayfleet")
	cfg.LogDir = envStr("RELAYFLEET_LOG_DIR", "/var/log/relayfleet")
	cfg.ConfigDir = envStr("RELAYFLEET_CONFIG_DIR", "/etc/relayfleet/conf.d")
	cfg.AdminListenAddress = strings.TrimSpace(envStr("RELAYFLEET_ADMIN_LISTEN_ADDRESS", "127.0.0.1:2288"))
	cfg.GeoIPUpdateSchedule = envStr("RELAYFLEET_GEOIP_UPDATE_SCHEDULE", "0 7 * * *")
	cfg.GracefulWait = envDuration("RELAYFLEET_GRACEFUL_WAIT", 30*time.Second, &errs)

	adminToken, hasAdminToken := os.LookupEnv("RELAYFLEET_ADMIN_TOKEN")
	cfg.AdminToken = adminToken
	if !hasAdminToken {
		errs = append(errs, "RELAYFLEET_ADMIN_TOKEN must be defined (can be empty to disable auth)")
	}
	if cfg.AdminToken != "" && IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "RELAYFLEET_ADMIN_TOKEN is too weak; choose a stronger admin token")
	}

	if cfg.ConfigDir == "" {
		errs = append(errs, "RELAYFLEET_CONFIG_DIR must not be empty")
	}
	if cfg.GracefulWait <= 0 {
		errs = append(errs, "RELAYFLEET_GRACEFUL_WAIT must be positive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}
