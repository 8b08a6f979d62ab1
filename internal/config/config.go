package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config carries everything both binaries need. Constructed once in main and
// threaded through explicitly.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPPort string

	BotToken string

	AdminConfigPath    string
	AccessSnapshotPath string

	CacheTTL           time.Duration
	CacheSweepInterval time.Duration

	// PlanRoles maps subscription plan codes to the role tag used by group
	// broadcasts, e.g. trial_1 -> trial. Unlisted plans keep their own code.
	PlanRoles map[string]string

	LogJSON bool
}

// Load reads a local .env when present, then the environment.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		logrus.Info("loaded .env")
	}

	cfg := &Config{
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		BotToken:           getEnv("BOT_TOKEN", ""),
		AdminConfigPath:    getEnv("ADMIN_CONFIG_PATH", "admins.json"),
		AccessSnapshotPath: getEnv("ACCESS_SNAPSHOT_PATH", "access_snapshot.json"),
		CacheTTL:           getEnvDuration("ACCESS_CACHE_TTL", 5*time.Minute),
		CacheSweepInterval: getEnvDuration("ACCESS_CACHE_SWEEP", 5*time.Minute),
		PlanRoles:          parsePlanRoles(getEnv("PLAN_ROLES", "trial_1=trial,trial_3=trial,sub_30=standard,sub_90=premium")),
		LogJSON:            getEnvBool("LOG_JSON", false),
	}
	return cfg
}

// SetupLogging applies the configured formatter to the package-level logger.
func (c *Config) SetupLogging() {
	if c.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// RoleForPlan resolves the role tag a plan code maps to.
func (c *Config) RoleForPlan(plan string) string {
	if role, ok := c.PlanRoles[plan]; ok {
		return role
	}
	return plan
}

// parsePlanRoles parses "plan=role,plan=role" pairs; malformed pairs are
// skipped with a warning.
func parsePlanRoles(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			logrus.Warnf("skipping malformed plan role mapping %q", pair)
			continue
		}
		out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
