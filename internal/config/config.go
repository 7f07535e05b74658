// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	CORSOrigins []string
	// AuthUserHeader names a header carrying the caller id from a trusted
	// proxy. Empty means anonymous device cookies only.
	AuthUserHeader string

	Planner   PlannerConfig
	Agent     AgentConfig
	Session   SessionConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig

	MaxRequestBodySize int64
}

// PlannerConfig locates the plan generator.
type PlannerConfig struct {
	// Addr of the remote gRPC planner. Empty selects the built-in keyword planner.
	Addr    string
	Timeout time.Duration
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	ClarificationThreshold  float64
	MaxClarifications       int
	HistoryLimit            int
	MaxConcurrentExecutions int
}

// SessionConfig controls expiry of idle sessions.
type SessionConfig struct {
	Expiry        time.Duration
	SweepInterval time.Duration
}

// RateLimitConfig bounds mutating requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// AuditConfig controls the per-session NDJSON audit trail.
type AuditConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/planwise.db"),
		AuthUserHeader: strings.TrimSpace(getEnv("AUTH_USER_HEADER", "")),
		Planner: PlannerConfig{
			Addr:    strings.TrimSpace(getEnv("PLANNER_ADDR", "")),
			Timeout: getEnvDuration("PLANNER_TIMEOUT", 30*time.Second),
		},
		Agent: AgentConfig{
			ClarificationThreshold:  getEnvFloat("CLARIFICATION_THRESHOLD", 0.6),
			MaxClarifications:       getEnvInt("MAX_CLARIFICATIONS", 3),
			HistoryLimit:            getEnvInt("HISTORY_LIMIT", 10),
			MaxConcurrentExecutions: getEnvInt("MAX_CONCURRENT_EXECUTIONS", 8),
		},
		Session: SessionConfig{
			Expiry:        getEnvDuration("SESSION_EXPIRY", 24*time.Hour),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Audit: AuditConfig{
			Enabled:   getEnvBool("AUDIT_LOG_ENABLED", true),
			Dir:       getEnv("AUDIT_LOG_DIR", "./data/logs/audit"),
			QueueSize: getEnvInt("AUDIT_LOG_QUEUE_SIZE", 1000),
		},
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
	}
	cfg.CORSOrigins = parseOrigins(getEnv("CORS_ORIGINS", ""), cfg.FrontendURL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Planner.Timeout <= 0 {
		return fmt.Errorf("PLANNER_TIMEOUT must be > 0")
	}
	if c.Agent.ClarificationThreshold < 0 || c.Agent.ClarificationThreshold > 1 {
		return fmt.Errorf("CLARIFICATION_THRESHOLD must be within [0, 1]")
	}
	if c.Agent.MaxClarifications < 1 {
		return fmt.Errorf("MAX_CLARIFICATIONS must be >= 1")
	}
	if c.Agent.HistoryLimit < 1 {
		return fmt.Errorf("HISTORY_LIMIT must be >= 1")
	}
	if c.Agent.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_EXECUTIONS must be >= 1")
	}
	if c.Session.Expiry <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_EXPIRY and SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.RequestsPerWindow < 1 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		return fmt.Errorf("AUDIT_LOG_DIR cannot be empty")
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("AUDIT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func parseOrigins(raw, frontendURL string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) > 0 {
		return out
	}
	if frontendURL != "" {
		return []string{strings.TrimRight(frontendURL, "/")}
	}
	return []string{"*"}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
