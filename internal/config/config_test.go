package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "FRONTEND_URL", "CORS_ORIGINS", "PLANNER_ADDR", "SESSION_EXPIRY", "CLARIFICATION_THRESHOLD"} {
		t.Setenv(k, "")
	}
	t.Setenv("PORT", "8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.ClarificationThreshold != 0.6 {
		t.Errorf("Expected threshold 0.6, got %v", cfg.Agent.ClarificationThreshold)
	}
	if cfg.Agent.MaxClarifications != 3 || cfg.Agent.HistoryLimit != 10 {
		t.Errorf("Unexpected agent defaults: %+v", cfg.Agent)
	}
	if cfg.Session.Expiry != 24*time.Hour {
		t.Errorf("Expected expiry 24h, got %v", cfg.Session.Expiry)
	}
	if cfg.Planner.Addr != "" {
		t.Errorf("Expected no planner address, got %q", cfg.Planner.Addr)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("Expected wildcard origins in development, got %v", cfg.CORSOrigins)
	}
	if !cfg.IsDevelopment() {
		t.Error("Expected development mode without FRONTEND_URL")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FRONTEND_URL", "https://planwise.example/")
	t.Setenv("CORS_ORIGINS", "")
	t.Setenv("PLANNER_ADDR", " planner:50051 ")
	t.Setenv("PLANNER_TIMEOUT", "5s")
	t.Setenv("CLARIFICATION_THRESHOLD", "0.75")
	t.Setenv("SESSION_EXPIRY", "90m")
	t.Setenv("RATE_LIMIT_REQUESTS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Planner.Addr != "planner:50051" || cfg.Planner.Timeout != 5*time.Second {
		t.Errorf("Unexpected planner config: %+v", cfg.Planner)
	}
	if cfg.Agent.ClarificationThreshold != 0.75 {
		t.Errorf("Expected threshold 0.75, got %v", cfg.Agent.ClarificationThreshold)
	}
	if cfg.Session.Expiry != 90*time.Minute {
		t.Errorf("Expected expiry 90m, got %v", cfg.Session.Expiry)
	}
	if cfg.RateLimit.RequestsPerWindow != 10 {
		t.Errorf("Expected fallback rate limit 10, got %d", cfg.RateLimit.RequestsPerWindow)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://planwise.example" {
		t.Errorf("Expected frontend origin, got %v", cfg.CORSOrigins)
	}
	if cfg.IsDevelopment() {
		t.Error("Expected production mode")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CLARIFICATION_THRESHOLD", "1.5"},
		{"MAX_CLARIFICATIONS", "0"},
		{"PLANNER_TIMEOUT", "-1s"},
		{"MAX_CONCURRENT_EXECUTIONS", "0"},
		{"AUDIT_LOG_QUEUE_SIZE", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestParseOrigins(t *testing.T) {
	got := parseOrigins(" https://a.example, ,https://b.example ", "https://ignored.example")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("Unexpected origins: %v", got)
	}
}
