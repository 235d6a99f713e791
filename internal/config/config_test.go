package config

import (
	"os"
	"testing"
	"time"

	"github.com/diagramforge/broker/internal/job"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("BROKER_LISTEN_ADDR")
	os.Unsetenv("REDIS_ADDR")
	os.Unsetenv("POSTGRES_DSN")

	cfg := Load()
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if !cfg.UseMemoryOnly {
		t.Fatalf("expected memory-only mode when no store env vars set")
	}
}

func TestLoadTierOverride(t *testing.T) {
	os.Setenv("BROKER_T1_MAX_CONCURRENT", "99")
	defer os.Unsetenv("BROKER_T1_MAX_CONCURRENT")

	cfg := Load()
	if cfg.Quota.Tiers[job.TierT1].MaxConcurrent != 99 {
		t.Fatalf("expected tier override to apply, got %d", cfg.Quota.Tiers[job.TierT1].MaxConcurrent)
	}
}

func TestLoadExecutorDurationOverride(t *testing.T) {
	os.Setenv("BROKER_LLM_TIMEOUT", "30s")
	defer os.Unsetenv("BROKER_LLM_TIMEOUT")

	cfg := Load()
	if cfg.Executor.LLMTimeout != 30*time.Second {
		t.Fatalf("expected LLMTimeout override, got %v", cfg.Executor.LLMTimeout)
	}
}

func TestGetenvIntFallsBackOnInvalid(t *testing.T) {
	os.Setenv("BROKER_TEST_INT", "not-a-number")
	defer os.Unsetenv("BROKER_TEST_INT")

	if got := getenvInt("BROKER_TEST_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}
