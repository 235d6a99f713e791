// Package config centralizes environment-variable driven startup
// configuration, following the teacher's main.go pattern of os.Getenv with
// fmt.Sscanf for numeric overrides, collected into one typed struct since
// this spec's cap table (§4.1) is keyed by tier, which the teacher's
// scattered globals never needed to model.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/diagramforge/broker/internal/executor"
	"github.com/diagramforge/broker/internal/job"
	"github.com/diagramforge/broker/internal/quota"
)

// Config is the broker's full startup configuration.
type Config struct {
	ListenAddr string
	NodeID     string

	RedisAddr     string
	PostgresDSN   string
	UseMemoryOnly bool

	LLMEndpoint   string
	LLMCredential string
	RenderBinary  string
	RenderPath    string
	RenderScratch string

	CredentialSecret string

	Quota    quota.Config
	Executor executor.Config
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// Load builds a Config from the process environment, defaulting every field
// the teacher's main.go would otherwise hardcode.
func Load() Config {
	quotaCfg := quota.DefaultConfig()
	quotaCfg.MaxQueueSize = getenvInt("BROKER_MAX_QUEUE_SIZE", quotaCfg.MaxQueueSize)
	quotaCfg.GlobalRequestsPerMinute = getenvInt("BROKER_GLOBAL_REQUESTS_PER_MINUTE", quotaCfg.GlobalRequestsPerMinute)
	quotaCfg.GlobalTokensPerMinute = getenvInt("BROKER_GLOBAL_TOKENS_PER_MINUTE", quotaCfg.GlobalTokensPerMinute)

	for _, tier := range []job.Tier{job.TierT0, job.TierT1, job.TierT2, job.TierT3} {
		caps := quotaCfg.Tiers[tier]
		prefix := "BROKER_" + string(tier) + "_"
		caps.RequestsPerDay = getenvInt(prefix+"REQUESTS_PER_DAY", caps.RequestsPerDay)
		caps.RequestsPerHour = getenvInt(prefix+"REQUESTS_PER_HOUR", caps.RequestsPerHour)
		caps.TokensPerDay = getenvInt(prefix+"TOKENS_PER_DAY", caps.TokensPerDay)
		caps.MaxConcurrent = getenvInt(prefix+"MAX_CONCURRENT", caps.MaxConcurrent)
		quotaCfg.Tiers[tier] = caps
	}

	execCfg := executor.DefaultConfig()
	execCfg.MaxAttempts = getenvInt("BROKER_MAX_ATTEMPTS", execCfg.MaxAttempts)
	execCfg.BaseDelay = getenvDuration("BROKER_BASE_DELAY", execCfg.BaseDelay)
	execCfg.MaxDelay = getenvDuration("BROKER_MAX_RETRY_DELAY", execCfg.MaxDelay)
	execCfg.LLMTimeout = getenvDuration("BROKER_LLM_TIMEOUT", execCfg.LLMTimeout)

	nodeID := getenv("NODE_ID", "")
	if nodeID == "" {
		hostname, _ := os.Hostname()
		nodeID = hostname
	}

	return Config{
		ListenAddr: getenv("BROKER_LISTEN_ADDR", ":8080"),
		NodeID:     nodeID,

		RedisAddr:     getenv("REDIS_ADDR", ""),
		PostgresDSN:   getenv("POSTGRES_DSN", ""),
		UseMemoryOnly: os.Getenv("REDIS_ADDR") == "" && os.Getenv("POSTGRES_DSN") == "",

		LLMEndpoint:   getenv("LLM_ENDPOINT", "https://api.example.com/v1/chat"),
		LLMCredential: os.Getenv("LLM_CREDENTIAL"),
		RenderBinary:  getenv("RENDER_BINARY", "/usr/local/bin/diagram-render"),
		RenderPath:    getenv("RENDER_PATH", "/usr/bin:/bin"),
		RenderScratch: getenv("RENDER_SCRATCH_DIR", os.TempDir()),

		CredentialSecret: os.Getenv("BROKER_CREDENTIAL_SECRET"),

		Quota:    quotaCfg,
		Executor: execCfg,
	}
}
