package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultHTTPAddr     = ":8080"
	defaultMetricsAddr  = ":9091"
	defaultTierConfig   = "config/tiers.yaml"
	defaultPollInterval = 2000 * time.Millisecond
	defaultRunTimeout   = 5 * time.Minute

	envNATSURL         = "NATS_URL"
	envRedisURL        = "REDIS_URL"
	envHTTPAddr        = "HTTP_ADDR"
	envMetricsAddr     = "METRICS_ADDR"
	envTierConfigPath  = "TIER_CONFIG_PATH"
	envDispatchFailure = "DISPATCH_FAILURE_MODE"
	envPollIntervalMs  = "POLL_INTERVAL_MS"
	envAgentRunTimeout = "AGENT_RUN_TIMEOUT"
	envSandboxURL      = "SANDBOX_API_URL"
	envSandboxTemplate = "SANDBOX_TEMPLATE"
)

// DispatchFailureMode controls what the create-message flow does when the
// user message is persisted but the job event cannot be emitted.
type DispatchFailureMode string

const (
	// DispatchAbort fails the whole call; the persisted message is not
	// returned (it stays in storage).
	DispatchAbort DispatchFailureMode = "abort"
	// DispatchKeepAndWarn returns the persisted message together with a
	// warning that generation may not start.
	DispatchKeepAndWarn DispatchFailureMode = "keep_and_warn"
)

// Config holds runtime configuration for the gateway and the agent worker.
type Config struct {
	NatsURL         string
	RedisURL        string
	HTTPAddr        string
	MetricsAddr     string
	TierConfigPath  string
	DispatchFailure DispatchFailureMode
	PollInterval    time.Duration
	AgentRunTimeout time.Duration
	SandboxURL      string
	SandboxTemplate string
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		NatsURL:         envOr(envNATSURL, defaultNATSURL),
		RedisURL:        envOr(envRedisURL, defaultRedisURL),
		HTTPAddr:        envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:     envOr(envMetricsAddr, defaultMetricsAddr),
		TierConfigPath:  envOr(envTierConfigPath, defaultTierConfig),
		DispatchFailure: DispatchAbort,
		PollInterval:    defaultPollInterval,
		AgentRunTimeout: defaultRunTimeout,
		SandboxURL:      envOr(envSandboxURL, "http://localhost:49982"),
		SandboxTemplate: envOr(envSandboxTemplate, "lumo-nextjs"),
	}

	if mode := DispatchFailureMode(os.Getenv(envDispatchFailure)); mode == DispatchKeepAndWarn {
		cfg.DispatchFailure = DispatchKeepAndWarn
	}
	if v := os.Getenv(envPollIntervalMs); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(envAgentRunTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.AgentRunTimeout = d
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
