package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/lumohq/lumo/core/agent"
	"github.com/lumohq/lumo/core/infra/bus"
	"github.com/lumohq/lumo/core/infra/config"
	"github.com/lumohq/lumo/core/infra/logging"
	"github.com/lumohq/lumo/core/infra/metrics"
	"github.com/lumohq/lumo/core/infra/redisutil"
	"github.com/lumohq/lumo/core/store"
)

func main() {
	cfg := config.Load()

	m := metrics.NewProm("lumo_agent")

	msgs, err := store.NewMessageStore(cfg.RedisURL)
	if err != nil {
		logging.Error("agent-worker", "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer msgs.Close()

	rc, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		logging.Error("agent-worker", "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rc.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		logging.Error("agent-worker", "failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsBus.Close()

	sandboxes := agent.NewSandboxManager(agent.NewSandboxClient(cfg.SandboxURL, cfg.SandboxTemplate), rc)

	runner, err := agent.NewRunner(agent.RunnerOptions{
		Bus:        natsBus,
		Messages:   msgs,
		Provider:   agent.NewOllamaFromEnv(),
		Sandboxes:  sandboxes,
		Redis:      rc,
		Metrics:    m,
		RunTimeout: cfg.AgentRunTimeout,
	})
	if err != nil {
		logging.Error("agent-worker", "failed to build runner", "error", err)
		os.Exit(1)
	}
	if err := runner.Start(); err != nil {
		logging.Error("agent-worker", "failed to subscribe", "error", err)
		os.Exit(1)
	}

	logging.Info("agent-worker", "running, waiting for events")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info("agent-worker", "shutting down")
}
