package main

import (
	"os"

	"github.com/lumohq/lumo/core/dispatch"
	"github.com/lumohq/lumo/core/gateway"
	"github.com/lumohq/lumo/core/infra/bus"
	"github.com/lumohq/lumo/core/infra/config"
	"github.com/lumohq/lumo/core/infra/logging"
	"github.com/lumohq/lumo/core/infra/metrics"
	"github.com/lumohq/lumo/core/messages"
	"github.com/lumohq/lumo/core/quota"
	"github.com/lumohq/lumo/core/store"
)

func main() {
	cfg := config.Load()

	tiers, err := config.LoadTiers(cfg.TierConfigPath)
	if err != nil {
		logging.Error("gateway", "failed to load tier config", "path", cfg.TierConfigPath, "error", err)
		os.Exit(1)
	}

	m := metrics.NewProm("lumo")
	gwMetrics := metrics.NewGatewayProm("lumo_gateway")

	projects, err := store.NewProjectStore(cfg.RedisURL)
	if err != nil {
		logging.Error("gateway", "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer projects.Close()

	msgs, err := store.NewMessageStore(cfg.RedisURL)
	if err != nil {
		logging.Error("gateway", "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer msgs.Close()

	tracker, err := quota.NewTracker(cfg.RedisURL, tiers, m)
	if err != nil {
		logging.Error("gateway", "failed to connect to redis for usage tracking", "error", err)
		os.Exit(1)
	}
	defer tracker.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		logging.Error("gateway", "failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsBus.Close()

	dispatcher, err := dispatch.NewDispatcher(natsBus, "gateway", m)
	if err != nil {
		logging.Error("gateway", "failed to build dispatcher", "error", err)
		os.Exit(1)
	}

	svc, err := messages.NewService(messages.Options{
		Projects:   projects,
		Messages:   msgs,
		Admission:  quota.NewAdmission(tracker),
		Dispatcher: dispatcher,
		Tiers:      tiers,
		OnFailure:  cfg.DispatchFailure,
		Metrics:    m,
	})
	if err != nil {
		logging.Error("gateway", "failed to build message service", "error", err)
		os.Exit(1)
	}

	srv, err := gateway.NewServer(gateway.Options{
		Service:      svc,
		Dispatcher:   dispatcher,
		Bus:          natsBus,
		Auth:         gateway.NewHeaderAuthProviderFromEnv(),
		Metrics:      gwMetrics,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		logging.Error("gateway", "failed to build server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(cfg.HTTPAddr, cfg.MetricsAddr); err != nil {
		os.Exit(1)
	}
}
