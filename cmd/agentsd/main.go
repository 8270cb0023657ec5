// Command agentsd runs the agent runtime as a service: it boots the agent
// populations declared in the config file, starts the communication bus
// and the HTTP control surface, and shuts everything down cleanly on
// SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feldboy/roncrm1-sub000/agent"
	"github.com/feldboy/roncrm1-sub000/api"
	"github.com/feldboy/roncrm1-sub000/config"
	"github.com/feldboy/roncrm1-sub000/logging"
	"github.com/feldboy/roncrm1-sub000/providers"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New("agentsd", logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := agent.NewRegistry(log.WithField("component", "registry"))
	registerFactories(registry, log)

	bus := agent.NewBus(registry, log.WithField("component", "bus"))

	if err := registry.Start(ctx); err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		return err
	}

	for _, spec := range cfg.Agents {
		template := spec.AgentConfig()
		if err := registry.ScaleAgents(ctx, template.AgentType, spec.Count, template); err != nil {
			return fmt.Errorf("boot %s agents: %w", spec.Type, err)
		}
	}

	if cfg.Webhooks.Enabled {
		webhook := providers.NewWebhookClient(cfg.Webhooks, log.WithField("component", "webhook"))
		webhook.Forward(bus,
			"lead.created",
			"risk.scored",
			"task.completed",
			"task.failed",
		)
	}

	server := api.NewServer(cfg.API.Addr(), api.New(registry, bus, log.WithField("component", "api")))
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api shutdown")
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("bus shutdown")
	}
	if err := registry.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("registry shutdown")
	}
	return nil
}

// registerFactories binds a factory for every worker family. Each factory
// produces a BaseAgent with that family's operation handlers.
func registerFactories(registry *agent.Registry, log *logging.Logger) {
	simple := func(operations map[string]agent.HandlerFunc) agent.AgentFactory {
		return func(cfg agent.AgentConfig) (agent.Agent, error) {
			a, err := agent.NewBaseAgent(cfg, log)
			if err != nil {
				return nil, err
			}
			for op, handler := range operations {
				a.RegisterHandler(op, handler)
			}
			return a, nil
		}
	}

	registry.RegisterAgentType(agent.TypeLeadIntake, simple(map[string]agent.HandlerFunc{
		"validate_lead": stubHandler("validated"),
		"enrich_lead":   stubHandler("enriched"),
	}))
	registry.RegisterAgentType(agent.TypeDocumentIntelligence, simple(map[string]agent.HandlerFunc{
		"classify_document": stubHandler("classified"),
		"extract_fields":    stubHandler("extracted"),
	}))
	registry.RegisterAgentType(agent.TypeRiskAssessment, simple(map[string]agent.HandlerFunc{
		"score_case": stubHandler("scored"),
	}))
	registry.RegisterAgentType(agent.TypeEmailService, simple(map[string]agent.HandlerFunc{
		"send_email": stubHandler("sent"),
	}))
	registry.RegisterAgentType(agent.TypeSMSService, simple(map[string]agent.HandlerFunc{
		"send_sms": stubHandler("sent"),
	}))
	registry.RegisterAgentType(agent.TypePipedriveSync, simple(map[string]agent.HandlerFunc{
		"sync_deal":   stubHandler("synced"),
		"sync_person": stubHandler("synced"),
	}))
}

// stubHandler stands in for integrations not wired in this binary. It
// echoes the payload back with a result marker.
func stubHandler(result string) agent.HandlerFunc {
	return func(ctx context.Context, task *agent.Task) (*agent.AgentResponse, error) {
		return &agent.AgentResponse{
			Success: true,
			Data: map[string]interface{}{
				"result":    result,
				"operation": task.Operation,
				"payload":   task.Payload,
			},
		}, nil
	}
}
