package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/neotalk/neotalk/internal/adapters"
	"github.com/neotalk/neotalk/internal/agent"
	"github.com/neotalk/neotalk/internal/alerts"
	"github.com/neotalk/neotalk/internal/automation"
	"github.com/neotalk/neotalk/internal/bus"
	"github.com/neotalk/neotalk/internal/config"
	"github.com/neotalk/neotalk/internal/decisions"
	"github.com/neotalk/neotalk/internal/devices"
	"github.com/neotalk/neotalk/internal/llm"
	"github.com/neotalk/neotalk/internal/memory"
	"github.com/neotalk/neotalk/internal/rules"
	"github.com/neotalk/neotalk/internal/sandbox"
	"github.com/neotalk/neotalk/internal/server"
	"github.com/neotalk/neotalk/internal/timeseries"
	"github.com/neotalk/neotalk/internal/transform"
	"github.com/neotalk/neotalk/internal/workflow"
	"github.com/neotalk/neotalk/pkg/models"
)

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Core plumbing.
	eventBus := bus.New(bus.WithLogger(logger))
	registry := devices.NewRegistry(logger)

	store, err := timeseries.Open(timeseries.Config{
		Path: filepath.Join(cfg.Storage.DataDir, "timeseries.db"),
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sweeper, err := timeseries.NewRetentionSweeper(store, cfg.Storage.RetentionSweepCron, logger)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	autoStore, err := automation.Open(filepath.Join(cfg.Storage.DataDir, "automations.db"))
	if err != nil {
		return err
	}
	defer autoStore.Close()

	// Alerts.
	channelRegistry := alerts.NewRegistry()
	if cfg.Alerts.Console {
		channelRegistry.Register(alerts.NewConsoleChannel())
	}
	for _, target := range cfg.Alerts.Webhooks {
		channelRegistry.Register(alerts.NewWebhookChannel(target.Name, target.URL, target.Headers))
	}
	alertManager := alerts.NewManager(channelRegistry, eventBus, logger)

	// Adapters.
	sink := &adapters.DefaultSink{Bus: eventBus, Store: store, Registry: registry, Logger: logger}
	var mqttAdapter *adapters.MQTTAdapter
	var commandSender commandFanout
	if cfg.MQTT.Enabled {
		mqttAdapter = adapters.NewMQTTAdapter(adapters.MQTTConfig{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
		}, sink, logger)
		if err := mqttAdapter.Start(ctx); err != nil {
			return err
		}
		defer mqttAdapter.Stop(context.Background())
		commandSender.mqtt = mqttAdapter

		if cfg.MQTT.Discovery {
			hass := adapters.NewHassDiscoveryAdapter(adapters.MQTTConfig{
				BrokerURL: cfg.MQTT.BrokerURL,
				Username:  cfg.MQTT.Username,
				Password:  cfg.MQTT.Password,
			}, registry, mqttAdapter, logger)
			if err := hass.Start(ctx); err != nil {
				return err
			}
			defer hass.Stop(context.Background())
		}
	}
	commandSender.bus = eventBus

	// Sandbox.
	host := &sandbox.HostAPI{Commands: &commandSender, Bus: eventBus, Logger: logger}
	wasmRuntime, err := sandbox.NewRuntime(ctx, host, logger)
	if err != nil {
		return err
	}
	defer wasmRuntime.Close(context.Background())
	modules := sandbox.NewRegistry(wasmRuntime, logger)
	if cfg.Sandbox.ModuleDir != "" {
		if err := modules.LoadDir(ctx, cfg.Sandbox.ModuleDir, cfg.Sandbox.Limits); err != nil {
			logger.Warn("module dir not loaded", "dir", cfg.Sandbox.ModuleDir, "error", err)
		}
		if cfg.Sandbox.Watch {
			if err := modules.Watch(ctx, cfg.Sandbox.ModuleDir, cfg.Sandbox.Limits); err != nil {
				logger.Warn("module watch failed", "error", err)
			}
		}
	}

	// Transform engine.
	transformEngine := transform.New(eventBus, store, autoStore, registryTyper{registry}, modules,
		transform.Config{DebounceWindow: cfg.DebounceWindow()}, logger)
	transformEngine.Start(ctx)
	defer transformEngine.Stop()

	// Rule engine.
	ruleEngine := rules.New(eventBus, rules.NewActionExecutor(alertManager, &commandSender, logger), logger)
	ruleEngine.Start(ctx)
	defer ruleEngine.Stop()
	if ruleAutomations, err := autoStore.List(ctx, models.AutomationRule); err == nil {
		for _, r := range ruleAutomations {
			ruleEngine.SetRule(r)
		}
	}

	// Workflow engine + triggers.
	workflowEngine := workflow.New(workflow.Deps{
		Bus:      eventBus,
		Commands: &commandSender,
		Alerts:   alertManager,
		Values:   ruleEngine.Values(),
		Data:     store,
		Wasm:     modules,
		Store:    autoStore,
		HTTPDo:   httpDo,
	}, logger)
	triggers := workflow.NewTriggerManager(workflowEngine, autoStore, eventBus, logger)
	if err := triggers.Start(ctx); err != nil {
		return err
	}
	defer triggers.Stop()

	// Decisions.
	decisionManager, err := decisions.Open(filepath.Join(cfg.Storage.DataDir, "decisions.db"), &commandSender, logger)
	if err != nil {
		return err
	}
	decisionManager.Listen(ctx, eventBus)
	defer decisionManager.Close()

	// Memory + agent.
	longTerm, err := memory.OpenLongTerm(filepath.Join(cfg.Storage.DataDir, "knowledge.db"))
	if err != nil {
		return err
	}
	defer longTerm.Close()
	memoryManager := memory.NewManager(
		memory.NewShortTerm(cfg.Agent.MemoryTokens, nil),
		memory.NewMidTerm(),
		longTerm,
		logger,
	)

	runtime := &switchableRuntime{}
	if backend, err := llm.NewRuntime(cfg.LLM); err == nil {
		runtime.set(backend)
	} else {
		logger.Warn("llm backend unavailable at startup", "error", err)
	}

	toolRegistry := agent.NewRegistry(nil, logger)
	err = agent.RegisterBuiltins(toolRegistry, agent.ToolDeps{
		Devices:   registry,
		History:   store,
		Commands:  &commandSender,
		Store:     autoStore,
		Workflows: workflowEngine,
		Alerts:    alertManager,
		Memory:    memoryManager,
		Bus:       eventBus,
	})
	if err != nil {
		return err
	}

	chatAgent := agent.New(runtime, toolRegistry, agent.NewHookChain(), memoryManager,
		&snapshotProvider{registry: registry, autos: autoStore, alerts: alertManager},
		agent.Config{MaxChainDepth: cfg.Agent.MaxChainDepth, ConsolidateEveryTurn: cfg.Agent.Consolidate},
		logger)

	// Control plane.
	webhookAdapter := adapters.NewWebhookAdapter(sink, transformEngine, logger)
	httpServer := server.New(server.Config{Addr: cfg.Server.Addr}, server.Deps{
		Bus:       eventBus,
		Devices:   registry,
		Store:     store,
		Webhook:   webhookAdapter,
		Autos:     autoStore,
		Decisions: decisionManager,
		Memory:    memoryManager,
		Alerts:    alertManager,
		Agent:     chatAgent,
		LLMUpdate: func(_ context.Context, settings json.RawMessage) error {
			var llmCfg llm.Config
			if err := json.Unmarshal(settings, &llmCfg); err != nil {
				return err
			}
			backend, err := llm.NewRuntime(llmCfg)
			if err != nil {
				return err
			}
			runtime.set(backend)
			return nil
		},
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Start() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
