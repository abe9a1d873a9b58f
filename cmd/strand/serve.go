package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/strandlabs/strand/internal/agent"
	"github.com/strandlabs/strand/internal/agent/providers"
	"github.com/strandlabs/strand/internal/compaction"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/frames"
	"github.com/strandlabs/strand/internal/gateway"
	"github.com/strandlabs/strand/internal/hooks"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/pipeline"
	"github.com/strandlabs/strand/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

func pinnedEntries(raw map[string]map[string]any) map[string]models.Document {
	if len(raw) == 0 {
		return nil
	}
	pinned := make(map[string]models.Document, len(raw))
	for id, doc := range raw {
		pinned[id] = models.Document(doc)
	}
	return pinned
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(nil)

	store, err := frames.NewSQLiteStore(cfg.Database.Path, logger.Slog())
	if err != nil {
		return fmt.Errorf("open frame store: %w", err)
	}
	defer store.Close()

	provider, err := providers.New(cfg.Provider.Name, providers.Config{
		APIKey:       cfg.Provider.APIKey,
		BaseURL:      cfg.Provider.BaseURL,
		DefaultModel: cfg.Provider.DefaultModel,
	})
	if err != nil {
		return err
	}

	registry := hooks.NewRegistry(logger.Slog())
	handlers := pipeline.NewRegistry()
	pipe := pipeline.New(handlers, logger, metrics)

	loop := agent.NewLoop(store, pipe, provider, nil, registry, logger, metrics, agent.Config{
		MaxIterations:    cfg.Loop.MaxIterations,
		RateLimitRetries: cfg.Loop.RateLimitRetries,
		RateLimitDelay:   cfg.Loop.RateLimitDelay.Std(),
	})

	compactor := compaction.NewManager(store, provider, registry, logger, metrics, compaction.Config{
		Cooldown: cfg.Compaction.Cooldown.Std(),
		Trigger: compaction.AnyTrigger(
			compaction.CountTrigger(cfg.Compaction.MaxFrames),
			compaction.TokenTrigger(cfg.Compaction.MaxTokens),
		),
		SummaryMaxTokens: cfg.Compaction.SummaryMaxTokens,
		Pinned:           pinnedEntries(cfg.Compaction.Pinned),
	})

	server, err := gateway.NewServer(gateway.Config{
		Addr:      cfg.Server.Addr,
		Store:     store,
		Loop:      loop,
		Compactor: compactor,
		Agent: &models.Agent{
			ID:           cfg.Agent.ID,
			Name:         cfg.Agent.Name,
			Provider:     cfg.Provider.Name,
			Model:        cfg.Agent.Model,
			SystemPrompt: cfg.Agent.SystemPrompt,
			MaxTokens:    cfg.Agent.MaxTokens,
		},
		Hooks:   registry,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting strand",
		"addr", cfg.Server.Addr,
		"provider", cfg.Provider.Name,
		"database", cfg.Database.Path)
	return server.Start(ctx)
}
