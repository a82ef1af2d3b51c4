package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/concord/internal/agent"
	"github.com/nidhogg/concord/internal/api"
	"github.com/nidhogg/concord/internal/archive"
	"github.com/nidhogg/concord/internal/budget"
	"github.com/nidhogg/concord/internal/config"
	"github.com/nidhogg/concord/internal/consensus"
	"github.com/nidhogg/concord/internal/embedding"
	"github.com/nidhogg/concord/internal/events"
	"github.com/nidhogg/concord/internal/notify"
	"github.com/nidhogg/concord/internal/provider"
	"github.com/nidhogg/concord/internal/session"
	pgstore "github.com/nidhogg/concord/internal/store"
	"github.com/nidhogg/concord/internal/trust"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Concord...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/concord.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAIProvider(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropicProvider(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Operator notifications
	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	var discord *notify.DiscordNotifier
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		d, dErr := notify.NewDiscordNotifier(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("Discord unavailable", zap.Error(dErr))
		} else {
			discord = d
			notifiers = append(notifiers, d)
		}
	}
	notifier := notify.NewMulti(logger, notifiers...)

	// Trust ledger
	ledger := trust.NewLedger(trust.Config{
		Alpha:           cfg.Trust.Alpha,
		Floor:           cfg.Trust.Floor,
		MaliciousStreak: cfg.Trust.MaliciousStreak,
	}, notifier, logger)

	// PostgreSQL persistence
	var store *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
			if entries, tErr := ps.LoadTrust(context.Background()); tErr != nil {
				logger.Warn("failed to load trust scores", zap.Error(tErr))
			} else if len(entries) > 0 {
				ledger.Restore(entries)
				logger.Info("Trust scores restored", zap.Int("count", len(entries)))
			}
		}
	}

	// Redis event feed
	var stream *events.Stream
	if cfg.Database.Redis.URL != "" {
		es, esErr := events.NewStream(cfg.Database.Redis.URL, logger)
		if esErr != nil {
			logger.Warn("Redis unavailable, running without event feed", zap.Error(esErr))
		} else {
			stream = es
		}
	}

	// Neo4j agreement graph
	var graph *trust.AgreementGraph
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := trust.NewAgreementGraph(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without agreement graph", zap.Error(gErr))
		} else {
			graph = g
		}
	}

	// Qdrant decision archive
	var arc *archive.Archive
	if cfg.Database.Qdrant.Host != "" {
		embedder, eErr := embedding.New(embedding.Config{
			Provider:  cfg.Embedding.Provider,
			Endpoint:  cfg.Embedding.Endpoint,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
		})
		if eErr != nil {
			logger.Warn("embedding provider misconfigured, running without archive", zap.Error(eErr))
		} else {
			a, aErr := archive.New(archive.QdrantConfig{
				Host: cfg.Database.Qdrant.Host,
				Port: cfg.Database.Qdrant.Port,
			}, embedder, logger)
			if aErr != nil {
				logger.Warn("Qdrant unavailable, running without archive", zap.Error(aErr))
			} else {
				arc = a
			}
		}
	}

	// Agent pool
	registry := agent.NewRegistry(logger)
	for _, ac := range cfg.Agents {
		id := &agent.Identity{
			ID:              ac.ID,
			Name:            ac.Name,
			ProviderID:      ac.ProviderID,
			Model:           ac.Model,
			Specializations: ac.Specializations,
		}
		registry.Register(id)
		if id.ProviderID != "" {
			router.Bind(id.ID, id.ProviderID)
		}
	}
	logger.Info("Agent pool loaded", zap.Int("count", len(cfg.Agents)))

	invoker := agent.NewLLMInvoker(router)
	factory := session.NewFactory(invoker, cfg.Debate.CallTimeout(), logger)

	aggregator := consensus.New(ledger, consensus.Config{
		OutlierFactor: cfg.Debate.OutlierFactor,
		Tolerance:     cfg.Debate.Tolerance,
	}, logger)

	orch := session.New(session.Deps{
		Registry:   registry,
		Ledger:     ledger,
		Aggregator: aggregator,
		Factory:    factory,
		Store:      store,
		Stream:     stream,
		Archive:    arc,
		Graph:      graph,
		Notifier:   notifier,
		Logger:     logger,
	}, session.Config{
		MaxRounds:    cfg.Debate.MaxRounds,
		RoundTimeout: cfg.Debate.RoundTimeout(),
		Quorum:       cfg.Debate.Quorum,
		TopK:         cfg.Debate.TopK,
		DeadlineCap:  cfg.Debate.DeadlineCap(),
		Tolerance:    cfg.Debate.Tolerance,
		Budget: budget.Limits{
			MaxCalls:  cfg.Budget.MaxCalls,
			MaxTokens: cfg.Budget.MaxTokens,
		},
	})

	handler := api.NewHandler(orch, registry, ledger, store, arc, graph, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Concord listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Concord...")
	ctx := context.Background()
	srv.Shutdown(ctx)
	if store != nil {
		if err := store.SaveTrust(ctx, ledger.Snapshot()); err != nil {
			logger.Warn("failed to save trust scores", zap.Error(err))
		}
		store.Close()
	}
	if stream != nil {
		stream.Close()
	}
	if graph != nil {
		graph.Close(ctx)
	}
	if arc != nil {
		arc.Close()
	}
	if discord != nil {
		discord.Close()
	}
}
