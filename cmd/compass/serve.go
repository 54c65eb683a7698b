package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"compass/internal/agent"
	"compass/internal/compliance"
	"compass/internal/config"
	"compass/internal/llm"
	"compass/internal/logging"
	"compass/internal/retrieval"
	"compass/internal/server"
	"compass/internal/session"
	"compass/internal/session/memorystore"
	"compass/internal/session/postgresstore"
	"compass/internal/task"
	"compass/internal/tools"
	"compass/internal/tools/builtin"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the background task worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Main")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, tasks, cleanup, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	retriever, complianceSvc, err := buildKnowledge(ctx, cfg, logger)
	if err != nil {
		return err
	}

	client, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}

	registry := tools.NewRegistry()
	worker := task.NewWorker(tasks, cfg.Worker, cfg.Session.IdleArchiveAfter, sessions)
	for _, t := range []tools.Tool{
		builtin.NewSearchKnowledge(retriever),
		builtin.NewListControls(complianceSvc),
		builtin.NewGetControl(complianceSvc),
		builtin.NewGetTaskStatus(tasks),
		builtin.NewUploadEvidence(complianceSvc),
		builtin.NewUpdateControlStatus(complianceSvc),
		builtin.NewAnalyzeCompliance(complianceSvc, retriever),
	} {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
		if err := worker.Register(tools.NewTaskHandler(t)); err != nil {
			return fmt.Errorf("register handler: %w", err)
		}
	}

	engine := agent.NewEngine(client, registry, sessions, tasks, cfg.Agent)
	srv := server.New(cfg.Server, engine, sessions, tasks, registry)

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		worker.Stop()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown: %v", err)
	}
	worker.Stop()
	return nil
}

// buildStores selects the postgres-backed stores when a database URL is
// configured and the in-memory stores otherwise.
func buildStores(ctx context.Context, cfg *config.Config) (session.Store, task.Store, func(), error) {
	if cfg.Database.URL == "" {
		return memorystore.New(), task.NewMemStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	sessions := postgresstore.New(pool)
	if err := sessions.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("session schema: %w", err)
	}
	tasks := task.NewPGStore(pool)
	if err := tasks.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("task schema: %w", err)
	}
	return sessions, tasks, pool.Close, nil
}

// buildKnowledge loads the knowledge pack, indexes it into the vector store
// and entity graph, and seeds the compliance catalog.
func buildKnowledge(ctx context.Context, cfg *config.Config, logger logging.Logger) (*retrieval.Hybrid, *compliance.Service, error) {
	embedder, err := retrieval.NewEmbedder(cfg.Retrieval, cfg.LLM.APIKey, cfg.LLM.BaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("build embedder: %w", err)
	}
	vectors, err := retrieval.NewVectorStore(cfg.Retrieval.PersistPath, "compass-knowledge", embedder)
	if err != nil {
		return nil, nil, fmt.Errorf("build vector store: %w", err)
	}
	graph := retrieval.NewGraph()
	complianceSvc := compliance.NewService()

	if _, statErr := os.Stat(cfg.Retrieval.KnowledgePath); statErr == nil {
		pack, err := retrieval.LoadKnowledgePack(cfg.Retrieval.KnowledgePath)
		if err != nil {
			return nil, nil, fmt.Errorf("load knowledge pack: %w", err)
		}
		if err := retrieval.NewIndexer(vectors, graph).Index(ctx, pack); err != nil {
			return nil, nil, fmt.Errorf("index knowledge pack: %w", err)
		}
		complianceSvc.LoadControls(pack.Controls)
		logger.Info("indexed knowledge pack: %d documents, %d entities, %d controls",
			len(pack.Documents), len(pack.Entities), len(pack.Controls))
	} else {
		logger.Warn("knowledge pack %s not found, starting with an empty index", cfg.Retrieval.KnowledgePath)
	}

	retriever, err := retrieval.NewHybrid(vectors, graph, cfg.Retrieval.VectorWeight, cfg.Retrieval.GraphWeight)
	if err != nil {
		return nil, nil, err
	}
	return retriever, complianceSvc, nil
}
