package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"compass/internal/config"
	"compass/internal/logging"
	"compass/internal/retrieval"
)

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Build the vector and graph indexes from the knowledge pack",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

			pack, err := retrieval.LoadKnowledgePack(cfg.Retrieval.KnowledgePath)
			if err != nil {
				return fmt.Errorf("load knowledge pack: %w", err)
			}

			embedder, err := retrieval.NewEmbedder(cfg.Retrieval, cfg.LLM.APIKey, cfg.LLM.BaseURL)
			if err != nil {
				return fmt.Errorf("build embedder: %w", err)
			}
			vectors, err := retrieval.NewVectorStore(cfg.Retrieval.PersistPath, "compass-knowledge", embedder)
			if err != nil {
				return fmt.Errorf("build vector store: %w", err)
			}
			graph := retrieval.NewGraph()

			if err := retrieval.NewIndexer(vectors, graph).Index(cmd.Context(), pack); err != nil {
				return fmt.Errorf("index knowledge pack: %w", err)
			}

			fmt.Printf("indexed %d documents, %d entities, %d edges\n",
				len(pack.Documents), len(pack.Entities), len(pack.Edges))
			return nil
		},
	}
}
