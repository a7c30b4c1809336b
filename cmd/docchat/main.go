package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/docchat/config"
	"github.com/mohammad-safakhou/docchat/internal/chat"
	"github.com/mohammad-safakhou/docchat/internal/chunker"
	srv "github.com/mohammad-safakhou/docchat/internal/server"
	"github.com/mohammad-safakhou/docchat/internal/store"
	"github.com/mohammad-safakhou/docchat/provider"
)

func main() {
	var configPath string
	root := &cobra.Command{Use: "docchat"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			return srv.Run(cfg)
		},
	}

	var migDir string
	var direction string
	var steps int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var docID, docTitle string
	var pageCount int
	ingest := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Chunk, embed and store a document from a text file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			text, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			ctx := context.Background()
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}
			defer st.Close()

			llm, err := provider.NewProvider(cfg.LLM)
			if err != nil {
				return err
			}

			svc := chat.NewService(llm, llm, nil, nil, st, nil, chat.Options{
				ChunkOpts: chunker.Options{
					TargetSize: cfg.Chunking.TargetSize,
					Overlap:    cfg.Chunking.Overlap,
					MinSize:    cfg.Chunking.MinSize,
					MaxSize:    cfg.Chunking.MaxSize,
				},
			}, nil, nil)

			if docID == "" {
				docID = uuid.NewString()
			}
			if docTitle == "" {
				docTitle = args[0]
			}
			n, err := svc.IngestDocument(ctx, docID, docTitle, string(text), pageCount)
			if err != nil {
				return err
			}
			fmt.Printf("stored document %s with %d chunks\n", docID, n)
			return nil
		},
	}
	ingest.Flags().StringVar(&docID, "id", "", "document id (generated when empty)")
	ingest.Flags().StringVar(&docTitle, "title", "", "document title (file name when empty)")
	ingest.Flags().IntVar(&pageCount, "pages", 0, "page count of the source document")

	root.AddCommand(serve, migrate, ingest)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
