package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"inboxpilot/internal/repository"
	"inboxpilot/internal/service/knowledge"
	"inboxpilot/pkg/db"
)

func newImportKBCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import-kb",
		Short: "Upsert a knowledge base file into PostgreSQL",
		Long: `Upsert a knowledge base file into the knowledge_entries table,
for deployments that run with knowledge.source=postgres.

Examples:
  batch import-kb --kb ./kb.yaml --env production`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			defer log.Sync()

			cfg, err := opts.load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			entries, err := knowledge.FileSource{Path: cfg.Knowledge.Path}.Entries(ctx)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("knowledge base %s is empty", cfg.Knowledge.Path)
			}

			pool, err := db.NewConnection(ctx, cfg.DB, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := repository.NewKnowledgeRepository(pool).Upsert(ctx, entries); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries from %s\n", len(entries), cfg.Knowledge.Path)
			return nil
		},
	}
}
