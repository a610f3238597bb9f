package main

import (
	"context"
	"fmt"

	"github.com/ashureev/meddpicc-voice/internal/config"
	"github.com/ashureev/meddpicc-voice/internal/scoring"
	"github.com/ashureev/meddpicc-voice/internal/store"
	"github.com/spf13/cobra"
)

func seedCmd() *cobra.Command {
	var labelsPath string

	cmd := &cobra.Command{
		Use:   "seed [deals.yaml]",
		Short: "Load deals (and optionally score labels) into the configured database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			repo, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = repo.Close() }()

			deals, err := store.LoadDealFile(args[0])
			if err != nil {
				return err
			}
			n, err := store.SeedDeals(ctx, repo, deals)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d deal(s)\n", n)

			if labelsPath == "" {
				return nil
			}
			labels, err := scoring.LoadLabelFile(labelsPath)
			if err != nil {
				return err
			}
			if err := repo.UpsertScoreLabels(ctx, labels); err != nil {
				return fmt.Errorf("seed score labels: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d score label(s)\n", len(labels))
			return nil
		},
	}
	cmd.Flags().StringVar(&labelsPath, "labels", "", "YAML score label file")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, error) {
	if cfg.DBDriver == config.DriverPostgres {
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	}
	return store.NewSQLite(cfg.DBPath)
}
