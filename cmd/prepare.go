package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ohdsi/load-euctr/internal/pipeline"
	"github.com/ohdsi/load-euctr/internal/source"
)

var (
	prepareSources []string
	prepareDSN     string
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Create schemas and tables without loading data",
	Long:  "Idempotently creates the run log, the Bronze table of each source and the Silver tables.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg := source.NewRegistry(cfg)

		names := prepareSources
		if len(names) == 0 {
			names = reg.Names()
		}

		backend, err := openBackend(ctx, cfg, prepareDSN)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		p := pipeline.New(backend, nil, cfg.Load, version)
		for _, name := range names {
			src, err := reg.Get(name)
			if err != nil {
				return err
			}
			if err := p.Prepare(ctx, src); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Prepared %s (bronze %s.%s, silver %s.trials)\n",
				name, cfg.Load.BronzeSchema, cfg.Load.BronzeTable(name), cfg.Load.SilverSchema)
		}
		return nil
	},
}

func init() {
	prepareCmd.Flags().StringSliceVar(&prepareSources, "source", nil, "sources to prepare (default all)")
	prepareCmd.Flags().StringVar(&prepareDSN, "dsn", "", "database URL or SQLite path (default from store.database_url)")
	rootCmd.AddCommand(prepareCmd)
}
