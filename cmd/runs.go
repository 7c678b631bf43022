package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ohdsi/load-euctr/internal/runlog"
)

var (
	runsLimit int
	runsDSN   string
)

var runsCmd = &cobra.Command{
	Use:   "runs [load-id]",
	Short: "Show the load run log",
	Long:  "Lists recent runs, newest first, or shows one run in full when a load id is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		backend, err := openBackend(ctx, cfg, runsDSN)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		rl := runlog.New(backend, cfg.Load.MetaSchema)
		if err := rl.Create(ctx); err != nil {
			return err
		}

		if len(args) == 1 {
			e, err := rl.Get(ctx, args[0])
			if err != nil {
				return eris.Wrapf(err, "runs %s", args[0])
			}
			return writeRunYAML(os.Stdout, e)
		}

		entries, err := rl.List(ctx, runsLimit)
		if err != nil {
			return eris.Wrap(err, "runs")
		}
		if len(entries) == 0 {
			zap.L().Info("no runs found, run 'load' to start loading a registry")
			return nil
		}

		formatRunEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list")
	runsCmd.Flags().StringVar(&runsDSN, "dsn", "", "database URL or SQLite path (default from store.database_url)")
	rootCmd.AddCommand(runsCmd)
}

// formatRunEntries writes a tabular representation of run log entries to w.
func formatRunEntries(out io.Writer, entries []runlog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LOAD ID\tSOURCE\tMODE\tSTATUS\tSTARTED\tDURATION\tLOADED\tUPSERTED\tSKIPPED\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t------\t----\t------\t-------\t--------\t------\t--------\t-------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.FinishedAt != nil {
			dur = e.Duration().Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			e.LoadID,
			e.Source,
			e.Mode,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.Loaded,
			e.Upserted,
			e.Skipped,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

func writeRunYAML(out io.Writer, e *runlog.Entry) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(e); err != nil {
		return eris.Wrap(err, "encode run")
	}
	return enc.Close()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
