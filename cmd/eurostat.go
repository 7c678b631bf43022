package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ohdsi/load-euctr/internal/eurostat"
)

var eurostatFilter string

var eurostatCmd = &cobra.Command{
	Use:   "eurostat",
	Short: "Browse and download Eurostat datasets",
}

var eurostatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalogue datasets with an English title",
	RunE: func(cmd *cobra.Command, args []string) error {
		datasets, err := newCatalog().List(cmd.Context())
		if err != nil {
			return err
		}
		formatDatasets(os.Stdout, filterDatasets(datasets, eurostatFilter))
		return nil
	},
}

var eurostatDownloadCmd = &cobra.Command{
	Use:   "download <code>...",
	Short: "Download datasets as compressed TSV into the cache directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newCatalog()
		for _, code := range args {
			path, err := c.Download(cmd.Context(), code)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", code, path)
		}
		return nil
	},
}

func init() {
	eurostatListCmd.Flags().StringVar(&eurostatFilter, "filter", "", "case-insensitive substring of code or title")
	eurostatCmd.AddCommand(eurostatListCmd, eurostatDownloadCmd)
	rootCmd.AddCommand(eurostatCmd)
}

func newCatalog() *eurostat.Catalog {
	return eurostat.NewCatalog(newFetcher(cfg.HTTP), cfg.Eurostat.BaseURL, cfg.Eurostat.TOCURL, cfg.Eurostat.CacheDir)
}

func filterDatasets(datasets []eurostat.Dataset, filter string) []eurostat.Dataset {
	if filter == "" {
		return datasets
	}
	filter = strings.ToLower(filter)
	var out []eurostat.Dataset
	for _, d := range datasets {
		if strings.Contains(strings.ToLower(d.Code), filter) || strings.Contains(strings.ToLower(d.Title), filter) {
			out = append(out, d)
		}
	}
	return out
}

func formatDatasets(out io.Writer, datasets []eurostat.Dataset) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tTITLE")
	_, _ = fmt.Fprintln(w, "----\t-----")
	for _, d := range datasets {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", d.Code, truncate(d.Title, 80))
	}
	_ = w.Flush()
}
