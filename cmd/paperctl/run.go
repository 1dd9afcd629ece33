package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"paper-graph/app"
	"paper-graph/providers"
)

var (
	runSource    string
	runQuery     string
	runAuthors   []string
	runYearStart int
	runYearEnd   int
	runMax       int
)

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "openalex", "Provider (openalex, europepmc, pubmed)")
	runCmd.Flags().StringVarP(&runQuery, "query", "q", "", "Suchbegriffe")
	runCmd.Flags().StringSliceVar(&runAuthors, "author", nil, "Autorenfilter (mehrfach möglich)")
	runCmd.Flags().IntVar(&runYearStart, "year-start", 0, "Frühestes Erscheinungsjahr")
	runCmd.Flags().IntVar(&runYearEnd, "year-end", 0, "Spätestes Erscheinungsjahr")
	runCmd.Flags().IntVar(&runMax, "max", 10, "Maximale Anzahl Ergebnisse")
	_ = runCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Eine Provider-Abfrage ingestieren",
	Long: `Fragt einen Provider ab und ingestiert alle Treffer.

Example:
  paperctl run --source openalex --query "citation graph" --max 25`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			source := strings.ToLower(runSource)
			tally, err := a.Sweeps.RunQuery(ctx, source, providers.QuerySpec{
				Keywords:   runQuery,
				Authors:    runAuthors,
				YearStart:  runYearStart,
				YearEnd:    runYearEnd,
				MaxResults: runMax,
			}, "cli:"+source)
			if err != nil {
				return err
			}
			return outputJSON(tally)
		})
	},
}
