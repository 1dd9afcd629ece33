package main

import (
	"context"

	"github.com/spf13/cobra"

	"paper-graph/app"
	"paper-graph/services"
)

var hydrateOpts services.HydrateOptions

func init() {
	hydrateCmd.Flags().StringSliceVar(&hydrateOpts.Seeds, "seed", nil, "Seed-Identifier (DOI oder source:id, mehrfach möglich)")
	hydrateCmd.Flags().IntVar(&hydrateOpts.Depth, "depth", 0, "Expansionstiefe (Standard aus der Konfiguration)")
	hydrateCmd.Flags().IntVar(&hydrateOpts.MaxPerLevel, "max-per-level", 0, "Maximale Nachbarn pro Knoten")
	hydrateCmd.Flags().StringVar(&hydrateOpts.Direction, "direction", "", "cites, cited_by oder both")
	hydrateCmd.Flags().StringVar(&hydrateOpts.Provider, "provider", "", "Graph-Provider")
	rootCmd.AddCommand(hydrateCmd)
}

var hydrateCmd = &cobra.Command{
	Use:   "hydrate [seed...]",
	Short: "Zitationsgraph ab Seeds hydrieren",
	Long: `Expandiert den Zitationsgraphen ab den Seeds und ingestiert jeden
zugelassenen Nachbarn. Seeds können als Argumente oder per --seed kommen.

Example:
  paperctl hydrate 10.1038/nature12373 --depth 2 --direction cites`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := hydrateOpts
		opts.Seeds = append(append([]string(nil), opts.Seeds...), args...)
		return withApp(func(ctx context.Context, a *app.App) error {
			res, err := a.Hydrator.Hydrate(ctx, opts)
			if err != nil {
				return err
			}
			return outputJSON(res)
		})
	},
}
