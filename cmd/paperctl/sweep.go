package main

import (
	"context"

	"github.com/spf13/cobra"

	"paper-graph/app"
	"paper-graph/models"
	"paper-graph/services"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:     "sweep-file [file]",
	Aliases: []string{"sweep"},
	Short:   "Sweeps aus einer YAML-Datei oder der Datenbank ausführen",
	Long: `Ohne Argument werden alle gespeicherten Sweeps ausgeführt. Mit einer
Datei werden genau deren Einträge ausgeführt (ohne sie zu speichern).

Example:
  paperctl sweep-file sweeps.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sweeps []models.Sweep
		if len(args) == 1 {
			var err error
			if sweeps, err = services.LoadSweepsFile(args[0]); err != nil {
				return err
			}
		}
		return withApp(func(ctx context.Context, a *app.App) error {
			tally, err := a.Sweeps.RunAll(ctx, sweeps)
			if err != nil {
				return err
			}
			return outputJSON(tally)
		})
	},
}
