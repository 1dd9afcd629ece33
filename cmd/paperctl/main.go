// Package main stellt das paperctl-CLI bereit: Ingest-Läufe, Hydration,
// Sweeps und Datenbank-Backups ohne laufenden Server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paper-graph/app"
	"paper-graph/config"
)

var debug bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "paperctl",
	Short: "Ingestion und Zitationsgraph-Hydration von der Kommandozeile",
	Long: `paperctl führt dieselben Operationen aus wie der Server:
Provider-Abfragen ingestieren, Zitationsgraphen hydrieren, Sweeps abarbeiten
und Datenbank-Backups nach S3 schreiben. Ergebnisse werden als JSON ausgegeben.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug-Logging aktivieren")
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// withApp lädt Konfiguration und App und ruft fn mit einem Kontext auf,
// der bei SIGINT/SIGTERM abgebrochen wird.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a, err := app.New(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
