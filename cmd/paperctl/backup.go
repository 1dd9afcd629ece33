package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"paper-graph/config"
	"paper-graph/storage"
)

func init() {
	rootCmd.AddCommand(backupCmd)
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "PostgreSQL-Dump erstellen und nach S3 hochladen",
	Long: `Erstellt per pg_dump einen gzip-komprimierten Dump, lädt ihn in den
Backup-Bucket und behält nur die KEEP_BACKUPS neuesten Dumps.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if cfg.BackupS3Bucket == "" || cfg.ArtifactS3URL == "" {
			return fmt.Errorf("BACKUP_S3_BUCKET and ARTIFACT_S3_URL must be set")
		}
		return runBackup(cmd.Context(), cfg, logger)
	},
}

func runBackup(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starte Backup-Prozess...")

	// 1. Datenbank-Dump erstellen
	dumpData, err := createDump(ctx, cfg)
	if err != nil {
		return fmt.Errorf("pg_dump: %w", err)
	}

	// 2. S3-Client erstellen
	client, err := storage.NewS3Client(storage.S3Endpoint{
		URL:    cfg.ArtifactS3URL,
		Region: cfg.ArtifactS3Region,
		Key:    cfg.ArtifactS3Key,
		Secret: cfg.ArtifactS3Secret,
	})
	if err != nil {
		return fmt.Errorf("s3 client: %w", err)
	}

	// 3. Backup hochladen
	key := cfg.BackupPrefix + fmt.Sprintf("backup-%s.sql.gz", time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	if err := storage.UploadObject(ctx, client, cfg.BackupS3Bucket, key, dumpData); err != nil {
		return fmt.Errorf("upload backup: %w", err)
	}
	logger.Info("Backup hochgeladen", zap.String("bucket", cfg.BackupS3Bucket), zap.String("key", key), zap.Int("bytes", len(dumpData)))

	// 4. Alte Backups rotieren
	deleted, err := storage.RotateObjects(ctx, client, cfg.BackupS3Bucket, cfg.BackupPrefix, cfg.KeepBackups)
	for _, k := range deleted {
		logger.Info("Altes Backup gelöscht", zap.String("key", k))
	}
	if err != nil {
		return fmt.Errorf("rotate backups: %w", err)
	}

	logger.Info("Backup-Prozess erfolgreich abgeschlossen.")
	return nil
}

func createDump(ctx context.Context, cfg *config.Config) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", cfg.DBHost,
		"-p", fmt.Sprint(cfg.DBPort),
		"-U", cfg.DBUser,
		"-d", cfg.DBName,
		"-w", // Passwort kommt über PGPASSWORD
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+cfg.DBPassword)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := io.Copy(gz, stdout); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
