// Package app verdrahtet Konfiguration, Datenbank, Provider und Services.
// Server (main.go) und paperctl bauen beide darauf auf.
package app

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"paper-graph/config"
	"paper-graph/providers"
	"paper-graph/providers/europepmc"
	"paper-graph/providers/openalex"
	"paper-graph/providers/pubmed"
	"paper-graph/providers/unpaywall"
	"paper-graph/services"
	"paper-graph/storage"
	"paper-graph/throttle"
)

// UserAgent wird bei allen ausgehenden Anfragen gesendet.
const UserAgent = "paper-graph/1.0 (+https://github.com/paper-graph)"

// App hält alle verdrahteten Komponenten eines Prozesses.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DB           *gorm.DB
	Repo         *storage.PaperRepository
	Throttle     *throttle.Fetcher
	Metrics      *services.Metrics
	HTTPClient   *http.Client
	Providers    []providers.Provider
	Fallback     services.LinkLocator
	Store        storage.ArtifactStore
	Orchestrator *services.Orchestrator
	Hydrator     *services.Hydrator
	Sweeps       *services.SweepService
	Scorer       services.Scorer
}

// New öffnet die Datenbank, migriert sie und baut alle Services.
// reg darf nil sein (keine Metrik-Registrierung).
func New(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("Datenbank bereit", zap.String("driver", db.Dialector.Name()))
	return Wire(cfg, db, logger, reg)
}

// Wire baut die Services auf einer bereits geöffneten Datenbank.
func Wire(cfg *config.Config, db *gorm.DB, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	opts, err := throttle.OptionsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("rate limits: %w", err)
	}
	metrics := services.NewMetrics(reg)
	th := throttle.New(opts, logger)
	th.Observe = metrics.ObserveCall

	a := &App{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Repo:       storage.NewPaperRepository(db),
		Throttle:   th,
		Metrics:    metrics,
		HTTPClient: throttle.NewHTTPClient(UserAgent),
	}

	graph := map[string]services.GraphSource{}
	for _, name := range cfg.Providers() {
		var p providers.Provider
		switch name {
		case "openalex":
			p = openalex.NewFetcher(cfg, th, a.HTTPClient, logger)
		case "europepmc":
			p = europepmc.NewFetcher(cfg, th, a.HTTPClient, logger)
		case "pubmed":
			p = pubmed.NewFetcher(cfg, th, a.HTTPClient, logger)
		default:
			logger.Warn("Unbekannter Provider in der Konfiguration", zap.String("provider_name", name))
			continue
		}
		a.Providers = append(a.Providers, p)
		if gs, ok := p.(services.GraphSource); ok {
			graph[p.Name()] = gs
		}
	}
	if len(a.Providers) == 0 {
		return nil, fmt.Errorf("no valid providers enabled, check ENABLED_PROVIDERS")
	}

	if cfg.UnpaywallEmail != "" {
		a.Fallback = unpaywall.NewFetcher(cfg, a.HTTPClient, logger)
	}

	if cfg.ArtifactsEnabled() {
		s3Store, err := storage.NewS3Artifacts(cfg)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		a.Store = s3Store
	} else {
		logger.Info("Kein Artefakt-Bucket konfiguriert, nur Metadaten werden gespeichert.")
	}

	a.Scorer, err = services.NewScorer(cfg.RankScorer, services.RankOptionsFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	a.Orchestrator = services.NewOrchestrator(a.Repo, a.Store, th, metrics, logger)
	a.Orchestrator.Downloader = &providers.LinkDownloader{Client: a.HTTPClient, Logger: logger}
	a.Hydrator = services.NewHydrator(cfg, a.Orchestrator, graph, a.Fallback, metrics, logger)
	a.Sweeps = services.NewSweepService(a.Orchestrator, a.Repo, a.Providers, a.Fallback, cfg.SweepConcurrency, logger)
	return a, nil
}

// Close schließt die Datenbankverbindung.
func (a *App) Close() error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
