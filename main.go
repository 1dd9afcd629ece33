package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"paper-graph/app"
	"paper-graph/config"
	"paper-graph/models"
	"paper-graph/providers"
	"paper-graph/services"
	"paper-graph/storage"
)

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	a, err := app.New(cfg, logging, prometheus.DefaultRegisterer)
	if err != nil {
		logging.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()
	logging.Info("Active providers loaded", zap.Strings("providers", cfg.Providers()))

	// Seeding
	if _, err := os.Stat(cfg.SweepsFile); err == nil {
		if _, err := a.Sweeps.Seed(context.Background(), cfg.SweepsFile); err != nil {
			logging.Warn("Failed to seed sweeps", zap.String("file", cfg.SweepsFile), zap.Error(err))
		}
	}

	router := setupRouter(a)

	// Setup Cron
	cronScheduler := cron.New()
	if _, err := cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled sweeps...")
		tally, err := a.Sweeps.RunAll(context.Background(), nil)
		if err != nil {
			logging.Error("Cron job failed", zap.Error(err))
			return
		}
		logging.Info("Cron job completed", zap.Int("stored", tally.Stored), zap.Int("skipped", tally.Skipped), zap.Int("errors", tally.Errors))
	}); err != nil {
		logging.Fatal("Invalid CRON_SCHEDULE", zap.String("schedule", cfg.CronSchedule), zap.Error(err))
	}
	cronScheduler.Start()
	defer cronScheduler.Stop()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func setupRouter(a *app.App) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(apiKeyAuthMiddleware(a.Config))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupPaperRoutes(router, a)
	setupSearchRoutes(router, a)
	setupIngestRoutes(router, a)
	setupHydrateRoutes(router, a)
	setupGraphRoutes(router, a)
	return router
}

// exposed gibt eine Kopie zurück, deren artifact_ref nur gesetzt ist, wenn
// die gespeicherte Lizenz die Auslieferung erlaubt.
func exposed(p *models.Paper) models.Paper {
	out := *p
	if !services.PermitsStorage(out.LicenseNormalized) {
		out.ArtifactRef = nil
	}
	return out
}

func setupPaperRoutes(router *gin.Engine, a *app.App) {
	rg := router.Group("/papers")

	findPaper := func(c *gin.Context) (*models.Paper, bool) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return nil, false
		}
		p, err := a.Repo.FindByID(c.Request.Context(), uint(id))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "paper not found"})
			return nil, false
		}
		if err != nil {
			a.Logger.Error("Database query for paper failed", zap.Uint64("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return nil, false
		}
		return p, true
	}

	// Tombstones werden auf den überlebenden Datensatz aufgelöst.
	rg.GET("/:id", func(c *gin.Context) {
		p, ok := findPaper(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, exposed(p))
	})

	rg.GET("/:id/audits", func(c *gin.Context) {
		p, ok := findPaper(c)
		if !ok {
			return
		}
		audits, err := a.Repo.Audits(c.Request.Context(), p.ID)
		if err != nil {
			a.Logger.Error("Database query for audits failed", zap.Uint("id", p.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, audits)
	})
}

func setupSearchRoutes(router *gin.Engine, a *app.App) {
	router.GET("/search", func(c *gin.Context) {
		q := strings.TrimSpace(c.Query("q"))
		if q == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
			return
		}
		filter := storage.SearchFilter{
			Terms:   services.QueryTerms(q),
			Author:  c.Query("author"),
			Source:  c.Query("source"),
			License: c.Query("license"),
		}
		filter.YearFrom, _ = strconv.Atoi(c.Query("year_from"))
		filter.YearTo, _ = strconv.Atoi(c.Query("year_to"))
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if limit <= 0 || limit > 100 {
			limit = 20
		}

		candidates, err := a.Repo.Search(c.Request.Context(), filter)
		if err != nil {
			a.Logger.Error("Search query failed", zap.String("q", q), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		ranked := services.Rank(candidates, a.Scorer, services.NewQueryContext(q, candidates, time.Now()))
		if err := services.SortRanked(ranked, c.Query("sort")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(ranked) > limit {
			ranked = ranked[:limit]
		}

		type hit struct {
			Paper models.Paper `json:"paper"`
			Score float64      `json:"score"`
		}
		out := make([]hit, 0, len(ranked))
		for _, r := range ranked {
			out = append(out, hit{Paper: exposed(r.Paper), Score: r.Score})
		}
		c.JSON(http.StatusOK, gin.H{"query": q, "total": len(candidates), "results": out})
	})
}

func setupIngestRoutes(router *gin.Engine, a *app.App) {
	rg := router.Group("/ingest")

	rg.POST("/run", func(c *gin.Context) {
		type RunRequest struct {
			Source     string   `json:"source" binding:"required"`
			Query      string   `json:"query" binding:"required"`
			Authors    []string `json:"authors"`
			YearStart  int      `json:"year_start"`
			YearEnd    int      `json:"year_end"`
			MaxResults int      `json:"max_results"`
		}
		var req RunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		source := strings.ToLower(req.Source)
		if _, ok := a.Sweeps.Providers[source]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "provider not enabled"})
			return
		}
		query := providers.QuerySpec{
			Keywords:   req.Query,
			Authors:    req.Authors,
			YearStart:  req.YearStart,
			YearEnd:    req.YearEnd,
			MaxResults: req.MaxResults,
		}
		go func() {
			tally, err := a.Sweeps.RunQuery(context.Background(), source, query, "api:"+source)
			if err != nil {
				a.Logger.Error("Async ingest run failed", zap.Error(err))
				return
			}
			a.Logger.Info("Async ingest run completed", zap.String("source", source), zap.Int("stored", tally.Stored), zap.Int("errors", tally.Errors))
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Ingest run triggered."})
	})

	rg.POST("/sweeps", func(c *gin.Context) {
		go func() {
			tally, err := a.Sweeps.RunAll(context.Background(), nil)
			if err != nil {
				a.Logger.Error("Async sweep run failed", zap.Error(err))
				return
			}
			a.Logger.Info("Async sweep run completed", zap.Int("stored", tally.Stored), zap.Int("skipped", tally.Skipped), zap.Int("errors", tally.Errors))
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Sweeps triggered."})
	})
}

func setupHydrateRoutes(router *gin.Engine, a *app.App) {
	router.POST("/hydrate", func(c *gin.Context) {
		var opts services.HydrateOptions
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := a.Hydrator.Validate(opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		go func() {
			if _, err := a.Hydrator.Hydrate(context.Background(), opts); err != nil {
				a.Logger.Error("Async hydration failed", zap.Error(err))
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"message": "Hydration triggered."})
	})
}

// setupGraphRoutes konfiguriert die Paper-Graph-Endpoints. DOIs enthalten
// Schrägstriche, daher Wildcard-Parameter.
func setupGraphRoutes(router *gin.Engine, a *app.App) {
	rg := router.Group("/graph/paper-links")

	links := func(c *gin.Context, key string) {
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identifier"})
			return
		}
		out, err := a.Repo.LinksByKey(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, out)
	}

	rg.GET("/by-doi/*doi", func(c *gin.Context) {
		links(c, providers.NormalizeDOI(strings.TrimPrefix(c.Param("doi"), "/")))
	})
	rg.GET("/by-id/*id", func(c *gin.Context) {
		doi, source, ext := providers.ParseID(strings.TrimPrefix(c.Param("id"), "/"))
		links(c, providers.CanonicalID(doi, source, ext))
	})
}
