package services

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"paper-graph/models"
	"paper-graph/providers"
)

// LoadSweepsFile liest eine YAML-Liste von Sweeps. Einträge ohne query werden
// übersprungen; source ist standardmäßig "openalex", max_results 10.
func LoadSweepsFile(path string) ([]models.Sweep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []models.Sweep
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("sweeps file %s: must be a list: %w", path, err)
	}
	out := make([]models.Sweep, 0, len(items))
	for _, s := range items {
		s.Query = strings.TrimSpace(s.Query)
		if s.Query == "" {
			continue
		}
		s.Source = strings.ToLower(strings.TrimSpace(s.Source))
		if s.Source == "" {
			s.Source = "openalex"
		}
		if s.MaxResults <= 0 {
			s.MaxResults = 10
		}
		if s.Name == "" {
			s.Name = s.Source + ":" + s.Query
			if s.Author != "" {
				s.Name += " [" + s.Author + "]"
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// SweepStore ist der Ausschnitt des Repositories für gespeicherte Sweeps.
type SweepStore interface {
	Sweeps(ctx context.Context) ([]models.Sweep, error)
	SeedSweeps(ctx context.Context, sweeps []models.Sweep) (int, error)
}

// SweepService führt Provider-Suchen durch den Orchestrator.
type SweepService struct {
	Orchestrator *Orchestrator
	Store        SweepStore
	Providers    map[string]providers.Provider
	Fallback     LinkLocator
	Concurrency  int
	Logger       *zap.Logger
}

// NewSweepService erstellt einen SweepService.
func NewSweepService(orch *Orchestrator, store SweepStore, provs []providers.Provider, fallback LinkLocator, concurrency int, logger *zap.Logger) *SweepService {
	byName := make(map[string]providers.Provider, len(provs))
	for _, p := range provs {
		byName[p.Name()] = p
	}
	return &SweepService{
		Orchestrator: orch,
		Store:        store,
		Providers:    byName,
		Fallback:     fallback,
		Concurrency:  concurrency,
		Logger:       logger,
	}
}

// Seed übernimmt die Sweeps aus einer Datei in den Store.
func (s *SweepService) Seed(ctx context.Context, path string) (int, error) {
	sweeps, err := LoadSweepsFile(path)
	if err != nil {
		return 0, err
	}
	n, err := s.Store.SeedSweeps(ctx, sweeps)
	if err != nil {
		return 0, err
	}
	s.Logger.Info("Sweeps geladen", zap.String("file", path), zap.Int("in_file", len(sweeps)), zap.Int("new", n))
	return n, nil
}

// RunQuery sucht bei einem Provider und speist die Treffer in den Orchestrator.
func (s *SweepService) RunQuery(ctx context.Context, source string, q providers.QuerySpec, provenance string) (Tally, error) {
	p, ok := s.Providers[strings.ToLower(source)]
	if !ok {
		return Tally{}, fmt.Errorf("provider %q is not enabled", source)
	}
	policy := Policy{
		Artifacts:  s.Orchestrator.ArtifactsFor(p),
		Fallback:   s.Fallback,
		Provenance: provenance,
	}
	return s.Orchestrator.Ingest(ctx, p.Search(ctx, q), policy), nil
}

// RunSweep führt einen einzelnen Sweep aus.
func (s *SweepService) RunSweep(ctx context.Context, sw models.Sweep) (Tally, error) {
	q := providers.QuerySpec{
		Keywords:   sw.Query,
		YearStart:  sw.YearStart,
		YearEnd:    sw.YearEnd,
		MaxResults: sw.MaxResults,
	}
	if sw.Author != "" {
		q.Authors = []string{sw.Author}
	}
	return s.RunQuery(ctx, sw.Source, q, "sweep:"+sw.Name)
}

// RunAll führt die übergebenen Sweeps (oder alle gespeicherten, wenn sweeps
// nil ist) mit begrenzter Parallelität aus. Fehler einzelner Sweeps landen in
// der Tally; ein Fehler kommt nur zurück, wenn der Store nicht lesbar ist.
func (s *SweepService) RunAll(ctx context.Context, sweeps []models.Sweep) (Tally, error) {
	if sweeps == nil {
		var err error
		if sweeps, err = s.Store.Sweeps(ctx); err != nil {
			return Tally{}, err
		}
	}
	s.Logger.Info("Starte Sweeps", zap.Int("count", len(sweeps)))

	var (
		mu    sync.Mutex
		total Tally
	)
	g, gctx := errgroup.WithContext(ctx)
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for _, sw := range sweeps {
		g.Go(func() error {
			log := s.Logger.With(zap.String("sweep", sw.Name), zap.String("source", sw.Source))
			t, err := s.RunSweep(gctx, sw)
			if err != nil {
				log.Error("Sweep fehlgeschlagen", zap.Error(err))
				t.Errors++
			} else {
				log.Info("Sweep abgeschlossen", zap.Int("stored", t.Stored), zap.Int("skipped", t.Skipped), zap.Int("errors", t.Errors))
			}
			mu.Lock()
			total.Add(t)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total, nil
}
