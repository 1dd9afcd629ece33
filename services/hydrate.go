package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paper-graph/config"
	"paper-graph/models"
	"paper-graph/providers"
	"paper-graph/storage"
)

// ErrInvalidOptions meldet ungültige Hydration-Parameter.
var ErrInvalidOptions = errors.New("invalid hydration options")

// maxPerLevelLimit ist die harte Obergrenze für MaxPerLevel.
const maxPerLevelLimit = 100

// GraphSource ist ein Provider, der Zitationsnachbarn und Einzel-Metadaten
// liefert. Jede HTTP-Anfrage läuft im Adapter über das Budget des Providers.
type GraphSource interface {
	Name() string
	providers.NeighborLister
	providers.Resolver
}

// HydrateOptions beschreibt einen Hydration-Lauf.
type HydrateOptions struct {
	Seeds       []string `json:"seeds"`
	Depth       int      `json:"depth"`
	MaxPerLevel int      `json:"max_per_level"`
	// Direction ist "cites", "cited_by" oder "both".
	Direction string `json:"direction"`
	Provider  string `json:"provider"`
}

// LevelReport fasst eine expandierte Ebene zusammen.
type LevelReport struct {
	Level    int `json:"level"`
	Frontier int `json:"frontier"`
	Expanded int `json:"expanded"`
	Failed   int `json:"failed"`
	Admitted int `json:"admitted"`
	Dropped  int `json:"dropped"`
}

// HydrationResult ist das Ergebnis eines Laufs, auch eines abgebrochenen.
type HydrationResult struct {
	RunID     string        `json:"run_id"`
	Levels    []LevelReport `json:"levels"`
	Tally     Tally         `json:"tally"`
	Visited   int           `json:"visited"`
	Cancelled bool          `json:"cancelled"`
}

// Hydrator expandiert den Korpus entlang von Zitationen (BFS mit Besuchsmenge).
type Hydrator struct {
	Orchestrator    *Orchestrator
	Sources         map[string]GraphSource
	Fallback        LinkLocator
	DefaultProvider string
	DefaultDepth    int
	DefaultPerLevel int
	DefaultDir      string
	MaxDepth        int
	Concurrency     int
	Metrics         *Metrics
	Logger          *zap.Logger
}

// NewHydrator erstellt einen Hydrator mit den Grenzen aus cfg.
func NewHydrator(cfg *config.Config, orch *Orchestrator, sources map[string]GraphSource, fallback LinkLocator, metrics *Metrics, logger *zap.Logger) *Hydrator {
	return &Hydrator{
		Orchestrator:    orch,
		Sources:         sources,
		Fallback:        fallback,
		DefaultProvider: cfg.HydrateProvider,
		DefaultDepth:    1,
		DefaultPerLevel: cfg.HydrateMaxPerLevel,
		DefaultDir:      cfg.HydrateDirection,
		MaxDepth:        cfg.HydrateMaxDepth,
		Concurrency:     cfg.HydrateConcurrency,
		Metrics:         metrics,
		Logger:          logger,
	}
}

// node ist ein Eintrag der Frontier.
type node struct {
	id      string
	paperID uint
}

// neighbor ist ein zugelassener Nachbar samt Kantenrichtung.
type neighbor struct {
	id  string
	dir providers.Direction
}

func (h *Hydrator) resolveOptions(opts HydrateOptions) (HydrateOptions, GraphSource, []providers.Direction, error) {
	if opts.Provider == "" {
		opts.Provider = h.DefaultProvider
	}
	if opts.Depth == 0 {
		opts.Depth = h.DefaultDepth
	}
	if opts.MaxPerLevel == 0 {
		opts.MaxPerLevel = h.DefaultPerLevel
	}
	if opts.Direction == "" {
		opts.Direction = h.DefaultDir
	}
	maxDepth := h.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if opts.Depth < 1 || opts.Depth > maxDepth {
		return opts, nil, nil, fmt.Errorf("%w: depth must be between 1 and %d", ErrInvalidOptions, maxDepth)
	}
	if opts.MaxPerLevel < 1 || opts.MaxPerLevel > maxPerLevelLimit {
		return opts, nil, nil, fmt.Errorf("%w: max_per_level must be between 1 and %d", ErrInvalidOptions, maxPerLevelLimit)
	}
	var dirs []providers.Direction
	switch strings.ToLower(opts.Direction) {
	case "cites":
		dirs = []providers.Direction{providers.Cites}
	case "cited_by":
		dirs = []providers.Direction{providers.CitedBy}
	case "both":
		dirs = []providers.Direction{providers.Cites, providers.CitedBy}
	default:
		return opts, nil, nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidOptions, opts.Direction)
	}
	src, ok := h.Sources[strings.ToLower(opts.Provider)]
	if !ok {
		return opts, nil, nil, fmt.Errorf("%w: provider %q cannot list citations", ErrInvalidOptions, opts.Provider)
	}
	var seeds []string
	for _, s := range opts.Seeds {
		if id := canonicalIdentifier(s); id != "" {
			seeds = append(seeds, id)
		}
	}
	if len(seeds) == 0 {
		return opts, nil, nil, fmt.Errorf("%w: no valid seed identifier", ErrInvalidOptions)
	}
	opts.Seeds = seeds
	return opts, src, dirs, nil
}

// Validate prüft Optionen, ohne einen Lauf zu starten.
func (h *Hydrator) Validate(opts HydrateOptions) error {
	_, _, _, err := h.resolveOptions(opts)
	return err
}

// canonicalIdentifier normalisiert DOIs und "source:id"-Identifier.
func canonicalIdentifier(raw string) string {
	doi, source, ext := providers.ParseID(raw)
	return providers.CanonicalID(doi, source, ext)
}

// Hydrate führt einen begrenzten BFS ab den Seeds aus. Abbruch über ctx wird
// nur zwischen zwei Ebenen geprüft; bereits gespeicherte Datensätze bleiben.
// Ein Fehler kommt nur bei ungültigen Optionen zurück.
func (h *Hydrator) Hydrate(ctx context.Context, opts HydrateOptions) (*HydrationResult, error) {
	opts, src, dirs, err := h.resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	runID := uuid.New().String()
	log := h.Logger.With(zap.String("run_id", runID), zap.String("provider", src.Name()))
	log.Info("Starte Hydration",
		zap.Strings("seeds", opts.Seeds), zap.Int("depth", opts.Depth),
		zap.Int("max_per_level", opts.MaxPerLevel), zap.String("direction", opts.Direction))

	r := &run{
		h:       h,
		src:     src,
		dirs:    dirs,
		opts:    opts,
		runID:   runID,
		policy:  h.policyFor(src, runID),
		visited: make(map[string]bool),
		log:     log,
		work:    context.WithoutCancel(ctx),
	}
	res := &HydrationResult{RunID: runID}

	frontier := make([]node, 0, len(opts.Seeds))
	for _, seed := range opts.Seeds {
		if r.visited[seed] {
			continue
		}
		r.visited[seed] = true
		n, _ := r.admit(seed, &res.Tally)
		frontier = append(frontier, n)
	}

	for level := 0; level < opts.Depth && len(frontier) > 0; level++ {
		if ctx.Err() != nil {
			res.Cancelled = true
			log.Info("Hydration abgebrochen", zap.Int("level", level), zap.Error(ctx.Err()))
			break
		}
		h.Metrics.frontier(level, len(frontier))
		report, next := r.expand(level, frontier, &res.Tally)
		res.Levels = append(res.Levels, report)
		frontier = next
	}
	res.Visited = len(r.visited)

	log.Info("Hydration abgeschlossen",
		zap.Int("levels", len(res.Levels)), zap.Int("visited", res.Visited),
		zap.Int("stored", res.Tally.Stored), zap.Int("skipped", res.Tally.Skipped),
		zap.Int("errors", res.Tally.Errors), zap.Bool("cancelled", res.Cancelled))
	return res, nil
}

func (h *Hydrator) policyFor(src GraphSource, runID string) Policy {
	return Policy{
		Artifacts:  h.Orchestrator.ArtifactsFor(src),
		Fallback:   h.Fallback,
		Provenance: "hydrate:" + runID,
	}
}

// run hält den Zustand eines einzelnen Hydration-Laufs.
type run struct {
	h       *Hydrator
	src     GraphSource
	dirs    []providers.Direction
	opts    HydrateOptions
	runID   string
	policy  Policy
	visited map[string]bool
	log     *zap.Logger
	work    context.Context
}

// expand holt die Nachbarn aller Frontier-Knoten parallel und lässt sie dann
// in Frontier-Reihenfolge zu.
func (r *run) expand(level int, frontier []node, tally *Tally) (LevelReport, []node) {
	report := LevelReport{Level: level, Frontier: len(frontier)}
	lists := make([][]neighbor, len(frontier))
	errs := make([]error, len(frontier))

	g := new(errgroup.Group)
	if c := r.h.Concurrency; c > 0 {
		g.SetLimit(c)
	}
	for i, n := range frontier {
		g.Go(func() error {
			lists[i], errs[i] = r.neighbors(n.id)
			return nil
		})
	}
	_ = g.Wait()

	var next []node
	for i, n := range frontier {
		log := r.log.With(zap.Int("level", level), zap.String("node", n.id))
		if errs[i] != nil {
			report.Failed++
			log.Warn("Nachbarn konnten nicht geladen werden", zap.Error(errs[i]))
			continue
		}
		report.Expanded++
		admitted, dropped := admitNeighbors(lists[i], n.id, r.opts.MaxPerLevel)
		report.Admitted += len(admitted)
		report.Dropped += dropped
		if dropped > 0 {
			log.Debug("Nachbarn gekappt", zap.Int("admitted", len(admitted)), zap.Int("dropped", dropped))
		}

		for _, nb := range admitted {
			var child node
			fresh := !r.visited[nb.id]
			if fresh {
				r.visited[nb.id] = true
				var ok bool
				child, ok = r.admit(nb.id, tally)
				if ok {
					next = append(next, child)
				}
			} else {
				child = node{id: nb.id, paperID: r.knownPaperID(nb.id)}
			}
			r.link(n, child, nb.dir)
		}
	}
	return report, next
}

// neighbors holt die Nachbarn eines Knotens in allen Richtungen des Laufs.
func (r *run) neighbors(id string) ([]neighbor, error) {
	var out []neighbor
	for _, dir := range r.dirs {
		ids, err := r.src.Neighbors(r.work, id, dir)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", dir, id, err)
		}
		for _, nb := range ids {
			out = append(out, neighbor{id: nb, dir: dir})
		}
	}
	return out, nil
}

// admitNeighbors normalisiert die Liste, entfernt Selbstreferenzen und
// Duplikate und kappt auf limit Einträge. Gekappte Nachbarn werden verworfen.
func admitNeighbors(list []neighbor, self string, limit int) ([]neighbor, int) {
	seen := make(map[string]bool, len(list))
	clean := make([]neighbor, 0, len(list))
	for _, nb := range list {
		id := canonicalIdentifier(nb.id)
		if id == "" || id == self || seen[id] {
			continue
		}
		seen[id] = true
		clean = append(clean, neighbor{id: id, dir: nb.dir})
	}
	if len(clean) <= limit {
		return clean, 0
	}
	return clean[:limit], len(clean) - limit
}

// admit übergibt einen Identifier an den Orchestrator. Bekannte Identifier
// gehen als Stub ohne Netzwerkzugriff durch. Ein gespeicherter Knoten kommt
// in die nächste Frontier, auch wenn nur sein Artefakt fehlgeschlagen ist.
func (r *run) admit(id string, tally *Tally) (node, bool) {
	cand := r.candidate(id)
	out, err := r.h.Orchestrator.IngestOne(r.work, cand, r.policy)
	tally.Add(tallyFor(out, err))
	if out == nil {
		return node{id: id}, false
	}
	n := node{id: id, paperID: out.Paper.ID}
	if canon := providers.CanonicalID(out.Paper.DOIValue(), out.Paper.Source, out.Paper.ExternalIDValue()); canon != "" {
		// Über die DOI gefundene Knoten werden auch unter ihr expandiert.
		r.visited[canon] = true
		if out.Paper.DOI != nil {
			n.id = canon
		}
	}
	return n, true
}

func (r *run) candidate(id string) *models.Paper {
	if known := r.lookupStored(id); known != nil {
		return &models.Paper{
			Source:     known.Source,
			ExternalID: known.ExternalID,
			DOI:        known.DOI,
			Stub:       true,
			Provenance: r.policy.Provenance,
		}
	}
	p, err := r.src.Lookup(r.work, id)
	if err == nil && p != nil {
		p.Provenance = r.policy.Provenance
		return p
	}
	r.log.Debug("Metadaten nicht auflösbar, lege Stub an", zap.String("id", id), zap.Error(err))
	return stubFor(id, r.src.Name(), r.policy.Provenance)
}

// stubFor baut einen minimalen Kandidaten aus einem Identifier.
func stubFor(id, provider, provenance string) *models.Paper {
	doi, source, ext := providers.ParseID(id)
	p := &models.Paper{Stub: true, Provenance: provenance}
	if doi != "" {
		p.Source = provider
		p.DOI = models.StringPtr(doi)
	} else {
		p.Source = source
		p.ExternalID = models.StringPtr(ext)
	}
	return p
}

func (r *run) lookupStored(id string) *models.Paper {
	repo := r.h.Orchestrator.Repo
	doi, source, ext := providers.ParseID(id)
	var (
		p   *models.Paper
		err error
	)
	switch {
	case doi != "":
		p, err = repo.FindByDOI(r.work, doi)
	case source != "":
		p, err = repo.FindBySourceExternalID(r.work, source, ext)
	default:
		return nil
	}
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("Store-Abfrage fehlgeschlagen", zap.String("id", id), zap.Error(err))
		}
		return nil
	}
	return p
}

func (r *run) knownPaperID(id string) uint {
	if p := r.lookupStored(id); p != nil {
		return p.ID
	}
	return 0
}

// link speichert die Kante in Zitationsrichtung: Source zitiert Target.
func (r *run) link(from, to node, dir providers.Direction) {
	src, dst := from, to
	if dir == providers.CitedBy {
		src, dst = to, from
	}
	edge := &models.PaperLink{
		SourceKey: src.id,
		TargetKey: dst.id,
		Provider:  r.src.Name(),
		RunID:     r.runID,
	}
	if src.paperID != 0 {
		edge.SourcePaperID = &src.paperID
	}
	if dst.paperID != 0 {
		edge.TargetPaperID = &dst.paperID
	}
	if err := r.h.Orchestrator.Repo.UpsertLink(r.work, edge); err != nil {
		r.log.Warn("Kante konnte nicht gespeichert werden",
			zap.String("source_key", src.id), zap.String("target_key", dst.id), zap.Error(err))
	}
}
