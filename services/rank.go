package services

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"paper-graph/config"
	"paper-graph/models"
)

// Weights sind die Gewichte der Rank-Fusion.
type Weights struct {
	Lexical  float64 `json:"lexical"`
	Semantic float64 `json:"semantic"`
	Citation float64 `json:"citation"`
	Recency  float64 `json:"recency"`
}

// DefaultWeights: 0.6 lexikalisch, 0.2 semantisch, 0.1 Zitationen, 0.1 Aktualität.
var DefaultWeights = Weights{Lexical: 0.6, Semantic: 0.2, Citation: 0.1, Recency: 0.1}

// RankOptions steuert Scorer-Auswahl und Fusion.
type RankOptions struct {
	Weights         Weights
	HalfLifeYears   float64
	SemanticEnabled bool
}

// RankOptionsFromConfig liest die Ranking-Einstellungen.
func RankOptionsFromConfig(cfg *config.Config) RankOptions {
	return RankOptions{
		Weights: Weights{
			Lexical:  cfg.RankWeightLexical,
			Semantic: cfg.RankWeightSemantic,
			Citation: cfg.RankWeightCitation,
			Recency:  cfg.RankWeightRecency,
		},
		HalfLifeYears:   cfg.RankRecencyHalfLife,
		SemanticEnabled: cfg.RankSemanticEnabled,
	}
}

// QueryContext enthält alles, was ein Scorer über die Anfrage wissen muss.
type QueryContext struct {
	Terms        []string
	CurrentYear  int
	MaxCitations int
	// Semantic liefert die semantische Ähnlichkeit in [0,1]; nil heißt deaktiviert.
	Semantic func(p *models.Paper) float64
}

// NewQueryContext zerlegt die Anfrage in Begriffe und ermittelt die
// Normierungsgrößen über die Kandidatenmenge.
func NewQueryContext(query string, candidates []*models.Paper, now time.Time) QueryContext {
	q := QueryContext{Terms: QueryTerms(query), CurrentYear: now.Year()}
	for _, p := range candidates {
		if p.CitationCount != nil && *p.CitationCount > q.MaxCitations {
			q.MaxCitations = *p.CitationCount
		}
	}
	return q
}

// QueryTerms faltet die Anfrage wie Titel und liefert eindeutige Begriffe.
func QueryTerms(query string) []string {
	var out []string
	for _, t := range strings.Fields(fold(query)) {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// Scorer bewertet einen Kandidaten für eine Anfrage.
type Scorer interface {
	Score(p *models.Paper, q QueryContext) float64
}

// NewScorer wählt die Implementierung per Name ("fusion" oder "lexical").
func NewScorer(name string, opts RankOptions) (Scorer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "fusion":
		if opts.Weights == (Weights{}) {
			opts.Weights = DefaultWeights
		}
		if opts.HalfLifeYears <= 0 {
			opts.HalfLifeYears = 5
		}
		return &FusionScorer{Weights: opts.Weights, HalfLifeYears: opts.HalfLifeYears, SemanticEnabled: opts.SemanticEnabled}, nil
	case "lexical":
		return LexicalScorer{}, nil
	default:
		return nil, fmt.Errorf("unknown scorer %q", name)
	}
}

// LexicalScorer bewertet nur die Begriffsüberdeckung.
type LexicalScorer struct{}

// Score implementiert Scorer.
func (LexicalScorer) Score(p *models.Paper, q QueryContext) float64 {
	return LexicalScore(p, q.Terms)
}

// FusionScorer kombiniert Lexik, Semantik, Zitationen und Aktualität linear.
// Ist Semantik deaktiviert, fällt der Term weg; die Gewichte werden nicht
// umverteilt.
type FusionScorer struct {
	Weights         Weights
	HalfLifeYears   float64
	SemanticEnabled bool
}

// Score implementiert Scorer.
func (s *FusionScorer) Score(p *models.Paper, q QueryContext) float64 {
	score := s.Weights.Lexical * LexicalScore(p, q.Terms)
	if s.SemanticEnabled && q.Semantic != nil {
		score += s.Weights.Semantic * clamp01(q.Semantic(p))
	}
	citations := 0
	if p.CitationCount != nil {
		citations = *p.CitationCount
	}
	score += s.Weights.Citation * NormalizedCitations(citations, q.MaxCitations)
	score += s.Weights.Recency * RecencyDecay(p.Year, q.CurrentYear, s.HalfLifeYears)
	return score
}

// LexicalScore ist der Anteil der Begriffe, die im Titel (voll) oder nur im
// Abstract (halb) vorkommen.
func LexicalScore(p *models.Paper, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	title := " " + fold(p.Title) + " "
	abstract := " " + fold(p.Abstract) + " "
	var hits float64
	for _, t := range terms {
		switch {
		case strings.Contains(title, " "+t+" "):
			hits++
		case strings.Contains(abstract, " "+t+" "):
			hits += 0.5
		}
	}
	return hits / float64(len(terms))
}

// NormalizedCitations skaliert logarithmisch auf [0,1] relativ zum Maximum.
func NormalizedCitations(count, maxCount int) float64 {
	if count <= 0 || maxCount <= 0 {
		return 0
	}
	return clamp01(math.Log1p(float64(count)) / math.Log1p(float64(maxCount)))
}

// RecencyDecay ist 2^(-Alter/Halbwertszeit), begrenzt auf [0,1]. Ohne Jahr 0.
func RecencyDecay(year *int, currentYear int, halfLife float64) float64 {
	if year == nil || *year <= 0 {
		return 0
	}
	if halfLife <= 0 {
		halfLife = 5
	}
	age := float64(currentYear - *year)
	if age < 0 {
		age = 0
	}
	return clamp01(math.Exp2(-age / halfLife))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Ranked ist ein bewerteter Kandidat.
type Ranked struct {
	Paper *models.Paper `json:"paper"`
	Score float64       `json:"score"`
}

// Rank bewertet und sortiert die Kandidaten absteigend. Gleichstände
// entscheiden Zitationen, dann Jahr, dann die Eingangsreihenfolge.
func Rank(candidates []*models.Paper, scorer Scorer, q QueryContext) []Ranked {
	out := make([]Ranked, len(candidates))
	for i, p := range candidates {
		out[i] = Ranked{Paper: p, Score: scorer.Score(p, q)}
	}
	slices.SortStableFunc(out, func(a, b Ranked) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(intOr(b.Paper.CitationCount), intOr(a.Paper.CitationCount)); c != 0 {
			return c
		}
		return cmp.Compare(intOr(b.Paper.Year), intOr(a.Paper.Year))
	})
	return out
}

// Sortierungen für SortRanked.
const (
	SortRelevance = "relevance"
	SortRecency   = "recency"
	SortCitations = "citations"
)

// ErrUnknownSort meldet eine unbekannte Sortierung.
var ErrUnknownSort = errors.New("unknown sort order")

// SortRanked sortiert ein Ranking um. Bei recency und citations entscheidet
// der Score nur noch bei Gleichstand.
func SortRanked(ranked []Ranked, by string) error {
	var key func(r Ranked) int
	switch strings.ToLower(by) {
	case "", SortRelevance:
		return nil
	case SortRecency:
		key = func(r Ranked) int { return intOr(r.Paper.Year) }
	case SortCitations:
		key = func(r Ranked) int { return intOr(r.Paper.CitationCount) }
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSort, by)
	}
	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		if c := cmp.Compare(key(b), key(a)); c != 0 {
			return c
		}
		return cmp.Compare(b.Score, a.Score)
	})
	return nil
}

func intOr(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
