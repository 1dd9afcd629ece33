package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paper-graph/models"
)

func TestRecencyDecay(t *testing.T) {
	assert.Equal(t, 0.0, RecencyDecay(nil, 2025, 5))
	assert.Equal(t, 1.0, RecencyDecay(models.IntPtr(2025), 2025, 5))
	assert.Equal(t, 1.0, RecencyDecay(models.IntPtr(2030), 2025, 5), "future years clamp to 1")
	assert.InDelta(t, 0.5, RecencyDecay(models.IntPtr(2020), 2025, 5), 1e-9)

	prev := 1.0
	for year := 2025; year >= 1950; year -= 5 {
		v := RecencyDecay(models.IntPtr(year), 2025, 5)
		assert.LessOrEqual(t, v, prev)
		assert.GreaterOrEqual(t, v, 0.0)
		prev = v
	}
}

func TestNormalizedCitations(t *testing.T) {
	assert.Equal(t, 0.0, NormalizedCitations(0, 100))
	assert.Equal(t, 0.0, NormalizedCitations(10, 0))
	assert.Equal(t, 1.0, NormalizedCitations(100, 100))
	v := NormalizedCitations(10, 100)
	assert.Greater(t, v, 0.0)
	assert.Less(t, v, 1.0)
}

func TestLexicalScore(t *testing.T) {
	p := &models.Paper{Title: "Graph Neural Networks", Abstract: "We study citation graphs at scale."}
	assert.Equal(t, 1.0, LexicalScore(p, QueryTerms("graph neural")))
	assert.Equal(t, 0.75, LexicalScore(p, QueryTerms("graph citation")))
	assert.Equal(t, 0.0, LexicalScore(p, QueryTerms("proteins")))
	assert.Equal(t, 0.0, LexicalScore(p, nil))
}

func TestFusionScore(t *testing.T) {
	s, err := NewScorer("fusion", RankOptions{})
	require.NoError(t, err)
	p := &models.Paper{Title: "graph", CitationCount: models.IntPtr(100), Year: models.IntPtr(2025)}
	q := QueryContext{Terms: []string{"graph"}, CurrentYear: 2025, MaxCitations: 100}

	// Semantik ist deaktiviert: 0.6 + 0.1 + 0.1.
	assert.InDelta(t, 0.8, s.Score(p, q), 1e-9)

	q.Semantic = func(*models.Paper) float64 { return 1 }
	assert.InDelta(t, 0.8, s.Score(p, q), 1e-9)

	s, err = NewScorer("fusion", RankOptions{Weights: DefaultWeights, SemanticEnabled: true})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.Score(p, q), 1e-9)
}

func TestNewScorer(t *testing.T) {
	s, err := NewScorer("lexical", RankOptions{})
	require.NoError(t, err)
	assert.IsType(t, LexicalScorer{}, s)

	_, err = NewScorer("neural", RankOptions{})
	assert.Error(t, err)
}

func TestRankTieBreaks(t *testing.T) {
	a := &models.Paper{Title: "a", CitationCount: models.IntPtr(5), Year: models.IntPtr(2010)}
	b := &models.Paper{Title: "b", CitationCount: models.IntPtr(9), Year: models.IntPtr(2010)}
	c := &models.Paper{Title: "c", CitationCount: models.IntPtr(9), Year: models.IntPtr(2020)}
	d := &models.Paper{Title: "d", CitationCount: models.IntPtr(9), Year: models.IntPtr(2020)}

	// Alle bekommen denselben Score, nur die Tie-Breaks entscheiden.
	constant := scorerFunc(func(*models.Paper, QueryContext) float64 { return 0.5 })
	got := Rank([]*models.Paper{a, b, c, d}, constant, QueryContext{})
	var titles []string
	for _, r := range got {
		titles = append(titles, r.Paper.Title)
	}
	assert.Equal(t, []string{"c", "d", "b", "a"}, titles)
}

func TestRankOrdersByScore(t *testing.T) {
	papers := []*models.Paper{
		{Title: "unrelated work", Year: models.IntPtr(2024)},
		{Title: "citation graph hydration", CitationCount: models.IntPtr(3), Year: models.IntPtr(2015)},
		{Title: "citation graphs", CitationCount: models.IntPtr(50), Year: models.IntPtr(2023)},
	}
	s, err := NewScorer("fusion", RankOptions{})
	require.NoError(t, err)
	q := NewQueryContext("citation graph", papers, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 50, q.MaxCitations)

	got := Rank(papers, s, q)
	require.Len(t, got, 3)
	assert.Equal(t, "citation graph hydration", got[0].Paper.Title)
	assert.Equal(t, "unrelated work", got[2].Paper.Title)
}

type scorerFunc func(*models.Paper, QueryContext) float64

func (f scorerFunc) Score(p *models.Paper, q QueryContext) float64 { return f(p, q) }

func TestSortRanked(t *testing.T) {
	ranked := []Ranked{
		{Paper: &models.Paper{Title: "old popular", Year: models.IntPtr(2001), CitationCount: models.IntPtr(900)}, Score: 0.9},
		{Paper: &models.Paper{Title: "new", Year: models.IntPtr(2024), CitationCount: models.IntPtr(3)}, Score: 0.4},
		{Paper: &models.Paper{Title: "new strong", Year: models.IntPtr(2024)}, Score: 0.8},
	}
	titles := func() []string {
		var out []string
		for _, r := range ranked {
			out = append(out, r.Paper.Title)
		}
		return out
	}

	require.NoError(t, SortRanked(ranked, ""))
	assert.Equal(t, []string{"old popular", "new", "new strong"}, titles())

	require.NoError(t, SortRanked(ranked, "Recency"))
	assert.Equal(t, []string{"new strong", "new", "old popular"}, titles())

	require.NoError(t, SortRanked(ranked, SortCitations))
	assert.Equal(t, []string{"old popular", "new", "new strong"}, titles())

	assert.ErrorIs(t, SortRanked(ranked, "random"), ErrUnknownSort)
}
