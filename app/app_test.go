package app

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paper-graph/config"
)

func testConfig() *config.Config {
	return &config.Config{
		DBDriver:           "sqlite",
		DBPath:             "file:apptest?mode=memory&cache=shared",
		EnabledProviders:   "openalex, PubMed, arxiv",
		OpenAlexBaseURL:    "http://localhost",
		PubMedBaseURL:      "http://localhost",
		RateLimits:         map[string]string{"openalex": "10/1s"},
		RateLimitDefault:   "5/1s",
		RetryMaxAttempts:   3,
		HydrateMaxDepth:    2,
		HydrateMaxPerLevel: 25,
		HydrateDirection:   "both",
		HydrateProvider:    "openalex",
		RankScorer:         "fusion",
		SweepConcurrency:   2,
	}
}

func TestNewWiresEnabledProviders(t *testing.T) {
	a, err := New(testConfig(), zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	var names []string
	for _, p := range a.Providers {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"openalex", "pubmed"}, names)
	assert.Contains(t, a.Hydrator.Sources, "openalex")
	assert.Contains(t, a.Hydrator.Sources, "pubmed")
	assert.Nil(t, a.Store, "no bucket configured")
	assert.Nil(t, a.Fallback, "no unpaywall email configured")
	assert.NotNil(t, a.Throttle.Observe)
	assert.Len(t, a.Sweeps.Providers, 2)
}

func TestWireRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.DBPath = "file:apptest_bad?mode=memory&cache=shared"

	cfg.EnabledProviders = "arxiv"
	_, err := New(cfg, zap.NewNop(), nil)
	assert.Error(t, err)

	cfg.EnabledProviders = "openalex"
	cfg.RateLimitDefault = "fast"
	_, err = New(cfg, zap.NewNop(), nil)
	assert.Error(t, err)

	cfg.RateLimitDefault = "5/1s"
	cfg.RankScorer = "neural"
	_, err = New(cfg, zap.NewNop(), nil)
	assert.Error(t, err)
}
