package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paper-graph/app"
	"paper-graph/config"
	"paper-graph/models"
)

func newTestServer(t *testing.T) (*app.App, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		DBDriver:           "sqlite",
		DBPath:             "file:" + t.Name() + "?mode=memory&cache=shared",
		APISecretKey:       "secret",
		EnabledProviders:   "openalex",
		OpenAlexBaseURL:    "http://127.0.0.1:1",
		RateLimitDefault:   "100/1s",
		RetryMaxAttempts:   1,
		HydrateMaxDepth:    2,
		HydrateMaxPerLevel: 25,
		HydrateDirection:   "both",
		HydrateProvider:    "openalex",
		RankScorer:         "fusion",
		SweepConcurrency:   1,
	}
	a, err := app.New(cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, setupRouter(a)
}

func do(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-KEY", "secret")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func store(t *testing.T, a *app.App, p *models.Paper) *models.Paper {
	t.Helper()
	require.NoError(t, a.Repo.Create(context.Background(), p))
	return p
}

func TestAPIKeyRequired(t *testing.T) {
	_, router := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/papers/1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetPaperHidesArtifactWithoutLicense(t *testing.T) {
	a, router := newTestServer(t)
	open := store(t, a, &models.Paper{
		Source: "openalex", ExternalID: models.StringPtr("W1"), Title: "Open",
		LicenseNormalized: "cc-by", ArtifactRef: models.StringPtr("s3://b/openalex/W1.pdf"),
	})
	closed := store(t, a, &models.Paper{
		Source: "openalex", ExternalID: models.StringPtr("W2"), Title: "Closed",
		LicenseNormalized: "unknown", ArtifactRef: models.StringPtr("s3://b/openalex/W2.pdf"),
	})

	w := do(router, http.MethodGet, "/papers/"+itoa(open.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Paper
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.ArtifactRef)
	assert.Equal(t, "s3://b/openalex/W1.pdf", *got.ArtifactRef)

	w = do(router, http.MethodGet, "/papers/"+itoa(closed.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	got = models.Paper{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Nil(t, got.ArtifactRef)

	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, "/papers/999", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/papers/abc", nil).Code)
}

func TestSearchRanksStoredPapers(t *testing.T) {
	a, router := newTestServer(t)
	store(t, a, &models.Paper{Source: "openalex", ExternalID: models.StringPtr("W1"),
		Title: "Unrelated", Abstract: "mentions graphs once"})
	store(t, a, &models.Paper{Source: "openalex", ExternalID: models.StringPtr("W2"),
		Title: "Citation graphs at scale", CitationCount: models.IntPtr(50)})
	store(t, a, &models.Paper{Source: "openalex", ExternalID: models.StringPtr("W3"),
		Title: "Cooking"})

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/search", nil).Code)

	w := do(router, http.MethodGet, "/search?q=citation+graphs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Total   int `json:"total"`
		Results []struct {
			Paper models.Paper `json:"paper"`
			Score float64      `json:"score"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "Citation graphs at scale", resp.Results[0].Paper.Title)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

type searchResponse struct {
	Total   int `json:"total"`
	Results []struct {
		Paper models.Paper `json:"paper"`
		Score float64      `json:"score"`
	} `json:"results"`
}

func TestSearchRanksBeyondOldestRows(t *testing.T) {
	a, router := newTestServer(t)
	for i := 0; i < 250; i++ {
		store(t, a, &models.Paper{Source: "openalex", ExternalID: models.StringPtr("old" + strconv.Itoa(i)),
			Title: "Unrelated", Abstract: "mentions graphs once"})
	}
	store(t, a, &models.Paper{Source: "openalex", ExternalID: models.StringPtr("W-new"),
		Title: "Citation graphs at scale", CitationCount: models.IntPtr(5000)})

	w := do(router, http.MethodGet, "/search?q=citation+graphs&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp searchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 251, resp.Total)
	require.Len(t, resp.Results, 5)
	assert.Equal(t, "Citation graphs at scale", resp.Results[0].Paper.Title)
}

func TestSearchFiltersByAuthorAndSorts(t *testing.T) {
	a, router := newTestServer(t)
	store(t, a, &models.Paper{Source: "openalex", ExternalID: models.StringPtr("W1"), Title: "Graphs of citations",
		Authors: []string{"Ada Lovelace"}, Year: models.IntPtr(2001), CitationCount: models.IntPtr(900)})
	store(t, a, &models.Paper{Source: "openalex", ExternalID: models.StringPtr("W2"), Title: "Graphs revisited",
		Authors: []string{"Ada Lovelace", "Grace Hopper"}, Year: models.IntPtr(2024)})
	store(t, a, &models.Paper{Source: "openalex", ExternalID: models.StringPtr("W3"), Title: "Graphs elsewhere",
		Authors: []string{"Alan Turing"}, Year: models.IntPtr(2023)})

	w := do(router, http.MethodGet, "/search?q=graphs&author=lovelace&sort=recency", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp searchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "Graphs revisited", resp.Results[0].Paper.Title)
	assert.Equal(t, "Graphs of citations", resp.Results[1].Paper.Title)

	w = do(router, http.MethodGet, "/search?q=graphs&sort=citations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = searchResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "Graphs of citations", resp.Results[0].Paper.Title)

	assert.Equal(t, http.StatusBadRequest, do(router, http.MethodGet, "/search?q=graphs&sort=random", nil).Code)
}

func TestHydrateValidatesOptions(t *testing.T) {
	_, router := newTestServer(t)

	w := do(router, http.MethodPost, "/hydrate", map[string]any{"seeds": []string{"10.1/x"}, "depth": 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/hydrate", map[string]any{"seeds": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/hydrate", map[string]any{"seeds": []string{"10.1/x"}, "provider": "crossref"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestRunRejectsUnknownProvider(t *testing.T) {
	_, router := newTestServer(t)

	w := do(router, http.MethodPost, "/ingest/run", map[string]any{"source": "arxiv", "query": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/ingest/run", map[string]any{"source": "openalex"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaperLinksByDOI(t *testing.T) {
	a, router := newTestServer(t)
	require.NoError(t, a.Repo.UpsertLink(context.Background(), &models.PaperLink{
		SourceKey: "10.1/a", TargetKey: "10.1/b", Provider: "openalex",
	}))

	w := do(router, http.MethodGet, "/graph/paper-links/by-doi/doi:10.1/A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var links []models.PaperLink
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &links))
	require.Len(t, links, 1)
	assert.Equal(t, "10.1/b", links[0].TargetKey)

	w = do(router, http.MethodGet, "/graph/paper-links/by-doi/10.1/b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	links = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &links))
	assert.Len(t, links, 1)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
