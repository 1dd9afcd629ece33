package europepmc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paper-graph/config"
	"paper-graph/models"
	"paper-graph/providers"
	"paper-graph/throttle"
)

func newTestFetcher(t *testing.T, h http.HandlerFunc) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	th := throttle.New(throttle.Options{
		Default:     config.Budget{Max: 1000, Window: time.Second},
		MaxAttempts: 1,
	}, nil)
	return NewFetcher(&config.Config{EuropePMCBaseURL: srv.URL + "/"}, th, srv.Client(), zap.NewNop())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func results(cursor string, articles ...map[string]any) map[string]any {
	return map[string]any{
		"hitCount":       len(articles),
		"nextCursorMark": cursor,
		"resultList":     map[string]any{"result": articles},
	}
}

func TestSearchMapsArticlesAcrossPages(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, `(graphs) AND AUTH:"Curie"`, q.Get("query"))
		switch q.Get("cursorMark") {
		case "*":
			writeJSON(w, results("c2", map[string]any{
				"id": "123", "doi": "10.1/ONE", "title": " One ", "pubYear": "2020",
				"journalInfo": map[string]any{"journal": map[string]any{"title": "J Graphs"}},
				"authorList": map[string]any{"author": []any{
					map[string]any{"firstName": "Marie", "lastName": "Curie"},
					map[string]any{"fullName": "Consortium X"},
				}},
				"license":      "cc by",
				"citedByCount": 7,
				"fullTextUrlList": map[string]any{"fullTextUrl": []any{
					map[string]any{"documentStyle": "html", "availabilityCode": "OA", "url": "https://example.org/one"},
					map[string]any{"documentStyle": "pdf", "availabilityCode": "OA", "url": "https://example.org/one.pdf"},
				}},
			}))
		case "c2":
			writeJSON(w, results("c2", map[string]any{
				"id": "PMC456", "pmcid": "PMC456", "isOpenAccess": "Y", "title": "Two", "journalTitle": "Short J",
			}))
		default:
			t.Errorf("unexpected cursor %q", q.Get("cursorMark"))
		}
	})

	var got []*models.Paper
	for p, err := range f.Search(context.Background(), providers.QuerySpec{Keywords: "graphs", Authors: []string{"Curie"}, MaxResults: 10}) {
		require.NoError(t, err)
		got = append(got, p)
	}
	require.Len(t, got, 2)

	one := got[0]
	assert.Equal(t, "123", one.ExternalIDValue())
	assert.Equal(t, "10.1/one", one.DOIValue())
	assert.Equal(t, "One", one.Title)
	assert.Equal(t, "J Graphs", one.Venue)
	assert.Equal(t, []string{"Marie Curie", "Consortium X"}, []string(one.Authors))
	assert.Equal(t, "https://example.org/one.pdf", one.DownloadLink)
	require.NotNil(t, one.CitationCount)
	assert.Equal(t, 7, *one.CitationCount)

	two := got[1]
	assert.Equal(t, "Short J", two.Venue)
	assert.Equal(t, "https://europepmc.org/articles/PMC456?pdf=render", two.DownloadLink)
}

func TestNeighborsReferencesOfNativeID(t *testing.T) {
	var requests atomic.Int32
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/MED/123/references" {
			t.Errorf("unexpected request %s", r.URL)
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"referenceList": map[string]any{"reference": []any{
			map[string]any{"id": "R1", "source": "MED", "doi": "10.1/R1"},
			map[string]any{"id": "R2", "source": "MED"},
			map[string]any{"source": "MED"},
		}}})
	})
	var budgeted atomic.Int32
	f.Throttle.Observe = func(string, string) { budgeted.Add(1) }

	ids, err := f.Neighbors(context.Background(), "europepmc:123", providers.Cites)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1/r1", "europepmc:R2"}, ids)
	assert.Equal(t, int32(1), requests.Load())
	assert.Equal(t, requests.Load(), budgeted.Load())
}

func TestNeighborsCitationsResolvesDOIFirst(t *testing.T) {
	var requests atomic.Int32
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		switch r.URL.Path {
		case "/search":
			assert.Equal(t, `DOI:"10.1/seed"`, r.URL.Query().Get("query"))
			writeJSON(w, results("", map[string]any{"id": "PMC456", "title": "Seed"}))
		case "/PMC/PMC456/citations":
			writeJSON(w, map[string]any{"citationList": map[string]any{"citation": []any{
				map[string]any{"id": "9", "source": "MED"},
			}}})
		default:
			t.Errorf("unexpected request %s", r.URL)
			http.NotFound(w, r)
		}
	})
	var budgeted atomic.Int32
	f.Throttle.Observe = func(string, string) { budgeted.Add(1) }

	ids, err := f.Neighbors(context.Background(), "doi:10.1/SEED", providers.CitedBy)
	require.NoError(t, err)
	assert.Equal(t, []string{"europepmc:9"}, ids)
	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, requests.Load(), budgeted.Load())
}

func TestLookupNotFoundIsPermanent(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, results(""))
	})

	_, err := f.Lookup(context.Background(), "10.1/missing")
	require.Error(t, err)
	kind, _ := throttle.Classify(err)
	assert.Equal(t, throttle.Permanent, kind)

	_, err = f.Lookup(context.Background(), "openalex:W1")
	require.Error(t, err)
	kind, _ = throttle.Classify(err)
	assert.Equal(t, throttle.Permanent, kind)
}

func TestArticleSource(t *testing.T) {
	assert.Equal(t, "PMC", articleSource("pmc123"))
	assert.Equal(t, "PPR", articleSource("PPR55"))
	assert.Equal(t, "MED", articleSource("123"))
}
