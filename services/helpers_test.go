package services

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"paper-graph/config"
	"paper-graph/models"
	"paper-graph/providers"
	"paper-graph/storage"
	"paper-graph/throttle"
)

func newTestRepo(t *testing.T) *storage.PaperRepository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := storage.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return storage.NewPaperRepository(db)
}

func newTestThrottle() *throttle.Fetcher {
	return throttle.New(throttle.Options{
		Default:     config.Budget{Max: 1000, Window: time.Second},
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}, zap.NewNop())
}

func newTestOrchestrator(t *testing.T, store storage.ArtifactStore) *Orchestrator {
	t.Helper()
	return NewOrchestrator(newTestRepo(t), store, newTestThrottle(), NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

// memStore ist ein ArtifactStore im Speicher.
type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{files: map[string][]byte{}}
}

func (m *memStore) Put(_ context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = data
	return "mem://" + key, nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// artifactFunc passt eine Funktion an providers.ArtifactFetcher an.
type artifactFunc func(ctx context.Context, p *models.Paper) ([]byte, error)

func (f artifactFunc) FetchArtifact(ctx context.Context, p *models.Paper) ([]byte, error) {
	return f(ctx, p)
}

// seqOf liefert die Kandidaten als lazy Sequenz.
func seqOf(papers ...*models.Paper) iter.Seq2[*models.Paper, error] {
	return func(yield func(*models.Paper, error) bool) {
		for _, p := range papers {
			if !yield(p, nil) {
				return
			}
		}
	}
}

// fakeProvider ist ein Such-Provider mit festen Treffern.
type fakeProvider struct {
	name    string
	papers  []*models.Paper
	queries []providers.QuerySpec
	mu      sync.Mutex
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(_ context.Context, q providers.QuerySpec) iter.Seq2[*models.Paper, error] {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return func(yield func(*models.Paper, error) bool) {
		for i, p := range f.papers {
			if i >= q.Limit() {
				return
			}
			cp := *p
			if !yield(&cp, nil) {
				return
			}
		}
	}
}

func paper(source, ext, doi, title string, authors ...string) *models.Paper {
	return &models.Paper{
		Source:     source,
		ExternalID: models.StringPtr(ext),
		DOI:        models.StringPtr(doi),
		Title:      title,
		Authors:    authors,
	}
}
