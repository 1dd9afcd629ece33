package providers

import (
	"context"
	"iter"

	"paper-graph/models"
)

// QuerySpec beschreibt eine Provider-Suche. Dieselbe QuerySpec liefert bei
// erneutem Aufruf dieselbe (endliche) Sequenz.
type QuerySpec struct {
	Keywords   string
	Authors    []string
	YearStart  int
	YearEnd    int
	MaxResults int
}

// Limit gibt MaxResults oder einen Standardwert zurück.
func (q QuerySpec) Limit() int {
	if q.MaxResults <= 0 {
		return 10
	}
	return q.MaxResults
}

// Provider ist das Interface, das jeder Such-Provider (z.B. OpenAlex, PubMed) implementieren muss.
type Provider interface {
	// Name gibt den eindeutigen Namen des Providers zurück (z.B. "pubmed").
	Name() string

	// Search liefert normalisierte Paper-Modelle als lazy Sequenz. Ein Fehler
	// beendet die Sequenz nicht zwingend; einzelne kaputte Einträge kommen als
	// (nil, err).
	Search(ctx context.Context, q QuerySpec) iter.Seq2[*models.Paper, error]
}

// ArtifactFetcher ist optional: lädt den Volltext (PDF) zu einem Paper.
// (nil, nil) heißt: kein Artefakt verfügbar.
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, p *models.Paper) ([]byte, error)
}

// Direction ist die Richtung der Zitationsbeziehung.
type Direction string

const (
	Cites   Direction = "cites"
	CitedBy Direction = "cited_by"
)

// NeighborLister ist optional: liefert Identifier zitierter bzw. zitierender
// Arbeiten ("10.x/..." oder "source:id").
type NeighborLister interface {
	Neighbors(ctx context.Context, id string, dir Direction) ([]string, error)
}

// Resolver ist optional: lädt Metadaten zu einem einzelnen Identifier.
type Resolver interface {
	Lookup(ctx context.Context, id string) (*models.Paper, error)
}
