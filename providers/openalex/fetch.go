package openalex

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"paper-graph/config"
	"paper-graph/models"
	"paper-graph/providers"
	"paper-graph/throttle"
)

const (
	// maxPerPage ist das Seitenlimit der OpenAlex API.
	maxPerPage = 200
	// batchSize begrenzt die Anzahl Work-IDs pro Filter-Abfrage.
	batchSize = 50
)

// Fetcher implementiert Provider, NeighborLister und Resolver für OpenAlex.
// Artefakte lädt der generische Downloader über DownloadLink.
type Fetcher struct {
	BaseURL  string
	Mailto   string
	Throttle *throttle.Fetcher
	Client   *http.Client
	Logger   *zap.Logger
}

// NewFetcher erstellt einen neuen OpenAlex Fetcher.
func NewFetcher(cfg *config.Config, th *throttle.Fetcher, client *http.Client, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		BaseURL:  strings.TrimRight(cfg.OpenAlexBaseURL, "/"),
		Mailto:   cfg.OpenAlexMailto,
		Throttle: th,
		Client:   client,
		Logger:   logger.With(zap.String("provider", "openalex")),
	}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "openalex"
}

// Search führt die Suche mit Cursor-Paginierung aus, bis MaxResults erreicht ist.
func (f *Fetcher) Search(ctx context.Context, q providers.QuerySpec) iter.Seq2[*models.Paper, error] {
	return func(yield func(*models.Paper, error) bool) {
		limit := q.Limit()
		cursor := "*"
		emitted := 0
		log := f.Logger.With(zap.String("query", q.Keywords))
		log.Info("Starte Suche auf OpenAlex.")

		for cursor != "" && emitted < limit {
			searchURL := f.searchURL(q, min(limit-emitted, maxPerPage), cursor)
			log.Debug("Rufe OpenAlex API auf", zap.String("url", searchURL))

			var page ListResponse
			if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), searchURL, &page); err != nil {
				yield(nil, err)
				return
			}
			if len(page.Results) == 0 {
				break
			}
			for i := range page.Results {
				if emitted >= limit {
					break
				}
				emitted++
				if !yield(f.mapWork(&page.Results[i]), nil) {
					return
				}
			}
			cursor = ""
			if page.Meta.NextCursor != nil {
				cursor = *page.Meta.NextCursor
			}
		}
		log.Info("Suche auf OpenAlex abgeschlossen", zap.Int("found_papers", emitted))
	}
}

func (f *Fetcher) searchURL(q providers.QuerySpec, perPage int, cursor string) string {
	params := url.Values{}
	if q.Keywords != "" {
		params.Set("search", q.Keywords)
	}
	params.Set("per-page", fmt.Sprint(perPage))
	params.Set("cursor", cursor)

	var filters []string
	if len(q.Authors) > 0 {
		filters = append(filters, "raw_author_name.search:"+strings.Join(q.Authors, " "))
	}
	if q.YearStart > 0 {
		filters = append(filters, fmt.Sprintf("from_publication_date:%d-01-01", q.YearStart))
	}
	if q.YearEnd > 0 {
		filters = append(filters, fmt.Sprintf("to_publication_date:%d-12-31", q.YearEnd))
	}
	if len(filters) > 0 {
		params.Set("filter", strings.Join(filters, ","))
	}
	return f.withMailto(f.BaseURL+"/works", params)
}

func (f *Fetcher) withMailto(base string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	if f.Mailto != "" {
		params.Set("mailto", f.Mailto)
	}
	if len(params) == 0 {
		return base
	}
	return base + "?" + params.Encode()
}

// workURL baut die URL für eine einzelne Arbeit aus DOI oder "openalex:W…".
func (f *Fetcher) workURL(id string) (string, error) {
	doi, source, ext := providers.ParseID(id)
	switch {
	case doi != "":
		return f.withMailto(f.BaseURL+"/works/doi:"+doi, nil), nil
	case source == f.Name():
		return f.withMailto(f.BaseURL+"/works/"+url.PathEscape(ext), nil), nil
	default:
		return "", throttle.MarkPermanent(fmt.Errorf("openalex kann %q nicht auflösen", id))
	}
}

func (f *Fetcher) getWork(ctx context.Context, id string) (*Work, error) {
	u, err := f.workURL(id)
	if err != nil {
		return nil, err
	}
	var w Work
	if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), u, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Lookup holt die Metadaten zu einem Identifier.
func (f *Fetcher) Lookup(ctx context.Context, id string) (*models.Paper, error) {
	w, err := f.getWork(ctx, id)
	if err != nil {
		return nil, err
	}
	return f.mapWork(w), nil
}

// Neighbors liefert zitierte (Cites) bzw. zitierende (CitedBy) Arbeiten. Wo
// vorhanden, wird die DOI als Identifier geliefert, sonst "openalex:W…".
func (f *Fetcher) Neighbors(ctx context.Context, id string, dir providers.Direction) ([]string, error) {
	w, err := f.getWork(ctx, id)
	if err != nil {
		return nil, err
	}
	wid := shortID(w.ID)

	switch dir {
	case providers.Cites:
		refs := make([]string, 0, len(w.ReferencedWorks))
		for _, r := range w.ReferencedWorks {
			refs = append(refs, shortID(r))
		}
		return f.resolveIDs(ctx, refs)
	case providers.CitedBy:
		params := url.Values{}
		params.Set("filter", "cites:"+wid)
		params.Set("select", "id,doi")
		params.Set("per-page", fmt.Sprint(maxPerPage))
		var page ListResponse
		if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), f.withMailto(f.BaseURL+"/works", params), &page); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(page.Results))
		for _, r := range page.Results {
			out = append(out, f.identifier(&r))
		}
		return out, nil
	default:
		return nil, throttle.MarkPermanent(fmt.Errorf("unbekannte Richtung %q", dir))
	}
}

// resolveIDs übersetzt Work-IDs stapelweise in Identifier, Reihenfolge bleibt erhalten.
func (f *Fetcher) resolveIDs(ctx context.Context, ids []string) ([]string, error) {
	byID := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		params := url.Values{}
		params.Set("filter", "openalex:"+strings.Join(ids[start:end], "|"))
		params.Set("select", "id,doi")
		params.Set("per-page", fmt.Sprint(batchSize))
		var page ListResponse
		if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), f.withMailto(f.BaseURL+"/works", params), &page); err != nil {
			return nil, err
		}
		for _, r := range page.Results {
			byID[shortID(r.ID)] = f.identifier(&r)
		}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out = append(out, v)
		} else {
			out = append(out, f.Name()+":"+id)
		}
	}
	return out, nil
}

func (f *Fetcher) identifier(w *Work) string {
	return providers.CanonicalID(w.DOI, f.Name(), shortID(w.ID))
}

// mapWork konvertiert ein OpenAlex Work-Objekt in unser internes Paper-Modell.
func (f *Fetcher) mapWork(w *Work) *models.Paper {
	title := w.Title
	if title == "" {
		title = w.DisplayName
	}
	p := &models.Paper{
		Source:        f.Name(),
		ExternalID:    models.StringPtr(shortID(w.ID)),
		DOI:           models.StringPtr(providers.NormalizeDOI(w.DOI)),
		Title:         title,
		Abstract:      abstractText(w.AbstractInvertedIndex),
		CitationCount: w.CitedByCount,
		FetchedAt:     time.Now().UTC(),
		Provenance:    "openalex:search",
	}
	for _, a := range w.Authorships {
		if a.Author.DisplayName != "" {
			p.Authors = append(p.Authors, a.Author.DisplayName)
		}
	}
	if w.PublicationYear > 0 {
		p.Year = models.IntPtr(w.PublicationYear)
	}
	if w.PrimaryLocation != nil {
		if w.PrimaryLocation.Source != nil {
			p.Venue = w.PrimaryLocation.Source.DisplayName
		}
		p.LicenseRaw = w.PrimaryLocation.License
	}
	if loc := w.BestOALocation; loc != nil {
		if p.LicenseRaw == "" {
			p.LicenseRaw = loc.License
		}
		p.DownloadLink = loc.PDFURL
	}
	return p
}
