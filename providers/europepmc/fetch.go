package europepmc

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

const maxPageSize = 1000

// Fetcher implementiert das Provider-Interface für Europe PMC.
type Fetcher struct {
	BaseURL  string
	Throttle *throttle.Fetcher
	Client   *http.Client
	Logger   *zap.Logger
}

// NewFetcher erstellt einen neuen Europe PMC Fetcher.
func NewFetcher(cfg *config.Config, th *throttle.Fetcher, client *http.Client, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		BaseURL:  strings.TrimRight(cfg.EuropePMCBaseURL, "/"),
		Throttle: th,
		Client:   client,
		Logger:   logger.With(zap.String("provider", "europepmc")),
	}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "europepmc"
}

// buildQuery übersetzt eine QuerySpec in die Europe-PMC-Suchsyntax.
func buildQuery(q providers.QuerySpec) string {
	var parts []string
	if kw := strings.TrimSpace(q.Keywords); kw != "" {
		parts = append(parts, "("+kw+")")
	}
	for _, a := range q.Authors {
		parts = append(parts, fmt.Sprintf("AUTH:%q", a))
	}
	if q.YearStart > 0 || q.YearEnd > 0 {
		start, end := q.YearStart, q.YearEnd
		if start <= 0 {
			start = 1900
		}
		if end <= 0 {
			end = 2100
		}
		parts = append(parts, fmt.Sprintf("PUB_YEAR:[%d TO %d]", start, end))
	}
	return strings.Join(parts, " AND ")
}

// Search führt die Suche auf Europe PMC aus (Cursor-Paginierung).
func (f *Fetcher) Search(ctx context.Context, q providers.QuerySpec) iter.Seq2[*models.Paper, error] {
	return func(yield func(*models.Paper, error) bool) {
		query := buildQuery(q)
		log := f.Logger.With(zap.String("term", query))
		log.Info("Starte Suche auf Europe PMC.")

		limit := q.Limit()
		cursor := "*"
		emitted := 0
		for emitted < limit {
			params := url.Values{}
			params.Set("query", query)
			params.Set("format", "json")
			params.Set("resultType", "core")
			params.Set("pageSize", fmt.Sprint(min(limit-emitted, maxPageSize)))
			params.Set("cursorMark", cursor)
			searchURL := f.BaseURL + "/search?" + params.Encode()
			log.Debug("Rufe Europe PMC API auf", zap.String("url", searchURL))

			var resp SearchResponse
			if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), searchURL, &resp); err != nil {
				yield(nil, err)
				return
			}
			results := resp.ResultList.Result
			if len(results) == 0 {
				break
			}
			for i := range results {
				if emitted >= limit {
					break
				}
				emitted++
				if !yield(f.mapArticleToModel(&results[i]), nil) {
					return
				}
			}
			if resp.NextCursorMark == "" || resp.NextCursorMark == cursor {
				break
			}
			cursor = resp.NextCursorMark
		}
		log.Info("Suche auf Europe PMC abgeschlossen", zap.Int("found_papers", emitted))
	}
}

// Lookup holt die Metadaten zu einer DOI oder "europepmc:<id>".
func (f *Fetcher) Lookup(ctx context.Context, id string) (*models.Paper, error) {
	doi, source, ext := providers.ParseID(id)
	var query string
	switch {
	case doi != "":
		query = fmt.Sprintf("DOI:%q", doi)
	case source == f.Name():
		query = fmt.Sprintf("EXT_ID:%s AND SRC:%s", ext, articleSource(ext))
	default:
		return nil, throttle.MarkPermanent(fmt.Errorf("europepmc kann %q nicht auflösen", id))
	}
	params := url.Values{}
	params.Set("query", query)
	params.Set("format", "json")
	params.Set("resultType", "core")
	params.Set("pageSize", "1")

	var resp SearchResponse
	if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), f.BaseURL+"/search?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.ResultList.Result) == 0 {
		return nil, throttle.MarkPermanent(fmt.Errorf("europepmc: %s nicht gefunden", id))
	}
	return f.mapArticleToModel(&resp.ResultList.Result[0]), nil
}

// Neighbors nutzt die Referenz- und Zitationslisten von Europe PMC.
func (f *Fetcher) Neighbors(ctx context.Context, id string, dir providers.Direction) ([]string, error) {
	_, source, ext := providers.ParseID(id)
	if source != f.Name() {
		p, err := f.Lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		ext = p.ExternalIDValue()
	}
	base := fmt.Sprintf("%s/%s/%s", f.BaseURL, articleSource(ext), url.PathEscape(ext))

	var refs []Ref
	switch dir {
	case providers.Cites:
		var resp ReferencesResponse
		if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), base+"/references?format=json&pageSize=1000", &resp); err != nil {
			return nil, err
		}
		refs = resp.ReferenceList.Reference
	case providers.CitedBy:
		var resp CitationsResponse
		if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), base+"/citations?format=json&pageSize=1000", &resp); err != nil {
			return nil, err
		}
		refs = resp.CitationList.Citation
	default:
		return nil, throttle.MarkPermanent(fmt.Errorf("unbekannte Richtung %q", dir))
	}

	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if cid := providers.CanonicalID(r.DOI, f.Name(), r.ID); cid != "" {
			out = append(out, cid)
		}
	}
	return out, nil
}

// mapArticleToModel konvertiert ein Europe PMC Article-Objekt in unser internes Paper-Modell.
func (f *Fetcher) mapArticleToModel(article *Article) *models.Paper {
	paper := &models.Paper{
		Source:        f.Name(),
		ExternalID:    models.StringPtr(article.ID),
		DOI:           models.StringPtr(providers.NormalizeDOI(article.DOI)),
		Title:         strings.TrimSpace(article.Title),
		Abstract:      article.AbstractText,
		Year:          parseYear(article.PubYear),
		Venue:         article.JournalInfo.Journal.Title,
		LicenseRaw:    article.License,
		CitationCount: article.CitedByCount,
		FetchedAt:     time.Now().UTC(),
		Provenance:    "europepmc:search",
	}
	if paper.Venue == "" {
		paper.Venue = article.JournalTitle
	}

	for _, a := range article.AuthorList.Author {
		switch {
		case a.FirstName != "" && a.LastName != "":
			paper.Authors = append(paper.Authors, a.FirstName+" "+a.LastName)
		case a.FullName != "":
			paper.Authors = append(paper.Authors, a.FullName)
		}
	}

	// Finde den besten PDF-Link
	for _, u := range article.FullTextURLList.FullTextURL {
		if u.DocumentStyle == "pdf" && u.AvailabilityCode == "OA" {
			paper.DownloadLink = u.URL
			break
		}
	}
	if paper.DownloadLink == "" && article.PMCID != "" && article.IsOpenAccess == "Y" {
		paper.DownloadLink = fmt.Sprintf("https://europepmc.org/articles/%s?pdf=render", article.PMCID)
	}

	return paper
}
