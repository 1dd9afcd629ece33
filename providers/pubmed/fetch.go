package pubmed

import (
	"context"
	"encoding/xml"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"paper-graph/config"
	"paper-graph/models"
	"paper-graph/providers"
	"paper-graph/throttle"
)

var (
	pdfRegex = regexp.MustCompile(`href="([^"]+\.pdf)"`)
	tarRegex = regexp.MustCompile(`href="([^"]+\.tar\.gz)"`)
)

// Fetcher ist eine Struktur, die die Logik zur Interaktion mit PubMed kapselt.
type Fetcher struct {
	BaseURL   string
	OABaseURL string
	APIKey    string
	Email     string
	Tool      string
	PageSize  int
	Throttle  *throttle.Fetcher
	Client    *http.Client
	Logger    *zap.Logger
}

// NewFetcher erstellt eine neue Instanz des PubMed-Fetchers.
func NewFetcher(cfg *config.Config, th *throttle.Fetcher, client *http.Client, logger *zap.Logger) *Fetcher {
	pageSize := cfg.PubMedPageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Fetcher{
		BaseURL:   strings.TrimRight(cfg.PubMedBaseURL, "/"),
		OABaseURL: strings.TrimRight(cfg.PubMedOABaseURL, "/"),
		APIKey:    cfg.PubMedAPIKey,
		Email:     cfg.PubMedEmail,
		Tool:      cfg.PubMedTool,
		PageSize:  pageSize,
		Throttle:  th,
		Client:    client,
		Logger:    logger.With(zap.String("provider", "pubmed")),
	}
}

// Name gibt den Namen des Providers zurück.
func (f *Fetcher) Name() string {
	return "pubmed"
}

// buildTerm übersetzt eine QuerySpec in die PubMed-Suchsyntax.
func buildTerm(q providers.QuerySpec) string {
	var parts []string
	if kw := strings.TrimSpace(q.Keywords); kw != "" {
		parts = append(parts, "("+kw+")")
	}
	for _, a := range q.Authors {
		parts = append(parts, a+"[Author]")
	}
	if q.YearStart > 0 || q.YearEnd > 0 {
		start, end := q.YearStart, q.YearEnd
		if start <= 0 {
			start = 1900
		}
		if end <= 0 {
			end = 3000
		}
		parts = append(parts, fmt.Sprintf("%d:%d[dp]", start, end))
	}
	return strings.Join(parts, " AND ")
}

// Search führt eine vollständige Suche auf PubMed durch: pro Seite ESearch für
// die IDs, dann EFetch für die Details der ganzen Seite.
func (f *Fetcher) Search(ctx context.Context, q providers.QuerySpec) iter.Seq2[*models.Paper, error] {
	return func(yield func(*models.Paper, error) bool) {
		term := buildTerm(q)
		log := f.Logger.With(zap.String("term", term))
		log.Info("Starte PubMed ESearch für IDs.")

		limit := q.Limit()
		emitted := 0
		for offset := 0; emitted < limit; offset += f.PageSize {
			var esearch ESearchResponse
			searchURL := f.eutilsURL("esearch.fcgi", url.Values{
				"db":       {"pubmed"},
				"term":     {term},
				"retmode":  {"json"},
				"retmax":   {fmt.Sprint(min(f.PageSize, limit-emitted))},
				"retstart": {fmt.Sprint(offset)},
			})
			log.Debug("Rufe ESearch-URL auf", zap.String("url", searchURL))
			if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), searchURL, &esearch); err != nil {
				yield(nil, err)
				return
			}
			ids := esearch.ESearchResult.IdList
			if len(ids) == 0 {
				break
			}

			articles, err := f.efetch(ctx, ids)
			if err != nil {
				yield(nil, err)
				return
			}
			for i := range articles {
				if emitted >= limit {
					break
				}
				emitted++
				paper := f.mapArticleToModel(&articles[i])
				f.enrichFromOA(ctx, paper, articles[i].articleID("pmc"))
				if !yield(paper, nil) {
					return
				}
			}
			if len(ids) < f.PageSize {
				break
			}
		}
		log.Info("PubMed-Suche abgeschlossen", zap.Int("found_papers", emitted))
	}
}

// enrichFromOA holt Lizenz und Download-Link aus dem PMC OA Feed. Fehler
// werden nur geloggt, das Paper bleibt dann metadata-only.
func (f *Fetcher) enrichFromOA(ctx context.Context, paper *models.Paper, pmcID string) {
	if pmcID == "" {
		return
	}
	rec, err := f.getLinkFromOA(ctx, pmcID)
	if err != nil {
		f.Logger.Warn("Fehler beim Abruf des PMC OA Feeds", zap.String("pmcid", pmcID), zap.Error(err))
		return
	}
	if rec == nil {
		return
	}
	paper.LicenseRaw = rec.license
	paper.DownloadLink = rec.link
}

func (f *Fetcher) eutilsURL(endpoint string, params url.Values) string {
	if f.APIKey != "" {
		params.Set("api_key", f.APIKey)
	}
	if f.Email != "" {
		params.Set("email", f.Email)
	}
	if f.Tool != "" {
		params.Set("tool", f.Tool)
	}
	return fmt.Sprintf("%s/%s?%s", f.BaseURL, endpoint, params.Encode())
}

// efetch holt Metadaten für mehrere PMIDs in einem Aufruf.
func (f *Fetcher) efetch(ctx context.Context, pmids []string) ([]PubmedArticle, error) {
	efetchURL := f.eutilsURL("efetch.fcgi", url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(pmids, ",")},
		"retmode": {"xml"},
	})
	f.Logger.Debug("Rufe EFetch-URL für Metadaten auf", zap.String("url", efetchURL))

	resp, err := f.Throttle.Get(ctx, f.Client, f.Name(), efetchURL)
	if err != nil {
		return nil, err
	}
	var articleSet PubmedArticleSet
	if err := xml.Unmarshal(resp.Body, &articleSet); err != nil {
		return nil, throttle.MarkPermanent(fmt.Errorf("decode efetch: %w", err))
	}
	return articleSet.PubmedArticle, nil
}

type oaLink struct {
	link    string
	license string
}

// getLinkFromOA holt den besten Download-Link aus dem PMC OA Feed.
func (f *Fetcher) getLinkFromOA(ctx context.Context, pmcID string) (*oaLink, error) {
	oaURL := fmt.Sprintf("%s/oa/oa.fcgi?id=%s", f.OABaseURL, url.QueryEscape(pmcID))
	f.Logger.Debug("Rufe PMC OA Feed URL auf", zap.String("url", oaURL))

	resp, err := f.Throttle.Get(ctx, f.Client, f.Name(), oaURL)
	if err != nil {
		return nil, err
	}
	body := resp.Body

	var oaResponse OAResponse
	if err := xml.Unmarshal(body, &oaResponse); err != nil {
		f.Logger.Warn("XML-Parsing des OA-Feeds fehlgeschlagen, versuche Regex-Fallback", zap.Error(err))
	}

	if oaResponse.Error != "" {
		// Artikel ist nicht im OA-Subset, kein Fehler.
		f.Logger.Debug("OA feed returned error", zap.String("pmcid", pmcID), zap.String("error", oaResponse.Error))
		return nil, nil
	}

	var pdfLink, tarLink, license string
	if len(oaResponse.Records) > 0 {
		license = oaResponse.Records[0].License
		for _, link := range oaResponse.Records[0].Links {
			if strings.ToLower(link.Format) == "pdf" && link.Href != "" {
				pdfLink = link.Href
				break
			}
			if tarLink == "" && strings.ToLower(link.Format) == "tgz" && link.Href != "" {
				tarLink = link.Href
			}
		}
	}

	// Regex-Fallbacks
	if pdfLink == "" {
		if matches := pdfRegex.FindSubmatch(body); len(matches) > 1 {
			pdfLink = string(matches[1])
		}
	}
	if pdfLink == "" && tarLink == "" {
		if matches := tarRegex.FindSubmatch(body); len(matches) > 1 {
			tarLink = string(matches[1])
		}
	}

	finalLink := pdfLink
	if finalLink == "" {
		finalLink = tarLink
	}
	f.Logger.Debug("Link-Auswahl im OA-Feed", zap.String("pdf_link_found", pdfLink), zap.String("tar_link_found", tarLink), zap.String("selected_link", finalLink))

	return &oaLink{
		link:    providers.NormalizeURL(finalLink, "https://www.ncbi.nlm.nih.gov"),
		license: license,
	}, nil
}

// Lookup holt die Metadaten zu "pubmed:<pmid>" oder einer DOI.
func (f *Fetcher) Lookup(ctx context.Context, id string) (*models.Paper, error) {
	pmid, err := f.pmidFor(ctx, id)
	if err != nil {
		return nil, err
	}
	articles, err := f.efetch(ctx, []string{pmid})
	if err != nil {
		return nil, err
	}
	if len(articles) == 0 {
		return nil, throttle.MarkPermanent(fmt.Errorf("kein PubmedArticle in EFetch-Antwort für PMID %s gefunden", pmid))
	}
	return f.mapArticleToModel(&articles[0]), nil
}

func (f *Fetcher) pmidFor(ctx context.Context, id string) (string, error) {
	doi, source, ext := providers.ParseID(id)
	if source == f.Name() {
		return ext, nil
	}
	if doi == "" {
		return "", throttle.MarkPermanent(fmt.Errorf("pubmed kann %q nicht auflösen", id))
	}
	var esearch ESearchResponse
	u := f.eutilsURL("esearch.fcgi", url.Values{
		"db":      {"pubmed"},
		"term":    {doi + "[doi]"},
		"retmode": {"json"},
		"retmax":  {"1"},
	})
	if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), u, &esearch); err != nil {
		return "", err
	}
	if len(esearch.ESearchResult.IdList) == 0 {
		return "", throttle.MarkPermanent(fmt.Errorf("keine PMID für DOI %s", doi))
	}
	return esearch.ESearchResult.IdList[0], nil
}

// Neighbors nutzt ELink (pubmed_pubmed_refs bzw. pubmed_pubmed_citedin).
func (f *Fetcher) Neighbors(ctx context.Context, id string, dir providers.Direction) ([]string, error) {
	pmid, err := f.pmidFor(ctx, id)
	if err != nil {
		return nil, err
	}
	linkName := "pubmed_pubmed_refs"
	if dir == providers.CitedBy {
		linkName = "pubmed_pubmed_citedin"
	}
	var resp ELinkResponse
	u := f.eutilsURL("elink.fcgi", url.Values{
		"dbfrom":   {"pubmed"},
		"db":       {"pubmed"},
		"id":       {pmid},
		"linkname": {linkName},
		"retmode":  {"json"},
	})
	if err := f.Throttle.GetJSON(ctx, f.Client, f.Name(), u, &resp); err != nil {
		return nil, err
	}
	var out []string
	for _, ls := range resp.LinkSets {
		for _, db := range ls.LinkSetDBs {
			if db.LinkName != linkName {
				continue
			}
			for _, l := range db.Links {
				out = append(out, f.Name()+":"+l)
			}
		}
	}
	return out, nil
}

// mapArticleToModel wandelt ein XML-Article-Objekt in unser Paper-Modell um.
func (f *Fetcher) mapArticleToModel(article *PubmedArticle) *models.Paper {
	mc := article.MedlineCitation
	p := &models.Paper{
		Source:     f.Name(),
		ExternalID: models.StringPtr(strings.TrimSpace(mc.PMID)),
		Title:      strings.TrimSpace(mc.Article.Title),
		Abstract:   strings.Join(mc.Article.Abstract.Text, "\n"),
		Year:       article.year(),
		Venue:      mc.Article.Journal.Title,
		FetchedAt:  time.Now().UTC(),
		Provenance: "pubmed:search",
	}

	for _, author := range mc.Article.Authors {
		name := strings.TrimSpace(author.ForeName + " " + author.LastName)
		if name == "" {
			continue
		}
		p.Authors = append(p.Authors, name)
	}

	doi := article.articleID("doi")
	if doi == "" {
		for _, id := range mc.Article.ELocationID {
			if id.IDType == "doi" && id.ValidYN == "Y" {
				doi = id.Value
				break
			}
		}
	}
	p.DOI = models.StringPtr(providers.NormalizeDOI(doi))
	return p
}
