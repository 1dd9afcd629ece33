package unpaywall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"paper-graph/config"
	"paper-graph/providers"
	"paper-graph/throttle"
)

// ErrNotConfigured wird geliefert, wenn keine Unpaywall-E-Mail gesetzt ist.
var ErrNotConfigured = errors.New("unpaywall email ist nicht konfiguriert")

// Response repräsentiert die JSON-Antwort der Unpaywall-API.
type Response struct {
	BestOALocation *struct {
		URLForPDF string `json:"url_for_pdf"`
		License   string `json:"license"`
	} `json:"best_oa_location"`
}

// Fetcher kapselt die Logik für Unpaywall.
type Fetcher struct {
	BaseURL string
	Email   string
	Client  *http.Client
	Logger  *zap.Logger
}

// NewFetcher erstellt einen neuen Unpaywall-Fetcher.
func NewFetcher(cfg *config.Config, client *http.Client, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		BaseURL: strings.TrimRight(cfg.UnpaywallBaseURL, "/"),
		Email:   cfg.UnpaywallEmail,
		Client:  client,
		Logger:  logger.With(zap.String("provider", "unpaywall")),
	}
}

// Name gibt den Budget-Namen zurück.
func (f *Fetcher) Name() string {
	return "unpaywall"
}

// Locate holt einen freien PDF-Link und die Lizenz via Unpaywall anhand der DOI.
// Ein leerer Link ohne Fehler heißt: keine OA-Version bekannt.
func (f *Fetcher) Locate(ctx context.Context, doi string) (link, license string, err error) {
	if f.Email == "" {
		return "", "", throttle.MarkPermanent(ErrNotConfigured)
	}
	doi = providers.NormalizeDOI(doi)
	u := fmt.Sprintf("%s/%s?email=%s", f.BaseURL, doi, url.QueryEscape(f.Email))
	log := f.Logger.With(zap.String("doi", doi))
	log.Debug("Rufe Unpaywall API auf.")

	var ur Response
	if err := throttle.GetJSON(ctx, f.Client, u, &ur); err != nil {
		var se *throttle.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return "", "", nil
		}
		return "", "", err
	}

	if ur.BestOALocation != nil && ur.BestOALocation.URLForPDF != "" {
		log.Info("PDF-Link über Unpaywall gefunden.")
		return ur.BestOALocation.URLForPDF, ur.BestOALocation.License, nil
	}

	log.Debug("Kein PDF-Link in Unpaywall-Antwort gefunden.")
	return "", "", nil
}
