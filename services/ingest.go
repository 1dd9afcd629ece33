package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"paper-graph/models"
	"paper-graph/providers"
	"paper-graph/storage"
	"paper-graph/throttle"
)

// Budget-Namen für Aufrufe, die keinem Such-Provider gehören.
const (
	SourceArtifacts     = "artifacts"
	SourceArtifactStore = "artifact-store"
)

// ErrMalformedRecord markiert Kandidaten ohne Titel bzw. ohne Identität.
var ErrMalformedRecord = errors.New("malformed record")

// Tally ist das Ergebnis eines Ingestion-Laufs. Stored zählt nur neu angelegte Zeilen.
type Tally struct {
	Stored  int `json:"stored"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Add addiert o auf t.
func (t *Tally) Add(o Tally) {
	t.Stored += o.Stored
	t.Skipped += o.Skipped
	t.Errors += o.Errors
}

// LinkLocator findet einen freien Volltext-Link zu einer DOI (z.B. Unpaywall).
type LinkLocator interface {
	Name() string
	Locate(ctx context.Context, doi string) (link, license string, err error)
}

// Policy steuert einen Ingestion-Lauf.
type Policy struct {
	// Artifacts lädt Volltexte; nil heißt metadata-only.
	Artifacts providers.ArtifactFetcher
	// Fallback liefert Download-Links, wenn der Provider keinen kennt.
	Fallback LinkLocator
	// Provenance wird bei Kandidaten ohne eigene Herkunft gesetzt.
	Provenance string
}

// Outcome beschreibt, was mit einem einzelnen Kandidaten passiert ist.
type Outcome struct {
	Paper    *models.Paper
	Decision Decision
	Tier     string
	Created  bool
	Enriched bool
	Absorbed []uint
	Artifact bool
}

// Orchestrator kümmert sich um die Ingestion: Identität, Merge, Lizenz und
// Artefakt. Downloader lädt den DownloadLink für Provider ohne eigenen
// ArtifactFetcher.
type Orchestrator struct {
	Repo       *storage.PaperRepository
	Store      storage.ArtifactStore
	Throttle   *throttle.Fetcher
	Downloader providers.ArtifactFetcher
	Metrics    *Metrics
	Logger     *zap.Logger
}

// NewOrchestrator erstellt einen Orchestrator. store darf nil sein (keine Artefakte).
func NewOrchestrator(repo *storage.PaperRepository, store storage.ArtifactStore, th *throttle.Fetcher, metrics *Metrics, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{Repo: repo, Store: store, Throttle: th, Metrics: metrics, Logger: logger}
}

// ArtifactsFor liefert den ArtifactFetcher des Providers oder den Downloader.
func (o *Orchestrator) ArtifactsFor(p any) providers.ArtifactFetcher {
	if af, ok := p.(providers.ArtifactFetcher); ok {
		return af
	}
	return o.Downloader
}

// Ingest verarbeitet die Kandidaten der Reihe nach. Fehler einzelner Kandidaten
// werden gezählt und geloggt, der Lauf geht weiter. Ein abgebrochener ctx
// beendet den Lauf vor dem nächsten Kandidaten.
func (o *Orchestrator) Ingest(ctx context.Context, records iter.Seq2[*models.Paper, error], policy Policy) Tally {
	var t Tally
	for cand, err := range records {
		if err != nil {
			t.Errors++
			o.Metrics.ingested(outcomeError)
			o.Logger.Warn("Provider-Fehler beim Lesen der Kandidaten", zap.String("provenance", policy.Provenance), zap.Error(err))
		} else {
			out, err := o.IngestOne(ctx, cand, policy)
			t.Add(tallyFor(out, err))
		}
		if ctx.Err() != nil {
			o.Logger.Info("Ingestion abgebrochen", zap.Error(ctx.Err()))
			break
		}
	}
	o.Logger.Info("Ingestion abgeschlossen",
		zap.String("provenance", policy.Provenance),
		zap.Int("stored", t.Stored), zap.Int("skipped", t.Skipped), zap.Int("errors", t.Errors))
	return t
}

func tallyFor(out *Outcome, err error) Tally {
	var t Tally
	if out != nil {
		if out.Created {
			t.Stored++
		} else {
			t.Skipped++
		}
	}
	if err != nil {
		t.Errors++
	}
	return t
}

// IngestOne verarbeitet einen Kandidaten. Auch bei einem Fehler kann ein
// Outcome zurückkommen: die Metadaten sind dann gespeichert, nur das
// Artefakt ist transient fehlgeschlagen.
func (o *Orchestrator) IngestOne(ctx context.Context, cand *models.Paper, policy Policy) (*Outcome, error) {
	log := o.Logger
	if cand != nil {
		log = log.With(zap.String("source", cand.Source), zap.String("external_id", cand.ExternalIDValue()), zap.String("doi", cand.DOIValue()))
	}
	if err := validate(cand); err != nil {
		o.Metrics.ingested(outcomeError)
		log.Warn("Kandidat verworfen", zap.Error(err))
		return nil, err
	}
	if cand.Provenance == "" {
		cand.Provenance = policy.Provenance
	}
	if cand.FetchedAt.IsZero() {
		cand.FetchedAt = time.Now().UTC()
	}

	out, err := o.persist(ctx, cand)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Ein paralleler Schreiber war schneller; jetzt sehen wir seine Zeile.
		log.Debug("Identitätskonflikt, neuer Versuch", zap.Error(err))
		out, err = o.persist(ctx, cand)
	}
	if err != nil {
		o.Metrics.ingested(outcomeError)
		log.Warn("Kandidat konnte nicht gespeichert werden", zap.Error(err))
		return nil, err
	}
	if out.Created {
		o.Metrics.ingested(outcomeStored)
	} else {
		o.Metrics.ingested(outcomeSkipped)
	}

	if cand.Stub || policy.Artifacts == nil || o.Store == nil || out.Paper.ArtifactRef != nil {
		return out, nil
	}
	stored, err := o.attachArtifact(ctx, out.Paper, policy)
	out.Artifact = stored
	switch {
	case err == nil:
	case throttle.IsPermanent(err):
		log.Debug("Artefakt nicht verfügbar", zap.Error(err))
	default:
		o.Metrics.ingested(outcomeError)
		log.Warn("Artefakt-Download fehlgeschlagen, nur Metadaten gespeichert", zap.Error(err))
		return out, err
	}
	return out, nil
}

func validate(cand *models.Paper) error {
	if cand == nil {
		return fmt.Errorf("%w: nil candidate", ErrMalformedRecord)
	}
	NormalizeCandidate(cand)
	if cand.Source == "" {
		return fmt.Errorf("%w: missing source", ErrMalformedRecord)
	}
	hasID := cand.DOI != nil || cand.ExternalID != nil
	if cand.Title == "" && !(cand.Stub && hasID) {
		return fmt.Errorf("%w: missing title", ErrMalformedRecord)
	}
	if !hasID && cand.Fingerprint == "" {
		return fmt.Errorf("%w: no identity key", ErrMalformedRecord)
	}
	return nil
}

func identityKeys(cand *models.Paper) []string {
	var keys []string
	if cand.DOI != nil {
		keys = append(keys, "doi:"+*cand.DOI)
	}
	if cand.ExternalID != nil {
		keys = append(keys, "ext:"+cand.Source+":"+*cand.ExternalID)
	}
	if cand.Fingerprint != "" {
		keys = append(keys, "fp:"+cand.Fingerprint)
	}
	return keys
}

// rowLocker ist ein IdentityLookup, der gefundene Zeilen sperren kann.
type rowLocker interface {
	IdentityLookup
	LockPapers(ctx context.Context, ids []uint) error
}

// maxLockRounds begrenzt das erneute Auflösen nach dem Sperren.
const maxLockRounds = 3

// resolveLocked sperrt Survivor und absorbierte Zeilen und löst danach erneut
// auf, bis jede beteiligte Zeile gesperrt ist. Kandidaten mit disjunkten
// Schlüsseln, die auf dieselbe Zeile zeigen, laufen so nacheinander.
func resolveLocked(ctx context.Context, tx rowLocker, cand *models.Paper) (*Resolution, error) {
	locked := map[uint]bool{}
	for round := 0; round < maxLockRounds; round++ {
		res, err := Resolve(ctx, tx, cand)
		if err != nil || res.Decision == NewIdentity {
			return res, err
		}
		var missing []uint
		for _, id := range res.rowIDs() {
			if !locked[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return res, nil
		}
		if err := tx.LockPapers(ctx, missing); err != nil {
			return nil, err
		}
		for _, id := range missing {
			locked[id] = true
		}
	}
	return nil, throttle.MarkTransient(fmt.Errorf("identity rows kept changing after %d lock rounds", maxLockRounds))
}

// persist führt Identitätsprüfung und Schreibzugriff atomar aus.
func (o *Orchestrator) persist(ctx context.Context, cand *models.Paper) (*Outcome, error) {
	var out *Outcome
	err := o.Repo.IdentityTx(ctx, identityKeys(cand), func(tx *storage.PaperRepository) error {
		res, err := resolveLocked(ctx, tx, cand)
		if err != nil {
			return err
		}

		if res.Decision == NewIdentity {
			row := *cand
			row.ID = 0
			row.ArtifactRef = nil
			row.MergedIntoID = nil
			if err := tx.Create(ctx, &row); err != nil {
				return err
			}
			out = &Outcome{Paper: &row, Decision: NewIdentity, Created: true}
			return nil
		}

		survivor := res.Survivor
		var absorbedIDs []uint
		enriched, rekeyed := false, false
		for _, a := range res.Absorb {
			takeExt := survivor.ExternalID == nil && a.ExternalID != nil && a.Source == survivor.Source
			e, r := MergeFields(survivor, a, takeExt)
			enriched, rekeyed = enriched || e, rekeyed || r
			if survivor.ArtifactRef == nil && a.ArtifactRef != nil && PermitsStorage(survivor.LicenseNormalized) {
				survivor.ArtifactRef = a.ArtifactRef
				enriched = true
			}
			if err := tx.Absorb(ctx, survivor, a, takeExt); err != nil {
				return err
			}
			absorbedIDs = append(absorbedIDs, a.ID)
		}

		conflict := ""
		if cand.DOI != nil && survivor.DOI != nil && *cand.DOI != *survivor.DOI {
			conflict = *cand.DOI
			o.Logger.Warn("DOI-Konflikt, Kandidaten-DOI wird nicht übernommen",
				zap.Uint("paper_id", survivor.ID), zap.String("doi", *survivor.DOI),
				zap.String("candidate_doi", conflict), zap.String("tier", res.Tier))
		}

		e, r := MergeFields(survivor, cand, !res.ExternalIDTaken)
		enriched, rekeyed = enriched || e, rekeyed || r
		if enriched || rekeyed {
			if err := tx.Save(ctx, survivor); err != nil {
				return err
			}
		}

		audit := &models.MergeAudit{
			PaperID:     survivor.ID,
			Tier:        res.Tier,
			Confidence:  Confidence(res.Tier),
			Ambiguous:   res.Decision == AmbiguousMerge,
			Enriched:    enriched,
			Rekeyed:     rekeyed,
			AbsorbedIDs: absorbedIDs,
			Source:      cand.Source,
			ExternalID:  cand.ExternalIDValue(),
			DOI:         cand.DOIValue(),
			Provenance:  cand.Provenance,

			ConflictingDOI: conflict,
		}
		if err := tx.RecordAudit(ctx, audit); err != nil {
			return err
		}
		out = &Outcome{
			Paper:    survivor,
			Decision: res.Decision,
			Tier:     res.Tier,
			Enriched: enriched,
			Absorbed: absorbedIDs,
		}
		return nil
	})
	return out, err
}

// attachArtifact prüft die Lizenz, lädt das Artefakt und hängt es in einer
// zweiten Transaktion an, nachdem die gespeicherte Lizenz erneut geprüft wurde.
func (o *Orchestrator) attachArtifact(ctx context.Context, row *models.Paper, policy Policy) (bool, error) {
	log := o.Logger.With(zap.Uint("paper_id", row.ID))

	if row.DownloadLink == "" && policy.Fallback != nil && row.DOI != nil {
		if err := o.locateFallback(ctx, row, policy.Fallback); err != nil {
			return false, err
		}
	}

	if !PermitsStorage(row.LicenseNormalized) {
		o.Metrics.ingested(outcomePolicyRejected)
		log.Debug("Lizenz erlaubt keine Ablage", zap.String("license", row.LicenseNormalized))
		return false, nil
	}

	data, err := throttle.Do(ctx, o.Throttle, SourceArtifacts, func(ctx context.Context) ([]byte, error) {
		return policy.Artifacts.FetchArtifact(ctx, row)
	})
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}

	key := storage.ArtifactKey(row.Source, artifactName(row))
	ref, err := throttle.Do(ctx, o.Throttle, SourceArtifactStore, func(ctx context.Context) (string, error) {
		return o.Store.Put(ctx, key, data)
	})
	if err != nil {
		return false, err
	}

	attached := false
	err = o.Repo.IdentityTx(ctx, identityKeys(row), func(tx *storage.PaperRepository) error {
		fresh, err := tx.FindByID(ctx, row.ID)
		if err != nil {
			return err
		}
		if !PermitsStorage(fresh.LicenseNormalized) {
			log.Warn("Lizenz hat sich geändert, Artefakt wird nicht verknüpft", zap.String("license", fresh.LicenseNormalized))
			return nil
		}
		attached, err = tx.SetArtifactRef(ctx, fresh.ID, ref)
		return err
	})
	if err != nil {
		return false, err
	}
	if attached {
		row.ArtifactRef = &ref
		o.Metrics.ingested(outcomeArtifact)
		log.Info("Artefakt gespeichert", zap.String("artifact_ref", ref))
	}
	return attached, nil
}

// locateFallback ergänzt Download-Link und Lizenz über den Fallback (Unpaywall).
func (o *Orchestrator) locateFallback(ctx context.Context, row *models.Paper, fb LinkLocator) error {
	type located struct{ link, license string }
	loc, err := throttle.Do(ctx, o.Throttle, fb.Name(), func(ctx context.Context) (located, error) {
		link, license, err := fb.Locate(ctx, *row.DOI)
		return located{link, license}, err
	})
	if err != nil {
		if throttle.IsPermanent(err) {
			o.Logger.Debug("Fallback ohne Ergebnis", zap.String("doi", *row.DOI), zap.Error(err))
			return nil
		}
		return err
	}
	if loc.link == "" {
		return nil
	}
	return o.Repo.IdentityTx(ctx, identityKeys(row), func(tx *storage.PaperRepository) error {
		fresh, err := tx.FindByID(ctx, row.ID)
		if err != nil {
			return err
		}
		if !MergeDownloadInfo(fresh, loc.link, loc.license) {
			*row = *fresh
			return nil
		}
		if err := tx.Save(ctx, fresh); err != nil {
			return err
		}
		*row = *fresh
		return nil
	})
}

// MergeDownloadInfo setzt Link und Lizenz, wo sie noch fehlen.
func MergeDownloadInfo(p *models.Paper, link, license string) bool {
	changed := false
	if p.DownloadLink == "" && link != "" {
		p.DownloadLink = link
		changed = true
	}
	if p.LicenseRaw == "" && license != "" {
		p.LicenseRaw = license
		p.LicenseNormalized = NormalizeLicense(license)
		changed = true
	}
	return changed
}

func artifactName(p *models.Paper) string {
	if id := p.ExternalIDValue(); id != "" {
		return id
	}
	if doi := p.DOIValue(); doi != "" {
		return doi
	}
	return fmt.Sprintf("paper-%d", p.ID)
}
