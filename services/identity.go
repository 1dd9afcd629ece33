package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"paper-graph/models"
	"paper-graph/providers"
	"paper-graph/storage"
)

// Decision ist das Ergebnis der Identitätsprüfung.
type Decision int

const (
	NewIdentity Decision = iota
	MatchExisting
	AmbiguousMerge
)

func (d Decision) String() string {
	switch d {
	case MatchExisting:
		return "match"
	case AmbiguousMerge:
		return "ambiguous"
	default:
		return "new"
	}
}

// Resolution beschreibt, wohin ein Kandidat gehört. Bei AmbiguousMerge sind
// Absorb die Zeilen, die in Survivor aufgehen müssen.
type Resolution struct {
	Decision Decision
	Survivor *models.Paper
	Tier     string
	Absorb   []*models.Paper
	// ExternalIDTaken ist gesetzt, wenn (source, external_id) des Kandidaten
	// bereits einer anderen Zeile als Survivor gehört.
	ExternalIDTaken bool
}

// IdentityLookup ist der Ausschnitt des Stores, den der Resolver braucht.
// Nicht gefundene Zeilen werden als storage.ErrNotFound gemeldet.
type IdentityLookup interface {
	FindByDOI(ctx context.Context, doi string) (*models.Paper, error)
	FindBySourceExternalID(ctx context.Context, source, externalID string) (*models.Paper, error)
	FindByFingerprint(ctx context.Context, fingerprint string) ([]*models.Paper, error)
}

// NormalizeDOI entfernt URL-Präfixe und Leerraum und schreibt klein.
func NormalizeDOI(s string) string {
	return providers.NormalizeDOI(s)
}

var foldTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold entfernt Diakritika, Satzzeichen und doppelten Leerraum.
func fold(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	var b strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// surname nimmt "Nachname, Vorname" oder sonst das letzte Token.
func surname(author string) string {
	if last, _, ok := strings.Cut(author, ","); ok {
		return fold(last)
	}
	parts := strings.Fields(fold(author))
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// Fingerprint ist der Hash aus normalisiertem Titel und sortierter Menge der
// Nachnamen. Ohne Titel gibt es keinen Fingerprint.
func Fingerprint(title string, authors []string) string {
	t := fold(title)
	if t == "" {
		return ""
	}
	seen := make(map[string]struct{}, len(authors))
	var names []string
	for _, a := range authors {
		n := surname(a)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	sort.Strings(names)
	sum := sha256.Sum256([]byte(t + "|" + strings.Join(names, "|")))
	return hex.EncodeToString(sum[:])
}

// NormalizeCandidate bringt Identitätsfelder eines Kandidaten in Normalform.
func NormalizeCandidate(p *models.Paper) {
	p.Source = strings.ToLower(strings.TrimSpace(p.Source))
	p.DOI = models.StringPtr(NormalizeDOI(p.DOIValue()))
	p.ExternalID = models.StringPtr(strings.TrimSpace(p.ExternalIDValue()))
	p.Title = strings.TrimSpace(p.Title)
	p.Fingerprint = Fingerprint(p.Title, p.Authors)
	p.LicenseNormalized = NormalizeLicense(p.LicenseRaw)
}

// Resolve ordnet einen normalisierten Kandidaten den bestehenden Zeilen zu.
//
// Stufen: DOI, (source, external_id), Fingerprint. Ohne DOI gewinnt der erste
// Treffer. Mit DOI werden alle verträglichen Treffer gesammelt; zeigen sie auf
// mehr als eine Zeile, ist das ein AmbiguousMerge und die DOI-Zeile (sonst die
// Zeile der höheren Stufe) überlebt.
func Resolve(ctx context.Context, lookup IdentityLookup, cand *models.Paper) (*Resolution, error) {
	doi := cand.DOIValue()
	ext := cand.ExternalIDValue()

	var byDOI, byExt *models.Paper
	var err error
	if doi != "" {
		if byDOI, err = found(lookup.FindByDOI(ctx, doi)); err != nil {
			return nil, err
		}
	}
	if ext != "" && cand.Source != "" {
		if byExt, err = found(lookup.FindBySourceExternalID(ctx, cand.Source, ext)); err != nil {
			return nil, err
		}
	}
	var byFP []*models.Paper
	if cand.Fingerprint != "" {
		if byFP, err = lookup.FindByFingerprint(ctx, cand.Fingerprint); err != nil {
			return nil, err
		}
	}

	compatible := func(row *models.Paper) bool {
		return doi == "" || row.DOI == nil || *row.DOI == doi
	}

	type hit struct {
		row  *models.Paper
		tier string
	}
	var hits []hit
	seen := map[uint]bool{}
	add := func(row *models.Paper, tier string) {
		if row == nil || seen[row.ID] {
			return
		}
		seen[row.ID] = true
		hits = append(hits, hit{row, tier})
	}

	add(byDOI, models.TierDOI)
	if byExt != nil && (compatible(byExt) || byDOI == nil) {
		add(byExt, models.TierExternalID)
	}
	for _, row := range byFP {
		if compatible(row) {
			add(row, models.TierFingerprint)
		}
	}

	if len(hits) == 0 {
		return &Resolution{Decision: NewIdentity}, nil
	}

	res := &Resolution{Decision: MatchExisting, Survivor: hits[0].row, Tier: hits[0].tier}
	if doi != "" && len(hits) > 1 {
		res.Decision = AmbiguousMerge
		for _, h := range hits[1:] {
			res.Absorb = append(res.Absorb, h.row)
		}
	}
	if byExt != nil && byExt.ID != res.Survivor.ID && !absorbs(res, byExt.ID) {
		res.ExternalIDTaken = true
	}
	return res, nil
}

// rowIDs liefert Survivor und absorbierte Zeilen.
func (res *Resolution) rowIDs() []uint {
	if res.Survivor == nil {
		return nil
	}
	ids := []uint{res.Survivor.ID}
	for _, a := range res.Absorb {
		ids = append(ids, a.ID)
	}
	return ids
}

func absorbs(res *Resolution, id uint) bool {
	for _, a := range res.Absorb {
		if a.ID == id {
			return true
		}
	}
	return false
}

func found(p *models.Paper, err error) (*models.Paper, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// Confidence liefert "low" für Fingerprint-Treffer, sonst "high".
func Confidence(tier string) string {
	if tier == models.TierFingerprint {
		return "low"
	}
	return "high"
}

// MergeFields überträgt Felder von src nach dst, ohne gesetzte Werte zu
// überschreiben. allowExternalID steuert, ob dst den Schlüssel (source,
// external_id) von src übernehmen darf. Rückgabe: ob Felder ergänzt wurden
// und ob dst neue Identitätsschlüssel bekommen hat.
func MergeFields(dst, src *models.Paper, allowExternalID bool) (enriched, rekeyed bool) {
	if dst.DOI == nil && src.DOI != nil {
		dst.DOI = models.StringPtr(*src.DOI)
		enriched, rekeyed = true, true
	}
	if allowExternalID && dst.ExternalID == nil && src.ExternalID != nil && dst.Source == src.Source {
		dst.ExternalID = models.StringPtr(*src.ExternalID)
		enriched, rekeyed = true, true
	}
	fillString := func(dstField *string, v string) {
		if *dstField == "" && v != "" {
			*dstField = v
			enriched = true
		}
	}
	fillString(&dst.Title, src.Title)
	fillString(&dst.Abstract, src.Abstract)
	fillString(&dst.Venue, src.Venue)
	fillString(&dst.DownloadLink, src.DownloadLink)
	if dst.LicenseRaw == "" && src.LicenseRaw != "" {
		dst.LicenseRaw = src.LicenseRaw
		dst.LicenseNormalized = NormalizeLicense(src.LicenseRaw)
		enriched = true
	}
	if dst.LicenseNormalized == "" {
		dst.LicenseNormalized = LicenseUnknown
	}
	if len(dst.Authors) == 0 && len(src.Authors) > 0 {
		dst.Authors = append(dst.Authors[:0:0], src.Authors...)
		enriched = true
	}
	if dst.Year == nil && src.Year != nil {
		dst.Year = models.IntPtr(*src.Year)
		enriched = true
	}
	if dst.CitationCount == nil && src.CitationCount != nil {
		dst.CitationCount = models.IntPtr(*src.CitationCount)
		enriched = true
	}
	if fp := Fingerprint(dst.Title, dst.Authors); fp != dst.Fingerprint {
		dst.Fingerprint = fp
		rekeyed = rekeyed || fp != ""
	}
	return enriched, rekeyed
}
