package providers

import (
	"strings"
)

// CanonicalID bildet den Identifier, unter dem ein Paper im Graph geführt wird:
// die normalisierte DOI, sonst "source:external_id".
func CanonicalID(doi, source, externalID string) string {
	if d := NormalizeDOI(doi); d != "" {
		return d
	}
	if source == "" || externalID == "" {
		return ""
	}
	return strings.ToLower(source) + ":" + strings.TrimSpace(externalID)
}

// ParseID zerlegt einen Identifier in DOI oder (source, external_id).
func ParseID(id string) (doi, source, externalID string) {
	id = strings.TrimSpace(id)
	if d := NormalizeDOI(id); strings.HasPrefix(d, "10.") {
		return d, "", ""
	}
	if src, ext, ok := strings.Cut(id, ":"); ok && src != "" && ext != "" {
		return "", strings.ToLower(src), ext
	}
	return "", "", ""
}

var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi.org/",
	"doi:",
}

// NormalizeDOI entfernt URL-Präfixe und Leerraum und schreibt klein.
func NormalizeDOI(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range doiPrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}
	return strings.Join(strings.Fields(s), "")
}
