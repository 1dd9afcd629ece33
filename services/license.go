package services

import (
	"strings"
)

// Lizenz-Tokens des geschlossenen Vokabulars.
const (
	LicenseCCBYNCND     = "cc-by-nc-nd"
	LicenseCCBYNCSA     = "cc-by-nc-sa"
	LicenseCCBYNC       = "cc-by-nc"
	LicenseCCBYND       = "cc-by-nd"
	LicenseCCBYSA       = "cc-by-sa"
	LicenseCCBY         = "cc-by"
	LicenseCC0          = "cc0"
	LicensePublicDomain = "public-domain"
	LicenseUnknown      = "unknown"
)

type licenseRule struct {
	needle string
	token  string
}

// licenseRules wird der Reihe nach geprüft, die erste Regel gewinnt. Spezifische
// Varianten stehen daher vor ihren Präfixen (cc-by-nc-nd vor cc-by-nc vor cc-by).
var licenseRules = []licenseRule{
	{"cc-by-nc-nd", LicenseCCBYNCND},
	{"cc-by-nc-sa", LicenseCCBYNCSA},
	{"cc-by-nc", LicenseCCBYNC},
	{"cc-by-nd", LicenseCCBYND},
	{"cc-by-sa", LicenseCCBYSA},
	{"cc-by", LicenseCCBY},
	{"creative-commons-attribution-noncommercial-noderivatives", LicenseCCBYNCND},
	{"creative-commons-attribution-noncommercial-no-derivatives", LicenseCCBYNCND},
	{"creative-commons-attribution-noncommercial-sharealike", LicenseCCBYNCSA},
	{"creative-commons-attribution-noncommercial", LicenseCCBYNC},
	{"creative-commons-attribution-noderivatives", LicenseCCBYND},
	{"creative-commons-attribution-no-derivatives", LicenseCCBYND},
	{"creative-commons-attribution-sharealike", LicenseCCBYSA},
	{"creative-commons-attribution", LicenseCCBY},
	{"creativecommons.org/licenses/by-nc-nd", LicenseCCBYNCND},
	{"creativecommons.org/licenses/by-nc-sa", LicenseCCBYNCSA},
	{"creativecommons.org/licenses/by-nc", LicenseCCBYNC},
	{"creativecommons.org/licenses/by-nd", LicenseCCBYND},
	{"creativecommons.org/licenses/by-sa", LicenseCCBYSA},
	{"creativecommons.org/licenses/by", LicenseCCBY},
	{"creativecommons.org/publicdomain/zero", LicenseCC0},
	{"cc0", LicenseCC0},
	{"cc-zero", LicenseCC0},
	{"creativecommons.org/publicdomain/mark", LicensePublicDomain},
	{"public-domain", LicensePublicDomain},
	{"publicdomain", LicensePublicDomain},
}

// canonicalLicense macht Schreibweisen vergleichbar: "CC BY_SA 4.0" -> "cc-by-sa-4.0".
func canonicalLicense(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", "-", " ", "-", "\t", "-").Replace(s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return s
}

// NormalizeLicense bildet einen freien Lizenztext auf das Vokabular ab.
// Kein Treffer ergibt "unknown".
func NormalizeLicense(raw string) string {
	s := canonicalLicense(raw)
	if s == "" {
		return LicenseUnknown
	}
	for _, r := range licenseRules {
		if strings.Contains(s, r.needle) {
			return r.token
		}
	}
	return LicenseUnknown
}

// PermitsStorage entscheidet allein anhand des gespeicherten Tokens, ob ein
// Artefakt abgelegt oder ausgeliefert werden darf.
func PermitsStorage(token string) bool {
	return strings.HasPrefix(token, "cc-") || token == LicenseCC0 || token == LicensePublicDomain
}
