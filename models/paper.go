package models

import (
	"time"

	"gorm.io/datatypes"
)

// Paper ist ein bibliografischer Datensatz im Korpus.
//
// Identitätsschlüssel sind DOI, (Source, ExternalID) und Fingerprint, in dieser
// Rangfolge. DOI und ExternalID sind Pointer, damit fehlende Werte als NULL
// gespeichert werden und nie mit den Unique-Indizes kollidieren.
type Paper struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Source      string  `json:"source" gorm:"size:50;not null;uniqueIndex:uq_source_external_id"`
	ExternalID  *string `json:"external_id,omitempty" gorm:"size:255;uniqueIndex:uq_source_external_id"`
	DOI         *string `json:"doi,omitempty" gorm:"column:doi;size:255;uniqueIndex"`
	Fingerprint string  `json:"fingerprint,omitempty" gorm:"size:64;index"`

	Title    string                      `json:"title"`
	Authors  datatypes.JSONSlice[string] `json:"authors"`
	Abstract string                      `json:"abstract,omitempty" gorm:"type:text"`
	Year     *int                        `json:"year,omitempty" gorm:"index"`
	Venue    string                      `json:"venue,omitempty"`

	LicenseRaw        string `json:"license_raw,omitempty"`
	LicenseNormalized string `json:"license_normalized" gorm:"size:32;index"`
	CitationCount     *int   `json:"citation_count,omitempty"`

	// DownloadLink ist der vom Provider gelieferte Volltext-Link (falls vorhanden).
	DownloadLink string `json:"download_link,omitempty"`
	// ArtifactRef ist der Speicherort des abgelegten Volltexts.
	ArtifactRef *string   `json:"artifact_ref,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`

	Provenance   string `json:"provenance,omitempty"`
	MergedIntoID *uint  `json:"merged_into_id,omitempty" gorm:"index"`

	// Gehört der Extraktions-/Zusammenfassungs-Pipeline.
	ParseStatus   string `json:"parse_status,omitempty"`
	SummaryStatus string `json:"summary_status,omitempty"`

	// Stub markiert einen Hydration-Kandidaten, der nur einen Identifier trägt.
	Stub bool `json:"-" gorm:"-"`
}

// TableName gibt den expliziten Tabellennamen zurück.
func (Paper) TableName() string {
	return "papers"
}

// DOIValue gibt die DOI oder "" zurück.
func (p *Paper) DOIValue() string {
	if p == nil || p.DOI == nil {
		return ""
	}
	return *p.DOI
}

// ExternalIDValue gibt die provider-lokale ID oder "" zurück.
func (p *Paper) ExternalIDValue() string {
	if p == nil || p.ExternalID == nil {
		return ""
	}
	return *p.ExternalID
}

// IsTombstone meldet, ob die Zeile in eine andere übernommen wurde.
func (p *Paper) IsTombstone() bool {
	return p != nil && p.MergedIntoID != nil
}

// StringPtr gibt nil für "" zurück, sonst &s.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IntPtr gibt &n zurück.
func IntPtr(n int) *int {
	return &n
}
