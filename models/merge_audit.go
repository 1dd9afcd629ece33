package models

import (
	"time"

	"gorm.io/datatypes"
)

// Identitätsstufen, die im Audit-Trail landen.
const (
	TierDOI         = "doi"
	TierExternalID  = "source_external_id"
	TierFingerprint = "fingerprint"
)

// MergeAudit hält fest, über welche Stufe ein Datensatz zugeordnet wurde.
// Fingerprint-Treffer (low confidence) lassen sich so später prüfen.
type MergeAudit struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	PaperID    uint   `json:"paper_id" gorm:"index;not null"`
	Tier       string `json:"tier" gorm:"size:32;index"`
	Confidence string `json:"confidence" gorm:"size:8"`
	Ambiguous  bool   `json:"ambiguous"`
	Enriched   bool   `json:"enriched"`
	Rekeyed    bool   `json:"rekeyed"`

	AbsorbedIDs datatypes.JSONSlice[uint] `json:"absorbed_ids,omitempty"`

	Source     string `json:"source"`
	ExternalID string `json:"external_id,omitempty"`
	DOI        string `json:"doi,omitempty"`
	Provenance string `json:"provenance,omitempty"`

	// ConflictingDOI ist die DOI des Kandidaten, wenn der Survivor schon eine
	// andere trägt. Sie wird nicht übernommen.
	ConflictingDOI string `json:"conflicting_doi,omitempty" gorm:"size:255"`
}

func (MergeAudit) TableName() string { return "merge_audits" }
