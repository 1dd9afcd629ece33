package models

import (
	"time"
)

// PaperLink ist eine gerichtete Zitationskante: Source zitiert Target.
type PaperLink struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Kanonische Identifier ("10.x/y" für DOIs, sonst "source:id").
	SourceKey string `json:"source_key" gorm:"index:idx_paper_links_unique_edge,unique;size:512;not null"`
	TargetKey string `json:"target_key" gorm:"index:idx_paper_links_unique_edge,unique;size:512;not null"`

	SourcePaperID *uint `json:"source_paper_id,omitempty" gorm:"index"`
	TargetPaperID *uint `json:"target_paper_id,omitempty" gorm:"index"`

	Provider string `json:"provider"`
	RunID    string `json:"run_id" gorm:"size:64"`
}

func (PaperLink) TableName() string { return "paper_links" }
