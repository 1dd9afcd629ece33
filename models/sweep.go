package models

// Sweep ist eine gespeicherte Provider-Suche, die per Cron erneut läuft.
type Sweep struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	Name       string `json:"name" yaml:"name" gorm:"uniqueIndex;not null"`
	Source     string `json:"source" yaml:"source" gorm:"not null;default:'openalex'"`
	Query      string `json:"query" yaml:"query" gorm:"type:text;not null"`
	Author     string `json:"author,omitempty" yaml:"author"`
	YearStart  int    `json:"year_start,omitempty" yaml:"year_start"`
	YearEnd    int    `json:"year_end,omitempty" yaml:"year_end"`
	MaxResults int    `json:"max_results" yaml:"max_results" gorm:"default:10"`
}

// TableName gibt den expliziten Tabellennamen zurück.
func (Sweep) TableName() string {
	return "sweeps"
}
