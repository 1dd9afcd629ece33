package storage

import (
	"context"

	"gorm.io/gorm/clause"

	"paper-graph/models"
)

// Sweeps liefert alle gespeicherten Sweeps, nach Name sortiert.
func (r *PaperRepository) Sweeps(ctx context.Context) ([]models.Sweep, error) {
	var out []models.Sweep
	err := r.DB.WithContext(ctx).Order("name").Find(&out).Error
	return out, err
}

// SeedSweeps legt Sweeps an, deren Name noch nicht existiert. Bestehende
// Einträge bleiben unverändert. Rückgabe: Anzahl neu angelegter Sweeps.
func (r *PaperRepository) SeedSweeps(ctx context.Context, sweeps []models.Sweep) (int, error) {
	if len(sweeps) == 0 {
		return 0, nil
	}
	res := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&sweeps)
	return int(res.RowsAffected), res.Error
}
