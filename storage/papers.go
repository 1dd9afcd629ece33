package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"paper-graph/config"
	"paper-graph/models"
)

// ErrNotFound meldet, dass kein (lebender) Datensatz existiert.
var ErrNotFound = errors.New("record not found")

// maxTombstoneHops begrenzt das Verfolgen von merged_into_id-Ketten.
const maxTombstoneHops = 8

// OpenPostgres öffnet die Korpus-Datenbank. Doppelte Schlüssel kommen als
// gorm.ErrDuplicatedKey zurück.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
}

// OpenSQLite öffnet eine SQLite-Datenbank (lokal und in Tests). Eine einzige
// Verbindung serialisiert alle Transaktionen.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Open wählt den Treiber anhand der Konfiguration.
func Open(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.DBDriver {
	case "", "postgres":
		return OpenPostgres(cfg.DSN())
	case "sqlite":
		return OpenSQLite(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

// Migrate legt alle Tabellen des Korpus an bzw. aktualisiert sie.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Paper{}, &models.PaperLink{}, &models.MergeAudit{}, &models.Sweep{})
}

// PaperRepository kapselt alle Zugriffe auf papers, paper_links und merge_audits.
type PaperRepository struct {
	DB *gorm.DB
}

// NewPaperRepository erstellt ein Repository auf db.
func NewPaperRepository(db *gorm.DB) *PaperRepository {
	return &PaperRepository{DB: db}
}

// IdentityTx führt fn in einer Transaktion aus. Auf PostgreSQL werden vorher
// transaktionsgebundene Advisory-Locks auf alle Identitätsschlüssel gesetzt
// (sortiert, damit sich zwei Schreiber nicht gegenseitig blockieren).
func (r *PaperRepository) IdentityTx(ctx context.Context, keys []string, fn func(tx *PaperRepository) error) error {
	keys = uniqueSorted(keys)
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			for _, k := range keys {
				if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", k).Error; err != nil {
					return fmt.Errorf("lock %q: %w", k, err)
				}
			}
		}
		return fn(&PaperRepository{DB: tx})
	})
}

// LockPapers sperrt die Zeilen ids bis zum Ende der Transaktion (SELECT ...
// FOR UPDATE in ID-Reihenfolge). Auf SQLite serialisiert schon die einzige
// Verbindung, dort ist das ein No-op.
func (r *PaperRepository) LockPapers(ctx context.Context, ids []uint) error {
	if len(ids) == 0 || r.DB.Dialector.Name() != "postgres" {
		return nil
	}
	sorted := slices.Sorted(slices.Values(ids))
	var locked []uint
	err := r.DB.WithContext(ctx).Model(&models.Paper{}).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("id IN ?", sorted).Order("id").
		Pluck("id", &locked).Error
	if err != nil {
		return fmt.Errorf("lock papers %v: %w", sorted, err)
	}
	return nil
}

func uniqueSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// follow löst Tombstones bis zur überlebenden Zeile auf.
func (r *PaperRepository) follow(ctx context.Context, p *models.Paper) (*models.Paper, error) {
	for i := 0; p.IsTombstone(); i++ {
		if i >= maxTombstoneHops {
			return nil, fmt.Errorf("paper %d: tombstone chain too long", p.ID)
		}
		var next models.Paper
		if err := r.DB.WithContext(ctx).First(&next, *p.MergedIntoID).Error; err != nil {
			return nil, wrapNotFound(err)
		}
		p = &next
	}
	return p, nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *PaperRepository) findOne(ctx context.Context, query string, args ...any) (*models.Paper, error) {
	var p models.Paper
	if err := r.DB.WithContext(ctx).Where(query, args...).Order("id").First(&p).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return r.follow(ctx, &p)
}

// FindByID lädt eine Zeile und folgt Tombstones.
func (r *PaperRepository) FindByID(ctx context.Context, id uint) (*models.Paper, error) {
	return r.findOne(ctx, "id = ?", id)
}

// FindByDOI sucht über die normalisierte DOI.
func (r *PaperRepository) FindByDOI(ctx context.Context, doi string) (*models.Paper, error) {
	return r.findOne(ctx, "doi = ?", doi)
}

// FindBySourceExternalID sucht über (source, external_id).
func (r *PaperRepository) FindBySourceExternalID(ctx context.Context, source, externalID string) (*models.Paper, error) {
	return r.findOne(ctx, "source = ? AND external_id = ?", source, externalID)
}

// FindByFingerprint liefert alle lebenden Zeilen mit diesem Fingerprint, älteste zuerst.
func (r *PaperRepository) FindByFingerprint(ctx context.Context, fingerprint string) ([]*models.Paper, error) {
	var rows []*models.Paper
	err := r.DB.WithContext(ctx).
		Where("fingerprint = ? AND merged_into_id IS NULL", fingerprint).
		Order("id").
		Find(&rows).Error
	return rows, err
}

// Create fügt eine neue Zeile ein.
func (r *PaperRepository) Create(ctx context.Context, p *models.Paper) error {
	return r.DB.WithContext(ctx).Create(p).Error
}

// Save schreibt alle Felder einer bestehenden Zeile.
func (r *PaperRepository) Save(ctx context.Context, p *models.Paper) error {
	return r.DB.WithContext(ctx).Save(p).Error
}

// Absorb macht absorbed zum Tombstone von survivor. Zitationskanten und
// Audit-Einträge werden auf survivor umgehängt. Übernimmt survivor den
// (source, external_id)-Schlüssel, wird er am Tombstone vorher freigegeben.
func (r *PaperRepository) Absorb(ctx context.Context, survivor, absorbed *models.Paper, releaseExternalID bool) error {
	db := r.DB.WithContext(ctx)
	updates := map[string]any{"merged_into_id": survivor.ID}
	if releaseExternalID {
		updates["external_id"] = nil
	}
	if err := db.Model(&models.Paper{}).Where("id = ?", absorbed.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("tombstone %d: %w", absorbed.ID, err)
	}
	absorbed.MergedIntoID = &survivor.ID
	if releaseExternalID {
		absorbed.ExternalID = nil
	}

	if err := db.Model(&models.PaperLink{}).Where("source_paper_id = ?", absorbed.ID).
		Update("source_paper_id", survivor.ID).Error; err != nil {
		return err
	}
	if err := db.Model(&models.PaperLink{}).Where("target_paper_id = ?", absorbed.ID).
		Update("target_paper_id", survivor.ID).Error; err != nil {
		return err
	}
	return db.Model(&models.MergeAudit{}).Where("paper_id = ?", absorbed.ID).
		Update("paper_id", survivor.ID).Error
}

// RecordAudit schreibt einen Merge-Audit-Eintrag.
func (r *PaperRepository) RecordAudit(ctx context.Context, a *models.MergeAudit) error {
	return r.DB.WithContext(ctx).Create(a).Error
}

// Audits liefert den Audit-Trail einer Zeile.
func (r *PaperRepository) Audits(ctx context.Context, paperID uint) ([]models.MergeAudit, error) {
	var out []models.MergeAudit
	err := r.DB.WithContext(ctx).Where("paper_id = ?", paperID).Order("id").Find(&out).Error
	return out, err
}

// SetArtifactRef setzt artifact_ref nur, wenn noch keiner gesetzt ist.
func (r *PaperRepository) SetArtifactRef(ctx context.Context, id uint, ref string) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&models.Paper{}).
		Where("id = ? AND artifact_ref IS NULL", id).
		Update("artifact_ref", ref)
	return res.RowsAffected > 0, res.Error
}

// UpsertLink legt eine Zitationskante an; existiert sie schon, passiert nichts.
func (r *PaperRepository) UpsertLink(ctx context.Context, link *models.PaperLink) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_key"}, {Name: "target_key"}},
		DoNothing: true,
	}).Create(link).Error
}

// LinksByKey liefert alle Kanten, an denen key beteiligt ist.
func (r *PaperRepository) LinksByKey(ctx context.Context, key string) ([]models.PaperLink, error) {
	var links []models.PaperLink
	err := r.DB.WithContext(ctx).
		Where("source_key = ? OR target_key = ?", key, key).
		Order("id").
		Find(&links).Error
	return links, err
}

// SearchFilter schränkt Search ein. Author sucht als Teilstring in der
// Autorenliste.
type SearchFilter struct {
	Terms    []string
	Author   string
	YearFrom int
	YearTo   int
	Source   string
	License  string
	Limit    int
}

const (
	defaultSearchLimit = 500
	maxSearchLimit     = 2000
)

// Search liefert lebende Zeilen, deren Titel oder Abstract einen der Begriffe
// enthält. Vor dem Limit wird nach Trefferzahl sortiert (Titel zählt doppelt),
// dann nach Zitationen und Alter. Die endgültige Reihenfolge bestimmt das Ranking.
func (r *PaperRepository) Search(ctx context.Context, f SearchFilter) ([]*models.Paper, error) {
	q := r.DB.WithContext(ctx).Model(&models.Paper{}).Where("merged_into_id IS NULL")
	var hits []string
	var hitArgs []any
	if len(f.Terms) > 0 {
		var clauses []string
		var args []any
		for _, t := range f.Terms {
			like := "%" + strings.ToLower(t) + "%"
			clauses = append(clauses, "LOWER(title) LIKE ? OR LOWER(abstract) LIKE ?")
			args = append(args, like, like)
			hits = append(hits, "CASE WHEN LOWER(title) LIKE ? THEN 2 ELSE 0 END + CASE WHEN LOWER(abstract) LIKE ? THEN 1 ELSE 0 END")
			hitArgs = append(hitArgs, like, like)
		}
		q = q.Where("("+strings.Join(clauses, " OR ")+")", args...)
	}
	if author := strings.ToLower(strings.TrimSpace(f.Author)); author != "" {
		q = q.Where("LOWER(CAST(authors AS TEXT)) LIKE ?", "%"+author+"%")
	}
	if f.YearFrom > 0 {
		q = q.Where("year >= ?", f.YearFrom)
	}
	if f.YearTo > 0 {
		q = q.Where("year <= ?", f.YearTo)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.License != "" {
		q = q.Where("license_normalized = ?", f.License)
	}
	limit := f.Limit
	if limit <= 0 || limit > maxSearchLimit {
		limit = defaultSearchLimit
	}
	order := "COALESCE(citation_count, 0) DESC, id DESC"
	if len(hits) > 0 {
		order = "(" + strings.Join(hits, " + ") + ") DESC, " + order
	}
	var rows []*models.Paper
	err := q.Clauses(clause.OrderBy{Expression: clause.Expr{SQL: order, Vars: hitArgs}}).
		Limit(limit).Find(&rows).Error
	return rows, err
}

// CountLive zählt alle Zeilen, die keine Tombstones sind.
func (r *PaperRepository) CountLive(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).Model(&models.Paper{}).Where("merged_into_id IS NULL").Count(&n).Error
	return n, err
}
