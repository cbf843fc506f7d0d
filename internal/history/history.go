// Package history - Build History Store
// Persists finished pipeline runs and the fixes they needed, backed by a
// local SQLite database.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// BuildRecord is one finished pipeline run.
type BuildRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProjectName string    `gorm:"index" json:"project_name"`
	Requirement string    `json:"requirement"`
	Status      string    `gorm:"index" json:"status"` // success, repaired, exhausted, error
	Attempts    int       `json:"attempts"`
	TasksTotal  int       `json:"tasks_total"`
	TasksFailed int       `json:"tasks_failed"`
	FileCount   int       `json:"file_count"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`

	Fixes []FixRecord `gorm:"constraint:OnDelete:CASCADE" json:"fixes,omitempty"`
}

// FixRecord is one fix applied during a build's repair loop.
type FixRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	BuildRecordID uint      `gorm:"index" json:"build_record_id"`
	Kind          string    `json:"kind"` // quick-fix rule name or "llm"
	Target        string    `json:"target,omitempty"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store wraps the history database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite history database at path and
// migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.AutoMigrate(&BuildRecord{}, &FixRecord{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Record persists a build and its fixes in one transaction.
func (s *Store) Record(rec *BuildRecord) error {
	return s.db.Create(rec).Error
}

// Builds returns the most recent builds for a project, newest first. An
// empty project name returns builds across all projects.
func (s *Store) Builds(project string, limit int) ([]BuildRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.Preload("Fixes").Order("id DESC").Limit(limit)
	if project != "" {
		q = q.Where("project_name = ?", project)
	}
	var out []BuildRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Build fetches one build with its fixes.
func (s *Store) Build(id uint) (*BuildRecord, error) {
	var rec BuildRecord
	if err := s.db.Preload("Fixes").First(&rec, id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
