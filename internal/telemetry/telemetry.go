// Package telemetry is ambient observability infrastructure (§7
// EXPANSION): a local sqlite store, via Gorm, persisting estimator
// bitrate-estimate changes and non-CancellationError error
// occurrences for later inspection. This is not "shipping telemetry"
// to a remote backend (an explicit Non-goal) and stores no segment
// bytes — only small structured rows describing what the engine
// observed.
//
// Grounded on mantonx-viewra's Gorm-over-sqlite persistence pattern
// (backend/data/plugins/audiodb_enricher/main.go's initDatabase/
// AutoMigrate), adapted from enrichment-cache rows to
// estimator/error-observation rows.
package telemetry

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	enginelog "github.com/dashflow/streamengine/internal/logger"
)

// ErrorObservation is one non-cancellation error the engine recorded,
// per §7's propagation policy.
type ErrorObservation struct {
	ID             uint   `gorm:"primaryKey"`
	Component      string `gorm:"size:64;index"`
	Code           string `gorm:"size:64;index"`
	RepresentationID string `gorm:"size:128"`
	Message        string `gorm:"type:text"`
	OccurredAt     time.Time `gorm:"index;autoCreateTime"`
}

// BitrateObservation is one bitrate_estimate_change / buffer-level
// sample pair reported by the estimator (§4.I, §7 ambient analytics).
type BitrateObservation struct {
	ID          uint      `gorm:"primaryKey"`
	TrackType   string    `gorm:"size:16;index"`
	Bitrate     int
	BufferLevel float64
	OccurredAt  time.Time `gorm:"index;autoCreateTime"`
}

// Store wraps a Gorm sqlite connection holding the engine's
// observability tables.
type Store struct {
	db  *gorm.DB
	log enginelog.Logger
}

// Open connects to (creating if absent) the sqlite database at path
// and auto-migrates the observability tables.
func Open(log enginelog.Logger, path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to connect to database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&ErrorObservation{}, &BitrateObservation{}); err != nil {
		return nil, fmt.Errorf("telemetry: failed to migrate database: %w", err)
	}
	return &Store{db: db, log: log.With("telemetry")}, nil
}

// RecordError persists one error occurrence. Callers are expected to
// have already filtered out engineerr.CancellationError (§7: "never
// surfaced to the host").
func (s *Store) RecordError(component, code, representationID, message string) {
	row := ErrorObservation{Component: component, Code: code, RepresentationID: representationID, Message: message}
	if err := s.db.Create(&row).Error; err != nil {
		s.log.Warnf("failed to record error observation: %v", err)
	}
}

// RecordBitrate persists one bitrate_estimate_change sample.
func (s *Store) RecordBitrate(trackType string, bitrate int, bufferLevel float64) {
	row := BitrateObservation{TrackType: trackType, Bitrate: bitrate, BufferLevel: bufferLevel}
	if err := s.db.Create(&row).Error; err != nil {
		s.log.Warnf("failed to record bitrate observation: %v", err)
	}
}

// RecentErrors returns the most recent n error observations, newest
// first.
func (s *Store) RecentErrors(n int) ([]ErrorObservation, error) {
	var rows []ErrorObservation
	if err := s.db.Order("occurred_at desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("telemetry: query recent errors: %w", err)
	}
	return rows, nil
}

// RecentBitrates returns the most recent n bitrate observations for a
// track type, newest first.
func (s *Store) RecentBitrates(trackType string, n int) ([]BitrateObservation, error) {
	var rows []BitrateObservation
	if err := s.db.Where("track_type = ?", trackType).Order("occurred_at desc").Limit(n).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("telemetry: query recent bitrates: %w", err)
	}
	return rows, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
